// Copyright 2024 The Inspektor Gadget authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package probe defines the capability every compiled probe implements and
// the registry that assigns it a stable (plugin_id, probe_id) pair.
package probe

import "github.com/dechainy-go/dechainy/pkg/ebpf"

// Probe is the capability every probe must implement: the two userspace
// callbacks the Event Dispatcher invokes when a data-plane record names
// this probe's (plugin_id, probe_id).
type Probe interface {
	// LogMessage handles a dp_log record: the level it was logged at, the
	// format string, and up to four integer arguments.
	LogMessage(meta ebpf.Metadata, level uint32, message string, args [4]uint64, cpu int)
	// HandlePacketCP handles a raw control-plane record forwarded by the
	// probe's own data-plane logic (e.g. a captured packet).
	HandlePacketCP(meta ebpf.Metadata, raw []byte, cpu int)
}

// PostCompilationHook is implemented optionally by probes that need to act
// once CompileHook has produced their ingress/egress handles, such as
// priming a metric from a freshly created EXPORT map before traffic flows.
type PostCompilationHook interface {
	PostCompilation(comp Compilation)
}
