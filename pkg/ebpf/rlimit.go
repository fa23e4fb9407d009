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

package ebpf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// removeMemlockRlimit lifts RLIMIT_MEMLOCK before the first program or map
// is loaded. Kernels without cgroup-based BPF memory accounting charge
// locked-memory against this limit, and a controller juggling up to
// MaxProgramsPerHook probes per hook across every interface on the host can
// exceed the default 64KiB well before anything else goes wrong.
func removeMemlockRlimit() error {
	limit := &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
	if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, limit); err != nil {
		return fmt.Errorf("removing RLIMIT_MEMLOCK: %w", err)
	}
	return nil
}
