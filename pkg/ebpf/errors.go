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
	"errors"
	"fmt"
)

// Sentinel errors forming the core's error taxonomy. Callers match them with
// errors.Is; wrapping with fmt.Errorf("...: %w", ...) is expected at every
// call site that adds context.
var (
	ErrUnknownInterface  = errors.New("interface not available")
	ErrHookDisabled      = errors.New("hook not active for this probe")
	ErrCompilationFailed = errors.New("ebpf toolchain rejected program")
	ErrAttachFailed      = errors.New("kernel refused attach")
	ErrChainFull         = errors.New("hook chain is full")
	ErrAlreadyRunning    = errors.New("another DeChainy instance is already running, or a previous one crashed: " +
		"run 'ip link del DeChainy' and 'tc qdisc del dev <interface> clsact' for every interface in use before retrying")
	ErrNotRunning = errors.New("compiler is not running")
)

// CompilationError wraps ErrCompilationFailed with the raw toolchain
// diagnostic (clang/llc stderr) so callers can surface it to the probe
// author without string-matching the error text.
type CompilationError struct {
	Diagnostic string
}

func (e *CompilationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrCompilationFailed, e.Diagnostic)
}

func (e *CompilationError) Unwrap() error {
	return ErrCompilationFailed
}

// AttachError wraps ErrAttachFailed with the interface involved and the
// kernel's reason for refusing the attach.
type AttachError struct {
	Interface string
	Reason    string
}

func (e *AttachError) Error() string {
	return fmt.Sprintf("%s on %q: %s", ErrAttachFailed, e.Interface, e.Reason)
}

func (e *AttachError) Unwrap() error {
	return ErrAttachFailed
}
