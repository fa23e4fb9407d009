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
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/sirupsen/logrus"
)

// Toolchain turns rewritten C source plus cflags into a BPF ELF object. The
// default implementation shells out to clang and llc; any other
// implementation, such as a fake that skips the real compiler, can stand in
// for it.
type Toolchain interface {
	Compile(ctx context.Context, source string, cflags []string) ([]byte, error)
}

// ExecToolchain drives clang -emit-llvm piped into llc -march=bpf, the same
// two-stage pipeline BCC-less eBPF loaders use when there's no kernel
// headers dependency to lean on.
type ExecToolchain struct {
	Log *logrus.Entry
}

func NewExecToolchain(log *logrus.Entry) *ExecToolchain {
	return &ExecToolchain{Log: log}
}

func (t *ExecToolchain) Compile(ctx context.Context, source string, cflags []string) ([]byte, error) {
	clangArgs := append([]string{
		"-x", "c",
		"-D__KERNEL__",
		"-Wno-unused-value",
		"-Wno-pointer-sign",
		"-Wno-compare-distinct-pointer-types",
		"-O2",
		"-emit-llvm",
		"-c", "-", "-o", "-",
	}, cflags...)

	clang := exec.CommandContext(ctx, "clang", clangArgs...)
	clang.Stdin = bytes.NewBufferString(source)

	clangStdout, err := clang.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening clang stdout: %w", err)
	}
	clangStderr, err := clang.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("opening clang stderr: %w", err)
	}

	if err := clang.Start(); err != nil {
		return nil, fmt.Errorf("starting clang: %w", err)
	}

	var diagnostics bytes.Buffer
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanner := bufio.NewScanner(clangStderr)
		for scanner.Scan() {
			diagnostics.WriteString(scanner.Text())
			diagnostics.WriteByte('\n')
			if t.Log != nil {
				t.Log.Debugf("clang: %s", scanner.Text())
			}
		}
	}()

	llc := exec.CommandContext(ctx, "llc", "-march=bpf", "-filetype=obj", "-o", "-")
	llc.Stdin = clangStdout

	obj, llcErr := llc.Output()

	clangErr := clang.Wait()
	<-stderrDone

	if clangErr != nil {
		return nil, &CompilationError{Diagnostic: diagnostics.String()}
	}
	if llcErr != nil {
		msg := llcErr.Error()
		if exitErr, ok := llcErr.(*exec.ExitError); ok {
			msg = string(exitErr.Stderr)
		}
		return nil, &CompilationError{Diagnostic: diagnostics.String() + msg}
	}

	return obj, nil
}
