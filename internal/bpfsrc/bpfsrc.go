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

// Package bpfsrc embeds the C text shared by every compiled probe: the
// struct/macro preamble, the internal_handler wrapper, the pivot program,
// and the one-shot startup object that defines the dispatcher's perf maps.
package bpfsrc

import (
	_ "embed"

	"github.com/dechainy-go/dechainy/pkg/ebpf/rewrite"
)

//go:embed templates/bpf_shim.h
var shim string

//go:embed templates/helpers.h
var helpers string

//go:embed templates/wrapper.c
var wrapperBody string

//go:embed templates/pivot.c
var pivotSource string

//go:embed templates/startup.c
var startupSource string

// Wrapper returns the helpers/wrapper pair the rewriter injects ahead of
// every probe's own source. Helpers carries the freestanding BPF type/helper
// shim ahead of the dispatcher's own struct/macro surface, since nothing
// else in the compile pipeline supplies linux/bpf.h or libbpf's headers.
func Wrapper() rewrite.Wrapper {
	return rewrite.Wrapper{Helpers: shim + helpers, Body: wrapperBody}
}

// Pivot returns the pivot program source, prefixed with the same BPF shim
// every other compile gets, still carrying the PROGRAM_TYPE and MODE
// sentinels the rewriter's identity substitution fills in.
func Pivot() string {
	return shim + pivotSource
}

// Startup returns the source compiled once at controller Init to create the
// log_buffer and control_plane maps ahead of any probe.
func Startup() string {
	return shim + startupSource
}
