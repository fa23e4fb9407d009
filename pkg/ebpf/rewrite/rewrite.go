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

// Package rewrite implements the textual passes applied to probe source
// before compilation: comment stripping, dp_log expansion, REDIRECT
// resolution, map-attribute extraction, and shared/swap map cloning. Every
// pass is pure and safe to invoke concurrently for different probes.
package rewrite

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownInterface is returned, wrapped, when a REDIRECT(<ifname>) names
// an interface that does not resolve on this host.
var ErrUnknownInterface = errors.New("unknown interface")

// MetricFeatures records the __attributes__(...) flags parsed off a single
// map declaration.
type MetricFeatures struct {
	Swap   bool
	Export bool
	Empty  bool
}

// Identity carries the values needed for cflag-facing sentinel substitution
// and error messages; the actual cflag list is assembled by the builder,
// not here.
type Identity struct {
	Direction     string // "ingress" or "egress"
	ModeMapSuffix string // "tc" or "xdp", substituted for the MODE sentinel
}

// InterfaceResolver resolves an interface name to its numeric ifindex, used
// to rewrite REDIRECT(<ifname>) calls. Implementations should be the same
// netlink-backed lookup the Hook Attacher uses.
type InterfaceResolver func(name string) (int, error)

// Result is the rewriter's output: the (possibly cloned) source plus the
// feature map extracted from map declarations.
type Result struct {
	// Source is always produced: the original probe source after every
	// pass, wrapped with the shared helpers/wrapper preamble.
	Source string
	// CloneSource is non-empty only when at least one map in Source carries
	// the SWAP attribute.
	CloneSource string
	// Features maps map name to its parsed attributes.
	Features map[string]MetricFeatures
}

// Wrapper is injected (comment-stripped, sentinel-substituted) ahead of
// every rewritten probe; it defines
// the shared struct/macro surface (LOG_STRUCT, Metadata, PASS/DROP/REDIRECT,
// the internal_handler wrapper) that probe code relies on after rewrite.
// Supplied by the caller (normally internal/bpfsrc) so this package stays
// free of any particular helpers/wrapper text.
type Wrapper struct {
	Helpers string
	Body    string // the internal_handler wrapper itself
}

// Rewrite runs the four textual passes over source (comment stripping is
// applied first and unconditionally; see StripComments) and returns the
// rewritten program text plus any clone required for SWAP maps.
func Rewrite(source string, id Identity, resolve InterfaceResolver, wrapper Wrapper) (Result, error) {
	code := StripComments(source)

	code, err := ResolveRedirects(code, resolve)
	if err != nil {
		return Result{}, err
	}

	code = ExpandLogCalls(code)

	code = substituteSentinels(code, id)
	helpers := substituteSentinels(StripComments(wrapper.Helpers), id)
	body := substituteSentinels(StripComments(wrapper.Body), id)

	original, clone, features := ExtractMapAttributes(code)

	original = helpers + body + original
	result := Result{Source: original, Features: features}
	if clone != "" {
		result.CloneSource = helpers + body + clone
	}
	return result, nil
}

// substituteSentinels replaces the PROGRAM_TYPE and MODE sentinels the
// shared helpers/wrapper/probe text share, matching the direction and
// hook-kind this compile targets.
func substituteSentinels(code string, id Identity) string {
	code = strings.ReplaceAll(code, "PROGRAM_TYPE", id.Direction)
	code = strings.ReplaceAll(code, "MODE", id.ModeMapSuffix)
	return code
}

// ApplySentinels runs the same PROGRAM_TYPE/MODE substitution Rewrite
// applies to a probe's wrapper/helpers text against standalone source, such
// as the pivot program, which never goes through the rest of the pipeline.
func ApplySentinels(code string, id Identity) string {
	return substituteSentinels(code, id)
}

// IdentityFor builds the Identity used for sentinel substitution: egress
// always rewrites to the TC map suffix regardless of the requested mode,
// matching the kernel's lack of an egress XDP hook.
func IdentityFor(direction string, isXDP bool) Identity {
	suffix := "tc"
	if isXDP && direction == "ingress" {
		suffix = "xdp"
	}
	return Identity{Direction: direction, ModeMapSuffix: suffix}
}

// errUnknownInterface formats the wrapped ErrUnknownInterface used by
// ResolveRedirects.
func errUnknownInterface(name string) error {
	return fmt.Errorf("interface %q not available: %w", name, ErrUnknownInterface)
}
