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

package rewrite

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// mapDeclPattern matches a single-line BPF map definition: a
// `struct bpf_map_def SEC("maps") <name>` declaration, optionally carrying a
// trailing `__attributes__(...)` annotation. ExpandTableMacros runs ahead of
// this pattern to translate the probe-author-facing BPF_TABLE/BPF_QUEUESTACK/
// BPF_PERF declarations into this internal form.
var mapDeclPattern = regexp.MustCompile(`(?m)^.*SEC\("maps"\).*;\s*$`)

var mapNamePattern = regexp.MustCompile(`SEC\("maps"\)\s*([A-Za-z_][A-Za-z0-9_]*)`)

// bpfTableTypes maps a BPF_TABLE/BPF_QUEUESTACK kind string to the kernel's
// numeric bpf_map_type, matching the enum in linux/bpf.h.
var bpfTableTypes = map[string]int{
	"hash":             1,
	"array":            2,
	"prog":             3,
	"perf_array":       4,
	"perf_event_array": 4,
	"percpu_hash":      5,
	"percpu_array":     6,
	"lru_hash":         9,
	"lru_percpu_hash":  10,
	"lpm_trie":         11,
	"queue":            22,
	"stack":            23,
}

var bpfTablePattern = regexp.MustCompile(
	`BPF_TABLE\(\s*"([A-Za-z_]+)"\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*([0-9]+)\s*\)\s*(__attributes__\(+[^)]*\)+)?\s*;`)

var bpfQueuestackPattern = regexp.MustCompile(
	`BPF_QUEUESTACK\(\s*"([A-Za-z_]+)"\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*([A-Za-z_][A-Za-z0-9_]*)\s*,\s*([0-9]+)\s*\)\s*(__attributes__\(+[^)]*\)+)?\s*;`)

var bpfPerfPattern = regexp.MustCompile(
	`BPF_PERF\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*\)\s*(__attributes__\(+[^)]*\)+)?\s*;`)

// perfArrayDefaultEntries sizes a BPF_PERF map when the probe author gives no
// explicit count; the controller only ever reads log_buffer/control_plane
// (declared directly in helpers.h), so this only bounds probe-defined perf
// arrays and a generous fixed size avoids a second compile-time knob.
const perfArrayDefaultEntries = 128

// ExpandTableMacros translates the probe-author-facing BCC-style map
// declarations (BPF_TABLE, BPF_QUEUESTACK, BPF_PERF) into the
// `struct bpf_map_def SEC("maps") name = {...};` form ExtractMapAttributes
// recognizes, carrying any trailing __attributes__(...) annotation through
// unchanged. Declarations with no BCC macro (already in struct form) pass
// through untouched.
func ExpandTableMacros(code string) string {
	code = replaceAllSubmatch(code, bpfTablePattern, func(m []string) string {
		kind, keyType, valType, name, maxEntries, attrs := m[1], m[2], m[3], m[4], m[5], m[6]
		typ := bpfTableTypes[kind]
		return fmt.Sprintf(
			`struct bpf_map_def SEC("maps") %s = { .type = %d, .key_size = sizeof(%s), .value_size = sizeof(%s), .max_entries = %s }%s;`,
			name, typ, keyType, valType, maxEntries, attrSuffix(attrs))
	})

	code = replaceAllSubmatch(code, bpfQueuestackPattern, func(m []string) string {
		kind, valType, name, maxEntries, attrs := m[1], m[2], m[3], m[4], m[5]
		typ := bpfTableTypes[kind]
		return fmt.Sprintf(
			`struct bpf_map_def SEC("maps") %s = { .type = %d, .key_size = 0, .value_size = sizeof(%s), .max_entries = %s }%s;`,
			name, typ, valType, maxEntries, attrSuffix(attrs))
	})

	code = replaceAllSubmatch(code, bpfPerfPattern, func(m []string) string {
		name, attrs := m[1], m[2]
		return fmt.Sprintf(
			`struct bpf_map_def SEC("maps") %s = { .type = 4, .key_size = sizeof(u32), .value_size = sizeof(u32), .max_entries = %s }%s;`,
			name, strconv.Itoa(perfArrayDefaultEntries), attrSuffix(attrs))
	})

	return code
}

// attrSuffix returns a leading-space-prefixed attribute annotation to append
// after a struct initializer, or "" when the declaration carried none.
func attrSuffix(attrs string) string {
	if attrs == "" {
		return ""
	}
	return " " + attrs
}

// replaceAllSubmatch applies fn to every match of pattern in s, walking from
// the end so earlier offsets stay valid as each match is rewritten in place.
func replaceAllSubmatch(s string, pattern *regexp.Regexp, fn func(groups []string) string) string {
	locs := pattern.FindAllStringSubmatchIndex(s, -1)
	for i := len(locs) - 1; i >= 0; i-- {
		loc := locs[i]
		groups := make([]string, len(loc)/2)
		for g := range groups {
			start, end := loc[2*g], loc[2*g+1]
			if start < 0 {
				continue
			}
			groups[g] = s[start:end]
		}
		s = s[:loc[0]] + fn(groups) + s[loc[1]:]
	}
	return s
}

// ExtractMapAttributes scans code for BPF_TABLE/BPF_QUEUESTACK/BPF_PERF map
// declarations, strips any trailing __attributes__(SWAP|EXPORT|EMPTY)
// annotation, and records the parsed flags per map name. Every declared map
// gets a features entry; one with no annotation carries all-false flags.
//
// When at least one map in code needs SWAP, a second source (clone) is
// produced for the inactive half of the swap pair: every SWAP map is renamed
// with a "_1" suffix so it gets its own backing map. Non-SWAP declarations
// are carried into the clone unchanged; the builder unifies them onto the
// primary half's kernel maps at load time, so both halves read and write the
// same shared map. A probe with no SWAP maps gets no clone.
func ExtractMapAttributes(code string) (original string, clone string, features map[string]MetricFeatures) {
	code = ExpandTableMacros(code)
	locs := mapDeclPattern.FindAllStringIndex(code, -1)
	features = make(map[string]MetricFeatures)
	if len(locs) == 0 {
		return code, "", features
	}

	needSwap := false
	for _, loc := range locs {
		if strings.Contains(attributeFlags(code[loc[0]:loc[1]]), "SWAP") {
			needSwap = true
			break
		}
	}

	// Walk declarations from the end so earlier offsets stay valid as each
	// one is rewritten in place.
	for i := len(locs) - 1; i >= 0; i-- {
		start, end := locs[i][0], locs[i][1]
		decl := code[start:end]
		name := mapName(decl)

		strippedDecl := decl
		if idx := strings.Index(decl, "__attributes__"); idx >= 0 {
			flags := decl[idx:]
			strippedDecl = strings.TrimRight(decl[:idx], " \t") + ";"
			features[name] = MetricFeatures{
				Swap:   strings.Contains(flags, "SWAP"),
				Export: strings.Contains(flags, "EXPORT"),
				Empty:  strings.Contains(flags, "EMPTY"),
			}
		} else if _, seen := features[name]; !seen {
			features[name] = MetricFeatures{}
		}

		code = code[:start] + strippedDecl + code[end:]
	}

	if needSwap {
		clone = code
		for name, f := range features {
			if f.Swap {
				clone = strings.ReplaceAll(clone, name, name+"_1")
			}
		}
	}

	return code, clone, features
}

func mapName(decl string) string {
	m := mapNamePattern.FindStringSubmatch(decl)
	if m == nil {
		return ""
	}
	return m[1]
}

func attributeFlags(decl string) string {
	idx := strings.Index(decl, "__attributes__")
	if idx < 0 {
		return ""
	}
	return decl[idx:]
}
