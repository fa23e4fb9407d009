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
)

var redirectPattern = regexp.MustCompile(`return REDIRECT\(\s*([A-Za-z0-9_]+)\s*\)\s*;`)

// ResolveRedirects replaces every `return REDIRECT(<ifname>);` with an
// inline call to the kernel's redirect helper that passes the resolved
// numeric ifindex by value. Matches are processed from the end of the string so
// earlier replacements don't shift later match offsets.
func ResolveRedirects(code string, resolve InterfaceResolver) (string, error) {
	matches := redirectPattern.FindAllStringSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return code, nil
	}
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		start, end := m[0], m[1]
		ifname := code[m[2]:m[3]]

		idx, err := resolve(ifname)
		if err != nil {
			return "", errUnknownInterface(ifname)
		}
		snippet := fmt.Sprintf("return bpf_redirect(%d, 0);", idx)
		code = code[:start] + snippet + code[end:]
	}
	return code, nil
}
