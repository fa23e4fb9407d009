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

import "strings"

// StripComments removes //... and /*...*/ C comments from code, without
// touching look-alike sequences inside string or character literals. It is
// applied to every source the core ingests: probe code, the pivot, the
// wrapper, and the shared helpers.
func StripComments(code string) string {
	var out strings.Builder
	out.Grow(len(code))

	runes := []rune(code)
	n := len(runes)
	for i := 0; i < n; i++ {
		c := runes[i]

		switch {
		case c == '"' || c == '\'':
			quote := c
			out.WriteRune(c)
			i++
			for i < n {
				out.WriteRune(runes[i])
				if runes[i] == '\\' && i+1 < n {
					i++
					out.WriteRune(runes[i])
					i++
					continue
				}
				if runes[i] == quote {
					break
				}
				i++
			}
		case c == '/' && i+1 < n && runes[i+1] == '/':
			for i < n && runes[i] != '\n' {
				i++
			}
			if i < n {
				out.WriteRune('\n')
			}
		case c == '/' && i+1 < n && runes[i+1] == '*':
			i += 2
			for i+1 < n && !(runes[i] == '*' && runes[i+1] == '/') {
				if runes[i] == '\n' {
					out.WriteRune('\n')
				}
				i++
			}
			i++ // skip the '/'
		default:
			out.WriteRune(c)
		}
	}
	return out.String()
}
