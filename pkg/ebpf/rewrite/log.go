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
	"regexp"
	"strconv"
	"strings"
)

// dpLogPattern captures a dp_log(LEVEL, "fmt", args...); call: group 1 is
// the level, group 2 the rest of the argument list (format string plus up
// to four integer args).
var dpLogPattern = regexp.MustCompile(`dp_log\(\s*([A-Za-z_][A-Za-z0-9_]*)\s*,(.*?)\)\s*;`)

// ExpandLogCalls rewrites every dp_log(LEVEL, fmt, args...) call into a
// level-gated block that fills a log record and submits it to the
// log_buffer perf map. The level comparison is a compile-time guard
// (LOG_LEVEL is a cflag), so disabled levels leave no runtime cost.
func ExpandLogCalls(code string) string {
	matches := dpLogPattern.FindAllStringSubmatchIndex(code, -1)
	if len(matches) == 0 {
		return code
	}
	for i := len(matches) - 1; i >= 0; i-- {
		m := matches[i]
		start, end := m[0], m[1]
		level := code[m[2]:m[3]]
		rest := strings.TrimSpace(code[m[4]:m[5]])
		args := splitTopLevelArgs(rest)

		var b strings.Builder
		b.WriteString("if (")
		b.WriteString(level)
		b.WriteString(" <= LOG_LEVEL) {")
		b.WriteString("LOG_STRUCT")
		b.WriteString(" msg_struct.level = ")
		b.WriteString(level)
		b.WriteString(";")
		if len(args) > 0 {
			fmtLiteral := strings.TrimSpace(args[0])
			b.WriteString(" __builtin_memcpy(msg_struct.message, ")
			b.WriteString(fmtLiteral)
			b.WriteString(", sizeof(msg_struct.message) < sizeof(")
			b.WriteString(fmtLiteral)
			b.WriteString(") ? sizeof(msg_struct.message) : sizeof(")
			b.WriteString(fmtLiteral)
			b.WriteString("));")
			for argIdx, arg := range args[1:] {
				if argIdx >= 4 {
					break
				}
				b.WriteString(" msg_struct.args[")
				b.WriteString(strconv.Itoa(argIdx))
				b.WriteString("] = (u64)(")
				b.WriteString(strings.TrimSpace(arg))
				b.WriteString(");")
			}
		}
		b.WriteString(" bpf_perf_event_output(ctx, &log_buffer, BPF_F_CURRENT_CPU, &msg_struct, sizeof(msg_struct));")
		b.WriteString("}")

		code = code[:start] + b.String() + code[end:]
	}
	return code
}

// splitTopLevelArgs splits a C argument list on commas that are not nested
// inside parentheses or string literals.
func splitTopLevelArgs(s string) []string {
	var args []string
	depth := 0
	inString := false
	last := 0
	for i, r := range s {
		switch r {
		case '"':
			inString = !inString
		case '(':
			if !inString {
				depth++
			}
		case ')':
			if !inString {
				depth--
			}
		case ',':
			if !inString && depth == 0 {
				args = append(args, s[last:i])
				last = i + 1
			}
		}
	}
	if strings.TrimSpace(s[last:]) != "" {
		args = append(args, s[last:])
	}
	return args
}
