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
	"os"
	"strconv"
	"strings"
	"time"
)

// logLevels mirrors the numeric levels probes compare LOG_LEVEL against in
// dp_log(LEVEL, ...) invocations.
var logLevels = map[string]int{
	"DEBUG":    10,
	"INFO":     20,
	"WARNING":  30,
	"ERROR":    40,
	"CRITICAL": 50,
}

// epochBase is wall_clock_ns - monotonic_ns, computed once so Data Plane
// probes can translate bpf_ktime_get_ns() (monotonic) into wall-clock time
// without a syscall. Probes would go back to the ebpf.py original:
// int((time.time() * 1e9) - (uptime seconds * 1e9)).
func epochBase() (int64, error) {
	raw, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0, fmt.Errorf("reading /proc/uptime: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, fmt.Errorf("unexpected /proc/uptime contents %q", raw)
	}
	uptimeSeconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parsing uptime: %w", err)
	}
	wallNs := time.Now().UnixNano()
	monotonicNs := int64(uptimeSeconds * 1e9)
	return wallNs - monotonicNs, nil
}

// baseCflags are independent of direction, mode, or probe identity.
func baseCflags(epoch int64) []string {
	cflags := []string{
		"-w",
		fmt.Sprintf("-DMAX_PROGRAMS_PER_HOOK=%d", MaxProgramsPerHook),
		fmt.Sprintf("-DEPOCH_BASE=%d", epoch),
	}
	for name, value := range logLevels {
		cflags = append(cflags, fmt.Sprintf("-D%s=%d", name, value))
	}
	return cflags
}

// attachModeCflags covers the context type, action constants, and the XDP
// switch that let one probe source compile for either hook kind.
func attachModeCflags(mode Mode) []string {
	if mode.IsXDP() {
		return []string{
			"-DCTXTYPE=xdp_md",
			"-DBACK_TX=3",  // XDP_TX
			"-DPASS=2",     // XDP_PASS
			"-DDROP=1",     // XDP_DROP
			"-DREDIRECT=4", // XDP_REDIRECT
			"-DXDP=1",
		}
	}
	return []string{
		"-DCTXTYPE=__sk_buff",
		"-DBACK_TX=7",  // TC_ACT_REDIRECT, bounced out the ingress device
		"-DPASS=0",     // TC_ACT_OK
		"-DDROP=2",     // TC_ACT_SHOT
		"-DREDIRECT=7", // TC_ACT_REDIRECT
		"-DXDP=0",
	}
}

// probeCflags covers the per-probe identifiers the rewritten source reads
// to fill its Metadata record and to gate dp_log calls.
func probeCflags(slotID, pluginID, probeID uint32, dir Direction, logLevel string) []string {
	ingress := 0
	if dir == Ingress {
		ingress = 1
	}
	level, ok := logLevels[strings.ToUpper(logLevel)]
	if !ok {
		level = logLevels["INFO"]
	}
	return []string{
		fmt.Sprintf("-DPROGRAM_ID=%d", slotID),
		fmt.Sprintf("-DPLUGIN_ID=%d", pluginID),
		fmt.Sprintf("-DPROBE_ID=%d", probeID),
		fmt.Sprintf("-DINGRESS=%d", ingress),
		fmt.Sprintf("-DLOG_LEVEL=%d", level),
	}
}

// assembleCflags builds the full cflag list for a compile, in the order
// base, attach-mode, per-probe, then the probe's own declared cflags.
func assembleCflags(epoch int64, mode Mode, slotID, pluginID, probeID uint32, dir Direction, logLevel string, extra []string) []string {
	out := baseCflags(epoch)
	out = append(out, attachModeCflags(mode)...)
	out = append(out, probeCflags(slotID, pluginID, probeID, dir, logLevel)...)
	out = append(out, extra...)
	return out
}
