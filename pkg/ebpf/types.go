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

// Package ebpf implements the eBPF compiler and hook multiplexer: it
// rewrites probe source, compiles it, and threads the result into a
// per-interface, per-direction, per-mode tail-call chain.
package ebpf

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"github.com/dechainy-go/dechainy/pkg/ebpf/rewrite"
)

// Direction is orthogonal to Mode: ingress or egress traffic on an
// interface.
type Direction string

const (
	Ingress Direction = "ingress"
	Egress  Direction = "egress"
)

// Mode identifies the attach mode requested for a hook.
type Mode int

const (
	// TC attaches via a clsact qdisc, direct-action filter.
	TC Mode = iota
	// XDPGeneric (alias XDP_SKB) forces the generic/SKB XDP path.
	XDPGeneric
	// XDPDriver (alias XDP_DRV) uses the native driver XDP path.
	XDPDriver
	// XDPOffload (alias XDP_HW) offloads the program to a supporting NIC.
	XDPOffload
)

func (m Mode) String() string {
	switch m {
	case TC:
		return "TC"
	case XDPGeneric:
		return "XDP_SKB"
	case XDPDriver:
		return "XDP_DRV"
	case XDPOffload:
		return "XDP_HW"
	default:
		return "unknown"
	}
}

// IsXDP reports whether m attaches through the XDP hook rather than TC.
func (m Mode) IsXDP() bool {
	return m != TC
}

// xdpFlag mirrors the kernel XDP_FLAGS_*_MODE bits; TC carries no flag.
func (m Mode) xdpFlag() link.XDPAttachFlags {
	switch m {
	case XDPGeneric:
		return link.XDPGenericMode
	case XDPDriver:
		return link.XDPDriverMode
	case XDPOffload:
		return link.XDPOffloadMode
	default:
		return 0
	}
}

// MaxProgramsPerHook bounds the number of probes (excluding the pivot) that
// may occupy one HookSlot. Chain slot IDs 1..MaxProgramsPerHook are
// available for probes; slot 0 belongs to the pivot.
const MaxProgramsPerHook = 32

// MetricFeatures records the __attributes__(...) flags parsed off a single
// map declaration during the rewrite pass. Aliased from pkg/ebpf/rewrite so
// callers on either side of the rewrite/compile boundary share one type.
type MetricFeatures = rewrite.MetricFeatures

// Metadata is the fixed-layout prefix emitted on every perf-buffer record
// so the Event Dispatcher can route it to the owning probe. Field order and
// sizes match the Data Plane's struct pkt_metadata (ifindex, length,
// ingress, xdp, program_id, plugin_id, probe_id); no compiler padding is
// introduced since the two single-byte fields keep the trailing u16s
// naturally aligned.
type Metadata struct {
	Ifindex   uint32
	Length    uint32
	Ingress   bool
	XDP       bool
	ProgramID uint16
	PluginID  uint16
	ProbeID   uint16
}

// MetadataSize is the wire size of Metadata in bytes.
const MetadataSize = 16

// DecodeMetadata parses the fixed Metadata prefix from a raw perf record.
func DecodeMetadata(buf []byte) (Metadata, error) {
	var m Metadata
	if len(buf) < MetadataSize {
		return m, fmt.Errorf("short metadata record: got %d bytes, want %d", len(buf), MetadataSize)
	}
	m.Ifindex = binary.LittleEndian.Uint32(buf[0:4])
	m.Length = binary.LittleEndian.Uint32(buf[4:8])
	m.Ingress = buf[8] != 0
	m.XDP = buf[9] != 0
	m.ProgramID = binary.LittleEndian.Uint16(buf[10:12])
	m.PluginID = binary.LittleEndian.Uint16(buf[12:14])
	m.ProbeID = binary.LittleEndian.Uint16(buf[14:16])
	return m, nil
}

// Program is a single compiled eBPF artifact bound to one
// (interface, direction, mode) triple. Kernel resources are released
// exactly once, via Close.
type Program struct {
	Interface     string
	Ifindex       int
	Direction     Direction
	Mode          Mode
	XDPFlags      link.XDPAttachFlags
	OffloadDevice string
	ChainSlotID   uint32
	Features      map[string]MetricFeatures

	// entry is the loaded "handler" function, the wrapper around the probe
	// author's internal_handler.
	entry *ebpf.Program
	// maps holds every map produced for this program, keyed by name as
	// declared in source (after rewrite).
	maps *ebpf.Collection

	mu        sync.Mutex
	destroyed bool
}

// FD returns the file descriptor of the program's entry function. Valid
// until Close is called.
func (p *Program) FD() int {
	return p.entry.FD()
}

// Map looks up a compiled map by name.
func (p *Program) Map(name string) (*ebpf.Map, bool) {
	m, ok := p.maps.Maps[name]
	return m, ok
}

// Close releases the program's kernel resources. Safe to call more than
// once; only the first call has effect.
func (p *Program) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.destroyed {
		return nil
	}
	p.destroyed = true
	if p.entry != nil {
		p.entry.Close()
	}
	if p.maps != nil {
		p.maps.Close()
	}
	return nil
}

// SwapPair is two Programs sharing one chain slot, alternating which half
// is live so userspace can read the inactive half's SWAP maps without
// contention. Created only when the probe's source declares at least one
// SWAP map.
type SwapPair struct {
	Programs [2]*Program
	// hook is the slot's owning chain: the pair's live fd sits in the
	// dispatch map under its current predecessor's key, which only the hook
	// knows (it changes as neighbors attach and detach).
	hook   *HookSlot
	slotID uint32

	mu     sync.Mutex
	active int
}

// NewSwapPair builds the pair with Programs[0] live. The caller threads it
// into hook's chain afterwards, like any other handle.
func NewSwapPair(p0, p1 *Program, hook *HookSlot) *SwapPair {
	return &SwapPair{
		Programs: [2]*Program{p0, p1},
		hook:     hook,
		slotID:   p0.ChainSlotID,
		active:   0,
	}
}

// TriggerRead flips the live half: the dispatch entry the chain reaches this
// pair through (its predecessor's key, slot 0 when the pair is first) is
// repointed at the other half's fd, so the data plane starts writing that
// half and the previously live one becomes safe to read.
func (s *SwapPair) TriggerRead() error {
	s.hook.mu.Lock()
	defer s.hook.mu.Unlock()

	idx := -1
	for i, h := range s.hook.Handles {
		if h == Handle(s) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("swap pair for slot %d is no longer attached", s.slotID)
	}
	var predecessorKey uint32
	if idx > 0 {
		predecessorKey = s.hook.Handles[idx-1].SlotID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := (s.active + 1) % 2
	fd := int32(s.Programs[next].FD())
	if err := s.hook.DispatchMap.Update(predecessorKey, fd, ebpf.UpdateExist); err != nil {
		return fmt.Errorf("updating dispatch map for swap: %w", err)
	}
	s.active = next
	return nil
}

// Features returns the feature set of either half (the two compile with
// identical SWAP/EXPORT/EMPTY annotations).
func (s *SwapPair) Features() map[string]MetricFeatures {
	return s.Programs[0].Features
}

// Map returns the map reference userspace should read: the currently
// inactive half. SWAP-annotated maps live under a "_1" suffix on the half
// that was cloned.
func (s *SwapPair) Map(name string) (*ebpf.Map, bool) {
	s.mu.Lock()
	inactive := (s.active + 1) % 2
	s.mu.Unlock()
	lookupName := name
	if inactive == 1 {
		if feat, ok := s.Features()[name]; ok && feat.Swap {
			lookupName = name + "_1"
		}
	}
	return s.Programs[inactive].Map(lookupName)
}

// Close releases both halves.
func (s *SwapPair) Close() error {
	s.Programs[0].Close()
	s.Programs[1].Close()
	return nil
}

// Handle is implemented by both *Program and *SwapPair: whatever
// CompileHook hands back to a probe.
type Handle interface {
	// SlotID returns the chain slot ID both representations share.
	SlotID() uint32
	// EntryFD returns the fd currently live in the dispatch map.
	EntryFD() int
	Close() error
}

func (p *Program) SlotID() uint32 { return p.ChainSlotID }
func (p *Program) EntryFD() int   { return p.entry.FD() }

func (s *SwapPair) SlotID() uint32 { return s.slotID }
func (s *SwapPair) EntryFD() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Programs[s.active].FD()
}

// HookSlot is one direction/mode bucket on one interface: the pivot, an
// ordered list of attached probes, and the free-list of available chain
// slot IDs. Guarded by its own lock, taken after the facade lock and the
// interface lock (see Compiler).
type HookSlot struct {
	mu sync.Mutex

	// Handles holds every attached probe, in insertion order. The pivot is
	// not a member of this list — it sits conceptually at slot 0 and is
	// tracked separately via Pivot.
	Handles     []Handle
	Pivot       *Program
	DispatchMap DispatchMap
	// PivotDetach reverses whichever kernel attachment (XDP link or TC
	// filter) the Hook Attacher made for Pivot. Set when the pivot is
	// injected, cleared (after being called) when the hook goes empty.
	PivotDetach func() error

	freeList []uint32
}

// NewHookSlot builds an empty slot with a full free-list.
func NewHookSlot() *HookSlot {
	free := make([]uint32, 0, MaxProgramsPerHook)
	for i := uint32(1); i <= MaxProgramsPerHook; i++ {
		free = append(free, i)
	}
	return &HookSlot{freeList: free}
}

// Empty reports whether the hook currently has no attached probes. The
// pivot, once injected, stays resident until Empty is true and the caller
// tears it down — so this must not itself test Pivot, or a hook could
// never be observed as empty after its first probe.
func (h *HookSlot) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Handles) == 0
}

// InterfaceHolder aggregates the four HookSlots for one interface, plus the
// shared XDP attach flags and offload device the first XDP probe pinned
// down for every later one on the same interface.
type InterfaceHolder struct {
	// mu guards XDPFlags/OffloadDevice negotiation; taken after the
	// Interface Registry's lock and before any HookSlot's.
	mu            sync.Mutex
	Name          string
	Ifindex       int
	XDPFlags      link.XDPAttachFlags
	OffloadDevice string

	IngressXDP *HookSlot
	IngressTC  *HookSlot
	EgressXDP  *HookSlot
	EgressTC   *HookSlot
}

// NewInterfaceHolder creates the four empty hook slots for an interface.
func NewInterfaceHolder(name string, ifindex int) *InterfaceHolder {
	return &InterfaceHolder{
		Name:       name,
		Ifindex:    ifindex,
		IngressXDP: NewHookSlot(),
		IngressTC:  NewHookSlot(),
		EgressXDP:  NewHookSlot(),
		EgressTC:   NewHookSlot(),
	}
}

// Empty reports whether all four hooks are empty, meaning the holder
// should be dropped from the Interface Registry.
func (h *InterfaceHolder) Empty() bool {
	return h.IngressXDP.Empty() && h.IngressTC.Empty() && h.EgressXDP.Empty() && h.EgressTC.Empty()
}

// NegotiateXDP pins the interface's XDP flag to mode the first time any
// probe attaches via XDP; every later XDP probe on the same interface must
// conform. Reports whether this call was the one that pinned it.
func (h *InterfaceHolder) NegotiateXDP(mode Mode) (firstUse bool, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.XDPFlags == 0 {
		h.XDPFlags = mode.xdpFlag()
		return true, nil
	}
	if h.XDPFlags != mode.xdpFlag() {
		return false, fmt.Errorf("%w: interface %s already runs XDP mode %d", ErrAttachFailed, h.Name, h.XDPFlags)
	}
	return false, nil
}

// ReleaseXDP clears the interface's pinned XDP flag once every XDP hook on
// it (ingress and egress) is empty.
func (h *InterfaceHolder) ReleaseXDP() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.IngressXDP.Empty() && h.EgressXDP.Empty() {
		h.XDPFlags = 0
		h.OffloadDevice = ""
	}
}

// HookSlot returns the slot for a given (direction, mode) pair, mapping
// every XDP variant onto the shared XDP slot for that direction.
func (h *InterfaceHolder) HookSlot(dir Direction, mode Mode) *HookSlot {
	switch {
	case dir == Ingress && mode.IsXDP():
		return h.IngressXDP
	case dir == Ingress && !mode.IsXDP():
		return h.IngressTC
	case dir == Egress && mode.IsXDP():
		return h.EgressXDP
	default:
		return h.EgressTC
	}
}
