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
	"testing"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/require"
)

// fakeDispatchMap is an in-memory stand-in for the chain's program-array map,
// letting ChainManager's slot bookkeeping be exercised without a real kernel
// map or loaded programs.
type fakeDispatchMap struct {
	entries map[uint32]int32
	closed  bool
}

func newFakeDispatchMap() *fakeDispatchMap {
	return &fakeDispatchMap{entries: map[uint32]int32{}}
}

func (f *fakeDispatchMap) Update(key, value interface{}, _ ebpf.MapUpdateFlags) error {
	f.entries[key.(uint32)] = value.(int32)
	return nil
}

func (f *fakeDispatchMap) Delete(key interface{}) error {
	k := key.(uint32)
	if _, ok := f.entries[k]; !ok {
		return ebpf.ErrKeyNotExist
	}
	delete(f.entries, k)
	return nil
}

func (f *fakeDispatchMap) Close() error {
	f.closed = true
	return nil
}

// fakeHandle is a Handle that never touches the kernel: its fd is just a
// label distinguishing one probe from another in dispatch-map assertions.
type fakeHandle struct {
	slot uint32
	fd   int
}

func (f *fakeHandle) SlotID() uint32 { return f.slot }
func (f *fakeHandle) EntryFD() int   { return f.fd }
func (f *fakeHandle) Close() error   { return nil }

// newTestHookSlot builds a HookSlot already past pivot injection, as every
// HookSlot the Chain Manager operates on is in production.
func newTestHookSlot() *HookSlot {
	slot := NewHookSlot()
	slot.DispatchMap = newFakeDispatchMap()
	return slot
}

// TestChainManager_AttachRemoveReattach exercises the scenario the Pivot/
// Chain Manager must get right: attach three probes, remove the middle one,
// then attach a fourth. Removing the middle probe must bridge its
// predecessor's dispatch entry straight to its successor, and the fourth
// probe's slot comes from the FIFO free-list, so it gets the next
// never-issued ID rather than the one just freed.
func TestChainManager_AttachRemoveReattach(t *testing.T) {
	slot := newTestHookSlot()
	chain := NewChainManager()
	dispatch := slot.DispatchMap.(*fakeDispatchMap)

	slotA, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.EqualValues(t, 1, slotA)
	a := &fakeHandle{slot: slotA, fd: 100}
	require.NoError(t, chain.Attach(slot, a))
	require.Equal(t, int32(100), dispatch.entries[0], "pivot slot 0 must point at the first probe")

	slotB, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.EqualValues(t, 2, slotB)
	b := &fakeHandle{slot: slotB, fd: 200}
	require.NoError(t, chain.Attach(slot, b))
	require.Equal(t, int32(200), dispatch.entries[slotA], "A's slot must now point at B")

	slotC, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.EqualValues(t, 3, slotC)
	c := &fakeHandle{slot: slotC, fd: 300}
	require.NoError(t, chain.Attach(slot, c))
	require.Equal(t, int32(300), dispatch.entries[slotB], "B's slot must now point at C")

	require.NoError(t, chain.Detach(slot, b))
	require.Equal(t, int32(300), dispatch.entries[slotA], "removing B must bridge A directly to C")
	_, stillPresent := dispatch.entries[slotB]
	require.False(t, stillPresent, "B's own dispatch entry must be cleared")
	require.Equal(t, []Handle{a, c}, slot.Handles)

	slotD, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.EqualValues(t, 4, slotD, "slots never yet handed out are assigned before a freed one is recycled")
	d := &fakeHandle{slot: slotD, fd: 400}
	require.NoError(t, chain.Attach(slot, d))
	require.Equal(t, int32(400), dispatch.entries[slotC], "D is appended after C, so C's slot must point at D")
	require.Equal(t, []Handle{a, c, d}, slot.Handles)
}

// TestChainManager_SlotRecycleFIFO drains the free-list, releases two slots
// out of order, and confirms they're handed back out in the order they were
// released rather than by slot ID.
func TestChainManager_SlotRecycleFIFO(t *testing.T) {
	slot := newTestHookSlot()
	chain := NewChainManager()

	ids := make([]uint32, MaxProgramsPerHook)
	for i := range ids {
		id, err := chain.AllocateSlot(slot)
		require.NoError(t, err)
		ids[i] = id
	}
	_, err := chain.AllocateSlot(slot)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrChainFull))

	slot.mu.Lock()
	chain.releaseSlot(slot, ids[10])
	chain.releaseSlot(slot, ids[3])
	slot.mu.Unlock()

	first, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.Equal(t, ids[10], first, "released first, so recycled first")

	second, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	require.Equal(t, ids[3], second)
}

// TestChainManager_DetachTail exercises the other branch Detach takes: the
// removed probe is the chain's tail, so its predecessor's dispatch entry is
// deleted outright rather than rewired to a successor.
func TestChainManager_DetachTail(t *testing.T) {
	slot := newTestHookSlot()
	chain := NewChainManager()
	dispatch := slot.DispatchMap.(*fakeDispatchMap)

	slotA, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	a := &fakeHandle{slot: slotA, fd: 100}
	require.NoError(t, chain.Attach(slot, a))

	require.NoError(t, chain.Detach(slot, a))
	_, stillPresent := dispatch.entries[0]
	require.False(t, stillPresent, "the pivot's dispatch entry must be deleted once the chain empties")
	require.Empty(t, slot.Handles)
	require.True(t, slot.Empty())
}

// TestChainManager_Patch exercises in-place replacement: the new handle must
// reuse the old one's slot ID, and only the predecessor's entry is rewired.
func TestChainManager_Patch(t *testing.T) {
	slot := newTestHookSlot()
	chain := NewChainManager()
	dispatch := slot.DispatchMap.(*fakeDispatchMap)

	slotA, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	a := &fakeHandle{slot: slotA, fd: 100}
	require.NoError(t, chain.Attach(slot, a))

	slotB, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	b := &fakeHandle{slot: slotB, fd: 200}
	require.NoError(t, chain.Attach(slot, b))

	newA := &fakeHandle{slot: slotA, fd: 101}
	require.NoError(t, chain.Patch(slot, a, newA))
	require.Equal(t, int32(101), dispatch.entries[0])
	require.Equal(t, int32(200), dispatch.entries[slotA], "B's predecessor entry is unaffected by patching A")
	require.Equal(t, []Handle{newA, b}, slot.Handles)

	mismatched := &fakeHandle{slot: slotB + 1, fd: 999}
	err = chain.Patch(slot, newA, mismatched)
	require.Error(t, err, "patch must reject a replacement that doesn't reuse the slot ID")
}
