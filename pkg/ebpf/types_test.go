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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHookSlot_FreeListDisjointFromInUse checks the slot-ID bookkeeping
// invariant: at any point, IDs in use and IDs in the free-list are disjoint
// and together cover exactly 1..MaxProgramsPerHook.
func TestHookSlot_FreeListDisjointFromInUse(t *testing.T) {
	slot := newTestHookSlot()
	chain := NewChainManager()

	var handles []*fakeHandle
	for i := 0; i < 5; i++ {
		id, err := chain.AllocateSlot(slot)
		require.NoError(t, err)
		h := &fakeHandle{slot: id, fd: 100 + i}
		require.NoError(t, chain.Attach(slot, h))
		handles = append(handles, h)
	}
	require.NoError(t, chain.Detach(slot, handles[2]))

	seen := map[uint32]bool{}
	slot.mu.Lock()
	for _, h := range slot.Handles {
		id := h.SlotID()
		assert.False(t, seen[id])
		seen[id] = true
	}
	for _, id := range slot.freeList {
		assert.False(t, seen[id], "slot %d is both in use and free", id)
		seen[id] = true
	}
	slot.mu.Unlock()

	assert.Len(t, seen, MaxProgramsPerHook)
	for id := uint32(1); id <= MaxProgramsPerHook; id++ {
		assert.True(t, seen[id], "slot %d lost from the ID space", id)
	}
}

func TestInterfaceHolder_NegotiateXDP(t *testing.T) {
	h := NewInterfaceHolder("eth0", 2)

	first, err := h.NegotiateXDP(XDPDriver)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := h.NegotiateXDP(XDPDriver)
	require.NoError(t, err)
	assert.False(t, again, "a conforming second probe does not re-pin")

	_, err = h.NegotiateXDP(XDPGeneric)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAttachFailed), "the first probe's mode wins; a conflicting one is refused")

	h.ReleaseXDP()
	first, err = h.NegotiateXDP(XDPGeneric)
	require.NoError(t, err)
	assert.True(t, first, "once every XDP hook emptied, the next probe renegotiates from scratch")
}

func TestInterfaceHolder_HookSlotMapping(t *testing.T) {
	h := NewInterfaceHolder("eth0", 2)

	assert.Same(t, h.IngressTC, h.HookSlot(Ingress, TC))
	assert.Same(t, h.EgressTC, h.HookSlot(Egress, TC))
	assert.Same(t, h.IngressXDP, h.HookSlot(Ingress, XDPGeneric))
	assert.Same(t, h.IngressXDP, h.HookSlot(Ingress, XDPDriver), "every XDP variant shares the direction's one XDP slot")
	assert.Same(t, h.EgressXDP, h.HookSlot(Egress, XDPOffload))
}

func TestInterfaceHolder_Empty(t *testing.T) {
	h := NewInterfaceHolder("eth0", 2)
	require.True(t, h.Empty())

	chain := NewChainManager()
	slot := h.HookSlot(Ingress, TC)
	slot.DispatchMap = newFakeDispatchMap()
	id, err := chain.AllocateSlot(slot)
	require.NoError(t, err)
	handle := &fakeHandle{slot: id, fd: 1}
	require.NoError(t, chain.Attach(slot, handle))
	assert.False(t, h.Empty())

	require.NoError(t, chain.Detach(slot, handle))
	assert.True(t, h.Empty())
}

func TestMode_Properties(t *testing.T) {
	assert.False(t, TC.IsXDP())
	assert.True(t, XDPGeneric.IsXDP())
	assert.True(t, XDPOffload.IsXDP())
	assert.Equal(t, "XDP_SKB", XDPGeneric.String())
	assert.Equal(t, "TC", TC.String())
}
