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
	"fmt"

	"github.com/cilium/ebpf"
)

// DispatchMap is the subset of *ebpf.Map the Chain Manager needs to rewire a
// hook's tail-call dispatch entries. Narrowed to an interface, rather than
// the concrete cilium/ebpf type, so the slot-ID bookkeeping in this file can
// be exercised against a fake in tests without a real kernel map; *ebpf.Map
// satisfies it unchanged.
type DispatchMap interface {
	Update(key, value interface{}, flags ebpf.MapUpdateFlags) error
	Delete(key interface{}) error
	Close() error
}

// ChainManager maintains one hook's tail-call dispatch map: which chain slot
// points at which program's fd. The dispatch map is keyed by predecessor
// slot ID (the pivot's conceptual slot is 0): a probe's own slot ID is the
// key its wrapper tail-calls through, written when a successor attaches and
// overwritten or deleted when a neighbor is removed.
type ChainManager struct{}

func NewChainManager() *ChainManager { return &ChainManager{} }

// AllocateSlot pops the next free chain slot ID, FIFO: slots recycle in the
// order they were freed, never by smallest-available-ID.
func (c *ChainManager) AllocateSlot(h *HookSlot) (uint32, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.freeList) == 0 {
		return 0, ErrChainFull
	}
	id := h.freeList[0]
	h.freeList = h.freeList[1:]
	return id, nil
}

// releaseSlot returns id to the tail of the free-list. Caller must hold h.mu.
func (c *ChainManager) releaseSlot(h *HookSlot, id uint32) {
	h.freeList = append(h.freeList, id)
}

// Attach appends handle to the chain and points its predecessor (the pivot,
// slot 0, if handle is first) at handle's fd.
func (c *ChainManager) Attach(h *HookSlot, handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.Handles) >= MaxProgramsPerHook {
		return ErrChainFull
	}

	var predecessorSlot uint32
	if n := len(h.Handles); n > 0 {
		predecessorSlot = h.Handles[n-1].SlotID()
	}

	if err := h.DispatchMap.Update(predecessorSlot, int32(handle.EntryFD()), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("wiring chain slot %d: %w", predecessorSlot, err)
	}

	h.Handles = append(h.Handles, handle)
	return nil
}

// Detach removes handle from the chain, bridging over the gap it leaves: the
// predecessor's dispatch entry is repointed at the successor's fd, or, if
// handle was the tail, deleted so the chain terminates one slot earlier. The
// removed handle's own dispatch entry (pointing at what used to be its
// successor) is always deleted. The slot ID is returned to the free-list
// only after every map mutation has succeeded.
func (c *ChainManager) Detach(h *HookSlot, handle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, entry := range h.Handles {
		if entry == handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("handle with slot %d is not attached to this hook", handle.SlotID())
	}

	var predecessorSlot uint32
	if idx > 0 {
		predecessorSlot = h.Handles[idx-1].SlotID()
	}

	isTail := idx == len(h.Handles)-1
	if isTail {
		if err := h.DispatchMap.Delete(predecessorSlot); err != nil {
			return fmt.Errorf("deleting chain slot %d: %w", predecessorSlot, err)
		}
	} else {
		successorFD := int32(h.Handles[idx+1].EntryFD())
		if err := h.DispatchMap.Update(predecessorSlot, successorFD, ebpf.UpdateAny); err != nil {
			return fmt.Errorf("rewiring chain slot %d: %w", predecessorSlot, err)
		}
	}

	if err := h.DispatchMap.Delete(handle.SlotID()); err != nil && !isNotExist(err) {
		return fmt.Errorf("clearing chain slot %d: %w", handle.SlotID(), err)
	}

	h.Handles = append(h.Handles[:idx], h.Handles[idx+1:]...)
	c.releaseSlot(h, handle.SlotID())
	return nil
}

// Patch swaps oldHandle for newHandle in place. newHandle must carry the
// same chain slot ID as oldHandle, so the one dispatch entry that matters —
// the predecessor's, pointing at this slot's fd — is the only one that
// needs rewriting; the entry keyed by this slot's own ID (pointing at the
// successor) is untouched, since it never referenced a slot ID that
// changed.
func (c *ChainManager) Patch(h *HookSlot, oldHandle, newHandle Handle) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	idx := -1
	for i, entry := range h.Handles {
		if entry == oldHandle {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("handle with slot %d is not attached to this hook", oldHandle.SlotID())
	}
	if newHandle.SlotID() != oldHandle.SlotID() {
		return fmt.Errorf("patch must reuse slot %d, got %d", oldHandle.SlotID(), newHandle.SlotID())
	}

	var predecessorSlot uint32
	if idx > 0 {
		predecessorSlot = h.Handles[idx-1].SlotID()
	}
	if err := h.DispatchMap.Update(predecessorSlot, int32(newHandle.EntryFD()), ebpf.UpdateAny); err != nil {
		return fmt.Errorf("repointing chain slot %d: %w", predecessorSlot, err)
	}

	h.Handles[idx] = newHandle
	return nil
}

func isNotExist(err error) bool {
	return errors.Is(err, ebpf.ErrKeyNotExist)
}
