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

import "sync"

// InterfaceRegistry tracks every interface the controller has touched,
// keyed by ifindex. Guarded by a single lock: the registry is consulted
// before any per-interface lock is taken, never the other way around.
type InterfaceRegistry struct {
	mu         sync.Mutex
	interfaces map[int]*InterfaceHolder
}

func NewInterfaceRegistry() *InterfaceRegistry {
	return &InterfaceRegistry{interfaces: make(map[int]*InterfaceHolder)}
}

// GetOrCreate returns the holder for ifindex, creating it on first use.
func (r *InterfaceRegistry) GetOrCreate(name string, ifindex int) *InterfaceHolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.interfaces[ifindex]; ok {
		return h
	}
	h := NewInterfaceHolder(name, ifindex)
	r.interfaces[ifindex] = h
	return h
}

// Get returns the holder for ifindex, if one has been created.
func (r *InterfaceRegistry) Get(ifindex int) (*InterfaceHolder, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.interfaces[ifindex]
	return h, ok
}

// DropIfEmpty removes the holder for ifindex once every hook on it is
// empty, so a later probe on the same interface starts from a clean state
// instead of inheriting a stale XDP-mode or offload-device pin.
func (r *InterfaceRegistry) DropIfEmpty(ifindex int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.interfaces[ifindex]
	if !ok {
		return
	}
	if h.Empty() {
		delete(r.interfaces, ifindex)
	}
}

// List returns every currently tracked interface holder.
func (r *InterfaceRegistry) List() []*InterfaceHolder {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*InterfaceHolder, 0, len(r.interfaces))
	for _, h := range r.interfaces {
		out = append(out, h)
	}
	return out
}
