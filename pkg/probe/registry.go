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

package probe

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrPluginNotFound = errors.New("plugin not found")
	ErrProbeNotFound  = errors.New("probe not found")
	ErrProbeExists    = errors.New("probe already exists")
	ErrNoCodeProbe    = errors.New("probe declares neither an ingress nor an egress source")
	// ErrInvalidPlugin is matched by the plugin-directory layers sitting in
	// front of this registry when a plugin's on-disk shape is unusable.
	ErrInvalidPlugin = errors.New("plugin is not valid")
)

// Registry assigns the stable (plugin_id, probe_id) pair the Event
// Dispatcher demuxes on, and resolves it back to a live Probe.
//
// IDs are dense insertion-order indices — plugin_id is the order plugins
// were first registered in, probe_id the order probes were registered
// within that plugin — matching the Data Plane's own assignment so a
// record's metadata always indexes a slot that once existed. Removal never
// renumbers or reuses a slot: it tombstones it in place, so a dispatch
// record racing a concurrent removal either finds the probe or cleanly
// misses it, never lands on a different probe that shifted into its index.
type Registry struct {
	mu      sync.RWMutex
	plugins []pluginEntry
	byName  map[string]int
}

type pluginEntry struct {
	name       string
	tombstoned bool
	// generation changes every time a fully-removed plugin name is
	// reregistered, reusing the same dense pidx. A Handle captured before
	// the revival carries the old generation, so a caller that held onto
	// one across a remove/reregister cycle gets a clean miss instead of
	// silently resolving to the new occupant of the same index.
	generation uuid.UUID
	probes     []probeEntry
	byName     map[string]int
}

type probeEntry struct {
	name       string
	probe      Probe
	tombstoned bool
}

// Handle is the opaque identity Register hands back: the dense IDs the
// data-plane wire format carries, plus the plugin's generation at the time
// of registration. Callers that need to distinguish "this exact
// registration" from "whatever now occupies this index" (e.g. an API layer
// holding a probe across a remove/reregister race) should keep the Handle,
// not the raw IDs.
type Handle struct {
	PluginID   uint32
	ProbeID    uint32
	Generation uuid.UUID
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register assigns plugin_id/probe_id for a new probe, creating the
// plugin's entry on first use. Reviving a plugin whose every probe was
// previously removed reuses the same dense pidx but mints a fresh
// generation, so a Handle captured under the old instance never resolves
// against the new one.
func (r *Registry) Register(pluginName, probeName string, p Probe) (pluginID, probeID uint32, err error) {
	h, err := r.RegisterHandle(pluginName, probeName, p)
	if err != nil {
		return 0, 0, err
	}
	return h.PluginID, h.ProbeID, nil
}

// RegisterHandle is Register's full form, returning the generation-tagged
// Handle alongside the dense IDs.
func (r *Registry) RegisterHandle(pluginName, probeName string, p Probe) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pidx, ok := r.byName[pluginName]
	if !ok {
		pidx = len(r.plugins)
		r.plugins = append(r.plugins, pluginEntry{
			name: pluginName, byName: make(map[string]int), generation: uuid.New(),
		})
		r.byName[pluginName] = pidx
	}
	plugin := &r.plugins[pidx]
	if plugin.tombstoned {
		plugin.generation = uuid.New()
	}
	plugin.tombstoned = false

	if qidx, exists := plugin.byName[probeName]; exists && !plugin.probes[qidx].tombstoned {
		return Handle{}, fmt.Errorf("probe %s/%s: %w", pluginName, probeName, ErrProbeExists)
	}

	qidx := len(plugin.probes)
	plugin.probes = append(plugin.probes, probeEntry{name: probeName, probe: p})
	plugin.byName[probeName] = qidx

	return Handle{PluginID: uint32(pidx), ProbeID: uint32(qidx), Generation: plugin.generation}, nil
}

// Lookup resolves a (plugin_id, probe_id) pair to the probe currently
// occupying that slot. Returns false for a tombstoned or out-of-range slot
// — expected during a dispatch race with a concurrent removal, never a
// reason to panic.
func (r *Registry) Lookup(pluginID, probeID uint32) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(pluginID) >= len(r.plugins) {
		return nil, false
	}
	plugin := &r.plugins[pluginID]
	if plugin.tombstoned || int(probeID) >= len(plugin.probes) {
		return nil, false
	}
	entry := plugin.probes[probeID]
	if entry.tombstoned {
		return nil, false
	}
	return entry.probe, true
}

// LookupHandle is Lookup guarded by generation: a Handle minted before a
// full plugin removal-and-revival cycle misses even though its pidx has
// since been reused, where a bare (pluginID, probeID) Lookup could not
// tell the two instances apart.
func (r *Registry) LookupHandle(h Handle) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if int(h.PluginID) >= len(r.plugins) {
		return nil, false
	}
	plugin := &r.plugins[h.PluginID]
	if plugin.generation != h.Generation || plugin.tombstoned || int(h.ProbeID) >= len(plugin.probes) {
		return nil, false
	}
	entry := plugin.probes[h.ProbeID]
	if entry.tombstoned {
		return nil, false
	}
	return entry.probe, true
}

// IDs resolves the current dense (plugin_id, probe_id) pair for a
// registered probe by name, the form the eBPF compiler's cflags need.
func (r *Registry) IDs(pluginName, probeName string) (pluginID, probeID uint32, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pidx, ok := r.byName[pluginName]
	if !ok {
		return 0, 0, false
	}
	plugin := &r.plugins[pidx]
	qidx, ok := plugin.byName[probeName]
	if !ok || plugin.probes[qidx].tombstoned {
		return 0, 0, false
	}
	return uint32(pidx), uint32(qidx), true
}

// Remove tombstones a probe's slot. If every probe of the plugin is now
// tombstoned, the plugin itself is tombstoned too (its name becomes
// available again for Register, which revives the same plugin index under a
// fresh generation; removed probe indices are never reused).
func (r *Registry) Remove(pluginName, probeName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pidx, ok := r.byName[pluginName]
	if !ok {
		return fmt.Errorf("plugin %s: %w", pluginName, ErrPluginNotFound)
	}
	plugin := &r.plugins[pidx]
	qidx, ok := plugin.byName[probeName]
	if !ok || plugin.probes[qidx].tombstoned {
		return fmt.Errorf("probe %s/%s: %w", pluginName, probeName, ErrProbeNotFound)
	}

	plugin.probes[qidx].tombstoned = true
	plugin.probes[qidx].probe = nil

	allTombstoned := true
	for _, e := range plugin.probes {
		if !e.tombstoned {
			allTombstoned = false
			break
		}
	}
	plugin.tombstoned = allTombstoned
	return nil
}

// Get returns the probe registered under (pluginName, probeName).
func (r *Registry) Get(pluginName, probeName string) (Probe, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pidx, ok := r.byName[pluginName]
	if !ok {
		return nil, false
	}
	plugin := &r.plugins[pidx]
	qidx, ok := plugin.byName[probeName]
	if !ok || plugin.probes[qidx].tombstoned {
		return nil, false
	}
	return plugin.probes[qidx].probe, true
}
