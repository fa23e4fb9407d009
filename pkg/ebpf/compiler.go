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
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/cilium/ebpf"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/dechainy-go/dechainy/pkg/ebpf/rewrite"
)

// HookRequest is everything CompileHook needs beyond the wrapper/pivot
// sources the Compiler was built with.
type HookRequest struct {
	Interface string
	Direction Direction
	Mode      Mode
	Source    string
	Cflags    []string
	// Debug compiles the probe with debug info so verifier rejections carry
	// line-level context in their diagnostics.
	Debug    bool
	PluginID uint32
	ProbeID  uint32
	LogLevel string
}

// Compiler is the Controller Facade: the single entry point that threads a
// probe's source through the rewriter, the builder, the chain manager, and
// the hook attacher, and reverses every one of those steps on removal.
// Lock ordering when a call needs more than one: Compiler.mu, then the
// target InterfaceHolder's lock, then the target HookSlot's lock.
type Compiler struct {
	mu sync.Mutex

	Log       *logrus.Entry
	Toolchain Toolchain
	Wrapper   rewrite.Wrapper
	Pivot     string
	Startup   string

	registry *InterfaceRegistry
	chain    *ChainManager
	builder  *Builder
	attacher *Attacher

	epoch       int64
	startupColl *ebpf.Collection
	LogMap      *ebpf.Map
	ControlMap  *ebpf.Map

	running bool
}

func NewCompiler(toolchain Toolchain, wrapper rewrite.Wrapper, pivotSource, startupSource string, log *logrus.Entry) *Compiler {
	return &Compiler{
		Log:       log,
		Toolchain: toolchain,
		Wrapper:   wrapper,
		Pivot:     pivotSource,
		Startup:   startupSource,
		registry:  NewInterfaceRegistry(),
		chain:     NewChainManager(),
		builder:   NewBuilder(toolchain, log),
		attacher:  NewAttacher(),
	}
}

// Init acquires the process-wide sentinel and compiles the startup object
// that backs log_buffer and control_plane. Must be called once before any
// CompileHook call.
func (c *Compiler) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return nil
	}

	if err := removeMemlockRlimit(); err != nil {
		return err
	}

	if err := AcquireSentinel(); err != nil {
		return err
	}

	epoch, err := epochBase()
	if err != nil {
		ReleaseSentinel()
		return err
	}
	c.epoch = epoch

	obj, err := c.Toolchain.Compile(ctx, c.Startup, baseCflags(epoch))
	if err != nil {
		ReleaseSentinel()
		return err
	}
	collSpec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(obj))
	if err != nil {
		ReleaseSentinel()
		return fmt.Errorf("%w: parsing startup object: %v", ErrCompilationFailed, err)
	}
	coll, err := ebpf.NewCollection(collSpec)
	if err != nil {
		ReleaseSentinel()
		return fmt.Errorf("%w: loading startup collection: %v", ErrCompilationFailed, err)
	}
	logMap, ok := coll.Maps["log_buffer"]
	if !ok {
		coll.Close()
		ReleaseSentinel()
		return fmt.Errorf("%w: startup object has no log_buffer map", ErrCompilationFailed)
	}
	controlMap, ok := coll.Maps["control_plane"]
	if !ok {
		coll.Close()
		ReleaseSentinel()
		return fmt.Errorf("%w: startup object has no control_plane map", ErrCompilationFailed)
	}

	c.startupColl = coll
	c.LogMap = logMap
	c.ControlMap = controlMap
	c.running = true
	return nil
}

// Shutdown releases the startup collection and the sentinel interface.
// Every hook must already be empty (RemoveHook called for every live
// probe) — Shutdown does not itself walk the registry tearing down chains,
// since that requires the probe bookkeeping only pkg/controller owns.
// Idempotent.
func (c *Compiler) Shutdown() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false

	var result *multierror.Error
	if c.startupColl != nil {
		c.startupColl.Close()
		c.startupColl = nil
	}
	if err := ReleaseSentinel(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// CompileHook rewrites, compiles, and attaches source at the requested
// (interface, direction, mode), injecting the pivot first if the target
// hook is currently empty.
func (c *Compiler) CompileHook(ctx context.Context, req HookRequest) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, ErrNotRunning
	}

	ifindex, err := ResolveInterface(req.Interface)
	if err != nil {
		return nil, err
	}
	holder := c.registry.GetOrCreate(req.Interface, ifindex)
	slot := holder.HookSlot(req.Direction, req.Mode)

	if req.Mode.IsXDP() {
		if _, err := holder.NegotiateXDP(req.Mode); err != nil {
			return nil, err
		}
	} else {
		if err := c.attacher.EnsureClsact(ifindex); err != nil {
			return nil, err
		}
	}

	if slot.Empty() {
		if err := c.injectPivot(ctx, holder, slot, req.Direction, req.Mode); err != nil {
			return nil, err
		}
	}

	slotID, err := c.chain.AllocateSlot(slot)
	if err != nil {
		return nil, err
	}

	identity := rewrite.IdentityFor(string(req.Direction), req.Mode.IsXDP())
	result, err := rewrite.Rewrite(req.Source, identity, ResolveInterface, c.Wrapper)
	if err != nil {
		c.releaseSlotOnFailure(slot, slotID)
		return nil, err
	}

	cflags := assembleCflags(c.epoch, req.Mode, slotID, req.PluginID, req.ProbeID, req.Direction, req.LogLevel, req.Cflags)
	if req.Debug {
		cflags = append(cflags, "-g")
	}

	p0, err := c.builder.Build(ctx, BuildSpec{
		Interface: req.Interface, Ifindex: ifindex, Direction: req.Direction, Mode: req.Mode,
		ChainSlotID: slotID, Features: result.Features, Source: result.Source, Cflags: cflags,
		DispatchMap: slot.DispatchMap.(*ebpf.Map), SharedMaps: c.startupMaps(),
	})
	if err != nil {
		c.releaseSlotOnFailure(slot, slotID)
		return nil, err
	}

	var handle Handle = p0
	if result.CloneSource != "" {
		p1, err := c.builder.Build(ctx, BuildSpec{
			Interface: req.Interface, Ifindex: ifindex, Direction: req.Direction, Mode: req.Mode,
			ChainSlotID: slotID, Features: result.Features, Source: result.CloneSource, Cflags: cflags,
			DispatchMap: slot.DispatchMap.(*ebpf.Map), SharedMaps: cloneSharedMaps(c.startupMaps(), p0),
		})
		if err != nil {
			p0.Close()
			c.releaseSlotOnFailure(slot, slotID)
			return nil, err
		}
		handle = NewSwapPair(p0, p1, slot)
	}

	if err := c.chain.Attach(slot, handle); err != nil {
		handle.Close()
		c.releaseSlotOnFailure(slot, slotID)
		return nil, err
	}

	return handle, nil
}

// releaseSlotOnFailure returns a slot ID to the free-list without touching
// the dispatch map, used when a compile fails before chain.Attach runs.
func (c *Compiler) releaseSlotOnFailure(slot *HookSlot, slotID uint32) {
	slot.mu.Lock()
	slot.freeList = append(slot.freeList, slotID)
	slot.mu.Unlock()
}

// startupMaps names the two process-wide perf maps every probe compile unit
// redeclares; replacing them at load time lands each probe's dp_log and
// control-plane submits on the maps the Event Dispatcher is polling.
func (c *Compiler) startupMaps() map[string]*ebpf.Map {
	return map[string]*ebpf.Map{
		"log_buffer":    c.LogMap,
		"control_plane": c.ControlMap,
	}
}

// cloneSharedMaps extends the startup replacements with every non-SWAP map
// the primary half already owns, so both halves of a swap pair read and
// write the same kernel map while each keeps a private copy of the
// SWAP-annotated ones (declared under a _1 suffix in the clone source).
func cloneSharedMaps(shared map[string]*ebpf.Map, primary *Program) map[string]*ebpf.Map {
	for name, f := range primary.Features {
		if f.Swap {
			continue
		}
		if m, ok := primary.Map(name); ok {
			shared[name] = m
		}
	}
	return shared
}

// RemoveHook detaches handle from the chain it belongs to and releases its
// kernel resources, tearing down the pivot and the hook's kernel attachment
// once the hook is left empty.
func (c *Compiler) RemoveHook(ifaceName string, ifindex int, dir Direction, mode Mode, handle Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotRunning
	}

	holder, ok := c.registry.Get(ifindex)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInterface, ifaceName)
	}
	slot := holder.HookSlot(dir, mode)

	if err := c.chain.Detach(slot, handle); err != nil {
		return err
	}
	if err := handle.Close(); err != nil {
		return err
	}

	if slot.Empty() {
		if err := c.teardownHook(holder, slot, ifindex, dir, mode); err != nil {
			return err
		}
	}
	c.registry.DropIfEmpty(ifindex)
	return nil
}

// PatchHook compiles newSource at the same chain slot handle already
// occupies, repoints the predecessor's dispatch entry at the new program,
// and only then releases the old one — the chain slot is never briefly
// empty.
func (c *Compiler) PatchHook(ctx context.Context, ifindex int, dir Direction, mode Mode, handle Handle, newSource string, cflags []string, pluginID, probeID uint32, logLevel string) (Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil, ErrNotRunning
	}

	holder, ok := c.registry.Get(ifindex)
	if !ok {
		return nil, ErrUnknownInterface
	}
	slot := holder.HookSlot(dir, mode)

	identity := rewrite.IdentityFor(string(dir), mode.IsXDP())
	result, err := rewrite.Rewrite(newSource, identity, ResolveInterface, c.Wrapper)
	if err != nil {
		return nil, err
	}

	allCflags := assembleCflags(c.epoch, mode, handle.SlotID(), pluginID, probeID, dir, logLevel, cflags)
	p0, err := c.builder.Build(ctx, BuildSpec{
		Interface: holder.Name, Ifindex: ifindex, Direction: dir, Mode: mode, ChainSlotID: handle.SlotID(),
		Features: result.Features, Source: result.Source, Cflags: allCflags,
		DispatchMap: slot.DispatchMap.(*ebpf.Map), SharedMaps: c.startupMaps(),
	})
	if err != nil {
		return nil, err
	}

	var newHandle Handle = p0
	if result.CloneSource != "" {
		p1, err := c.builder.Build(ctx, BuildSpec{
			Interface: holder.Name, Ifindex: ifindex, Direction: dir, Mode: mode, ChainSlotID: handle.SlotID(),
			Features: result.Features, Source: result.CloneSource, Cflags: allCflags,
			DispatchMap: slot.DispatchMap.(*ebpf.Map), SharedMaps: cloneSharedMaps(c.startupMaps(), p0),
		})
		if err != nil {
			p0.Close()
			return nil, err
		}
		newHandle = NewSwapPair(p0, p1, slot)
	}

	if err := c.chain.Patch(slot, handle, newHandle); err != nil {
		newHandle.Close()
		return nil, err
	}

	handle.Close()
	return newHandle, nil
}

// injectPivot compiles and attaches the pivot program for a newly occupied
// hook: a fresh program-array dispatch map, the pivot bound to it, and the
// kernel-visible attachment (XDP link or TC filter).
func (c *Compiler) injectPivot(ctx context.Context, holder *InterfaceHolder, slot *HookSlot, dir Direction, mode Mode) error {
	dispatchSpec := &ebpf.MapSpec{
		Name:       "chain",
		Type:       ebpf.ProgramArray,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: MaxProgramsPerHook + 1,
	}
	dispatchMap, err := ebpf.NewMap(dispatchSpec)
	if err != nil {
		return fmt.Errorf("%w: creating dispatch map: %v", ErrAttachFailed, err)
	}

	cflags := assembleCflags(c.epoch, mode, 0, 0, 0, dir, "INFO", nil)
	identity := rewrite.IdentityFor(string(dir), mode.IsXDP())
	pivotSource := rewrite.ApplySentinels(rewrite.StripComments(c.Pivot), identity)
	pivotProg, pivotColl, err := c.builder.BuildPivot(ctx, pivotSource, cflags, dispatchMap)
	if err != nil {
		dispatchMap.Close()
		return err
	}

	var detach func() error
	if mode.IsXDP() {
		xdpLink, err := c.attacher.AttachXDPPivot(holder.Ifindex, mode, pivotProg)
		if err != nil {
			pivotColl.Close()
			dispatchMap.Close()
			return err
		}
		detach = func() error { return c.attacher.DetachXDP(xdpLink) }
	} else {
		filter, err := c.attacher.AttachTCPivot(holder.Ifindex, dir, pivotProg.FD())
		if err != nil {
			pivotColl.Close()
			dispatchMap.Close()
			return err
		}
		detach = func() error { return c.attacher.DetachTCFilter(filter) }
	}

	slot.mu.Lock()
	slot.DispatchMap = dispatchMap
	slot.PivotDetach = detach
	slot.Pivot = &Program{
		Interface: holder.Name, Ifindex: holder.Ifindex, Direction: dir, Mode: mode,
		entry: pivotProg, maps: pivotColl,
	}
	slot.mu.Unlock()
	return nil
}

// teardownHook reverses injectPivot: detaches the kernel hook, closes the
// pivot and its dispatch map, and releases any interface-level state (XDP
// flag pin, clsact qdisc) the hook going empty no longer justifies.
func (c *Compiler) teardownHook(holder *InterfaceHolder, slot *HookSlot, ifindex int, dir Direction, mode Mode) error {
	slot.mu.Lock()
	pivot := slot.Pivot
	dispatchMap := slot.DispatchMap
	detach := slot.PivotDetach
	slot.Pivot = nil
	slot.DispatchMap = nil
	slot.PivotDetach = nil
	slot.mu.Unlock()

	steps := []func() error{}
	if detach != nil {
		steps = append(steps, detach)
	}
	if mode.IsXDP() {
		steps = append(steps, func() error {
			holder.ReleaseXDP()
			return nil
		})
	} else {
		// The clsact qdisc is shared by both TC directions; it only goes
		// once the sibling hook is empty too.
		steps = append(steps, func() error {
			if holder.IngressTC.Empty() && holder.EgressTC.Empty() {
				return c.attacher.RemoveClsact(ifindex)
			}
			return nil
		})
	}
	if pivot != nil {
		steps = append(steps, pivot.Close)
	}
	if dispatchMap != nil {
		steps = append(steps, dispatchMap.Close)
	}
	return TeardownAll(steps...)
}
