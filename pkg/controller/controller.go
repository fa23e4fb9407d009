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

// Package controller wires the eBPF compiler, the probe registry, and the
// event dispatcher into the single object a caller interacts with: create a
// probe, remove a probe, shut everything down.
package controller

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/dechainy-go/dechainy/internal/bpfsrc"
	"github.com/dechainy-go/dechainy/pkg/ebpf"
	"github.com/dechainy-go/dechainy/pkg/probe"
)

// ProbeSpec describes one probe's request to attach: its identity, the
// interface/mode/direction for each hook it wants, and its compiled
// callbacks.
type ProbeSpec struct {
	PluginName string
	ProbeName  string
	Interface  string
	Mode       ebpf.Mode
	LogLevel   string
	Debug      bool

	IngressSource string
	IngressCflags []string
	EgressSource  string
	EgressCflags  []string

	Probe probe.Probe
}

// Controller is the single entry point a caller (CLI, REST layer, plugin
// loader — all outside this module's scope) drives: CreateProbe,
// RemoveProbe, Shutdown. It owns lock ordering across its two
// collaborators: the probe Registry is consulted first (to assign or
// resolve IDs), then the eBPF Compiler (which enforces its own
// facade→interface→hookslot ordering internally).
type Controller struct {
	mu sync.Mutex

	log      *logrus.Entry
	compiler *ebpf.Compiler
	registry *probe.Registry

	dispatcher *ebpf.EventDispatcher
	group      *errgroup.Group
	cancel     context.CancelFunc

	compilations map[string]compilationEntry

	// cbMu guards the optional global callbacks separately from mu: the
	// dispatcher thread reads them on every record, and Shutdown holds mu
	// while waiting for that thread to finish.
	cbMu     sync.RWMutex
	packetCB PacketCallback
	logCB    LogCallback

	// unroutable counts records whose (plugin_id, probe_id) no longer names
	// a live probe — expected transiently around removals.
	unroutable atomic.Uint64
}

// UnroutableRecords reports how many decoded records could not be matched to
// a live probe and were dropped.
func (c *Controller) UnroutableRecords() uint64 { return c.unroutable.Load() }

// PacketCallback observes every control-plane record the dispatcher decodes,
// regardless of which probe it is routed to.
type PacketCallback func(meta ebpf.Metadata, raw []byte, cpu int)

// LogCallback observes every decoded log record the same way.
type LogCallback func(meta ebpf.Metadata, level uint32, message string, args [4]uint64, cpu int)

// SetPacketCallback registers a process-wide observer invoked ahead of
// per-probe routing. Passing nil unregisters it.
func (c *Controller) SetPacketCallback(fn PacketCallback) {
	c.cbMu.Lock()
	c.packetCB = fn
	c.cbMu.Unlock()
}

// SetLogCallback registers a process-wide log observer. Passing nil
// unregisters it.
func (c *Controller) SetLogCallback(fn LogCallback) {
	c.cbMu.Lock()
	c.logCB = fn
	c.cbMu.Unlock()
}

type compilationEntry struct {
	pluginName string
	probeName  string
	iface      string
	mode       ebpf.Mode
	comp       probe.Compilation
}

// New builds a Controller around a Toolchain implementation (normally
// ebpf.NewExecToolchain; this package's tests pass nil, since they never
// compile a probe).
func New(toolchain ebpf.Toolchain, log *logrus.Entry) *Controller {
	wrapper := bpfsrc.Wrapper()
	return &Controller{
		log:          log,
		compiler:     ebpf.NewCompiler(toolchain, wrapper, bpfsrc.Pivot(), bpfsrc.Startup(), log),
		registry:     probe.NewRegistry(),
		compilations: make(map[string]compilationEntry),
	}
}

// Init acquires the sentinel, compiles the startup object, and starts the
// Event Dispatcher polling log_buffer/control_plane under an errgroup so a
// poll failure on either reader surfaces through Wait at Shutdown.
func (c *Controller) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatcher != nil {
		return nil
	}

	if err := c.compiler.Init(ctx); err != nil {
		return err
	}

	dispatcher, err := ebpf.NewEventDispatcher(c.compiler.LogMap, c.compiler.ControlMap, c, c.log)
	if err != nil {
		c.compiler.Shutdown()
		return fmt.Errorf("starting event dispatcher: %w", err)
	}
	c.dispatcher = dispatcher

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return dispatcher.Run(groupCtx) })
	c.group = group

	return nil
}

// Shutdown removes every probe, stops the dispatcher, and releases the
// compiler's kernel resources. Idempotent.
func (c *Controller) Shutdown() error {
	c.mu.Lock()
	names := make([]string, 0, len(c.compilations))
	for name := range c.compilations {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		if err := c.RemoveProbe(name); err != nil {
			c.log.WithError(err).WithField("probe", name).Warn("failed to remove probe during shutdown")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.group != nil {
		if err := c.group.Wait(); err != nil {
			c.log.WithError(err).Warn("event dispatcher stopped with error")
		}
		c.group = nil
	}
	c.dispatcher = nil
	return c.compiler.Shutdown()
}

func compilationKey(pluginName, probeName string) string {
	return pluginName + "/" + probeName
}

// CreateProbe registers spec's probe, compiles whichever of its
// ingress/egress sources are non-empty, and invokes PostCompilationHook if
// the probe implements it. A spec with neither source fails with
// ErrNoCodeProbe before anything is registered.
func (c *Controller) CreateProbe(ctx context.Context, spec ProbeSpec) (probe.Compilation, error) {
	if spec.IngressSource == "" && spec.EgressSource == "" {
		return probe.Compilation{}, fmt.Errorf("probe %s/%s: %w", spec.PluginName, spec.ProbeName, probe.ErrNoCodeProbe)
	}

	corrID := uuid.New()
	clog := c.log.WithFields(logrus.Fields{
		"plugin": spec.PluginName, "probe": spec.ProbeName, "compilation_id": corrID,
	})

	pluginID, probeID, err := c.registry.Register(spec.PluginName, spec.ProbeName, spec.Probe)
	if err != nil {
		return probe.Compilation{}, err
	}
	clog.Debug("registered probe, compiling hooks")

	var comp probe.Compilation
	if spec.IngressSource != "" {
		handle, err := c.compiler.CompileHook(ctx, ebpf.HookRequest{
			Interface: spec.Interface, Direction: ebpf.Ingress, Mode: spec.Mode,
			Source: spec.IngressSource, Cflags: spec.IngressCflags, Debug: spec.Debug,
			PluginID: pluginID, ProbeID: probeID, LogLevel: spec.LogLevel,
		})
		if err != nil {
			c.registry.Remove(spec.PluginName, spec.ProbeName)
			clog.WithError(err).Warn("ingress compile failed")
			return probe.Compilation{}, err
		}
		comp.Ingress = handle
	}
	if spec.EgressSource != "" {
		handle, err := c.compiler.CompileHook(ctx, ebpf.HookRequest{
			Interface: spec.Interface, Direction: ebpf.Egress, Mode: spec.Mode,
			Source: spec.EgressSource, Cflags: spec.EgressCflags, Debug: spec.Debug,
			PluginID: pluginID, ProbeID: probeID, LogLevel: spec.LogLevel,
		})
		if err != nil {
			// The ingress hook, if any, already compiled and attached: undo
			// it through the same path RemoveProbe uses so the chain is
			// properly detached, not just the kernel fd closed.
			if comp.Ingress != nil {
				if rmErr := c.removeHandle(spec.Interface, ebpf.Ingress, spec.Mode, comp.Ingress); rmErr != nil {
					clog.WithError(rmErr).Warn("failed to unwind ingress hook after egress compile failure")
				}
			}
			c.registry.Remove(spec.PluginName, spec.ProbeName)
			clog.WithError(err).Warn("egress compile failed")
			return probe.Compilation{}, err
		}
		comp.Egress = handle
	}

	if hook, ok := spec.Probe.(probe.PostCompilationHook); ok {
		hook.PostCompilation(comp)
	}

	c.mu.Lock()
	c.compilations[compilationKey(spec.PluginName, spec.ProbeName)] = compilationEntry{
		pluginName: spec.PluginName, probeName: spec.ProbeName,
		iface: spec.Interface, mode: spec.Mode, comp: comp,
	}
	c.mu.Unlock()

	clog.Info("probe attached")
	return comp, nil
}

// removeHandle reverses one direction's CompileHook call: detaches handle
// from its hook's chain, releases its kernel resources, and tears down the
// hook's pivot/kernel attachment if that was the last occupant.
func (c *Controller) removeHandle(iface string, dir ebpf.Direction, mode ebpf.Mode, handle ebpf.Handle) error {
	ifindex, err := ebpf.ResolveInterface(iface)
	if err != nil {
		return err
	}
	return c.compiler.RemoveHook(iface, ifindex, dir, mode, handle)
}

// RemoveProbe tears down every hook a probe occupies and tombstones its
// registry slot. key is "pluginName/probeName", as returned implicitly by
// CreateProbe's spec.
func (c *Controller) RemoveProbe(key string) error {
	c.mu.Lock()
	entry, ok := c.compilations[key]
	if ok {
		delete(c.compilations, key)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("probe %s: %w", key, probe.ErrProbeNotFound)
	}

	var firstErr error
	if entry.comp.Ingress != nil {
		if err := c.removeHandle(entry.iface, ebpf.Ingress, entry.mode, entry.comp.Ingress); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if entry.comp.Egress != nil {
		if err := c.removeHandle(entry.iface, ebpf.Egress, entry.mode, entry.comp.Egress); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.registry.Remove(entry.pluginName, entry.probeName); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// PatchProbe atomically replaces the compiled code at dir's existing hook
// for the named probe, leaving its chain slot ID and registry identity
// untouched. Fails with ErrHookDisabled if the probe never registered a
// source for dir.
func (c *Controller) PatchProbe(ctx context.Context, pluginName, probeName string, dir ebpf.Direction, newSource string, cflags []string, logLevel string) (ebpf.Handle, error) {
	key := compilationKey(pluginName, probeName)
	c.mu.Lock()
	entry, ok := c.compilations[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("probe %s: %w", key, probe.ErrProbeNotFound)
	}

	existing := entry.comp.Ingress
	if dir == ebpf.Egress {
		existing = entry.comp.Egress
	}
	if existing == nil {
		return nil, fmt.Errorf("probe %s has no %s hook: %w", key, dir, ebpf.ErrHookDisabled)
	}

	pluginID, probeID, ok := c.registry.IDs(pluginName, probeName)
	if !ok {
		return nil, fmt.Errorf("probe %s: %w", key, probe.ErrProbeNotFound)
	}
	ifindex, err := ebpf.ResolveInterface(entry.iface)
	if err != nil {
		return nil, err
	}

	newHandle, err := c.compiler.PatchHook(ctx, ifindex, dir, entry.mode, existing, newSource, cflags, pluginID, probeID, logLevel)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if dir == ebpf.Ingress {
		entry.comp.Ingress = newHandle
	} else {
		entry.comp.Egress = newHandle
	}
	c.compilations[key] = entry
	c.mu.Unlock()

	c.log.WithFields(logrus.Fields{"plugin": pluginName, "probe": probeName, "direction": dir}).Info("patched probe hook")
	return newHandle, nil
}

// LogMessage implements ebpf.Dispatch, routing a decoded log_buffer record
// to the probe named by its metadata.
func (c *Controller) LogMessage(meta ebpf.Metadata, level uint32, message string, args [4]uint64, cpu int) {
	c.cbMu.RLock()
	cb := c.logCB
	c.cbMu.RUnlock()
	if cb != nil {
		cb(meta, level, message, args, cpu)
	}

	p, ok := c.registry.Lookup(uint32(meta.PluginID), uint32(meta.ProbeID))
	if !ok {
		c.unroutable.Add(1)
		c.log.Debugf("dropping log record for unknown probe (plugin=%d probe=%d)", meta.PluginID, meta.ProbeID)
		return
	}
	p.LogMessage(meta, level, message, args, cpu)
}

// HandlePacketCP implements ebpf.Dispatch, routing a decoded control_plane
// record to the probe named by its metadata.
func (c *Controller) HandlePacketCP(meta ebpf.Metadata, raw []byte, cpu int) {
	c.cbMu.RLock()
	cb := c.packetCB
	c.cbMu.RUnlock()
	if cb != nil {
		cb(meta, raw, cpu)
	}

	p, ok := c.registry.Lookup(uint32(meta.PluginID), uint32(meta.ProbeID))
	if !ok {
		c.unroutable.Add(1)
		c.log.Debugf("dropping control-plane record for unknown probe (plugin=%d probe=%d)", meta.PluginID, meta.ProbeID)
		return
	}
	p.HandlePacketCP(meta, raw, cpu)
}
