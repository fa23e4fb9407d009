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

	"github.com/cilium/ebpf"
	"github.com/sirupsen/logrus"

	"github.com/dechainy-go/dechainy/pkg/ebpf/rewrite"
)

// Builder compiles rewritten probe source into a loaded Program, wiring the
// new object's dispatch-map reference at the chain's existing program array
// and, when the probe declares shared (non-swap) maps, at the maps the
// active half of a SwapPair already owns.
type Builder struct {
	Toolchain Toolchain
	Log       *logrus.Entry
}

func NewBuilder(toolchain Toolchain, log *logrus.Entry) *Builder {
	return &Builder{Toolchain: toolchain, Log: log}
}

// BuildSpec are the per-compile parameters a Program needs beyond its
// rewritten source.
type BuildSpec struct {
	Interface     string
	Ifindex       int
	Direction     Direction
	Mode          Mode
	OffloadDevice string
	ChainSlotID   uint32
	Features      map[string]rewrite.MetricFeatures
	Source        string
	Cflags        []string
	DispatchMap   *ebpf.Map
	// SharedMaps replaces same-named map declarations with maps that already
	// exist: the startup object's perf rings for every probe, plus the
	// primary half's non-swap maps when building a swap clone. Keyed by the
	// name as declared in source.
	SharedMaps map[string]*ebpf.Map
}

// Build compiles spec.Source and loads the resulting object, replacing the
// chain's program-array map and every shared map so the new program's tail
// calls and map accesses land on the chain's existing state.
func (b *Builder) Build(ctx context.Context, spec BuildSpec) (*Program, error) {
	obj, err := b.Toolchain.Compile(ctx, spec.Source, spec.Cflags)
	if err != nil {
		return nil, err
	}

	collSpec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(obj))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing compiled object: %v", ErrCompilationFailed, err)
	}

	replacements := map[string]*ebpf.Map{}
	if spec.DispatchMap != nil {
		for name, ms := range collSpec.Maps {
			if ms.Type == ebpf.ProgramArray {
				replacements[name] = spec.DispatchMap
			}
		}
	}
	for name, m := range spec.SharedMaps {
		replacements[name] = m
	}

	coll, err := ebpf.NewCollectionWithOptions(collSpec, ebpf.CollectionOptions{
		MapReplacements: replacements,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: loading collection: %v", ErrCompilationFailed, err)
	}

	entry, ok := coll.Programs["handler"]
	if !ok {
		coll.Close()
		return nil, fmt.Errorf("%w: compiled object has no handler program", ErrCompilationFailed)
	}

	p := &Program{
		Interface:     spec.Interface,
		Ifindex:       spec.Ifindex,
		Direction:     spec.Direction,
		Mode:          spec.Mode,
		OffloadDevice: spec.OffloadDevice,
		ChainSlotID:   spec.ChainSlotID,
		Features:      spec.Features,
		entry:         entry,
		maps:          coll,
	}
	return p, nil
}

// BuildPivot compiles the pivot source for one hook slot, used the moment
// the first probe attaches to a previously empty hook.
func (b *Builder) BuildPivot(ctx context.Context, source string, cflags []string, dispatchMap *ebpf.Map) (*ebpf.Program, *ebpf.Collection, error) {
	obj, err := b.Toolchain.Compile(ctx, source, cflags)
	if err != nil {
		return nil, nil, err
	}
	collSpec, err := ebpf.LoadCollectionSpecFromReader(bytes.NewReader(obj))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing pivot object: %v", ErrCompilationFailed, err)
	}
	replacements := map[string]*ebpf.Map{}
	for name, ms := range collSpec.Maps {
		if ms.Type == ebpf.ProgramArray {
			replacements[name] = dispatchMap
		}
	}
	coll, err := ebpf.NewCollectionWithOptions(collSpec, ebpf.CollectionOptions{MapReplacements: replacements})
	if err != nil {
		return nil, nil, fmt.Errorf("%w: loading pivot collection: %v", ErrCompilationFailed, err)
	}
	entry, ok := coll.Programs["dechainy_pivot"]
	if !ok {
		coll.Close()
		return nil, nil, fmt.Errorf("%w: compiled pivot has no dechainy_pivot program", ErrCompilationFailed)
	}
	return entry, coll, nil
}
