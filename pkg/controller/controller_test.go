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

package controller

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dechainy-go/dechainy/pkg/ebpf"
	"github.com/dechainy-go/dechainy/pkg/probe"
)

type recordingProbe struct {
	logs    []string
	packets int
}

func (r *recordingProbe) LogMessage(meta ebpf.Metadata, level uint32, message string, args [4]uint64, cpu int) {
	r.logs = append(r.logs, message)
}

func (r *recordingProbe) HandlePacketCP(meta ebpf.Metadata, raw []byte, cpu int) {
	r.packets++
}

func newTestController(t *testing.T) *Controller {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return New(nil, logrus.NewEntry(logger))
}

func TestCreateProbe_NoCode(t *testing.T) {
	c := newTestController(t)
	_, err := c.CreateProbe(context.Background(), ProbeSpec{
		PluginName: "fw", ProbeName: "empty", Interface: "lo",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, probe.ErrNoCodeProbe))
}

func TestLogMessage_RoutesToOwningProbe(t *testing.T) {
	c := newTestController(t)
	owner := &recordingProbe{}
	other := &recordingProbe{}
	_, _, err := c.registry.Register("fw", "a", other)
	require.NoError(t, err)
	pluginID, probeID, err := c.registry.Register("fw", "b", owner)
	require.NoError(t, err)

	meta := ebpf.Metadata{PluginID: uint16(pluginID), ProbeID: uint16(probeID)}
	c.LogMessage(meta, 20, "got 1500 bytes", [4]uint64{}, 3)

	require.Len(t, owner.logs, 1)
	assert.Equal(t, "got 1500 bytes", owner.logs[0])
	assert.Empty(t, other.logs)
}

// TestLogMessage_UnknownProbeDropped pins down the stale-ID policy: a record
// racing a removal is dropped, never a crash and never someone else's
// callback.
func TestLogMessage_UnknownProbeDropped(t *testing.T) {
	c := newTestController(t)
	p := &recordingProbe{}
	pluginID, probeID, err := c.registry.Register("fw", "a", p)
	require.NoError(t, err)
	require.NoError(t, c.registry.Remove("fw", "a"))

	meta := ebpf.Metadata{PluginID: uint16(pluginID), ProbeID: uint16(probeID)}
	require.NotPanics(t, func() {
		c.LogMessage(meta, 20, "stale", [4]uint64{}, 0)
		c.HandlePacketCP(ebpf.Metadata{PluginID: 9, ProbeID: 9}, nil, 0)
	})
	assert.Empty(t, p.logs)
	assert.EqualValues(t, 2, c.UnroutableRecords())
}

func TestGlobalCallbacks_ObserveEveryRecord(t *testing.T) {
	c := newTestController(t)
	p := &recordingProbe{}
	pluginID, probeID, err := c.registry.Register("fw", "a", p)
	require.NoError(t, err)

	var observedLogs, observedPackets int
	c.SetLogCallback(func(ebpf.Metadata, uint32, string, [4]uint64, int) { observedLogs++ })
	c.SetPacketCallback(func(ebpf.Metadata, []byte, int) { observedPackets++ })

	meta := ebpf.Metadata{PluginID: uint16(pluginID), ProbeID: uint16(probeID)}
	c.LogMessage(meta, 20, "msg", [4]uint64{}, 0)
	c.HandlePacketCP(meta, []byte{1}, 0)
	// Records for unresolvable probes still reach the global observers.
	c.LogMessage(ebpf.Metadata{PluginID: 7, ProbeID: 7}, 20, "stale", [4]uint64{}, 0)

	assert.Equal(t, 2, observedLogs)
	assert.Equal(t, 1, observedPackets)
	assert.Len(t, p.logs, 1)
	assert.Equal(t, 1, p.packets)

	c.SetLogCallback(nil)
	c.LogMessage(meta, 20, "msg", [4]uint64{}, 0)
	assert.Equal(t, 2, observedLogs, "a nil registration unhooks the observer")
}

func TestRemoveProbe_Unknown(t *testing.T) {
	c := newTestController(t)
	err := c.RemoveProbe("fw/missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, probe.ErrProbeNotFound))
}
