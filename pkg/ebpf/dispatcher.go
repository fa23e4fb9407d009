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
	"encoding/binary"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/perf"
	"github.com/sirupsen/logrus"
)

// logMessageMaxLen mirrors the message field size in the log_record struct
// the Data Plane fills (see internal/bpfsrc/templates/helpers.h).
const logMessageMaxLen = 32

// Dispatch receives decoded records demultiplexed by (plugin_id, probe_id).
// A record whose IDs no longer resolve to a live probe is a normal race
// with a concurrent removal, not a caller error; implementations drop it.
type Dispatch interface {
	LogMessage(meta Metadata, level uint32, message string, args [4]uint64, cpu int)
	HandlePacketCP(meta Metadata, raw []byte, cpu int)
}

// EventDispatcher polls the log_buffer and control_plane perf event arrays
// and demuxes every record onto the owning probe's callback. One dispatcher
// serves the whole process: the maps it reads are created once at Init and
// outlive every individual hook's attach/detach cycle.
type EventDispatcher struct {
	Log      *logrus.Entry
	Dispatch Dispatch

	logReader     *perf.Reader
	controlReader *perf.Reader

	dropped atomic.Uint64
}

// Dropped reports how many malformed records have been discarded since the
// dispatcher was created.
func (d *EventDispatcher) Dropped() uint64 { return d.dropped.Load() }

// NewEventDispatcher opens perf readers over the two maps produced by
// compiling internal/bpfsrc's startup source.
func NewEventDispatcher(logMap, controlMap *ebpf.Map, dispatch Dispatch, log *logrus.Entry) (*EventDispatcher, error) {
	logReader, err := perf.NewReader(logMap, perfBufferSize())
	if err != nil {
		return nil, fmt.Errorf("opening log_buffer reader: %w", err)
	}
	controlReader, err := perf.NewReader(controlMap, perfBufferSize())
	if err != nil {
		logReader.Close()
		return nil, fmt.Errorf("opening control_plane reader: %w", err)
	}
	return &EventDispatcher{
		Log:           log,
		Dispatch:      dispatch,
		logReader:     logReader,
		controlReader: controlReader,
	}, nil
}

func perfBufferSize() int {
	return 64 * 4096
}

// Run polls both readers until Close is called or ctx is canceled, whichever
// comes first. Intended to run under the controller's errgroup alongside
// the rest of its background work.
func (d *EventDispatcher) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			d.Close()
		case <-done:
		}
	}()
	defer close(done)

	errc := make(chan error, 2)
	go func() { errc <- d.poll("log_buffer", d.logReader, d.handleLogRecord) }()
	go func() { errc <- d.poll("control_plane", d.controlReader, d.handleControlRecord) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errc; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (d *EventDispatcher) poll(name string, reader *perf.Reader, handle func(raw []byte, cpu int)) error {
	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", name, err)
		}
		if record.LostSamples != 0 {
			d.Log.Warnf("%s: lost %d samples", name, record.LostSamples)
			continue
		}
		handle(record.RawSample, record.CPU)
	}
}

// handleLogRecord decodes the struct log_record layout the data plane
// submits: the metadata prefix, then level (u64), the four argument slots,
// and the NUL-padded message last.
func (d *EventDispatcher) handleLogRecord(raw []byte, cpu int) {
	meta, err := DecodeMetadata(raw)
	if err != nil {
		d.dropped.Add(1)
		d.Log.WithError(err).Warn("dropping malformed log record")
		return
	}
	rest := raw[MetadataSize:]
	const argBytes = 4 * 8
	if len(rest) < 8+argBytes+logMessageMaxLen {
		d.dropped.Add(1)
		d.Log.Warn("dropping short log record")
		return
	}
	level := uint32(binary.LittleEndian.Uint64(rest[0:8]))
	var args [4]uint64
	for i := range args {
		args[i] = binary.LittleEndian.Uint64(rest[8+i*8 : 8+(i+1)*8])
	}
	msgOff := 8 + argBytes
	message := cString(rest[msgOff : msgOff+logMessageMaxLen])
	d.Dispatch.LogMessage(meta, level, formatLogMessage(message, args), args, cpu)
}

// logVerbPattern matches the printf-style integer verbs dp_log format
// strings carry (%d, %u, %x, %ld, and friends); every match consumes the
// next slot of the up-to-four u64 args, left to right.
var logVerbPattern = regexp.MustCompile(`%l{0,2}[duxX]`)

// formatLogMessage substitutes message's %-verbs against args in order, the
// same left-to-right pairing the data plane used when it populated them.
// Args with no matching verb are ignored, and verbs beyond the fourth are
// replaced with an empty string rather than causing a dropped record — a log
// line is display output, not a record the core enforces an invariant over.
func formatLogMessage(message string, args [4]uint64) string {
	i := 0
	return logVerbPattern.ReplaceAllStringFunc(message, func(string) string {
		if i >= len(args) {
			return ""
		}
		v := args[i]
		i++
		return strconv.FormatUint(v, 10)
	})
}

func (d *EventDispatcher) handleControlRecord(raw []byte, cpu int) {
	meta, err := DecodeMetadata(raw)
	if err != nil {
		d.dropped.Add(1)
		d.Log.WithError(err).Warn("dropping malformed control-plane record")
		return
	}
	d.Dispatch.HandlePacketCP(meta, raw[MetadataSize:], cpu)
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

// Close stops both readers, unblocking any in-flight Read call. Safe to
// call more than once.
func (d *EventDispatcher) Close() error {
	err1 := d.logReader.Close()
	err2 := d.controlReader.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
