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
	"encoding/binary"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatLogMessage(t *testing.T) {
	got := formatLogMessage("got %d bytes from %d", [4]uint64{1500, 16777343, 0, 0})
	assert.Equal(t, "got 1500 bytes from 16777343", got)
}

func TestFormatLogMessage_FewerVerbsThanArgs(t *testing.T) {
	got := formatLogMessage("dropped packet", [4]uint64{1, 2, 3, 4})
	assert.Equal(t, "dropped packet", got)
}

func TestFormatLogMessage_MoreVerbsThanArgs(t *testing.T) {
	got := formatLogMessage("%d %d %d %d %d", [4]uint64{1, 2, 3, 4})
	assert.Equal(t, "1 2 3 4 ", got)
}

type recordingDispatch struct {
	meta    Metadata
	level   uint32
	message string
	cpu     int
	packets int
}

func (r *recordingDispatch) LogMessage(meta Metadata, level uint32, message string, args [4]uint64, cpu int) {
	r.meta, r.level, r.message, r.cpu = meta, level, message, cpu
}

func (r *recordingDispatch) HandlePacketCP(meta Metadata, raw []byte, cpu int) {
	r.packets++
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// TestHandleLogRecord_Decode builds a raw perf record byte-for-byte the way
// the data plane's struct log_record lays it out and checks it reaches the
// dispatch callback fully decoded and formatted.
func TestHandleLogRecord_Decode(t *testing.T) {
	raw := make([]byte, MetadataSize+8+32+32)
	binary.LittleEndian.PutUint32(raw[0:4], 1)    // ifindex
	binary.LittleEndian.PutUint32(raw[4:8], 1500) // length
	raw[8] = 1                                    // ingress
	raw[9] = 1                                    // xdp
	binary.LittleEndian.PutUint16(raw[12:14], 2) // plugin_id
	binary.LittleEndian.PutUint16(raw[14:16], 3) // probe_id
	binary.LittleEndian.PutUint64(raw[16:24], 20) // level INFO
	binary.LittleEndian.PutUint64(raw[24:32], 1500)
	binary.LittleEndian.PutUint64(raw[32:40], 16777343)
	copy(raw[56:], "got %d bytes from %d\x00")

	rec := &recordingDispatch{}
	d := &EventDispatcher{Log: testLogger(), Dispatch: rec}
	d.handleLogRecord(raw, 3)

	assert.Equal(t, "got 1500 bytes from 16777343", rec.message)
	assert.Equal(t, uint32(20), rec.level)
	assert.Equal(t, 3, rec.cpu)
	assert.Equal(t, uint16(2), rec.meta.PluginID)
	assert.Equal(t, uint16(3), rec.meta.ProbeID)
}

// TestHandleLogRecord_ShortRecordDropped pins down the malformed-record
// policy: drop and keep polling, never panic.
func TestHandleLogRecord_ShortRecordDropped(t *testing.T) {
	rec := &recordingDispatch{}
	d := &EventDispatcher{Log: testLogger(), Dispatch: rec}

	require.NotPanics(t, func() {
		d.handleLogRecord([]byte{1, 2, 3}, 0)
		d.handleLogRecord(make([]byte, MetadataSize+4), 0)
	})
	assert.Empty(t, rec.message)
}

func TestHandleControlRecord_Decode(t *testing.T) {
	raw := make([]byte, MetadataSize+10)
	rec := &recordingDispatch{}
	d := &EventDispatcher{Log: testLogger(), Dispatch: rec}
	d.handleControlRecord(raw, 1)
	assert.Equal(t, 1, rec.packets)
}

func TestDecodeMetadata_ShortBuffer(t *testing.T) {
	_, err := DecodeMetadata([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeMetadata_RoundTrips(t *testing.T) {
	buf := make([]byte, MetadataSize)
	buf[0] = 7 // ifindex low byte
	buf[8] = 1 // ingress
	buf[9] = 1 // xdp
	buf[10] = 5
	buf[12] = 2
	buf[14] = 9
	meta, err := DecodeMetadata(buf)
	assert.NoError(t, err)
	assert.Equal(t, uint32(7), meta.Ifindex)
	assert.True(t, meta.Ingress)
	assert.True(t, meta.XDP)
	assert.Equal(t, uint16(5), meta.ProgramID)
	assert.Equal(t, uint16(2), meta.PluginID)
	assert.Equal(t, uint16(9), meta.ProbeID)
}
