// Copyright 2026 The ApplyStream Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package position

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// recordVersion is bumped whenever the encoding below changes shape.
const recordVersion = 1

// Record is the durable low-water-mark state persisted at checkpoint and
// group boundaries. It is the single source of truth for what must be redone
// after a crash.
type Record struct {
	Coords Coords
	// WorkerCount is the worker pool size the checkpoint window was built
	// for. Recovery refuses to reinterpret a window persisted under a
	// different parallelism without an explicit reconfiguration.
	WorkerCount int
	// LowWaterIndex is the index of the last group known committed along
	// with every group before it.
	LowWaterIndex int64
	// CheckpointSeqno counts groups dispatched since the low-water mark;
	// gap bitmap bits are relative to it.
	CheckpointSeqno uint64
	// GapBitmap records checkpoint sequence numbers (relative to the
	// low-water mark) of groups that had NOT yet reported completion when
	// the record was written. Empty means a clean prefix.
	GapBitmap []byte
}

func putLogPosition(buf []byte, p LogPosition) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(p.File)))
	buf = append(buf, p.File...)
	buf = binary.AppendUvarint(buf, p.Offset)
	return buf
}

func getLogPosition(buf []byte) (LogPosition, []byte, error) {
	n, sz := binary.Uvarint(buf)
	if sz <= 0 || uint64(len(buf)-sz) < n {
		return LogPosition{}, nil, errors.New("corrupt log position")
	}
	buf = buf[sz:]
	file := string(buf[:n])
	buf = buf[n:]
	off, sz := binary.Uvarint(buf)
	if sz <= 0 {
		return LogPosition{}, nil, errors.New("corrupt log position offset")
	}
	return LogPosition{File: file, Offset: off}, buf[sz:], nil
}

// Marshal encodes the record. The format is a version byte followed by
// varint-framed fields; see Unmarshal for the inverse.
func (r Record) Marshal() []byte {
	buf := make([]byte, 0, 64+len(r.GapBitmap))
	buf = append(buf, recordVersion)
	buf = putLogPosition(buf, r.Coords.GroupRelay)
	buf = putLogPosition(buf, r.Coords.GroupSource)
	buf = putLogPosition(buf, r.Coords.EventRelay)
	buf = putLogPosition(buf, r.Coords.EventSource)
	buf = binary.AppendUvarint(buf, uint64(r.WorkerCount))
	buf = binary.AppendVarint(buf, r.LowWaterIndex)
	buf = binary.AppendUvarint(buf, r.CheckpointSeqno)
	buf = binary.AppendUvarint(buf, uint64(len(r.GapBitmap)))
	buf = append(buf, r.GapBitmap...)
	return buf
}

// Unmarshal decodes a record encoded by Marshal.
func Unmarshal(buf []byte) (Record, error) {
	var r Record
	if len(buf) == 0 {
		return r, errors.New("empty position record")
	}
	if buf[0] != recordVersion {
		return r, errors.Newf("unknown position record version %d", buf[0])
	}
	buf = buf[1:]
	var err error
	for _, dst := range []*LogPosition{
		&r.Coords.GroupRelay, &r.Coords.GroupSource,
		&r.Coords.EventRelay, &r.Coords.EventSource,
	} {
		if *dst, buf, err = getLogPosition(buf); err != nil {
			return r, err
		}
	}
	wc, sz := binary.Uvarint(buf)
	if sz <= 0 {
		return r, errors.New("corrupt worker count")
	}
	buf = buf[sz:]
	r.WorkerCount = int(wc)
	lw, sz := binary.Varint(buf)
	if sz <= 0 {
		return r, errors.New("corrupt low-water index")
	}
	buf = buf[sz:]
	r.LowWaterIndex = lw
	seqno, sz := binary.Uvarint(buf)
	if sz <= 0 {
		return r, errors.New("corrupt checkpoint seqno")
	}
	buf = buf[sz:]
	r.CheckpointSeqno = seqno
	n, sz := binary.Uvarint(buf)
	if sz <= 0 || uint64(len(buf)-sz) < n {
		return r, errors.New("corrupt gap bitmap")
	}
	buf = buf[sz:]
	if n > 0 {
		r.GapBitmap = append([]byte(nil), buf[:n]...)
	}
	return r, nil
}
