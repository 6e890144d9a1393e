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

// Package checkpoint maintains the committed-group window: one descriptor
// per in-flight group, ordered by group index. Workers mark their groups
// complete out of submission order; a checkpoint pass retires the longest
// complete prefix, which is the only way the durable low-water mark ever
// advances. Completions that are not part of the prefix are remembered in a
// gap bitmap so that recovery can replay exactly the groups that were still
// outstanding at crash time.
package checkpoint

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/util/ring"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// ErrWindowFull is returned by Append when the window already holds its
// configured maximum of in-flight groups. The coordinator responds by
// forcing a checkpoint pass before dispatching more work.
var ErrWindowFull = errors.New("checkpoint window full")

// Descriptor tracks one in-flight group.
type Descriptor struct {
	// Index is the group index.
	Index int64
	// Seqno is the group's position relative to the current low-water
	// mark; gap bitmap bits address groups by Seqno.
	Seqno uint64
	// Coords are the group-start coordinates, used as the durable resume
	// point if this group becomes the window head.
	Coords position.Coords
	// done is set when the group's worker reports completion.
	done bool
}

// Window is the ordered committed-group queue. Safe for concurrent use: the
// coordinator appends and advances, workers mark their own groups done.
type Window struct {
	capacity int

	mu struct {
		syncutil.Mutex
		ring     ring.Buffer[Descriptor]
		lowWater int64 // index of the newest retired group
	}
}

// New returns a Window with the given capacity (the configured checkpoint
// group count), resuming after group index lowWater.
func New(capacity int, lowWater int64) *Window {
	w := &Window{capacity: capacity}
	w.mu.ring = ring.MakeBuffer[Descriptor](capacity)
	w.mu.lowWater = lowWater
	return w
}

// Append adds a descriptor for a newly dispatched group and returns its
// checkpoint sequence number. Group indexes must arrive contiguously.
func (w *Window) Append(idx int64, coords position.Coords) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.mu.ring.Len() >= w.capacity {
		return 0, ErrWindowFull
	}
	expect := w.mu.lowWater + int64(w.mu.ring.Len()) + 1
	if idx != expect {
		return 0, errors.AssertionFailedf(
			"non-contiguous group index %d appended to checkpoint window, expected %d", idx, expect)
	}
	seqno := uint64(w.mu.ring.Len())
	w.mu.ring.AddLast(Descriptor{Index: idx, Seqno: seqno, Coords: coords})
	return seqno, nil
}

// MarkDone records that the group's worker has fully committed it.
func (w *Window) MarkDone(idx int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	pos := idx - w.mu.lowWater - 1
	if pos < 0 || pos >= int64(w.mu.ring.Len()) {
		return errors.AssertionFailedf(
			"completion report for group %d outside checkpoint window (%d, %d]",
			idx, w.mu.lowWater, w.mu.lowWater+int64(w.mu.ring.Len()))
	}
	d := w.mu.ring.GetPtr(int(pos))
	if d.done {
		return errors.AssertionFailedf("duplicate completion report for group %d", idx)
	}
	d.done = true
	return nil
}

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.ring.Len() >= w.capacity
}

// Len returns the number of in-flight groups.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.ring.Len()
}

// LowWater returns the index of the newest group that has been retired
// along with all of its predecessors.
func (w *Window) LowWater() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mu.lowWater
}

// Advance performs a checkpoint pass: it retires the longest complete prefix
// of the window, rebases the sequence numbers of the survivors, and returns
// the record to persist. The record's coordinates are the group-start
// coordinates of the oldest surviving group; if the window empties, current
// is used (the coordinator's live group-level coordinates). The returned
// retired count is zero when no prefix was complete, in which case the
// record still reflects any newly observed out-of-order completions.
func (w *Window) Advance(current position.Coords) (rec position.Record, retired int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for w.mu.ring.Len() > 0 && w.mu.ring.GetFirst().done {
		w.mu.lowWater = w.mu.ring.GetFirst().Index
		w.mu.ring.RemoveFirst()
		retired++
	}

	// Rebase survivor seqnos and collect the gaps: groups still in the
	// window that have not reported completion.
	n := w.mu.ring.Len()
	gaps := bitset.New(uint(n))
	for i := 0; i < n; i++ {
		d := w.mu.ring.GetPtr(i)
		d.Seqno = uint64(i)
		if !d.done {
			gaps.Set(uint(i))
		}
	}

	rec = position.Record{
		Coords:          current,
		LowWaterIndex:   w.mu.lowWater,
		CheckpointSeqno: uint64(n),
	}
	if n > 0 {
		rec.Coords = w.mu.ring.GetFirst().Coords
	}
	if gaps.Any() {
		buf, err := gaps.MarshalBinary()
		if err != nil {
			// MarshalBinary on a bitset cannot fail; keep the error path
			// anyway since the signature demands it.
			panic(errors.NewAssertionErrorWithWrappedErrf(err, "marshaling gap bitmap"))
		}
		rec.GapBitmap = buf
	}
	return rec, retired
}

// Gaps decodes a persisted gap bitmap into the group indexes that must be
// replayed, given the record they were persisted with. It returns an error
// if the bitmap references a group outside the persisted window; that state
// is not recoverable without operator intervention.
func Gaps(rec position.Record) ([]int64, error) {
	if len(rec.GapBitmap) == 0 {
		return nil, nil
	}
	var bs bitset.BitSet
	if err := bs.UnmarshalBinary(rec.GapBitmap); err != nil {
		return nil, errors.Wrap(err, "decoding gap bitmap")
	}
	var idxs []int64
	for i, ok := bs.NextSet(0); ok; i, ok = bs.NextSet(i + 1) {
		if uint64(i) >= rec.CheckpointSeqno {
			return nil, errors.Newf(
				"gap bitmap references sequence %d outside checkpoint window of %d groups; "+
					"manual intervention required", i, rec.CheckpointSeqno)
		}
		idxs = append(idxs, rec.LowWaterIndex+1+int64(i))
	}
	return idxs, nil
}
