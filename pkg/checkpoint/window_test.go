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

package checkpoint

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/applystream/applystream/pkg/position"
)

func coordsAt(off uint64) position.Coords {
	p := position.LogPosition{File: "relay.000001", Offset: off}
	return position.Coords{GroupRelay: p, EventRelay: p}
}

func mustAppend(t *testing.T, w *Window, idx int64) {
	t.Helper()
	_, err := w.Append(idx, coordsAt(uint64(idx)*100))
	require.NoError(t, err)
}

// The low-water mark only moves past a contiguous done prefix; completions
// beyond the first gap are held back and reported in the bitmap.
func TestAdvancePrefixOnly(t *testing.T) {
	w := New(8, 0)
	for idx := int64(1); idx <= 5; idx++ {
		mustAppend(t, w, idx)
	}

	require.NoError(t, w.MarkDone(1))
	require.NoError(t, w.MarkDone(3))
	require.NoError(t, w.MarkDone(4))

	rec, retired := w.Advance(coordsAt(999))
	require.Equal(t, 1, retired)
	require.Equal(t, int64(1), rec.LowWaterIndex)
	require.Equal(t, uint64(4), rec.CheckpointSeqno)
	// The resume point is the start of the oldest surviving group.
	require.Equal(t, coordsAt(200), rec.Coords)

	// Groups 3 and 4 are done; only group 2 (seqno 0 after rebasing) is a
	// gap besides group 5 (seqno 3).
	gaps, err := Gaps(rec)
	require.NoError(t, err)
	require.Equal(t, []int64{2, 5}, gaps)

	// Completing group 2 lets the next pass retire through group 4.
	require.NoError(t, w.MarkDone(2))
	rec, retired = w.Advance(coordsAt(999))
	require.Equal(t, 3, retired)
	require.Equal(t, int64(4), rec.LowWaterIndex)
	require.Equal(t, uint64(1), rec.CheckpointSeqno)
	require.Equal(t, coordsAt(500), rec.Coords)
	gaps, err = Gaps(rec)
	require.NoError(t, err)
	require.Equal(t, []int64{5}, gaps)

	require.NoError(t, w.MarkDone(5))
	rec, retired = w.Advance(coordsAt(999))
	require.Equal(t, 1, retired)
	require.Equal(t, int64(5), rec.LowWaterIndex)
	require.Equal(t, uint64(0), rec.CheckpointSeqno)
	require.Nil(t, rec.GapBitmap)
	// Empty window: the record carries the caller's live coordinates.
	require.Equal(t, coordsAt(999), rec.Coords)
}

func TestAppendContiguityRequired(t *testing.T) {
	w := New(8, 10)
	mustAppend(t, w, 11)
	_, err := w.Append(13, coordsAt(0))
	require.Error(t, err)
	require.True(t, errors.HasAssertionFailure(err))
}

func TestAppendFull(t *testing.T) {
	w := New(2, 0)
	mustAppend(t, w, 1)
	mustAppend(t, w, 2)
	require.True(t, w.Full())
	_, err := w.Append(3, coordsAt(0))
	require.ErrorIs(t, err, ErrWindowFull)

	require.NoError(t, w.MarkDone(1))
	_, retired := w.Advance(coordsAt(0))
	require.Equal(t, 1, retired)
	require.False(t, w.Full())
	mustAppend(t, w, 3)
}

func TestMarkDoneOutsideWindow(t *testing.T) {
	w := New(8, 5)
	mustAppend(t, w, 6)
	require.Error(t, w.MarkDone(5))
	require.Error(t, w.MarkDone(7))
	require.NoError(t, w.MarkDone(6))
	require.Error(t, w.MarkDone(6)) // duplicate
}

// Seqnos are rebased on every advance so persisted bitmap bits stay relative
// to the current low-water mark.
func TestSeqnoRebasing(t *testing.T) {
	w := New(8, 0)
	for idx := int64(1); idx <= 4; idx++ {
		mustAppend(t, w, idx)
	}
	require.NoError(t, w.MarkDone(1))
	require.NoError(t, w.MarkDone(2))
	rec, retired := w.Advance(coordsAt(0))
	require.Equal(t, 2, retired)

	// Group 4 is now seqno 1; marking it done and advancing must report
	// group 3 (seqno 0) as the gap.
	require.NoError(t, w.MarkDone(4))
	rec, retired = w.Advance(coordsAt(0))
	require.Equal(t, 0, retired)
	gaps, err := Gaps(rec)
	require.NoError(t, err)
	require.Equal(t, []int64{3}, gaps)
}

func TestGapsRejectsOutOfRangeBit(t *testing.T) {
	w := New(8, 0)
	for idx := int64(1); idx <= 3; idx++ {
		mustAppend(t, w, idx)
	}
	rec, _ := w.Advance(coordsAt(0))
	require.Equal(t, uint64(3), rec.CheckpointSeqno)

	// A record claiming a smaller window than the bitmap covers is not
	// recoverable.
	rec.CheckpointSeqno = 1
	_, err := Gaps(rec)
	require.Error(t, err)
	require.Contains(t, err.Error(), "manual intervention")
}

func TestGapsEmptyBitmap(t *testing.T) {
	gaps, err := Gaps(position.Record{LowWaterIndex: 42, CheckpointSeqno: 7})
	require.NoError(t, err)
	require.Nil(t, gaps)
}
