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

package apply

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/checkpoint"
	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/util/log"
)

// recover brings the target back to a state equivalent to single-threaded
// apply before parallel dispatch starts. The persisted record names the
// checkpoint window at the crash: CheckpointSeqno groups past the low-water
// mark, with the gap bitmap marking the incomplete ones. Recovery reads those
// groups back off the stream sequentially, replays exactly the gaps, and
// persists a clean record ending past the window.
//
// The caller must hand the scheduler a source positioned at the record's
// group-start coordinates. Replaying is idempotent: a crash during recovery
// leaves the old record in place and the next recovery replays the same gaps.
func (s *Scheduler) recover(ctx context.Context) (position.Record, error) {
	rec, found, err := s.store.Load(ctx)
	if err != nil {
		return position.Record{}, errors.Wrap(err, "loading position record")
	}
	if !found {
		rec = position.Record{WorkerCount: s.cfg.Workers}
		if err := s.store.Flush(ctx, rec, true /* force */); err != nil {
			return position.Record{}, errors.Wrap(err, "initializing position record")
		}
		log.Infof(ctx, "no position record found; starting from the beginning of the stream")
		return rec, nil
	}
	if rec.CheckpointSeqno == 0 {
		// Clean shutdown: the window was empty when the record was written.
		log.Infof(ctx, "clean position record: resuming after group %d at %s",
			rec.LowWaterIndex, rec.Coords)
		return rec, nil
	}

	gaps, err := checkpoint.Gaps(rec)
	if err != nil {
		return position.Record{}, errors.Wrap(err, "recovery")
	}
	if len(gaps) > 0 && rec.WorkerCount != s.cfg.Workers {
		return position.Record{}, errors.Newf(
			"cannot recover: position record was written by %d workers but %d are configured; "+
				"restart with the previous worker count to finish recovery",
			rec.WorkerCount, s.cfg.Workers)
	}
	var gapSet position.AppliedSet = position.IndexSet{}
	for _, idx := range gaps {
		gapSet.Add(uint64(idx))
	}
	last := rec.LowWaterIndex + int64(rec.CheckpointSeqno)
	log.Warningf(ctx, "recovering: %d of %d groups after group %d are incomplete",
		len(gaps), rec.CheckpointSeqno, rec.LowWaterIndex)

	// Walk the window's groups off the stream in order. Completed groups are
	// consumed without effect; gap groups are applied and committed inline.
	state := StateNotInGroup
	idx := rec.LowWaterIndex + 1
	coords := rec.Coords
	for idx <= last {
		ev, err := s.src.Next(ctx)
		if err == io.EOF {
			return position.Record{}, errors.Newf(
				"stream ended during recovery at group %d; groups through %d are unaccounted for",
				idx, last)
		}
		if err != nil {
			return position.Record{}, errors.Wrap(err, "reading event stream during recovery")
		}
		sev := evNonTerminal
		if ev.Terminal {
			sev = evTerminal
		}
		if state, err = state.advance(sev); err != nil {
			return position.Record{}, err
		}
		if gapSet.Contains(uint64(idx)) {
			if err := s.exec.ApplyEvent(ctx, ev); err != nil {
				return position.Record{}, errors.Wrapf(err, "replaying group %d", idx)
			}
		}
		if state != StateEndGroup {
			continue
		}
		if gapSet.Contains(uint64(idx)) {
			if err := s.exec.Commit(ctx, idx); err != nil {
				return position.Record{}, errors.Wrapf(err, "committing replayed group %d", idx)
			}
			log.Infof(ctx, "replayed group %d (%s)", idx, ev.SourceEnd)
		}
		coords = endCoords(ev)
		idx++
		if state, err = state.advance(evBoundary); err != nil {
			return position.Record{}, err
		}
	}

	out := position.Record{
		Coords:        coords,
		WorkerCount:   s.cfg.Workers,
		LowWaterIndex: last,
	}
	if err := s.store.Flush(ctx, out, true /* force */); err != nil {
		return position.Record{}, errors.Wrap(err, "persisting post-recovery record")
	}
	log.Infof(ctx, "recovery complete: %d groups replayed, resuming after group %d at %s",
		len(gaps), out.LowWaterIndex, out.Coords)
	return out, nil
}
