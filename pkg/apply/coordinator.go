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
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/base"
	"github.com/applystream/applystream/pkg/checkpoint"
	"github.com/applystream/applystream/pkg/depqueue"
	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/log"
)

// errStopDispatch is an internal signal that a stop request interrupted
// dispatch; it never escapes the coordinator.
var errStopDispatch = errors.New("dispatch interrupted by stop request")

// runCoordinator is the event-stream consumer. It classifies events into
// groups, drives the group state machine, dispatches finished groups, and
// owns all group-level position updates.
func (s *Scheduler) runCoordinator(ctx context.Context, firstIndex int64) {
	state := StateNotInGroup
	setState := func(next GroupState) {
		state = next
		s.state.Store(int32(next))
	}

	nextIndex := firstIndex
	skip := s.cfg.SkipGroups
	var cur *Group
	killed := false

	for {
		if s.Err() != nil || s.stopReq.Load() {
			killed = true
			break
		}
		ev, err := s.src.Next(ctx)
		if err == io.EOF {
			if state == StateInGroup {
				// The stream ended mid-group. The partial group was never
				// dispatched and the group-level coordinates were never
				// advanced past it, so a restart rereads it whole.
				log.Warningf(ctx, "stream ended inside group %d; %d events discarded",
					cur.Index, cur.Len())
				cur.Release()
			}
			break
		}
		if err != nil {
			if s.stopReq.Load() || errors.Is(err, context.Canceled) {
				killed = true
				break
			}
			s.fail(ctx, errors.Wrap(err, "reading event stream"))
			killed = true
			break
		}

		sev := evNonTerminal
		if ev.Terminal {
			sev = evTerminal
		}
		if state == StateNotInGroup {
			if s.untilReached(ev.SourcePos) {
				log.Infof(ctx, "until position %s:%d reached at group %d; stopping",
					log.Safe(s.cfg.UntilSourceFile), s.cfg.UntilSourceOffset, nextIndex)
				break
			}
			cur = newGroup(nextIndex, position.Coords{
				GroupRelay:  ev.RelayPos,
				GroupSource: ev.SourcePos,
				EventRelay:  ev.RelayPos,
				EventSource: ev.SourcePos,
			})
		}
		if state, err = state.advance(sev); err != nil {
			s.fail(ctx, err)
			killed = true
			break
		}
		s.state.Store(int32(state))
		cur.append(ev)
		s.advanceEventCoords(ev)
		if state != StateEndGroup {
			continue
		}

		// Terminal event consumed: finish the group. The end coordinates
		// are recorded only after the group is fully dispatched, so a
		// crash between here and dispatch replays the whole group.
		cur.End = endCoords(ev)
		s.pauseMu.Lock()
		if skip > 0 {
			skip--
			err = s.skipGroup(ctx, cur)
		} else {
			err = s.dispatch(ctx, cur)
		}
		if err == nil {
			s.setCoords(cur.End)
			if s.window.Full() || time.Since(s.lastCheckpoint) >= s.cfg.CheckpointInterval {
				err = s.checkpointPass(ctx, false)
			}
		}
		s.pauseMu.Unlock()
		if err != nil {
			if !errors.Is(err, errStopDispatch) &&
				!errors.Is(err, depqueue.ErrStopped) {
				s.fail(ctx, err)
			}
			killed = true
			break
		}
		cur = nil
		nextIndex++
		if state, err = state.advance(evBoundary); err != nil {
			s.fail(ctx, err)
			killed = true
			break
		}
		setState(state)
	}

	if killed {
		state, _ = state.advance(evKill) // evKill is accepted in every state
		setState(state)
	}
	s.shutdown(ctx, killed && s.immediate.Load())
}

// shutdown drains or discards outstanding work and persists the final
// checkpoint. With discard set, pending (undispatched from the workers'
// point of view) groups are dropped; they remain unreflected in the durable
// position and will be replayed on restart.
func (s *Scheduler) shutdown(ctx context.Context, discard bool) {
	deps, workers := s.pool()
	deps.Close(!discard)
	if discard {
		// Dispatched-but-unstarted groups die with their queues; groups
		// below them in the commit order would hang on the gate, so the
		// gate is aborted too. Workers treat this abort as a quiet exit.
		for _, w := range workers {
			w.q.close()
		}
		s.gate.Abort(nil)
		s.wakeInflight()
	} else {
		if err := deps.WaitAllDone(); err == nil {
			_ = s.drainWorkers()
		}
		for _, w := range workers {
			w.q.close()
		}
	}
	if err := s.checkpointPass(ctx, true /* force */); err != nil {
		s.fail(ctx, errors.Wrap(err, "final checkpoint"))
	}
	log.Infof(ctx, "coordinator exiting at %s (low-water group %d)",
		s.Coords(), s.window.LowWater())
}

// advanceEventCoords moves the event-level coordinates past the consumed
// event. Group-level coordinates are untouched: they advance only at group
// boundaries.
func (s *Scheduler) advanceEventCoords(ev stream.Event) {
	s.posMu.Lock()
	s.coords.EventRelay = ev.RelayEnd
	s.coords.EventSource = ev.SourceEnd
	s.posMu.Unlock()
}

// endCoords returns the group-level coordinates after a group whose
// terminal event is ev.
func endCoords(ev stream.Event) position.Coords {
	return position.Coords{
		GroupRelay:  ev.RelayEnd,
		GroupSource: ev.SourceEnd,
		EventRelay:  ev.RelayEnd,
		EventSource: ev.SourceEnd,
	}
}

// untilReached reports whether the configured until-position bound has been
// reached. Checked at group boundaries only, against the next group's start.
func (s *Scheduler) untilReached(next position.LogPosition) bool {
	if s.cfg.UntilSourceFile == "" {
		return false
	}
	bound := position.LogPosition{File: s.cfg.UntilSourceFile, Offset: s.cfg.UntilSourceOffset}
	return next.Compare(bound) >= 0
}

// skipGroup consumes an operator-skipped group: it flows through the window
// and the commit gate so later indexes stay contiguous, but its payload is
// never applied.
func (s *Scheduler) skipGroup(ctx context.Context, g *Group) error {
	if err := s.appendWindow(ctx, g); err != nil {
		return err
	}
	// Skips happen immediately after recovery, before any parallel
	// dispatch, so the gate grants without waiting.
	if err := s.gate.Acquire(ctx, g.Index); err != nil {
		return err
	}
	s.gate.Release(g.Index)
	if err := s.window.MarkDone(g.Index); err != nil {
		return err
	}
	log.Warningf(ctx, "skipped group %d (%d events) at operator request", g.Index, g.Len())
	g.Release()
	return nil
}

// appendWindow inserts the group into the checkpoint window, forcing
// checkpoint passes while the window is full. A full window with an
// incomplete head means workers are behind; the coordinator waits on them.
func (s *Scheduler) appendWindow(ctx context.Context, g *Group) error {
	for {
		seqno, err := s.window.Append(g.Index, g.Start)
		if err == nil {
			g.Seqno = seqno
			return nil
		}
		if !errors.Is(err, checkpoint.ErrWindowFull) {
			return err
		}
		if err := s.checkpointPass(ctx, true); err != nil {
			return err
		}
		if !s.window.Full() {
			continue
		}
		if err := s.Err(); err != nil {
			return err
		}
		if s.stopReq.Load() {
			return errStopDispatch
		}
		time.Sleep(s.cfg.BasicNap)
	}
}

// dispatch hands a finished group to the configured assignment policy.
func (s *Scheduler) dispatch(ctx context.Context, g *Group) error {
	if err := s.appendWindow(ctx, g); err != nil {
		return err
	}
	switch s.cfg.Policy {
	case base.PolicyDependency:
		s.deps.Lock()
		err := s.deps.Enqueue(g, g.Index, g.Keys, g.Isolated)
		s.deps.Unlock()
		if err != nil {
			return err
		}
		s.metrics.PendingGroups.Set(float64(s.deps.Depth()))
	case base.PolicyKeyPartitioned:
		if err := s.dispatchPartitioned(ctx, g); err != nil {
			return err
		}
	}
	s.metrics.GroupsDispatched.Inc()
	s.metrics.EventsDispatched.Add(float64(g.Len()))
	return nil
}

// dispatchPartitioned routes the group by its key pins, falling back to
// drain-and-isolate when the pins span workers or the group demands
// isolation outright.
func (s *Scheduler) dispatchPartitioned(ctx context.Context, g *Group) error {
	isolate := g.Isolated
	workerID := -1
	if !isolate {
		var conflict bool
		workerID, conflict = s.router.route(g.Keys, s.leastLoaded)
		if conflict {
			// Keys pinned to different workers: partitioning cannot prove
			// independence, so run the group in isolation.
			isolate = true
		}
	}
	if isolate {
		log.Infof(ctx, "group %d requires isolation; draining %d workers",
			g.Index, len(s.workers))
		if err := s.drainWorkers(); err != nil {
			return err
		}
		// All pins were released by the drain.
		var conflict bool
		workerID, conflict = s.router.route(g.Keys, s.leastLoaded)
		if conflict {
			return errors.AssertionFailedf(
				"key conflict for group %d after draining all workers", g.Index)
		}
	}

	w := s.workers[workerID]
	s.napIfSaturated(ctx, w)
	s.inflightInc()
	if err := w.q.push(g); err != nil {
		s.inflightDec()
		return err
	}
	if isolate {
		// Run alone: nothing else dispatches until the group completes.
		if err := s.drainWorkers(); err != nil {
			return err
		}
	}
	return nil
}

// napIfSaturated implements the coordinator's adaptive backpressure nap. A
// queue above its high-water mark grows the saturation counter and the
// coordinator sleeps proportionally; observing a hungry queue (below the
// underrun level) shrinks the counter. The hysteresis band between the two
// marks keeps the coordinator from flapping between full and empty.
func (s *Scheduler) napIfSaturated(ctx context.Context, w *worker) {
	high := s.cfg.WorkerQueueLen * (100 - s.cfg.UnderrunLevel) / 100
	low := s.cfg.WorkerQueueLen * s.cfg.UnderrunLevel / 100
	occ := w.q.occupancy()
	switch {
	case occ > high:
		excess := s.saturation.Add(1)
		w.stats.overruns.Add(1)
		s.metrics.Saturation.Set(float64(excess))
		s.metrics.CoordinatorNaps.Inc()
		nap := s.cfg.BasicNap * time.Duration(excess)
		if max := 50 * s.cfg.BasicNap; nap > max {
			nap = max
		}
		time.Sleep(nap)
	case occ < low:
		if s.saturation.Load() > 0 {
			s.metrics.Saturation.Set(float64(s.saturation.Add(-1)))
		}
		w.stats.underruns.Add(1)
	}
	s.metrics.WorkerQueueDepth.WithLabelValues(strconv.Itoa(w.id)).Set(float64(occ))
}
