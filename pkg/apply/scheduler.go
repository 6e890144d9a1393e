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

// Package apply implements the parallel-apply scheduler: one coordinator
// consuming the ordered event stream and a fixed pool of workers applying
// groups concurrently, with the externally visible behavior of
// single-threaded apply. Commit visibility follows group-index order, the
// durable position only advances past contiguous committed prefixes, and a
// crash is recovered by replaying exactly the groups the gap bitmap proves
// incomplete.
package apply

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/applystream/applystream/pkg/base"
	"github.com/applystream/applystream/pkg/checkpoint"
	"github.com/applystream/applystream/pkg/commitorder"
	"github.com/applystream/applystream/pkg/depqueue"
	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/log"
	"github.com/applystream/applystream/pkg/util/stop"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// ErrWorkerFailed wraps the first fatal apply error. Status and Wait report
// errors marked with it.
var ErrWorkerFailed = errors.New("apply worker failed")

// Scheduler owns the coordinator, the worker pool, and the bookkeeping that
// ties them together.
type Scheduler struct {
	cfg   base.Config
	src   stream.Source
	exec  Executor
	store position.Store

	stopper *stop.Stopper
	gate    *commitorder.Gate
	window  *checkpoint.Window
	router  *keyRouter
	metrics *Metrics

	// poolMu guards deps and workers, which Reconfigure swaps wholesale.
	// The coordinator reads them without poolMu: Reconfigure excludes it
	// via pauseMu instead.
	poolMu   syncutil.RWMutex
	deps     *depqueue.Queue[*Group]
	workers  []*worker
	workerWG sync.WaitGroup

	// pauseMu is held by the coordinator for the duration of each group
	// and taken by Reconfigure to freeze dispatch between groups.
	pauseMu syncutil.Mutex

	// inflight tracks groups dispatched to per-worker queues (partition
	// mode) that have not completed; drain-and-isolate waits on it.
	inflight struct {
		syncutil.Mutex
		cond  sync.Cond
		count int
	}

	// posMu guards the coordinator-owned position coordinates for the
	// benefit of status readers. Only the coordinator writes.
	posMu  syncutil.Mutex
	coords position.Coords

	failMu  syncutil.Mutex
	failErr error

	state      atomic.Int32 // GroupState for status
	saturation atomic.Int64

	stopReq   atomic.Bool
	immediate atomic.Bool
	cancel    context.CancelFunc

	lastCheckpoint time.Time

	done chan struct{}
}

// NewScheduler validates the configuration and assembles a scheduler. The
// Prometheus registerer may be nil.
func NewScheduler(
	cfg base.Config,
	src stream.Source,
	exec Executor,
	store position.Store,
	reg prometheus.Registerer,
) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		cfg:     cfg,
		src:     src,
		exec:    exec,
		store:   store,
		stopper: stop.NewStopper(),
		router:  newKeyRouter(),
		metrics: NewMetrics(reg),
		done:    make(chan struct{}),
	}
	s.inflight.cond.L = &s.inflight.Mutex
	s.state.Store(int32(StateNotInGroup))
	return s, nil
}

// Start performs recovery and launches the coordinator and worker tasks. It
// returns once the scheduler is running; use Wait for completion.
func (s *Scheduler) Start(ctx context.Context) error {
	// Only the coordinator's context is cancelable: Stop uses the cancel to
	// interrupt a blocked stream read. Workers drain through their queues
	// instead, so a graceful stop never fails an in-flight apply.
	workerCtx := ctx
	ctx, s.cancel = context.WithCancel(ctx)

	rec, err := s.recover(ctx)
	if err != nil {
		return err
	}
	s.setCoords(rec.Coords)

	s.gate = commitorder.NewGate(rec.LowWaterIndex + 1)
	s.window = checkpoint.New(s.cfg.CheckpointGroup, rec.LowWaterIndex)
	s.deps = depqueue.New[*Group](s.cfg.MaxPendingGroups)
	s.workers = make([]*worker, s.cfg.Workers)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s.cfg.WorkerQueueLen, s.cfg.WorkerQueueMemBytes())
	}
	s.lastCheckpoint = time.Now()

	if err := s.spawnWorkers(workerCtx, s.workers); err != nil {
		return err
	}
	if err := s.stopper.RunAsyncTask(ctx, "coordinator", func(ctx context.Context) {
		defer close(s.done)
		s.runCoordinator(ctx, rec.LowWaterIndex+1)
	}); err != nil {
		return err
	}
	log.Infof(ctx, "scheduler started: %d workers, policy=%s, resuming at %s (group %d)",
		s.cfg.Workers, log.Safe(string(s.cfg.Policy)), rec.Coords, rec.LowWaterIndex+1)
	return nil
}

// Wait blocks until the coordinator has exited and all dispatched work has
// drained, then returns the failure, if any.
func (s *Scheduler) Wait(ctx context.Context) error {
	<-s.done
	s.stopper.Stop(ctx)
	return s.Err()
}

// Stop requests a stop. With immediate set, pending undispatched groups are
// discarded; otherwise dispatched work drains first. Either way no new
// groups are dispatched, and positions remain consistent: a group is either
// fully dispatched and reflected in the coordinates, or not at all.
func (s *Scheduler) Stop(ctx context.Context, immediate bool) error {
	s.immediate.Store(immediate)
	s.stopReq.Store(true)
	if s.cancel != nil {
		s.cancel()
	}
	return s.Wait(ctx)
}

// Err returns the first fatal error, marked with ErrWorkerFailed when it
// came from a worker.
func (s *Scheduler) Err() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// spawnWorkers launches a task per worker, tracked by both the stopper and
// the pool wait group.
func (s *Scheduler) spawnWorkers(ctx context.Context, workers []*worker) error {
	for _, w := range workers {
		w := w
		s.workerWG.Add(1)
		taskCtx := log.WithTag(ctx, "w", w.id)
		if err := s.stopper.RunAsyncTask(taskCtx, "apply-worker", func(ctx context.Context) {
			defer s.workerWG.Done()
			s.runWorker(ctx, w)
		}); err != nil {
			s.workerWG.Done()
			return err
		}
	}
	return nil
}

// pool returns the current dependency queue and worker slice.
func (s *Scheduler) pool() (*depqueue.Queue[*Group], []*worker) {
	s.poolMu.RLock()
	defer s.poolMu.RUnlock()
	return s.deps, s.workers
}

// fail records the first fatal error and unblocks every waiter in the
// system: the dependency queue, the per-worker queues, and the commit gate.
func (s *Scheduler) fail(ctx context.Context, err error) {
	s.failMu.Lock()
	first := s.failErr == nil
	if first {
		s.failErr = err
	}
	s.failMu.Unlock()
	if !first {
		return
	}
	log.Errorf(ctx, "scheduler stopping with error: %v", err)
	deps, workers := s.pool()
	deps.SetErr(err)
	s.gate.Abort(err)
	for _, w := range workers {
		w.q.fail(err)
	}
	s.wakeInflight()
}

func (s *Scheduler) setCoords(c position.Coords) {
	s.posMu.Lock()
	s.coords = c
	s.posMu.Unlock()
}

// Coords returns the current position coordinates.
func (s *Scheduler) Coords() position.Coords {
	s.posMu.Lock()
	defer s.posMu.Unlock()
	return s.coords
}

func (s *Scheduler) wakeInflight() {
	s.inflight.Lock()
	s.inflight.cond.Broadcast()
	s.inflight.Unlock()
}

func (s *Scheduler) inflightInc() {
	s.inflight.Lock()
	s.inflight.count++
	s.inflight.Unlock()
}

func (s *Scheduler) inflightDec() {
	s.inflight.Lock()
	s.inflight.count--
	if s.inflight.count == 0 {
		s.inflight.cond.Broadcast()
	}
	s.inflight.Unlock()
}

// drainWorkers blocks until every group dispatched to a per-worker queue has
// completed, or a failure is recorded.
func (s *Scheduler) drainWorkers() error {
	s.inflight.Lock()
	defer s.inflight.Unlock()
	for s.inflight.count > 0 {
		if err := s.Err(); err != nil {
			return err
		}
		s.inflight.cond.Wait()
	}
	return s.Err()
}

// leastLoaded returns the id of the worker with the smallest queue
// occupancy, breaking ties by worker identity.
func (s *Scheduler) leastLoaded() int {
	best, bestOcc := 0, int(^uint(0)>>1)
	_, workers := s.pool()
	for _, w := range workers {
		if occ := w.q.occupancy(); occ < bestOcc {
			best, bestOcc = w.id, occ
		}
	}
	return best
}

// checkpointPass retires the window's complete prefix and persists the
// record. force also forces durability on the store flush.
func (s *Scheduler) checkpointPass(ctx context.Context, force bool) error {
	rec, retired := s.window.Advance(s.Coords())
	rec.WorkerCount = s.cfg.Workers
	if err := s.store.Flush(ctx, rec, force); err != nil {
		return err
	}
	s.lastCheckpoint = time.Now()
	s.metrics.Checkpoints.Inc()
	s.metrics.GroupsRetired.Add(float64(retired))
	if retired > 0 {
		log.Infof(ctx, "checkpoint: low-water mark now group %d at %s (%d retired, %d in flight)",
			rec.LowWaterIndex, rec.Coords, retired, rec.CheckpointSeqno)
	}
	return nil
}

// runWorker is a worker task body; the loop shape depends on the policy.
func (s *Scheduler) runWorker(ctx context.Context, w *worker) {
	var err error
	switch s.cfg.Policy {
	case base.PolicyDependency:
		err = s.runDependencyWorker(ctx, w)
	case base.PolicyKeyPartitioned:
		err = s.runPartitionWorker(ctx, w)
	}
	if err != nil {
		if s.immediate.Load() && errors.Is(err, commitorder.ErrAborted) {
			// An immediate stop aborted the gate under this worker; the
			// unfinished group is recovery's problem, not a failure.
			log.Infof(ctx, "worker interrupted by immediate stop: %v", err)
			return
		}
		s.fail(ctx, err)
	}
}

func (s *Scheduler) runDependencyWorker(ctx context.Context, w *worker) error {
	deps, _ := s.pool()
	for {
		task, err := deps.Dequeue()
		if errors.Is(err, depqueue.ErrDrained) {
			return nil
		}
		if err != nil {
			// Failure recorded by another worker; unwind quietly.
			return nil //nolint:nilerr
		}
		g := task.Item
		if err := s.applyGroup(ctx, w, g); err != nil {
			return err
		}
		deps.Complete(task)
		g.Release()
	}
}

func (s *Scheduler) runPartitionWorker(ctx context.Context, w *worker) error {
	for {
		g, err := w.q.pop()
		if err != nil {
			return nil // failure already recorded
		}
		if g == nil {
			return nil // closed and drained
		}
		err = s.applyGroup(ctx, w, g)
		s.router.release(g.Keys)
		s.inflightDec()
		if err != nil {
			return err
		}
		g.Release()
	}
}

// applyGroup applies every member event and commits the group in index
// order. Errors carry the group index and source position so the operator
// can correlate them with the upstream log.
func (s *Scheduler) applyGroup(ctx context.Context, w *worker, g *Group) error {
	w.stats.groupsAssigned.Add(1)
	w.stats.eventsAssigned.Add(int64(g.Len()))
	annotate := func(err error) error {
		return errors.Mark(
			errors.Wrapf(err, "group %d (source %s)", g.Index, g.terminalPos()),
			ErrWorkerFailed)
	}
	if err := g.Events(func(ev stream.Event) error {
		return s.exec.ApplyEvent(ctx, ev)
	}); err != nil {
		return annotate(err)
	}
	if err := s.gate.Acquire(ctx, g.Index); err != nil {
		return annotate(err)
	}
	if err := s.exec.Commit(ctx, g.Index); err != nil {
		// The gate slot is held; Abort in fail() releases the others.
		return annotate(err)
	}
	s.gate.Release(g.Index)
	if err := s.window.MarkDone(g.Index); err != nil {
		return err
	}
	w.stats.groupsApplied.Add(1)
	s.metrics.GroupsApplied.Inc()
	return nil
}

// Status returns a read-only snapshot for the monitoring surface.
func (s *Scheduler) Status() Status {
	st := Status{
		State:      GroupState(s.state.Load()),
		Coords:     s.Coords(),
		Saturation: s.saturation.Load(),
		Err:        s.Err(),
		LagBytes:   -1,
	}
	if s.window != nil {
		st.LowWater = s.window.LowWater()
		st.InFlight = s.window.Len()
	}
	deps, workers := s.pool()
	if deps != nil {
		st.Pending = deps.Depth()
	}
	if st.Coords.EventSource.File == st.Coords.GroupSource.File {
		st.LagBytes = int64(st.Coords.EventSource.Offset) - int64(st.Coords.GroupSource.Offset)
	}
	for _, w := range workers {
		st.Workers = append(st.Workers, WorkerStatus{
			ID:             w.id,
			QueueDepth:     w.q.occupancy(),
			EventsAssigned: w.stats.eventsAssigned.Load(),
			GroupsAssigned: w.stats.groupsAssigned.Load(),
			GroupsApplied:  w.stats.groupsApplied.Load(),
			Overruns:       w.stats.overruns.Load(),
			Underruns:      w.stats.underruns.Load(),
		})
	}
	return st
}

// Reconfigure drains all in-flight work, persists a checkpoint, then tears
// down and recreates the worker pool at the new size. Dispatch is frozen for
// the duration: the coordinator is held off at the next group boundary.
func (s *Scheduler) Reconfigure(ctx context.Context, workers int) error {
	if workers <= 0 {
		return errors.Newf("workers must be positive, got %d", workers)
	}
	s.pauseMu.Lock()
	defer s.pauseMu.Unlock()
	if err := s.deps.WaitAllDone(); err != nil {
		return err
	}
	if err := s.drainWorkers(); err != nil {
		return err
	}

	// Release the drained pool and wait for the worker tasks to exit.
	old := s.workers
	s.deps.Close(true /* drain */)
	for _, w := range old {
		w.q.close()
	}
	s.workerWG.Wait()

	s.poolMu.Lock()
	s.cfg.Workers = workers
	s.deps = depqueue.New[*Group](s.cfg.MaxPendingGroups)
	s.workers = make([]*worker, workers)
	for i := range s.workers {
		s.workers[i] = newWorker(i, s.cfg.WorkerQueueLen, s.cfg.WorkerQueueMemBytes())
	}
	s.poolMu.Unlock()

	// Persist the new worker count with the checkpoint.
	if err := s.checkpointPass(ctx, true /* force */); err != nil {
		return err
	}
	if err := s.spawnWorkers(ctx, s.workers); err != nil {
		return err
	}
	log.Infof(ctx, "worker pool resized from %d to %d", len(old), workers)
	return nil
}
