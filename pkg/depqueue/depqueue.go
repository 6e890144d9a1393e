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

// Package depqueue implements the dependency tracker that lets groups with
// disjoint resource keys run concurrently while groups sharing a key are
// serialized in arrival order.
//
// The tracker is a single monitor: one mutex guards the pending queue, the
// key→last-writer map, and the three wait conditions (not-full, not-empty,
// all-done), so their state transitions stay atomic together and a single
// state change can satisfy several kinds of waiters without lost wakeups.
package depqueue

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// ErrDrained is returned by Dequeue once the queue is closed and every
// pending group has been handed out.
var ErrDrained = errors.New("dependency queue drained")

// ErrStopped is returned by Enqueue after Close.
var ErrStopped = errors.New("dependency queue stopped")

type entryState int8

const (
	// statePending: enqueued, possibly waiting on predecessors.
	statePending entryState = iota
	// stateRunning: handed to a worker, not yet complete.
	stateRunning
	// stateDone: apply complete, kept out of the order list.
	stateDone
)

// entry is the tracker's bookkeeping for one group.
type entry[T any] struct {
	item     T
	index    int64
	keys     []stream.Key
	isolated bool
	state    entryState
	// preds is the number of incomplete predecessor groups this entry
	// must not be dispatched before.
	preds int
	// dependents are entries gated on this one completing.
	dependents []*entry[T]
}

// Task is the handle a worker receives from Dequeue and must return via
// Complete once the group has been applied (successfully or not).
type Task[T any] struct {
	Item  T
	Index int64
	e     *entry[T]
}

// Queue is the dependency tracker. The zero value is not usable; call New.
type Queue[T any] struct {
	mu syncutil.Mutex
	// The conditions all share mu. notFull gates the producer, notEmpty
	// gates consumers, allDone gates group-boundary synchronization and
	// shutdown.
	notFull  sync.Cond
	notEmpty sync.Cond
	allDone  sync.Cond

	maxPending int

	// order lists entries not yet complete, in arrival order. Bounded by
	// maxPending plus the number of running groups, so the linear scans
	// below stay cheap.
	order []*entry[T]
	// lastWriter maps each resource key to the newest incomplete group
	// that writes it. Entries are cleared only when that group completes.
	lastWriter map[stream.Key]*entry[T]

	pending  int // entries in statePending
	running  int // entries in stateRunning
	inFlight int // pending + running

	// isolatedRunning is set while an isolated group executes; it blocks
	// all dispatch.
	isolatedRunning bool

	waitingWorkers int
	closed         bool
	failure        error
}

// New returns a Queue admitting at most maxPending undispatched groups.
func New[T any](maxPending int) *Queue[T] {
	if maxPending <= 0 {
		panic(errors.AssertionFailedf("non-positive dependency queue capacity %d", maxPending))
	}
	q := &Queue[T]{
		maxPending: maxPending,
		lastWriter: make(map[stream.Key]*entry[T]),
	}
	q.notFull.L = &q.mu
	q.notEmpty.L = &q.mu
	q.allDone.L = &q.mu
	return q
}

// Lock acquires the tracker's mutex. Enqueue requires it to be held so the
// coordinator can combine the capacity check, the key bookkeeping, and its
// own position accounting into one critical section.
func (q *Queue[T]) Lock() { q.mu.Lock() }

// Unlock releases the tracker's mutex.
func (q *Queue[T]) Unlock() { q.mu.Unlock() }

// Enqueue appends a group to the pending queue and records its dependency
// edges. The caller must hold the tracker's mutex; Enqueue blocks (releasing
// the mutex) while the queue is full. It fails only once the queue has been
// closed or a worker has reported failure.
func (q *Queue[T]) Enqueue(item T, index int64, keys []stream.Key, isolated bool) error {
	q.mu.AssertHeld()
	for q.pending >= q.maxPending && !q.closed && q.failure == nil {
		q.notFull.Wait()
	}
	if q.failure != nil {
		return q.failure
	}
	if q.closed {
		return ErrStopped
	}

	e := &entry[T]{item: item, index: index, keys: keys, isolated: isolated}
	for _, k := range keys {
		if lw, ok := q.lastWriter[k]; ok && lw != e {
			// The last writer is still incomplete (complete writers are
			// removed from the map), so this group must wait for it. A
			// group touching several of the predecessor's keys gets a
			// single edge.
			if !containsEntry(lw.dependents, e) {
				lw.dependents = append(lw.dependents, e)
				e.preds++
			}
		}
		q.lastWriter[k] = e
	}
	q.order = append(q.order, e)
	q.pending++
	q.inFlight++
	q.notEmpty.Signal()
	return nil
}

func containsEntry[T any](s []*entry[T], e *entry[T]) bool {
	for _, x := range s {
		if x == e {
			return true
		}
	}
	return false
}

// dispatchable returns the oldest pending entry that may run now, or nil.
// The caller must hold mu.
func (q *Queue[T]) dispatchable() *entry[T] {
	if q.isolatedRunning {
		return nil
	}
	for i, e := range q.order {
		if e.state != statePending {
			continue
		}
		if e.isolated {
			// An isolated group runs exclusively: it must be the oldest
			// incomplete group and nothing else may be running. Until
			// then it is a dispatch barrier. A younger group handed out
			// past it would hold a worker while waiting on a commit slot
			// that sequences after the isolated group, and the isolated
			// group could then never see running == 0.
			if i == 0 && q.running == 0 {
				return e
			}
			return nil
		}
		if e.preds > 0 {
			continue
		}
		return e
	}
	return nil
}

// Dequeue pops the oldest dispatchable group, blocking while none is
// available. It returns ErrDrained once the queue is closed and empty, or
// the recorded failure once a worker has failed.
func (q *Queue[T]) Dequeue() (*Task[T], error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.failure != nil {
			return nil, q.failure
		}
		if e := q.dispatchable(); e != nil {
			e.state = stateRunning
			q.pending--
			q.running++
			if e.isolated {
				q.isolatedRunning = true
			}
			q.notFull.Signal()
			return &Task[T]{Item: e.item, Index: e.index, e: e}, nil
		}
		if q.closed && q.pending == 0 {
			return nil, ErrDrained
		}
		q.waitingWorkers++
		q.notEmpty.Wait()
		q.waitingWorkers--
	}
}

// Complete reports that the group behind the task has finished applying. It
// clears the group's key claims, releases dependents whose last predecessor
// this was, and wakes boundary/shutdown waiters when nothing remains in
// flight.
func (q *Queue[T]) Complete(t *Task[T]) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e := t.e
	if e.state != stateRunning {
		panic(errors.AssertionFailedf("group %d completed in state %d", e.index, e.state))
	}
	e.state = stateDone
	q.running--
	q.inFlight--
	if e.isolated {
		q.isolatedRunning = false
	}

	for _, k := range e.keys {
		if q.lastWriter[k] == e {
			delete(q.lastWriter, k)
		}
	}
	released := false
	for _, dep := range e.dependents {
		dep.preds--
		if dep.preds == 0 {
			released = true
		}
	}
	e.dependents = nil

	// Drop the entry from the order list.
	for i, x := range q.order {
		if x == e {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}

	if released || e.isolated || (q.running == 0 && q.pending > 0) {
		// A completion can make the head dispatchable three ways: it
		// released dependents, it ended an isolation barrier, or it was
		// the last running group ahead of a pending isolated head. Any of
		// these may unblock several workers at once.
		q.notEmpty.Broadcast()
	}
	if q.inFlight == 0 {
		q.allDone.Broadcast()
	}
}

// WaitAllDone blocks until every enqueued group has completed, or a failure
// is recorded. Used by the coordinator for group-boundary synchronization
// (isolation drains) and by shutdown.
func (q *Queue[T]) WaitAllDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.inFlight > 0 && q.failure == nil {
		q.allDone.Wait()
	}
	return q.failure
}

// SetErr records a fatal worker failure. All blocked producers and consumers
// are woken so they observe the failure and unwind instead of deadlocking.
// The first failure wins.
func (q *Queue[T]) SetErr(err error) {
	if err == nil {
		panic(errors.AssertionFailedf("SetErr(nil)"))
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failure != nil {
		return
	}
	q.failure = err
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.allDone.Broadcast()
}

// Err returns the recorded failure, if any.
func (q *Queue[T]) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failure
}

// Close stops admission. With drain set, workers continue to receive the
// already-pending groups until the queue empties; without it, pending groups
// are discarded. Blocked workers are woken either way.
func (q *Queue[T]) Close(drain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if !drain {
		n := 0
		for _, e := range q.order {
			if e.state == statePending {
				q.inFlight--
				continue
			}
			q.order[n] = e
			n++
		}
		q.order = q.order[:n]
		q.pending = 0
		if q.inFlight == 0 {
			q.allDone.Broadcast()
		}
	}
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// Depth returns the number of groups awaiting dispatch. For monitoring.
func (q *Queue[T]) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// WaitingWorkers returns the number of workers blocked on an empty queue.
// For monitoring.
func (q *Queue[T]) WaitingWorkers() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waitingWorkers
}
