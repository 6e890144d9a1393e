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
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/util/ring"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// workerStats are the per-worker running statistics surfaced by Status.
// Workers mutate only their own stats; the coordinator bumps the assignment
// counters. All fields are atomics so status reads need no lock.
type workerStats struct {
	eventsAssigned atomic.Int64
	groupsAssigned atomic.Int64
	groupsApplied  atomic.Int64
	// overruns counts coordinator naps charged to this worker's queue
	// exceeding its high-water mark.
	overruns atomic.Int64
	// underruns counts times the queue was observed hungry.
	underruns atomic.Int64
}

// worker is one apply thread. In key-partitioned mode it consumes its own
// bounded queue; in dependency mode the queue is unused and the worker pulls
// from the shared dependency tracker.
type worker struct {
	id    int
	q     workerQueue
	stats workerStats
}

func newWorker(id, maxEvents int, maxBytes int64) *worker {
	w := &worker{id: id}
	w.q.init(maxEvents, maxBytes)
	return w
}

// workerQueue is the bounded per-worker group queue. Capacity is limited
// both by event count and by memory footprint; the producer blocks when
// either bound is reached.
type workerQueue struct {
	mu       syncutil.Mutex
	notFull  sync.Cond
	notEmpty sync.Cond

	groups ring.Buffer[*Group]
	events int
	bytes  int64

	maxEvents int
	maxBytes  int64

	closed bool
	err    error
}

func (q *workerQueue) init(maxEvents int, maxBytes int64) {
	q.groups = ring.MakeBuffer[*Group](8)
	q.maxEvents = maxEvents
	q.maxBytes = maxBytes
	q.notFull.L = &q.mu
	q.notEmpty.L = &q.mu
}

// full returns whether admitting a group with the given size would exceed a
// bound. A single oversized group is admitted into an empty queue rather
// than wedging the scheduler.
func (q *workerQueue) full(events int, bytes int64) bool {
	if q.groups.Len() == 0 {
		return false
	}
	if q.events+events > q.maxEvents {
		return true
	}
	return q.maxBytes > 0 && q.bytes+bytes > q.maxBytes
}

// push blocks until the queue has room, then appends the group. It returns
// the queue's recorded error if the queue fails or closes while waiting.
func (q *workerQueue) push(g *Group) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.full(g.Len(), g.Bytes()) && !q.closed && q.err == nil {
		q.notFull.Wait()
	}
	if q.err != nil {
		return q.err
	}
	if q.closed {
		return errors.New("worker queue closed")
	}
	q.groups.AddLast(g)
	q.events += g.Len()
	q.bytes += g.Bytes()
	q.notEmpty.Signal()
	return nil
}

// pop blocks until a group is available. It returns (nil, nil) once the
// queue is closed and empty, and the recorded error if the queue fails.
func (q *workerQueue) pop() (*Group, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.groups.Len() == 0 && !q.closed && q.err == nil {
		q.notEmpty.Wait()
	}
	if q.err != nil {
		return nil, q.err
	}
	if q.groups.Len() == 0 {
		return nil, nil
	}
	g := q.groups.GetFirst()
	q.groups.RemoveFirst()
	q.events -= g.Len()
	q.bytes -= g.Bytes()
	q.notFull.Broadcast()
	return g, nil
}

// occupancy returns the queue depth in events.
func (q *workerQueue) occupancy() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events
}

// close stops admission. Pending groups drain unless an error was recorded.
func (q *workerQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}

// fail records a scheduler-wide failure so blocked producers and consumers
// unwind.
func (q *workerQueue) fail(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		q.err = err
	}
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
}
