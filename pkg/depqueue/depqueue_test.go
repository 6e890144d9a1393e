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

package depqueue

import (
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/applystream/applystream/pkg/stream"
)

func enqueue(t *testing.T, q *Queue[string], item string, idx int64, keys ...stream.Key) {
	t.Helper()
	q.Lock()
	defer q.Unlock()
	require.NoError(t, q.Enqueue(item, idx, keys, false))
}

func enqueueIsolated(t *testing.T, q *Queue[string], item string, idx int64) {
	t.Helper()
	q.Lock()
	defer q.Unlock()
	require.NoError(t, q.Enqueue(item, idx, nil, true))
}

// dequeueNow fails the test if no group is immediately dispatchable.
func dequeueNow(t *testing.T, q *Queue[string]) *Task[string] {
	t.Helper()
	type result struct {
		task *Task[string]
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		task, err := q.Dequeue()
		ch <- result{task, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.task
	case <-time.After(5 * time.Second):
		t.Fatal("Dequeue did not return")
		return nil
	}
}

// dequeueAsync starts a Dequeue and returns a channel carrying its result.
func dequeueAsync(q *Queue[string]) <-chan *Task[string] {
	ch := make(chan *Task[string], 1)
	go func() {
		task, err := q.Dequeue()
		if err != nil {
			ch <- nil
			return
		}
		ch <- task
	}()
	return ch
}

func expectBlocked[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("expected call to block")
	case <-time.After(10 * time.Millisecond):
	}
}

func expectResult[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("expected call to return")
		var zero T
		return zero
	}
}

// A group writing key A must wait for the previous writer of A, while a group
// on key B proceeds concurrently.
func TestSharedKeySerializes(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A")
	enqueue(t, q, "g2", 2, "B")
	enqueue(t, q, "g3", 3, "A")

	t1 := dequeueNow(t, q)
	require.Equal(t, "g1", t1.Item)
	t2 := dequeueNow(t, q)
	require.Equal(t, "g2", t2.Item)

	// g3 depends on g1; completing g2 must not release it.
	blocked := dequeueAsync(q)
	expectBlocked(t, blocked)
	q.Complete(t2)
	expectBlocked(t, blocked)

	q.Complete(t1)
	t3 := expectResult(t, blocked)
	require.NotNil(t, t3)
	require.Equal(t, "g3", t3.Item)
	q.Complete(t3)
	require.NoError(t, q.WaitAllDone())
}

// A group touching several keys of the same predecessor gets one edge, not
// one per key.
func TestMultiKeySinglePredecessor(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A", "B")
	enqueue(t, q, "g2", 2, "A", "B")

	t1 := dequeueNow(t, q)
	blocked := dequeueAsync(q)
	expectBlocked(t, blocked)
	q.Complete(t1)
	t2 := expectResult(t, blocked)
	require.NotNil(t, t2)
	require.Equal(t, "g2", t2.Item)
	q.Complete(t2)
}

// Chains through distinct predecessors accumulate one edge each.
func TestChainedDependencies(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A")
	enqueue(t, q, "g2", 2, "B")
	enqueue(t, q, "g3", 3, "A", "B")

	t1 := dequeueNow(t, q)
	t2 := dequeueNow(t, q)
	blocked := dequeueAsync(q)
	expectBlocked(t, blocked)
	q.Complete(t1)
	expectBlocked(t, blocked) // still gated on g2
	q.Complete(t2)
	t3 := expectResult(t, blocked)
	require.Equal(t, "g3", t3.Item)
	q.Complete(t3)
}

// Enqueue blocks once maxPending undispatched groups accumulate and resumes
// when a dequeue frees a slot.
func TestEnqueueBackpressure(t *testing.T) {
	q := New[string](2)
	enqueue(t, q, "g1", 1, "A")
	enqueue(t, q, "g2", 2, "B")

	done := make(chan error, 1)
	go func() {
		q.Lock()
		defer q.Unlock()
		done <- q.Enqueue("g3", 3, []stream.Key{"C"}, false)
	}()
	expectBlocked(t, done)

	t1 := dequeueNow(t, q)
	require.NoError(t, expectResult(t, done))
	q.Complete(t1)
}

// An isolated group runs only as the oldest group with nothing else running,
// and is a dispatch barrier for younger groups until then: handing one out
// past it could park a worker on a commit slot the isolated group precedes.
func TestIsolatedGroupBarrier(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A")
	enqueueIsolated(t, q, "g2", 2)
	enqueue(t, q, "g3", 3, "B")

	t1 := dequeueNow(t, q)
	require.Equal(t, "g1", t1.Item)

	// g3 is independent of g1, but the pending g2 bars it.
	blocked := dequeueAsync(q)
	expectBlocked(t, blocked)

	// g1 finishing leaves g2 the oldest group with nothing running; the
	// blocked worker must be woken even though g1 had no dependents.
	q.Complete(t1)
	t2 := expectResult(t, blocked)
	require.Equal(t, "g2", t2.Item)

	// While g2 runs, nothing dispatches.
	enqueue(t, q, "g4", 4, "C")
	blocked3 := dequeueAsync(q)
	expectBlocked(t, blocked3)
	q.Complete(t2)

	t3 := expectResult(t, blocked3)
	require.Equal(t, "g3", t3.Item)
	t4 := dequeueNow(t, q)
	require.Equal(t, "g4", t4.Item)
	q.Complete(t3)
	q.Complete(t4)
	require.NoError(t, q.WaitAllDone())
}

// SetErr wakes blocked producers, consumers, and boundary waiters.
func TestSetErrWakesWaiters(t *testing.T) {
	q := New[string](1)
	enqueue(t, q, "g1", 1, "A")
	t1 := dequeueNow(t, q)

	enqDone := make(chan error, 1)
	go func() {
		q.Lock()
		defer q.Unlock()
		enqDone <- q.Enqueue("g2", 2, nil, false)
	}()
	// q.pending is 0 after the dequeue, so fill the pending slot first.
	require.NoError(t, expectResult(t, enqDone))
	go func() {
		q.Lock()
		defer q.Unlock()
		enqDone <- q.Enqueue("g3", 3, nil, false)
	}()
	expectBlocked(t, enqDone)

	waitDone := make(chan error, 1)
	go func() { waitDone <- q.WaitAllDone() }()
	expectBlocked(t, waitDone)

	boom := errors.New("boom")
	q.SetErr(boom)
	require.ErrorIs(t, expectResult(t, enqDone), boom)
	require.ErrorIs(t, expectResult(t, waitDone), boom)
	_, err := q.Dequeue()
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, q.Err(), boom)
	_ = t1
}

// Close(drain) hands out the backlog, then reports ErrDrained; admission is
// refused immediately.
func TestCloseDrains(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A")
	enqueue(t, q, "g2", 2, "B")
	q.Close(true /* drain */)

	q.Lock()
	err := q.Enqueue("g3", 3, nil, false)
	q.Unlock()
	require.ErrorIs(t, err, ErrStopped)

	t1 := dequeueNow(t, q)
	t2 := dequeueNow(t, q)
	q.Complete(t1)
	q.Complete(t2)
	_, err = q.Dequeue()
	require.ErrorIs(t, err, ErrDrained)
}

// Close without drain discards the backlog.
func TestCloseDiscards(t *testing.T) {
	q := New[string](16)
	enqueue(t, q, "g1", 1, "A")
	t1 := dequeueNow(t, q)
	enqueue(t, q, "g2", 2, "B")

	q.Close(false /* drain */)
	require.Equal(t, 0, q.Depth())

	// The running group still completes normally.
	done := make(chan error, 1)
	go func() { done <- q.WaitAllDone() }()
	expectBlocked(t, done)
	q.Complete(t1)
	require.NoError(t, expectResult(t, done))

	_, err := q.Dequeue()
	require.ErrorIs(t, err, ErrDrained)
}

func TestDepthAndWaitingWorkers(t *testing.T) {
	q := New[string](16)
	require.Equal(t, 0, q.Depth())
	enqueue(t, q, "g1", 1, "A")
	require.Equal(t, 1, q.Depth())

	t1 := dequeueNow(t, q)
	require.Equal(t, 0, q.Depth())

	blocked := dequeueAsync(q)
	require.Eventually(t, func() bool { return q.WaitingWorkers() == 1 },
		5*time.Second, time.Millisecond)
	q.Complete(t1)
	q.Close(true)
	require.Nil(t, expectResult(t, blocked))
}
