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

// Package commitorder gates externally visible commits so they occur in
// group-index order even though workers apply groups concurrently and finish
// out of order.
package commitorder

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/util/syncutil"
)

// ErrAborted is returned to waiters released by Abort.
var ErrAborted = errors.New("commit order gate aborted")

// Gate serializes commit visibility. A worker about to commit group G calls
// Acquire(G); the call returns once every group with a smaller index has
// been committed (Released). The worker commits and then calls Release(G),
// which admits the next group in line.
//
// A worker dying while holding or awaiting a slot must not hang the
// scheduler: the scheduler calls Abort, which fails all current and future
// waiters.
type Gate struct {
	mu syncutil.Mutex
	// next is the index of the oldest group that has not yet committed.
	next int64
	// waiters holds a wakeup channel per blocked group index.
	waiters map[int64]chan struct{}
	// aborted is closed by Abort.
	aborted chan struct{}
	err     error
}

// NewGate returns a Gate that will admit group index start first.
func NewGate(start int64) *Gate {
	return &Gate{
		next:    start,
		waiters: make(map[int64]chan struct{}),
		aborted: make(chan struct{}),
	}
}

// Acquire blocks until every group with index smaller than idx has been
// released, the gate is aborted, or the context is canceled.
func (g *Gate) Acquire(ctx context.Context, idx int64) error {
	g.mu.Lock()
	if g.err != nil {
		err := g.err
		g.mu.Unlock()
		return err
	}
	if idx < g.next {
		g.mu.Unlock()
		return errors.AssertionFailedf(
			"group %d acquiring commit slot below next uncommitted group %d", idx, g.next)
	}
	if idx == g.next {
		g.mu.Unlock()
		return nil
	}
	if _, ok := g.waiters[idx]; ok {
		g.mu.Unlock()
		return errors.AssertionFailedf("duplicate commit waiter for group %d", idx)
	}
	ch := make(chan struct{})
	g.waiters[idx] = ch
	g.mu.Unlock()

	select {
	case <-ch:
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		return err
	case <-g.aborted:
		g.mu.Lock()
		err := g.err
		g.mu.Unlock()
		return err
	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiters, idx)
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Release marks idx committed and wakes the waiter for idx+1, if any. It
// must be called exactly once per acquired index, in particular on error
// paths, or every later group will block until Abort.
func (g *Gate) Release(idx int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	if idx != g.next {
		panic(errors.AssertionFailedf(
			"group %d released out of order; next uncommitted is %d", idx, g.next))
	}
	g.next = idx + 1
	if ch, ok := g.waiters[g.next]; ok {
		delete(g.waiters, g.next)
		close(ch)
	}
}

// Abort fails every current and future waiter with the given reason,
// wrapped in ErrAborted. Idempotent; the first reason wins.
func (g *Gate) Abort(reason error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return
	}
	if reason == nil {
		g.err = ErrAborted
	} else {
		g.err = errors.Mark(reason, ErrAborted)
	}
	close(g.aborted)
	for idx, ch := range g.waiters {
		delete(g.waiters, idx)
		close(ch)
	}
}

// Next returns the index of the oldest uncommitted group. For monitoring.
func (g *Gate) Next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.next
}
