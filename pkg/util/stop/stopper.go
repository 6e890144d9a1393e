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

// Package stop provides a Stopper to coordinate the graceful shutdown of a
// set of long-running tasks.
package stop

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/util/log"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// ErrStopped is returned by RunAsyncTask when the Stopper is already
// stopping.
var ErrStopped = errors.New("stopper: stopped")

// A Stopper tracks a group of async tasks and provides a quiescence signal
// that tasks should watch to know when to wind down.
type Stopper struct {
	quiescer chan struct{}
	tasks    sync.WaitGroup

	mu struct {
		syncutil.Mutex
		quiescing bool
	}
}

// NewStopper returns a new Stopper.
func NewStopper() *Stopper {
	return &Stopper{quiescer: make(chan struct{})}
}

// RunAsyncTask runs f in a goroutine tracked by the Stopper. It returns
// ErrStopped if the Stopper is already quiescing, in which case f is not run.
func (s *Stopper) RunAsyncTask(
	ctx context.Context, taskName string, f func(context.Context),
) error {
	s.mu.Lock()
	if s.mu.quiescing {
		s.mu.Unlock()
		return ErrStopped
	}
	s.tasks.Add(1)
	s.mu.Unlock()

	ctx = log.WithTag(ctx, taskName, nil)
	go func() {
		defer s.tasks.Done()
		f(ctx)
	}()
	return nil
}

// ShouldQuiesce returns a channel that is closed when Stop has been invoked.
// Tasks should select on this channel at their blocking points.
func (s *Stopper) ShouldQuiesce() <-chan struct{} {
	return s.quiescer
}

// Stop signals quiescence and blocks until all tracked tasks have exited.
// It is idempotent.
func (s *Stopper) Stop(ctx context.Context) {
	s.mu.Lock()
	already := s.mu.quiescing
	s.mu.quiescing = true
	s.mu.Unlock()
	if !already {
		close(s.quiescer)
	}
	s.tasks.Wait()
	if !already {
		log.Infof(ctx, "stopper: all tasks drained")
	}
}
