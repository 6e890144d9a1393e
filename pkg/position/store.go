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

package position

import (
	"context"

	"github.com/applystream/applystream/pkg/util/syncutil"
)

// Store persists the replay position record. Load is called once at startup;
// Flush is called at checkpoint and group boundaries. Flush(force=false) may
// be coalesced by the implementation; Flush(force=true) must be durable
// before it returns. Implementations must keep Flush atomic with respect to
// concurrent Snapshot reads used for status reporting.
type Store interface {
	Load(ctx context.Context) (_ Record, found bool, _ error)
	Flush(ctx context.Context, rec Record, force bool) error
	// Snapshot returns the most recently flushed record without touching
	// durable storage.
	Snapshot() Record
	Close() error
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu  syncutil.RWMutex
	rec Record
	set bool
	// Flushes counts Flush calls, forced or not.
	Flushes int
}

var _ Store = (*MemStore)(nil)

// Load implements Store.
func (m *MemStore) Load(context.Context) (Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec, m.set, nil
}

// Flush implements Store.
func (m *MemStore) Flush(_ context.Context, rec Record, _ bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = rec
	m.set = true
	m.Flushes++
	return nil
}

// Snapshot implements Store.
func (m *MemStore) Snapshot() Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rec
}

// Close implements Store.
func (m *MemStore) Close() error { return nil }
