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

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"github.com/applystream/applystream/pkg/util/syncutil"
)

// positionKey is the single key under which the record lives. The applier
// owns the whole keyspace of its metadata store, but a prefix keeps room for
// future per-channel records.
var positionKey = []byte("/applier/position")

// PebbleStore is a Store backed by a Pebble database.
type PebbleStore struct {
	db *pebble.DB

	mu   syncutil.RWMutex
	snap Record
}

var _ Store = (*PebbleStore)(nil)

// OpenPebble opens (creating if necessary) a Pebble-backed Store at the
// given path. A custom options struct may be supplied; tests pass one with
// an in-memory VFS.
func OpenPebble(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "opening position store at %q", path)
	}
	return &PebbleStore{db: db}, nil
}

// Load implements Store.
func (s *PebbleStore) Load(context.Context) (Record, bool, error) {
	val, closer, err := s.db.Get(positionKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, errors.Wrap(err, "loading position record")
	}
	defer func() { _ = closer.Close() }()
	rec, err := Unmarshal(val)
	if err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	s.snap = rec
	s.mu.Unlock()
	return rec, true, nil
}

// Flush implements Store.
func (s *PebbleStore) Flush(_ context.Context, rec Record, force bool) error {
	sync := pebble.NoSync
	if force {
		sync = pebble.Sync
	}
	if err := s.db.Set(positionKey, rec.Marshal(), sync); err != nil {
		return errors.Wrap(err, "flushing position record")
	}
	s.mu.Lock()
	s.snap = rec
	s.mu.Unlock()
	return nil
}

// Snapshot implements Store.
func (s *PebbleStore) Snapshot() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Close implements Store.
func (s *PebbleStore) Close() error {
	return s.db.Close()
}
