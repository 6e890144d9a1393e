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
	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// keyRouter implements the key-partitioned assignment policy: each resource
// key is pinned to the worker currently holding in-flight work for it. A
// group whose keys are pinned to two different workers cannot be proven
// independent of either, so the router reports a conflict and the
// coordinator falls back to drain-and-isolate.
//
// The coordinator is the only writer; workers read pins through the shared
// lock when releasing their groups' keys.
type keyRouter struct {
	mu   syncutil.RWMutex
	pins map[stream.Key]*pin
}

type pin struct {
	worker int
	// refs counts in-flight groups holding the key. The pin is dropped
	// when the last one completes.
	refs int
}

func newKeyRouter() *keyRouter {
	return &keyRouter{pins: make(map[stream.Key]*pin)}
}

// route picks the worker for a group with the given keys. leastLoaded is
// consulted when no key is pinned yet. conflict is true when the keys are
// pinned to more than one worker; no pins are taken in that case.
func (r *keyRouter) route(keys []stream.Key, leastLoaded func() int) (workerID int, conflict bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	workerID = -1
	for _, k := range keys {
		if p, ok := r.pins[k]; ok {
			if workerID >= 0 && p.worker != workerID {
				return -1, true
			}
			workerID = p.worker
		}
	}
	if workerID < 0 {
		if len(keys) == 0 {
			// A keyless group has nothing to pin; hash on nothing would
			// send them all to worker 0, so balance by load instead.
			return leastLoaded(), false
		}
		workerID = leastLoaded()
	}
	for _, k := range keys {
		if p, ok := r.pins[k]; ok {
			p.refs++
		} else {
			r.pins[k] = &pin{worker: workerID, refs: 1}
		}
	}
	return workerID, false
}

// release drops one reference per key, unpinning keys whose last in-flight
// group completed. Called by workers.
func (r *keyRouter) release(keys []stream.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range keys {
		if p, ok := r.pins[k]; ok {
			p.refs--
			if p.refs <= 0 {
				delete(r.pins, k)
			}
		}
	}
}

// pinned returns the worker a key is pinned to, or -1. For tests and status.
func (r *keyRouter) pinned(k stream.Key) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.pins[k]; ok {
		return p.worker
	}
	return -1
}
