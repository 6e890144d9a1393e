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

	"github.com/applystream/applystream/pkg/stream"
)

// Executor applies decoded events to local storage. Implementations own the
// transaction mechanics and any bounded retry of transient errors (lock wait
// timeouts and the like); an error returned from either method is final and
// stops the scheduler.
//
// ApplyEvent is called once per member event, by the worker that owns the
// group (or by the coordinator during recovery). Commit makes the group's
// effects externally visible; the scheduler guarantees Commit is called in
// group-index order.
type Executor interface {
	ApplyEvent(ctx context.Context, ev stream.Event) error
	Commit(ctx context.Context, groupIndex int64) error
}
