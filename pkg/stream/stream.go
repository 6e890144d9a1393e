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

// Package stream defines the decoded change-event stream consumed by the
// apply scheduler. The transport and wire decoding that produce the stream
// live elsewhere; this package only pins down the contract the scheduler
// relies on: a forward-only, totally ordered, finite-per-session sequence of
// events.
package stream

import (
	"context"
	"io"

	"github.com/applystream/applystream/pkg/position"
)

// A Key identifies a unit of data contention (a table, or a table plus row
// key). How a storage key is folded into a Key string is the business of an
// injected partitioning function upstream of this package.
type Key string

// Event is one decoded change event.
type Event struct {
	// GroupHint associates the event with a group: consecutive events
	// carrying the same hint form one group. A standalone statement is a
	// single-event group whose Terminal flag is set.
	GroupHint int64
	// Terminal marks the group's last event (commit marker or autocommit
	// statement).
	Terminal bool
	// Isolated marks the group as requiring exclusive execution (e.g. a
	// schema change whose key set cannot be computed).
	Isolated bool
	// Keys are the resource keys the event touches.
	Keys []Key
	// Payload is the opaque body handed to the transaction executor.
	Payload []byte
	// RelayPos/SourcePos are the event's start coordinates in the local
	// relay log and the upstream source log.
	RelayPos  position.LogPosition
	SourcePos position.LogPosition
	// RelayEnd/SourceEnd are the coordinates immediately after the event.
	// The terminal event's end coordinates become the group-level resume
	// point once its group is fully dispatched.
	RelayEnd  position.LogPosition
	SourceEnd position.LogPosition
}

// Size returns the event's contribution to worker-queue memory accounting.
func (e Event) Size() int64 {
	const eventOverhead = 64
	return int64(len(e.Payload)) + eventOverhead
}

// Source produces the ordered event stream. Next returns io.EOF when the
// session ends; the stream is forward-only and is never re-read by the
// scheduler.
type Source interface {
	Next(ctx context.Context) (Event, error)
}

// SliceSource replays a fixed slice of events. Used by tests.
type SliceSource struct {
	Events []Event
	pos    int
}

var _ Source = (*SliceSource)(nil)

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	if s.pos >= len(s.Events) {
		return Event{}, io.EOF
	}
	ev := s.Events[s.pos]
	s.pos++
	return ev, nil
}
