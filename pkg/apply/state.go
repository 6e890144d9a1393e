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

import "github.com/cockroachdb/errors"

// GroupState is the coordinator's position within the group being read off
// the event stream. The state is a single tagged value; transitions go
// through advance, which rejects anything the stream contract does not
// allow.
type GroupState int8

const (
	// StateNotInGroup: between groups.
	StateNotInGroup GroupState = iota
	// StateInGroup: inside a group, terminal event not yet seen.
	StateInGroup
	// StateEndGroup: terminal event consumed; the coordinator finishes
	// dispatch bookkeeping and returns to StateNotInGroup.
	StateEndGroup
	// StateKilledGroup: a stop request arrived before the group ended
	// cleanly. Absorbing.
	StateKilledGroup
)

func (s GroupState) String() string {
	switch s {
	case StateNotInGroup:
		return "NOT_IN_GROUP"
	case StateInGroup:
		return "IN_GROUP"
	case StateEndGroup:
		return "END_GROUP"
	case StateKilledGroup:
		return "KILLED_GROUP"
	}
	return "INVALID"
}

// stateEvent is an input to the coordinator state machine.
type stateEvent int8

const (
	// evNonTerminal: a non-terminal member event.
	evNonTerminal stateEvent = iota
	// evTerminal: the group's commit marker or a standalone autocommit
	// statement.
	evTerminal
	// evBoundary: dispatch bookkeeping for the finished group is done.
	evBoundary
	// evKill: stop requested.
	evKill
)

// advance returns the successor state, or an assertion error for a
// transition the stream contract forbids.
func (s GroupState) advance(ev stateEvent) (GroupState, error) {
	if ev == evKill {
		return StateKilledGroup, nil
	}
	switch s {
	case StateNotInGroup:
		switch ev {
		case evNonTerminal:
			return StateInGroup, nil
		case evTerminal:
			// A standalone statement is a single-event group.
			return StateEndGroup, nil
		}
	case StateInGroup:
		switch ev {
		case evNonTerminal:
			return StateInGroup, nil
		case evTerminal:
			return StateEndGroup, nil
		}
	case StateEndGroup:
		if ev == evBoundary {
			return StateNotInGroup, nil
		}
	case StateKilledGroup:
		return StateKilledGroup, nil
	}
	return s, errors.AssertionFailedf("invalid coordinator transition: %s + event %d", s, ev)
}
