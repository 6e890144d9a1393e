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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGroupStateTransitions(t *testing.T) {
	testCases := []struct {
		from GroupState
		ev   stateEvent
		to   GroupState
		ok   bool
	}{
		{StateNotInGroup, evNonTerminal, StateInGroup, true},
		{StateNotInGroup, evTerminal, StateEndGroup, true}, // standalone statement
		{StateNotInGroup, evBoundary, 0, false},
		{StateInGroup, evNonTerminal, StateInGroup, true},
		{StateInGroup, evTerminal, StateEndGroup, true},
		{StateInGroup, evBoundary, 0, false},
		{StateEndGroup, evBoundary, StateNotInGroup, true},
		{StateEndGroup, evNonTerminal, 0, false},
		{StateEndGroup, evTerminal, 0, false},
		{StateNotInGroup, evKill, StateKilledGroup, true},
		{StateInGroup, evKill, StateKilledGroup, true},
		{StateKilledGroup, evNonTerminal, StateKilledGroup, true}, // absorbing
		{StateKilledGroup, evBoundary, StateKilledGroup, true},
	}
	for _, tc := range testCases {
		got, err := tc.from.advance(tc.ev)
		if !tc.ok {
			require.Errorf(t, err, "%s + %d", tc.from, tc.ev)
			continue
		}
		require.NoErrorf(t, err, "%s + %d", tc.from, tc.ev)
		require.Equal(t, tc.to, got)
	}
}

func TestGroupStateString(t *testing.T) {
	require.Equal(t, "NOT_IN_GROUP", StateNotInGroup.String())
	require.Equal(t, "KILLED_GROUP", StateKilledGroup.String())
	require.Equal(t, "INVALID", GroupState(99).String())
}
