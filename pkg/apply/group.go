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
	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/position"
	"github.com/applystream/applystream/pkg/stream"
)

// A Group is one replicated transaction or standalone statement: the unit of
// dispatch, checkpointing, and commit ordering.
//
// Ownership of the group's event nodes moves with the group: the dependency
// tracker owns them until dispatch, the applying worker until the apply
// completes, after which Release drops them.
type Group struct {
	// Index is the monotonically increasing group index assigned by the
	// coordinator. Indexes are contiguous.
	Index int64
	// Seqno is the group's checkpoint sequence number, assigned when the
	// group enters the checkpoint window.
	Seqno uint64
	// Keys is the union of resource keys touched by the group's events.
	Keys []stream.Key
	// Isolated groups must run exclusive of all other groups.
	Isolated bool
	// Start holds the group-start coordinates: where reading resumes if
	// this group is the oldest incomplete one at a crash.
	Start position.Coords
	// End holds the coordinates immediately after the terminal event.
	End position.Coords

	arena eventArena
	bytes int64
}

// eventNode is one member event. Nodes live in the group's arena and chain
// through arena indexes rather than pointers, so releasing a group can never
// recurse through an unbounded chain.
type eventNode struct {
	ev   stream.Event
	next int32 // arena index of the next node; -1 terminates the chain
}

type eventArena struct {
	nodes []eventNode
	head  int32
	tail  int32
}

func newGroup(index int64, start position.Coords) *Group {
	return &Group{
		Index: index,
		Start: start,
		arena: eventArena{head: -1, tail: -1},
	}
}

// append adds an event to the group, folding its keys and flags into the
// group-level attributes.
func (g *Group) append(ev stream.Event) {
	idx := int32(len(g.arena.nodes))
	g.arena.nodes = append(g.arena.nodes, eventNode{ev: ev, next: -1})
	if g.arena.tail >= 0 {
		g.arena.nodes[g.arena.tail].next = idx
	} else {
		g.arena.head = idx
	}
	g.arena.tail = idx
	g.bytes += ev.Size()
	if ev.Isolated {
		g.Isolated = true
	}
outer:
	for _, k := range ev.Keys {
		for _, have := range g.Keys {
			if have == k {
				continue outer
			}
		}
		g.Keys = append(g.Keys, k)
	}
}

// Len returns the number of member events.
func (g *Group) Len() int {
	return len(g.arena.nodes)
}

// Bytes returns the group's memory footprint for queue accounting.
func (g *Group) Bytes() int64 {
	return g.bytes
}

// Events visits the member events in order.
func (g *Group) Events(f func(ev stream.Event) error) error {
	for i := g.arena.head; i >= 0; {
		n := &g.arena.nodes[i]
		if err := f(n.ev); err != nil {
			return err
		}
		i = n.next
	}
	return nil
}

// Release drops the event chain. The walk is iterative with an explicit
// stack: group size is unbounded, and naive recursive destruction of a long
// chain can overflow the call stack.
func (g *Group) Release() {
	if g.arena.nodes == nil {
		return
	}
	stack := make([]int32, 0, 8)
	if g.arena.head >= 0 {
		stack = append(stack, g.arena.head)
	}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := &g.arena.nodes[i]
		if n.next >= 0 {
			stack = append(stack, n.next)
		}
		*n = eventNode{next: -1}
	}
	g.arena.nodes = nil
	g.arena.head, g.arena.tail = -1, -1
}

// terminalPos returns the source position of the terminal event, used in
// error reports. The group must be complete.
func (g *Group) terminalPos() position.LogPosition {
	if g.arena.tail < 0 {
		panic(errors.AssertionFailedf("terminalPos on empty group %d", g.Index))
	}
	return g.arena.nodes[g.arena.tail].ev.SourcePos
}
