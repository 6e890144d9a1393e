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

// AppliedSet is the set algebra used to track already-applied transaction
// identifiers. The applier only ever adds identifiers, unions sets received
// from collaborators, and asks for membership; the identifier structure is
// opaque to it.
type AppliedSet interface {
	Contains(id uint64) bool
	Add(id uint64)
	Union(other AppliedSet)
	// Each visits every member. Used by Union implementations and tests.
	Each(func(id uint64))
}

// IndexSet is a trivial in-memory AppliedSet keyed by group index.
type IndexSet map[uint64]struct{}

var _ AppliedSet = IndexSet{}

// Contains implements AppliedSet.
func (s IndexSet) Contains(id uint64) bool {
	_, ok := s[id]
	return ok
}

// Add implements AppliedSet.
func (s IndexSet) Add(id uint64) {
	s[id] = struct{}{}
}

// Union implements AppliedSet.
func (s IndexSet) Union(other AppliedSet) {
	other.Each(func(id uint64) { s[id] = struct{}{} })
}

// Each implements AppliedSet.
func (s IndexSet) Each(f func(id uint64)) {
	for id := range s {
		f(id)
	}
}
