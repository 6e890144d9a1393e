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

// Package position tracks replay coordinates in the relay and source logs
// and persists them across restarts.
//
// Coordinates exist at two granularities. Group-level coordinates identify
// the start of the last fully dispatched group and only ever advance at
// group boundaries; they are what recovery resumes from. Event-level
// coordinates advance as individual events are consumed and exist for
// monitoring only.
package position

import (
	"fmt"

	"github.com/cockroachdb/redact"
)

// LogPosition identifies a byte offset within a named log file.
type LogPosition struct {
	File   string
	Offset uint64
}

// IsZero reports whether the position is unset.
func (p LogPosition) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

// Compare returns -1, 0, or 1 according to the total order of log positions:
// file names order lexicographically (log files are rotated with increasing
// suffixes), offsets break ties.
func (p LogPosition) Compare(o LogPosition) int {
	if p.File != o.File {
		if p.File < o.File {
			return -1
		}
		return 1
	}
	switch {
	case p.Offset < o.Offset:
		return -1
	case p.Offset > o.Offset:
		return 1
	}
	return 0
}

// String implements fmt.Stringer.
func (p LogPosition) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// SafeFormat implements redact.SafeFormatter. Log names and offsets carry no
// user data.
func (p LogPosition) SafeFormat(s redact.SafePrinter, _ rune) {
	s.Printf("%s:%d", redact.SafeString(p.File), p.Offset)
}

// Coords carries the full set of replay coordinates.
//
// Only the coordinator mutates group-level fields, and only at group
// boundaries. Event-level fields may advance mid-group.
type Coords struct {
	// GroupRelay/GroupSource are the positions of the start of the group
	// following the last fully dispatched group, in the relay log and the
	// upstream source log respectively.
	GroupRelay  LogPosition
	GroupSource LogPosition
	// EventRelay/EventSource track the most recently consumed event.
	EventRelay  LogPosition
	EventSource LogPosition
}

// String implements fmt.Stringer.
func (c Coords) String() string {
	return fmt.Sprintf("relay=%s source=%s", c.GroupRelay, c.GroupSource)
}
