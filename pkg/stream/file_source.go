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

package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/position"
)

// fileEvent is the newline-delimited JSON representation used by relay
// files. Positions are filled in by the reader, not the file.
type fileEvent struct {
	Group    int64    `json:"group"`
	Terminal bool     `json:"terminal"`
	Isolated bool     `json:"isolated,omitempty"`
	Keys     []string `json:"keys"`
	Payload  string   `json:"payload"`
	// Source coordinates as written by the upstream producer.
	SourceFile   string `json:"source_file"`
	SourceOffset uint64 `json:"source_offset"`
	SourceEnd    uint64 `json:"source_end,omitempty"`
}

// FileSource reads events from a newline-delimited JSON relay file. The
// relay position of each event is its byte offset in the file, which makes
// positions directly seekable on restart.
type FileSource struct {
	name   string
	f      *os.File
	r      *bufio.Reader
	offset uint64
}

var _ Source = (*FileSource)(nil)

// OpenFile opens a relay file, seeking past already-applied events when a
// non-zero start position for this file is given.
func OpenFile(name string, start position.LogPosition) (*FileSource, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, errors.Wrap(err, "opening relay file")
	}
	var offset uint64
	if start.File == name && start.Offset > 0 {
		if _, err := f.Seek(int64(start.Offset), io.SeekStart); err != nil {
			_ = f.Close()
			return nil, errors.Wrapf(err, "seeking relay file to %d", start.Offset)
		}
		offset = start.Offset
	}
	return &FileSource{name: name, f: f, r: bufio.NewReader(f), offset: offset}, nil
}

// Next implements Source.
func (s *FileSource) Next(ctx context.Context) (Event, error) {
	if err := ctx.Err(); err != nil {
		return Event{}, err
	}
	line, err := s.r.ReadBytes('\n')
	if len(line) == 0 && err == io.EOF {
		return Event{}, io.EOF
	}
	if err != nil && err != io.EOF {
		return Event{}, errors.Wrap(err, "reading relay file")
	}
	start := s.offset
	s.offset += uint64(len(line))

	var fe fileEvent
	if err := json.Unmarshal(line, &fe); err != nil {
		return Event{}, errors.Wrapf(err, "decoding relay event at %s:%d", s.name, start)
	}
	keys := make([]Key, len(fe.Keys))
	for i, k := range fe.Keys {
		keys[i] = Key(k)
	}
	srcEnd := fe.SourceEnd
	if srcEnd == 0 {
		srcEnd = fe.SourceOffset
	}
	return Event{
		GroupHint: fe.Group,
		Terminal:  fe.Terminal,
		Isolated:  fe.Isolated,
		Keys:      keys,
		Payload:   []byte(fe.Payload),
		RelayPos:  position.LogPosition{File: s.name, Offset: start},
		SourcePos: position.LogPosition{File: fe.SourceFile, Offset: fe.SourceOffset},
		RelayEnd:  position.LogPosition{File: s.name, Offset: s.offset},
		SourceEnd: position.LogPosition{File: fe.SourceFile, Offset: srcEnd},
	}, nil
}

// Close closes the underlying file.
func (s *FileSource) Close() error {
	return s.f.Close()
}
