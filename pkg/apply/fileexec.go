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
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"

	"github.com/applystream/applystream/pkg/stream"
	"github.com/applystream/applystream/pkg/util/syncutil"
)

// FileExecutor is the executor used by the command line: it appends each
// applied payload to an output file with a commit marker per group. Event
// lines from concurrently applying groups may interleave; commit markers
// always appear in group-index order.
type FileExecutor struct {
	mu syncutil.Mutex
	f  *os.File
	w  *bufio.Writer
}

var _ Executor = (*FileExecutor)(nil)

// OpenFileExecutor opens (appending) or creates the output file.
func OpenFileExecutor(path string) (*FileExecutor, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening apply output %s", path)
	}
	return &FileExecutor{f: f, w: bufio.NewWriter(f)}, nil
}

// ApplyEvent appends the event payload as one line.
func (e *FileExecutor) ApplyEvent(_ context.Context, ev stream.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(ev.Payload); err != nil {
		return err
	}
	return e.w.WriteByte('\n')
}

// Commit flushes buffered lines and writes the group's commit marker.
func (e *FileExecutor) Commit(_ context.Context, groupIndex int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := fmt.Fprintf(e.w, "#commit %d\n", groupIndex); err != nil {
		return err
	}
	return e.w.Flush()
}

// Close flushes and closes the output file.
func (e *FileExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Flush(); err != nil {
		return err
	}
	return e.f.Close()
}
