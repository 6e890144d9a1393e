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
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/applystream/applystream/pkg/position"
)

const relayFixture = `{"group":1,"terminal":false,"keys":["t1/r1"],"payload":"a","source_file":"src.1","source_offset":100,"source_end":110}
{"group":1,"terminal":true,"keys":["t1/r2"],"payload":"b","source_file":"src.1","source_offset":110,"source_end":130}
{"group":2,"terminal":true,"isolated":true,"keys":[],"payload":"ddl","source_file":"src.1","source_offset":130,"source_end":150}
`

func writeRelay(t *testing.T, contents string) string {
	t.Helper()
	name := filepath.Join(t.TempDir(), "relay.000001")
	require.NoError(t, os.WriteFile(name, []byte(contents), 0644))
	return name
}

func readAll(t *testing.T, src Source) []Event {
	t.Helper()
	var evs []Event
	for {
		ev, err := src.Next(context.Background())
		if err == io.EOF {
			return evs
		}
		require.NoError(t, err)
		evs = append(evs, ev)
	}
}

func TestFileSource(t *testing.T) {
	name := writeRelay(t, relayFixture)
	src, err := OpenFile(name, position.LogPosition{})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()

	evs := readAll(t, src)
	require.Len(t, evs, 3)

	require.False(t, evs[0].Terminal)
	require.True(t, evs[1].Terminal)
	require.True(t, evs[2].Terminal)
	require.True(t, evs[2].Isolated)
	require.Equal(t, []Key{"t1/r1"}, evs[0].Keys)
	require.Equal(t, []byte("ddl"), evs[2].Payload)

	// Relay positions are byte offsets: each event starts where the
	// previous one ended, and the file name is the relay file.
	require.Equal(t, position.LogPosition{File: name, Offset: 0}, evs[0].RelayPos)
	require.Equal(t, evs[0].RelayEnd, evs[1].RelayPos)
	require.Equal(t, evs[1].RelayEnd, evs[2].RelayPos)
	require.Equal(t, name, evs[2].RelayEnd.File)

	require.Equal(t, position.LogPosition{File: "src.1", Offset: 100}, evs[0].SourcePos)
	require.Equal(t, position.LogPosition{File: "src.1", Offset: 110}, evs[0].SourceEnd)
}

// Reopening at a previously reported relay position resumes mid-file.
func TestFileSourceSeek(t *testing.T) {
	name := writeRelay(t, relayFixture)
	src, err := OpenFile(name, position.LogPosition{})
	require.NoError(t, err)
	all := readAll(t, src)
	require.NoError(t, src.Close())

	src, err = OpenFile(name, all[1].RelayPos)
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	rest := readAll(t, src)
	require.Equal(t, all[1:], rest)
}

// A position for a different file is ignored: the source starts from the
// beginning of its own file.
func TestFileSourceIgnoresForeignPosition(t *testing.T) {
	name := writeRelay(t, relayFixture)
	src, err := OpenFile(name, position.LogPosition{File: "relay.000099", Offset: 57})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	require.Len(t, readAll(t, src), 3)
}

func TestFileSourceRejectsGarbage(t *testing.T) {
	name := writeRelay(t, "not json\n")
	src, err := OpenFile(name, position.LogPosition{})
	require.NoError(t, err)
	defer func() { _ = src.Close() }()
	_, err = src.Next(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "decoding relay event")
}

func TestSliceSource(t *testing.T) {
	src := &SliceSource{Events: []Event{{GroupHint: 1}, {GroupHint: 2}}}
	ev, err := src.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.GroupHint)
	_, err = src.Next(context.Background())
	require.NoError(t, err)
	_, err = src.Next(context.Background())
	require.Equal(t, io.EOF, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = (&SliceSource{Events: []Event{{}}}).Next(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
