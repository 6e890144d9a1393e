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

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func testRecord() Record {
	return Record{
		Coords: Coords{
			GroupRelay:  LogPosition{File: "relay.000007", Offset: 4096},
			GroupSource: LogPosition{File: "source.000003", Offset: 9000},
			EventRelay:  LogPosition{File: "relay.000007", Offset: 8192},
			EventSource: LogPosition{File: "source.000003", Offset: 12000},
		},
		WorkerCount:     8,
		LowWaterIndex:   123456,
		CheckpointSeqno: 37,
		GapBitmap:       []byte{0x01, 0x00, 0x80, 0xff},
	}
}

func TestRecordRoundtrip(t *testing.T) {
	for _, rec := range []Record{
		{},
		{LowWaterIndex: -1},
		testRecord(),
	} {
		got, err := Unmarshal(rec.Marshal())
		require.NoError(t, err)
		require.Equal(t, rec, got)
	}
}

func TestUnmarshalRejectsCorruption(t *testing.T) {
	buf := testRecord().Marshal()

	_, err := Unmarshal(nil)
	require.Error(t, err)

	_, err = Unmarshal([]byte{recordVersion + 1})
	require.Error(t, err)

	// Every proper prefix must fail rather than decode garbage.
	for i := 1; i < len(buf); i++ {
		if _, err := Unmarshal(buf[:i]); err == nil {
			t.Fatalf("prefix of length %d decoded successfully", i)
		}
	}
}

func TestLogPositionCompare(t *testing.T) {
	a := LogPosition{File: "relay.000001", Offset: 10}
	b := LogPosition{File: "relay.000001", Offset: 20}
	c := LogPosition{File: "relay.000002", Offset: 5}

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, 1, b.Compare(a))
	require.Equal(t, 0, a.Compare(a))
	// File ordering dominates offsets.
	require.Equal(t, -1, b.Compare(c))
	require.True(t, LogPosition{}.IsZero())
	require.False(t, a.IsZero())
}
