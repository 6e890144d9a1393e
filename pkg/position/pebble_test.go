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
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"
)

func TestPebbleStoreRoundtrip(t *testing.T) {
	ctx := context.Background()
	store, err := OpenPebble("", &pebble.Options{FS: vfs.NewMem()})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()

	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.False(t, found)

	rec := testRecord()
	require.NoError(t, store.Flush(ctx, rec, false))
	require.Equal(t, rec, store.Snapshot())

	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)

	// Later flushes overwrite; forced flush is just a durability hint here.
	rec.LowWaterIndex++
	rec.GapBitmap = nil
	rec.CheckpointSeqno = 0
	require.NoError(t, store.Flush(ctx, rec, true))
	got, found, err = store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)
}

func TestPebbleStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	fs := vfs.NewMem()

	store, err := OpenPebble("pos", &pebble.Options{FS: fs})
	require.NoError(t, err)
	rec := testRecord()
	require.NoError(t, store.Flush(ctx, rec, true))
	require.NoError(t, store.Close())

	store, err = OpenPebble("pos", &pebble.Options{FS: fs})
	require.NoError(t, err)
	defer func() { require.NoError(t, store.Close()) }()
	got, found, err := store.Load(ctx)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, rec, got)
}
