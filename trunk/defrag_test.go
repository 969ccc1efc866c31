// Copyright 2023 The Nebuchadnezzar Authors.
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

package trunk

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
)

const defragDataSize = 1000 * 1024

func defragTestValue(i uint64) proto.Value {
	data := make([]byte, defragDataSize)
	for j := range data {
		data[j] = byte(i)
	}
	return proto.Value{"id": int64(i), "data": data}
}

func TestFullCleanCycle(t *testing.T) {
	ctx := context.Background()
	tbl := schema.NewTable()
	sch, err := tbl.Add("cleaner_test", []schema.Field{
		schema.NewField("id", schema.Prim("long")),
		schema.NewField("data", schema.Prim("blob")),
	}, 1)
	require.NoError(t, err)

	// two segments' worth of trunk
	tr := NewTrunk(0, 2*SegmentSize, tbl, true)
	d := NewDefragmenter([]*Trunk{tr}, DefragConfig{})

	// fill both segments
	for i := uint64(0); i < 16; i++ {
		require.NoError(t, tr.NewCell(ctx, proto.NewCellID(0, i), sch.ID, defragTestValue(i)))
	}
	require.Equal(t, 16, tr.CellCount())

	// drop every second cell
	for i := uint64(0); i < 16; i += 2 {
		require.NoError(t, tr.DeleteCell(ctx, proto.NewCellID(0, i)))
	}
	require.Equal(t, 8, tr.CellCount())

	var usedBefore, deadBefore int64
	for _, s := range tr.Segments() {
		usedBefore += s.UsedBytes()
		deadBefore += s.DeadBytes()
	}
	require.Greater(t, deadBefore, int64(0))

	require.NoError(t, d.Demand(ctx, tr))

	// dead space fully reclaimed
	var usedAfter int64
	for _, s := range tr.Segments() {
		require.Equal(t, int64(0), s.DeadBytes())
		require.Equal(t, 0, s.FragmentCount())
		usedAfter += s.UsedBytes()
	}
	require.Equal(t, usedBefore-deadBefore, usedAfter)

	// every survivor is readable through the index and intact
	for i := uint64(1); i < 16; i += 2 {
		id := proto.NewCellID(0, i)
		got, err := tr.ReadCell(ctx, id)
		require.NoError(t, err)
		require.Equal(t, int64(i), got["id"])
		data := got["data"].([]byte)
		require.Equal(t, defragDataSize, len(data))
		require.Equal(t, byte(i), data[0])
		require.Equal(t, byte(i), data[len(data)-1])

		// the index points at a normal header carrying the same hash
		addr, ok := tr.CellAddr(id)
		require.True(t, ok)
		hdr := readHeaderAt(tr.buf, addr)
		require.Equal(t, proto.CellTypeNormal, hdr.Type)
		require.Equal(t, id.Hash(), hdr.Hash)
	}

	// deleted cells stay gone
	for i := uint64(0); i < 16; i += 2 {
		_, err := tr.ReadCell(ctx, proto.NewCellID(0, i))
		require.ErrorIs(t, err, apierrors.ErrCellDoesNotExist)
	}
}

func TestDemandDefragUnblocksAllocation(t *testing.T) {
	ctx := context.Background()
	tbl := schema.NewTable()
	sch, err := tbl.Add("cleaner_test", []schema.Field{
		schema.NewField("id", schema.Prim("long")),
		schema.NewField("data", schema.Prim("blob")),
	}, 1)
	require.NoError(t, err)

	tr := NewTrunk(0, SegmentSize, tbl, false)
	NewDefragmenter([]*Trunk{tr}, DefragConfig{})

	// fill the only segment, then free half of it
	written := 0
	for i := uint64(0); ; i++ {
		if err := tr.NewCell(ctx, proto.NewCellID(0, i), sch.ID, defragTestValue(i)); err != nil {
			require.ErrorIs(t, err, apierrors.ErrStoreFull)
			break
		}
		written++
	}
	require.Greater(t, written, 2)
	for i := uint64(0); i < uint64(written); i += 2 {
		require.NoError(t, tr.DeleteCell(ctx, proto.NewCellID(0, i)))
	}

	// the allocator compacts on demand instead of failing
	id := proto.NewCellID(0, 1000)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, defragTestValue(42)))
	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, int64(42), got["id"])
}

func TestBackgroundLoopLifecycle(t *testing.T) {
	tr := NewTrunk(0, SegmentSize, schema.NewTable(), false)
	d := NewDefragmenter([]*Trunk{tr}, DefragConfig{IntervalMS: 5})
	d.Start()
	d.Close()
}
