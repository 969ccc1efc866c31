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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shisoft/nebuchadnezzar/schema"
)

func newTestTrunk(t *testing.T, segments int) *Trunk {
	t.Helper()
	return NewTrunk(0, int64(segments)*SegmentSize, schema.NewTable(), true)
}

func TestDirtyRangeCoalescing(t *testing.T) {
	tr := newTestTrunk(t, 1)

	tr.MarkDirty(100, 199)
	tr.MarkDirty(300, 399)
	require.Equal(t, []DirtySpan{{100, 199}, {300, 399}}, tr.DirtySpans())

	// adjacent on the right merges
	tr.MarkDirty(200, 250)
	require.Equal(t, []DirtySpan{{100, 250}, {300, 399}}, tr.DirtySpans())

	// bridging interval merges everything
	tr.MarkDirty(251, 299)
	require.Equal(t, []DirtySpan{{100, 399}}, tr.DirtySpans())

	// contained interval is absorbed
	tr.MarkDirty(150, 160)
	require.Equal(t, []DirtySpan{{100, 399}}, tr.DirtySpans())

	// overlap extending left
	tr.MarkDirty(50, 120)
	require.Equal(t, []DirtySpan{{50, 399}}, tr.DirtySpans())
}

func TestDirtyRangeSegmentBoundary(t *testing.T) {
	tr := newTestTrunk(t, 2)

	// adjacent across a segment boundary must not merge: segments are
	// the unit of replication imaging
	tr.MarkDirty(SegmentSize-10, SegmentSize-1)
	tr.MarkDirty(SegmentSize, SegmentSize+9)
	require.Equal(t,
		[]DirtySpan{{SegmentSize - 10, SegmentSize - 1}, {SegmentSize, SegmentSize + 9}},
		tr.DirtySpans())
}

func TestSnapshotDirtyState(t *testing.T) {
	tr := newTestTrunk(t, 2)

	tr.MarkDirty(10, 19)
	tr.noteTombstone(500)
	heads, spans, tombs := tr.SnapshotDirtyState()
	require.Len(t, heads, 2)
	require.Equal(t, []DirtySpan{{10, 19}}, spans)
	require.Equal(t, []int64{500}, tombs)

	// drained
	_, spans, tombs = tr.SnapshotDirtyState()
	require.Empty(t, spans)
	require.Empty(t, tombs)
}

func TestDurabilityDisabledSkipsTracking(t *testing.T) {
	tr := NewTrunk(0, SegmentSize, schema.NewTable(), false)
	tr.MarkDirty(0, 99)
	tr.noteTombstone(10)
	_, spans, tombs := tr.SnapshotDirtyState()
	require.Empty(t, spans)
	require.Empty(t, tombs)
}

func TestCellIndex(t *testing.T) {
	var ix cellIndex
	for i := range ix.shards {
		ix.shards[i].m = make(map[uint64]int64)
	}

	require.True(t, ix.add(7, 100))
	require.False(t, ix.add(7, 200))
	addr, ok := ix.get(7)
	require.True(t, ok)
	require.Equal(t, int64(100), addr)

	require.False(t, ix.replaceIf(7, 999, 300))
	require.True(t, ix.replaceIf(7, 100, 300))
	addr, _ = ix.get(7)
	require.Equal(t, int64(300), addr)

	ix.set(7, 400)
	require.Equal(t, 1, ix.len())

	addr, ok = ix.remove(7)
	require.True(t, ok)
	require.Equal(t, int64(400), addr)
	_, ok = ix.get(7)
	require.False(t, ok)
}
