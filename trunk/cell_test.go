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

func newTrunkWithSchema(t *testing.T, segments int, name string, fields []schema.Field) (*Trunk, *schema.Schema) {
	t.Helper()
	tbl := schema.NewTable()
	sch, err := tbl.Add(name, fields, 1)
	require.NoError(t, err)
	return NewTrunk(0, int64(segments)*SegmentSize, tbl, false), sch
}

func TestCellReadWrite(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "dummy", []schema.Field{
		schema.NewField("id", schema.Prim("long")),
		schema.NewField("score", schema.Prim("long")),
		schema.NewField("name", schema.Prim("text")),
	})
	id1 := proto.NewCellID(1, 1)
	id2 := proto.NewCellID(1, 2)

	require.NoError(t, tr.NewCell(ctx, id1, sch.ID, proto.Value{
		"id": int64(100), "score": int64(70), "name": "Jack",
	}))
	got, err := tr.ReadCell(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, int64(100), got["id"])
	require.Equal(t, int64(70), got["score"])
	require.Equal(t, "Jack", got["name"])
	require.Equal(t, sch.ID, got[proto.SchemaKey])
	require.Equal(t, uint64(1), got[proto.HashKey])

	hdr, err := tr.HeadCell(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), hdr.Hash)
	require.Equal(t, proto.CellTypeNormal, hdr.Type)
	require.Equal(t, uint32(8+8+4+4), hdr.Length)

	// second cell lands right behind the first in the same segment
	addr1, ok := tr.CellAddr(id1)
	require.True(t, ok)
	require.NoError(t, tr.NewCell(ctx, id2, sch.ID, proto.Value{
		"id": int64(2), "score": int64(80), "name": "John",
	}))
	addr2, ok := tr.CellAddr(id2)
	require.True(t, ok)
	require.Equal(t, addr1+proto.CellHeaderSize+int64(hdr.Length), addr2)

	// first cell is untouched by the second write
	got, err = tr.ReadCell(ctx, id1)
	require.NoError(t, err)
	require.Equal(t, "Jack", got["name"])

	require.ErrorIs(t, tr.NewCell(ctx, id1, sch.ID, proto.Value{
		"id": int64(1), "score": int64(0), "name": "dup",
	}), apierrors.ErrCellAlreadyExists)

	require.NoError(t, tr.ReplaceCell(ctx, id2, proto.Value{
		"id": int64(2), "score": int64(95), "name": "John",
	}))
	got, err = tr.ReadCell(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, int64(95), got["score"])

	updated, err := tr.UpdateCell(ctx, id2, func(v proto.Value, args ...interface{}) (proto.Value, error) {
		v["score"] = int64(100)
		delete(v, proto.SchemaKey)
		delete(v, proto.HashKey)
		return v, nil
	})
	require.NoError(t, err)
	require.Equal(t, int64(100), updated["score"])
	got, err = tr.ReadCell(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, int64(100), got["score"])

	require.NoError(t, tr.DeleteCell(ctx, id1))
	_, err = tr.ReadCell(ctx, id1)
	require.ErrorIs(t, err, apierrors.ErrCellDoesNotExist)
	require.ErrorIs(t, tr.DeleteCell(ctx, id1), apierrors.ErrCellDoesNotExist)
	require.False(t, tr.ContainsCell(id1))
	require.True(t, tr.ContainsCell(id2))
}

func TestSchemaNotFound(t *testing.T) {
	ctx := context.Background()
	tr := NewTrunk(0, SegmentSize, schema.NewTable(), false)
	err := tr.NewCell(ctx, proto.NewCellID(0, 1), 9, proto.Value{})
	require.ErrorIs(t, err, apierrors.ErrSchemaDoesNotExist)
}

func TestLongArrayCell(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "array-schema", []schema.Field{
		schema.NewField("arr", schema.Array(schema.Prim("long"))),
	})
	arr := make([]int64, 100)
	expect := make([]interface{}, 100)
	for i := range arr {
		arr[i] = int64(i)
		expect[i] = int64(i)
	}
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"arr": arr}))
	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, expect, got["arr"])
	require.Equal(t, sch.ID, got[proto.SchemaKey])
	require.Equal(t, uint64(1), got[proto.HashKey])
}

func TestNestedArrayCell(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "nested-array-schema", []schema.Field{
		schema.NewField("arr", schema.Array(schema.Array(schema.Prim("long")))),
	})
	inner := make([]int64, 100)
	innerExpect := make([]interface{}, 100)
	for i := range inner {
		inner[i] = int64(i)
		innerExpect[i] = int64(i)
	}
	outer := make([][]int64, 100)
	expect := make([]interface{}, 100)
	for i := range outer {
		outer[i] = inner
		expect[i] = innerExpect
	}
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"arr": outer}))
	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, expect, got["arr"])
}

func TestReplaceShrinksInPlace(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "text-schema", []schema.Field{
		schema.NewField("s", schema.Prim("text")),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"s": "hello world"}))
	addr, _ := tr.CellAddr(id)
	seg := tr.segmentFor(addr)

	require.NoError(t, tr.ReplaceCell(ctx, id, proto.Value{"s": "hi"}))
	newAddr, _ := tr.CellAddr(id)
	require.Equal(t, addr, newAddr)
	require.Equal(t, int64(len("hello world")-len("hi")), seg.DeadBytes())
	require.Equal(t, 1, seg.FragmentCount())

	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "hi", got["s"])
}

func TestReplaceSameSizeIsFree(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "text-schema", []schema.Field{
		schema.NewField("s", schema.Prim("text")),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"s": "aaaa"}))
	addr, _ := tr.CellAddr(id)
	seg := tr.segmentFor(addr)
	head := seg.AppendHead()

	require.NoError(t, tr.ReplaceCell(ctx, id, proto.Value{"s": "bbbb"}))
	newAddr, _ := tr.CellAddr(id)
	require.Equal(t, addr, newAddr)
	require.Equal(t, head, seg.AppendHead())
	require.Equal(t, int64(0), seg.DeadBytes())
	require.Equal(t, 0, seg.FragmentCount())
}

func TestReplaceShrinkByOneByte(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "text-schema", []schema.Field{
		schema.NewField("s", schema.Prim("text")),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"s": "abcd"}))
	seg := tr.segmentFor(0)

	require.NoError(t, tr.ReplaceCell(ctx, id, proto.Value{"s": "abc"}))
	require.Equal(t, int64(1), seg.DeadBytes())
	require.Equal(t, 1, seg.FragmentCount())
}

func TestReplaceGrowsAndTombstonesOld(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "text-schema", []schema.Field{
		schema.NewField("s", schema.Prim("text")),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"s": "hi"}))
	oldAddr, _ := tr.CellAddr(id)
	oldBodyLen := int64(4 + len("hi"))
	seg := tr.segmentFor(oldAddr)

	require.NoError(t, tr.ReplaceCell(ctx, id, proto.Value{"s": "a considerably longer value"}))
	newAddr, _ := tr.CellAddr(id)
	require.NotEqual(t, oldAddr, newAddr)

	old := readHeaderAt(tr.buf, oldAddr)
	require.Equal(t, proto.CellTypeTombstone, old.Type)
	require.Equal(t, uint32(oldBodyLen), old.Length)
	require.GreaterOrEqual(t, seg.DeadBytes(), int64(proto.CellHeaderSize)+oldBodyLen)

	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "a considerably longer value", got["s"])
}

func TestObjectSizeBoundary(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "blob-schema", []schema.Field{
		schema.NewField("b", schema.Prim("blob")),
	})
	// body of exactly SegmentSize - header succeeds
	fit := make([]byte, SegmentSize-proto.CellHeaderSize-4)
	require.NoError(t, tr.NewCell(ctx, proto.NewCellID(0, 1), sch.ID, proto.Value{"b": fit}))

	// one byte larger fails regardless of free space
	over := make([]byte, SegmentSize-proto.CellHeaderSize-3)
	err := tr.NewCell(ctx, proto.NewCellID(0, 2), sch.ID, proto.Value{"b": over})
	require.ErrorIs(t, err, apierrors.ErrObjectTooLarge)
}

func TestStoreFull(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "blob-schema", []schema.Field{
		schema.NewField("b", schema.Prim("blob")),
	})
	payload := make([]byte, 1<<20)
	var err error
	for i := 0; i < 16; i++ {
		err = tr.NewCell(ctx, proto.NewCellID(0, uint64(i)), sch.ID, proto.Value{"b": payload})
		if err != nil {
			break
		}
	}
	require.ErrorIs(t, err, apierrors.ErrStoreFull)
}

func TestGetInCell(t *testing.T) {
	ctx := context.Background()
	tbl := schema.NewTable()
	_, err := tbl.Add("point", []schema.Field{
		schema.NewField("x", schema.Prim("long")),
		schema.NewField("y", schema.Prim("long")),
	}, 1)
	require.NoError(t, err)
	sch, err := tbl.Add("shape", []schema.Field{
		schema.NewField("name", schema.Prim("text")),
		schema.NewField("origin", schema.Named("point")),
		schema.NewField("points", schema.Array(schema.Named("point"))),
		schema.NewField("meta", schema.Inline(
			schema.NewField("owner", schema.Prim("text")),
			schema.NewField("rank", schema.Prim("int")),
		)),
	}, 2)
	require.NoError(t, err)
	tr := NewTrunk(0, SegmentSize, tbl, false)

	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{
		"name":   "triangle",
		"origin": proto.Value{"x": int64(1), "y": int64(2)},
		"points": []proto.Value{
			{"x": int64(10), "y": int64(20)},
			{"x": int64(30), "y": int64(40)},
		},
		"meta": proto.Value{"owner": "neb", "rank": int32(9)},
	}))

	v, err := tr.GetInCell(ctx, id, "origin", "y")
	require.NoError(t, err)
	require.Equal(t, int64(2), v)

	v, err = tr.GetInCell(ctx, id, "points", 1, "x")
	require.NoError(t, err)
	require.Equal(t, int64(30), v)

	v, err = tr.GetInCell(ctx, id, "meta", "rank")
	require.NoError(t, err)
	require.Equal(t, int32(9), v)

	v, err = tr.GetInCell(ctx, id, "meta")
	require.NoError(t, err)
	require.Equal(t, proto.Value{"owner": "neb", "rank": int32(9)}, v)

	_, err = tr.GetInCell(ctx, id, "missing")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
	_, err = tr.GetInCell(ctx, id, "points", 5, "x")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
	_, err = tr.GetInCell(ctx, id, "name", "deeper")
	require.ErrorIs(t, err, apierrors.ErrInvalidPath)
}

func TestSelectKeysFromCell(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "person", []schema.Field{
		schema.NewField("name", schema.Prim("text")),
		schema.NewField("age", schema.Prim("int")),
		schema.NewField("bio", schema.Prim("text")),
		schema.NewField("scores", schema.Array(schema.Prim("long"))),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{
		"name": "Jack", "age": int32(30), "bio": "long bio text", "scores": []int64{1, 2},
	}))

	got, err := tr.SelectKeysFromCell(ctx, id, "name", "scores")
	require.NoError(t, err)
	require.Equal(t, proto.Value{
		"name":   "Jack",
		"scores": []interface{}{int64(1), int64(2)},
	}, got)
}

func TestNewCellByRawIfNewer(t *testing.T) {
	ctx := context.Background()
	tr, sch := newTrunkWithSchema(t, 1, "text-schema", []schema.Field{
		schema.NewField("s", schema.Prim("text")),
	})
	id := proto.NewCellID(1, 1)
	require.NoError(t, tr.NewCell(ctx, id, sch.ID, proto.Value{"s": "original"}))

	hdr, err := tr.HeadCell(ctx, id)
	require.NoError(t, err)
	addr, _ := tr.CellAddr(id)
	total := int64(proto.CellHeaderSize) + int64(hdr.Length)
	raw := make([]byte, total)
	tr.CopyBytes(raw, addr, total)

	// not newer: no-op
	installed, err := tr.NewCellByRawIfNewer(ctx, id, hdr.Version, raw)
	require.NoError(t, err)
	require.False(t, installed)

	// newer: replaces
	var bumped proto.CellHeader
	bumped.DecodeFrom(raw)
	bumped.Version = hdr.Version + 10
	bumped.EncodeTo(raw)
	installed, err = tr.NewCellByRawIfNewer(ctx, id, bumped.Version, raw)
	require.NoError(t, err)
	require.True(t, installed)
	got, err := tr.ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "original", got["s"])

	// fresh hash installs directly and reconstructs the id
	id2 := proto.NewCellID(1, 2)
	var moved proto.CellHeader
	moved.DecodeFrom(raw)
	moved.Hash = id2.Hash()
	moved.Version = 1
	moved.EncodeTo(raw)
	installed, err = tr.NewCellByRawIfNewer(ctx, id2, 1, raw)
	require.NoError(t, err)
	require.True(t, installed)
	got, err = tr.ReadCell(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, "original", got["s"])

	// truncated raw is rejected
	_, err = tr.NewCellByRawIfNewer(ctx, proto.NewCellID(1, 3), 1, raw[:10])
	require.ErrorIs(t, err, apierrors.ErrCorruptReplica)
}
