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
	"encoding/binary"
	"fmt"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
)

func errInvalidPlanStep(step schema.Step) error {
	return errors.Info(apierrors.ErrUnknownFieldType, fmt.Sprintf("plan step %d", step.Op))
}

// readCellAt decodes the cell at addr. The decoded map carries the
// reserved *schema* and *hash* keys next to the schema fields.
func readCellAt(tbl *schema.Table, buf []byte, addr int64) (proto.Value, error) {
	var hdr proto.CellHeader
	hdr.DecodeFrom(buf[addr:])
	sch, err := tbl.Get(hdr.SchemaID)
	if err != nil {
		return nil, err
	}
	m, _, err := readFields(tbl, buf, addr+proto.CellHeaderSize, sch.Plan(), 0, len(sch.Plan()))
	if err != nil {
		return nil, err
	}
	m[proto.SchemaKey] = hdr.SchemaID
	m[proto.HashKey] = hdr.Hash
	return m, nil
}

func readFields(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, from, to int) (proto.Value, int64, error) {
	m := make(proto.Value, to-from)
	i := from
	for i < to {
		v, next, nextPos, err := readExpr(tbl, buf, pos, plan, i)
		if err != nil {
			return nil, 0, err
		}
		m[plan[i].Name] = v
		i = next
		pos = nextPos
	}
	return m, pos, nil
}

func readExpr(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, i int) (interface{}, int, int64, error) {
	step := plan[i]
	switch step.Op {
	case schema.OpField:
		v := step.Type.Read(buf[pos:])
		return v, i + 1, pos + int64(step.Type.StoredLen(buf[pos:])), nil
	case schema.OpArrayBegin:
		count := int(int32(binary.BigEndian.Uint32(buf[pos:])))
		pos += 4
		elems := make([]interface{}, count)
		for e := 0; e < count; e++ {
			v, _, nextPos, err := readExpr(tbl, buf, pos, plan, i+1)
			if err != nil {
				return nil, 0, 0, err
			}
			elems[e] = v
			pos = nextPos
		}
		return elems, step.End + 1, pos, nil
	case schema.OpInlineBegin:
		m, nextPos, err := readFields(tbl, buf, pos, plan, i+1, step.End)
		if err != nil {
			return nil, 0, 0, err
		}
		return m, step.End + 1, nextPos, nil
	case schema.OpSubSchema:
		sub, err := tbl.Get(step.Schema)
		if err != nil {
			return nil, 0, 0, err
		}
		m, nextPos, err := readFields(tbl, buf, pos, sub.Plan(), 0, len(sub.Plan()))
		if err != nil {
			return nil, 0, 0, err
		}
		return m, i + 1, nextPos, nil
	}
	return nil, 0, 0, errInvalidPlanStep(step)
}

// getInAt walks the schema tree along path, skipping siblings by their
// stored length, and decodes only the leaf it lands on.
func getInAt(tbl *schema.Table, buf []byte, addr int64, path []interface{}) (interface{}, error) {
	var hdr proto.CellHeader
	hdr.DecodeFrom(buf[addr:])
	sch, err := tbl.Get(hdr.SchemaID)
	if err != nil {
		return nil, err
	}
	return getInFields(tbl, buf, addr+proto.CellHeaderSize, sch.Plan(), 0, len(sch.Plan()), path)
}

func getInFields(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, from, to int, path []interface{}) (interface{}, error) {
	if len(path) == 0 {
		return nil, apierrors.ErrInvalidPath
	}
	name, ok := path[0].(string)
	if !ok {
		return nil, apierrors.ErrInvalidPath
	}
	i := from
	for i < to {
		if plan[i].Name == name {
			return getInExpr(tbl, buf, pos, plan, i, path[1:])
		}
		skip, next, err := storedExprLen(tbl, buf, pos, plan, i)
		if err != nil {
			return nil, err
		}
		pos += skip
		i = next
	}
	return nil, apierrors.ErrInvalidPath
}

func getInExpr(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, i int, rest []interface{}) (interface{}, error) {
	step := plan[i]
	if len(rest) == 0 {
		v, _, _, err := readExpr(tbl, buf, pos, plan, i)
		return v, err
	}
	switch step.Op {
	case schema.OpField:
		// primitives have no children
		return nil, apierrors.ErrInvalidPath
	case schema.OpArrayBegin:
		idx, ok := asIndex(rest[0])
		if !ok {
			return nil, apierrors.ErrInvalidPath
		}
		count := int(int32(binary.BigEndian.Uint32(buf[pos:])))
		if idx < 0 || idx >= count {
			return nil, apierrors.ErrInvalidPath
		}
		pos += 4
		for e := 0; e < idx; e++ {
			skip, _, err := storedExprLen(tbl, buf, pos, plan, i+1)
			if err != nil {
				return nil, err
			}
			pos += skip
		}
		return getInExpr(tbl, buf, pos, plan, i+1, rest[1:])
	case schema.OpInlineBegin:
		return getInFields(tbl, buf, pos, plan, i+1, step.End, rest)
	case schema.OpSubSchema:
		sub, err := tbl.Get(step.Schema)
		if err != nil {
			return nil, err
		}
		return getInFields(tbl, buf, pos, sub.Plan(), 0, len(sub.Plan()), rest)
	}
	return nil, errInvalidPlanStep(step)
}

func asIndex(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	}
	return 0, false
}

// selectKeysAt decodes only the named top-level fields in a single
// pass, skipping the rest by their stored length.
func selectKeysAt(tbl *schema.Table, buf []byte, addr int64, keys []string) (proto.Value, error) {
	var hdr proto.CellHeader
	hdr.DecodeFrom(buf[addr:])
	sch, err := tbl.Get(hdr.SchemaID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	plan := sch.Plan()
	out := make(proto.Value, len(keys))
	pos := addr + proto.CellHeaderSize
	i := 0
	for i < len(plan) && len(out) < len(want) {
		if want[plan[i].Name] {
			v, next, nextPos, err := readExpr(tbl, buf, pos, plan, i)
			if err != nil {
				return nil, err
			}
			out[plan[i].Name] = v
			i = next
			pos = nextPos
			continue
		}
		skip, next, err := storedExprLen(tbl, buf, pos, plan, i)
		if err != nil {
			return nil, err
		}
		pos += skip
		i = next
	}
	return out, nil
}
