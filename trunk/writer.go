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

	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
)

// The writer is the schema-directed encode walk. It interprets the
// precompiled plan twice per cell: once to measure the body, once to
// write it. Arrays carry an int32 element count; dynamic primitives
// carry their own int32 prefix.

// measureBody returns the encoded body length of value under sch.
func measureBody(tbl *schema.Table, sch *schema.Schema, value proto.Value) (int64, error) {
	return measureFields(tbl, sch.Plan(), 0, len(sch.Plan()), value)
}

func measureFields(tbl *schema.Table, plan schema.Plan, from, to int, m proto.Value) (int64, error) {
	var total int64
	i := from
	for i < to {
		size, next, err := measureExpr(tbl, plan, i, m[plan[i].Name])
		if err != nil {
			return 0, err
		}
		total += size
		i = next
	}
	return total, nil
}

func measureExpr(tbl *schema.Table, plan schema.Plan, i int, v interface{}) (int64, int, error) {
	step := plan[i]
	switch step.Op {
	case schema.OpField:
		n, err := step.Type.Size(v)
		return int64(n), i + 1, err
	case schema.OpArrayBegin:
		count, at, err := valueSlice(v)
		if err != nil {
			return 0, 0, err
		}
		total := int64(4)
		for e := 0; e < count; e++ {
			size, _, err := measureExpr(tbl, plan, i+1, at(e))
			if err != nil {
				return 0, 0, err
			}
			total += size
		}
		return total, step.End + 1, nil
	case schema.OpInlineBegin:
		m, err := valueMap(v)
		if err != nil {
			return 0, 0, err
		}
		size, err := measureFields(tbl, plan, i+1, step.End, m)
		return size, step.End + 1, err
	case schema.OpSubSchema:
		sub, err := tbl.Get(step.Schema)
		if err != nil {
			return 0, 0, err
		}
		m, err := valueMap(v)
		if err != nil {
			return 0, 0, err
		}
		size, err := measureFields(tbl, sub.Plan(), 0, len(sub.Plan()), m)
		return size, i + 1, err
	}
	return 0, 0, errInvalidPlanStep(step)
}

// writeBody encodes value at buf[pos:] and returns the body length.
// The caller has already measured, so buf is known to fit.
func writeBody(tbl *schema.Table, buf []byte, pos int64, sch *schema.Schema, value proto.Value) (int64, error) {
	end, err := writeFields(tbl, buf, pos, sch.Plan(), 0, len(sch.Plan()), value)
	if err != nil {
		return 0, err
	}
	return end - pos, nil
}

func writeFields(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, from, to int, m proto.Value) (int64, error) {
	i := from
	var err error
	for i < to {
		pos, i, err = writeExpr(tbl, buf, pos, plan, i, m[plan[i].Name])
		if err != nil {
			return 0, err
		}
	}
	return pos, nil
}

func writeExpr(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, i int, v interface{}) (int64, int, error) {
	step := plan[i]
	switch step.Op {
	case schema.OpField:
		n, err := step.Type.Write(buf[pos:], v)
		return pos + int64(n), i + 1, err
	case schema.OpArrayBegin:
		count, at, err := valueSlice(v)
		if err != nil {
			return 0, 0, err
		}
		binary.BigEndian.PutUint32(buf[pos:], uint32(count))
		pos += 4
		for e := 0; e < count; e++ {
			pos, _, err = writeExpr(tbl, buf, pos, plan, i+1, at(e))
			if err != nil {
				return 0, 0, err
			}
		}
		return pos, step.End + 1, nil
	case schema.OpInlineBegin:
		m, err := valueMap(v)
		if err != nil {
			return 0, 0, err
		}
		pos, err = writeFields(tbl, buf, pos, plan, i+1, step.End, m)
		return pos, step.End + 1, err
	case schema.OpSubSchema:
		sub, err := tbl.Get(step.Schema)
		if err != nil {
			return 0, 0, err
		}
		m, err := valueMap(v)
		if err != nil {
			return 0, 0, err
		}
		pos, err = writeFields(tbl, buf, pos, sub.Plan(), 0, len(sub.Plan()), m)
		return pos, i + 1, err
	}
	return 0, 0, errInvalidPlanStep(step)
}

// writeCell encodes header and body at addr. The header's Length field
// is backpatched with the body length actually written.
func writeCell(tbl *schema.Table, buf []byte, addr int64, sch *schema.Schema, hdr *proto.CellHeader, value proto.Value) (int64, error) {
	bodyLen, err := writeBody(tbl, buf, addr+proto.CellHeaderSize, sch, value)
	if err != nil {
		return 0, err
	}
	hdr.Length = uint32(bodyLen)
	hdr.EncodeTo(buf[addr:])
	return bodyLen, nil
}
