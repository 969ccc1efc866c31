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

// storedBodyLen walks the stored bytes of a cell body without
// materializing values and returns its total length. Used by delete and
// by the replace size comparison.
func storedBodyLen(tbl *schema.Table, buf []byte, bodyPos int64, sch *schema.Schema) (int64, error) {
	plan := sch.Plan()
	var total int64
	i := 0
	for i < len(plan) {
		n, next, err := storedExprLen(tbl, buf, bodyPos+total, plan, i)
		if err != nil {
			return 0, err
		}
		total += n
		i = next
	}
	return total, nil
}

func storedExprLen(tbl *schema.Table, buf []byte, pos int64, plan schema.Plan, i int) (int64, int, error) {
	step := plan[i]
	switch step.Op {
	case schema.OpField:
		return int64(step.Type.StoredLen(buf[pos:])), i + 1, nil
	case schema.OpArrayBegin:
		count := int(int32(binary.BigEndian.Uint32(buf[pos:])))
		total := int64(4)
		for e := 0; e < count; e++ {
			n, _, err := storedExprLen(tbl, buf, pos+total, plan, i+1)
			if err != nil {
				return 0, 0, err
			}
			total += n
		}
		return total, step.End + 1, nil
	case schema.OpInlineBegin:
		var total int64
		j := i + 1
		for j < step.End {
			n, next, err := storedExprLen(tbl, buf, pos+total, plan, j)
			if err != nil {
				return 0, 0, err
			}
			total += n
			j = next
		}
		return total, step.End + 1, nil
	case schema.OpSubSchema:
		sub, err := tbl.Get(step.Schema)
		if err != nil {
			return 0, 0, err
		}
		n, err := storedBodyLen(tbl, buf, pos, sub)
		return n, i + 1, err
	}
	return 0, 0, errInvalidPlanStep(step)
}

// readHeaderAt parses the fixed header at addr.
func readHeaderAt(buf []byte, addr int64) proto.CellHeader {
	var hdr proto.CellHeader
	hdr.DecodeFrom(buf[addr:])
	return hdr
}
