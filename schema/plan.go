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

package schema

import (
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
)

// The walk plan is a flat opcode list compiled once per schema. The codec
// interprets it without re-reading the field tree. Begin steps carry the
// index of their matching end step so a walker can skip a whole subtree.
type StepOp uint8

const (
	OpField StepOp = iota + 1
	OpArrayBegin
	OpArrayEnd
	OpInlineBegin
	OpInlineEnd
	OpSubSchema
)

type Step struct {
	Op     StepOp
	Name   string
	Type   *Descriptor
	Schema proto.SchemaID
	End    int
}

type Plan []Step

type resolver interface {
	resolveName(name string) (proto.SchemaID, bool)
}

func compilePlan(fields []Field, r resolver) (Plan, error) {
	var plan Plan
	for i := range fields {
		if err := compileExpr(&plan, fields[i].Name, &fields[i].Type, r); err != nil {
			return nil, err
		}
	}
	return plan, nil
}

func compileExpr(plan *Plan, name string, t *TypeExpr, r resolver) error {
	switch t.Kind {
	case KindPrim:
		desc, ok := TypeByName(t.Prim)
		if !ok {
			log.Warnf("unknown primitive type %q for field %q", t.Prim, name)
			return apierrors.ErrUnknownFieldType
		}
		*plan = append(*plan, Step{Op: OpField, Name: name, Type: desc})
	case KindNamed:
		id, ok := r.resolveName(t.Schema)
		if !ok {
			return apierrors.ErrSchemaDoesNotExist
		}
		*plan = append(*plan, Step{Op: OpSubSchema, Name: name, Schema: id})
	case KindInline:
		begin := len(*plan)
		*plan = append(*plan, Step{Op: OpInlineBegin, Name: name})
		for i := range t.Sub {
			if err := compileExpr(plan, t.Sub[i].Name, &t.Sub[i].Type, r); err != nil {
				return err
			}
		}
		(*plan)[begin].End = len(*plan)
		*plan = append(*plan, Step{Op: OpInlineEnd})
	case KindArray:
		begin := len(*plan)
		*plan = append(*plan, Step{Op: OpArrayBegin, Name: name})
		if err := compileExpr(plan, "", t.Elem, r); err != nil {
			return err
		}
		(*plan)[begin].End = len(*plan)
		*plan = append(*plan, Step{Op: OpArrayEnd})
	default:
		log.Warnf("unknown type expression kind %q for field %q", t.Kind, name)
		return apierrors.ErrUnknownFieldType
	}
	return nil
}
