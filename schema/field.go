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

// A Field is one named slot of a schema. Its type expression is one of:
// a primitive keyword, a named sub-schema, an inline field list, or an
// array of another type expression.
type Field struct {
	Name string   `json:"name"`
	Type TypeExpr `json:"type"`
}

type ExprKind string

const (
	KindPrim   ExprKind = "prim"
	KindNamed  ExprKind = "schema"
	KindInline ExprKind = "inline"
	KindArray  ExprKind = "array"
)

type TypeExpr struct {
	Kind   ExprKind  `json:"kind"`
	Prim   string    `json:"prim,omitempty"`
	Schema string    `json:"schema,omitempty"`
	Sub    []Field   `json:"sub,omitempty"`
	Elem   *TypeExpr `json:"elem,omitempty"`
}

func Prim(name string) TypeExpr {
	return TypeExpr{Kind: KindPrim, Prim: name}
}

func Named(schema string) TypeExpr {
	return TypeExpr{Kind: KindNamed, Schema: schema}
}

func Inline(fields ...Field) TypeExpr {
	return TypeExpr{Kind: KindInline, Sub: fields}
}

func Array(elem TypeExpr) TypeExpr {
	return TypeExpr{Kind: KindArray, Elem: &elem}
}

func NewField(name string, t TypeExpr) Field {
	return Field{Name: name, Type: t}
}
