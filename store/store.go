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

package store

import (
	"context"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
	"github.com/shisoft/nebuchadnezzar/trunk"
)

// TrunkStore owns a node's trunks and routes every cell operation by
// the id's partition half. It is the in-process API the RPC layer
// adapts.
type TrunkStore struct {
	trunks   []*trunk.Trunk
	schemas  *schema.Table
	registry *FuncRegistry
}

func NewTrunkStore(trunkCount int, trunkSize int64, schemas *schema.Table, durability bool) *TrunkStore {
	if trunkCount < 1 {
		trunkCount = 1
	}
	trunks := make([]*trunk.Trunk, trunkCount)
	for i := 0; i < trunkCount; i++ {
		trunks[i] = trunk.NewTrunk(i, trunkSize, schemas, durability)
	}
	return &TrunkStore{
		trunks:   trunks,
		schemas:  schemas,
		registry: NewFuncRegistry(),
	}
}

func (s *TrunkStore) Trunks() []*trunk.Trunk { return s.trunks }

func (s *TrunkStore) TrunkCount() int { return len(s.trunks) }

func (s *TrunkStore) Schemas() *schema.Table { return s.schemas }

func (s *TrunkStore) Registry() *FuncRegistry { return s.registry }

// TrunkOf routes a cell id to its owning trunk.
func (s *TrunkStore) TrunkOf(id proto.CellID) *trunk.Trunk {
	return s.trunks[id.Partition()%uint64(len(s.trunks))]
}

func (s *TrunkStore) CellCount() int {
	n := 0
	for _, t := range s.trunks {
		n += t.CellCount()
	}
	return n
}

func (s *TrunkStore) NewCell(ctx context.Context, id proto.CellID, schemaID proto.SchemaID, value proto.Value) error {
	return s.TrunkOf(id).NewCell(ctx, id, schemaID, value)
}

func (s *TrunkStore) ReadCell(ctx context.Context, id proto.CellID) (proto.Value, error) {
	return s.TrunkOf(id).ReadCell(ctx, id)
}

func (s *TrunkStore) HeadCell(ctx context.Context, id proto.CellID) (proto.CellHeader, error) {
	return s.TrunkOf(id).HeadCell(ctx, id)
}

func (s *TrunkStore) ReplaceCell(ctx context.Context, id proto.CellID, value proto.Value) error {
	return s.TrunkOf(id).ReplaceCell(ctx, id, value)
}

// UpdateCell resolves the registered symbol and applies it under the
// cell's write lock.
func (s *TrunkStore) UpdateCell(ctx context.Context, id proto.CellID, fnSym string, args ...interface{}) (proto.Value, error) {
	fn, ok := s.registry.Resolve(fnSym)
	if !ok {
		return nil, apierrors.ErrFuncDoesNotExist
	}
	return s.TrunkOf(id).UpdateCell(ctx, id, fn, args...)
}

func (s *TrunkStore) DeleteCell(ctx context.Context, id proto.CellID) error {
	return s.TrunkOf(id).DeleteCell(ctx, id)
}

func (s *TrunkStore) GetInCell(ctx context.Context, id proto.CellID, path ...interface{}) (interface{}, error) {
	return s.TrunkOf(id).GetInCell(ctx, id, path...)
}

func (s *TrunkStore) SelectKeysFromCell(ctx context.Context, id proto.CellID, keys ...string) (proto.Value, error) {
	return s.TrunkOf(id).SelectKeysFromCell(ctx, id, keys...)
}

func (s *TrunkStore) NewCellByRawIfNewer(ctx context.Context, id proto.CellID, version proto.Version, raw []byte) (bool, error) {
	return s.TrunkOf(id).NewCellByRawIfNewer(ctx, id, version, raw)
}

// ResetIndexes drops every trunk's index. Test hook simulating a crash
// before recovery.
func (s *TrunkStore) ResetIndexes() {
	for _, t := range s.trunks {
		t.ResetIndex()
	}
}
