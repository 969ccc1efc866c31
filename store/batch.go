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

	"github.com/shisoft/nebuchadnezzar/proto"
)

// Batch variants reduce a parameter list into {id: result}; the
// _noreply forms discard results for fire-and-forget callers.

type NewCellArgs struct {
	ID       proto.CellID
	SchemaID proto.SchemaID
	Value    proto.Value
}

type ReplaceCellArgs struct {
	ID    proto.CellID
	Value proto.Value
}

type ReadResult struct {
	Value proto.Value
	Err   error
}

func (s *TrunkStore) NewCellBatch(ctx context.Context, args []NewCellArgs) map[proto.CellID]error {
	out := make(map[proto.CellID]error, len(args))
	for _, a := range args {
		out[a.ID] = s.NewCell(ctx, a.ID, a.SchemaID, a.Value)
	}
	return out
}

func (s *TrunkStore) NewCellBatchNoReply(ctx context.Context, args []NewCellArgs) {
	for _, a := range args {
		s.NewCell(ctx, a.ID, a.SchemaID, a.Value) //nolint: errcheck
	}
}

func (s *TrunkStore) ReadCellBatch(ctx context.Context, ids []proto.CellID) map[proto.CellID]ReadResult {
	out := make(map[proto.CellID]ReadResult, len(ids))
	for _, id := range ids {
		value, err := s.ReadCell(ctx, id)
		out[id] = ReadResult{Value: value, Err: err}
	}
	return out
}

func (s *TrunkStore) ReplaceCellBatch(ctx context.Context, args []ReplaceCellArgs) map[proto.CellID]error {
	out := make(map[proto.CellID]error, len(args))
	for _, a := range args {
		out[a.ID] = s.ReplaceCell(ctx, a.ID, a.Value)
	}
	return out
}

func (s *TrunkStore) ReplaceCellBatchNoReply(ctx context.Context, args []ReplaceCellArgs) {
	for _, a := range args {
		s.ReplaceCell(ctx, a.ID, a.Value) //nolint: errcheck
	}
}

func (s *TrunkStore) DeleteCellBatch(ctx context.Context, ids []proto.CellID) map[proto.CellID]error {
	out := make(map[proto.CellID]error, len(ids))
	for _, id := range ids {
		out[id] = s.DeleteCell(ctx, id)
	}
	return out
}

func (s *TrunkStore) DeleteCellBatchNoReply(ctx context.Context, ids []proto.CellID) {
	for _, id := range ids {
		s.DeleteCell(ctx, id) //nolint: errcheck
	}
}
