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
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shisoft/nebuchadnezzar/backup"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
	"github.com/shisoft/nebuchadnezzar/trunk"
	"github.com/shisoft/nebuchadnezzar/util"
)

// a node survives a cold restart: schemas reload from the schema file,
// cells replay from the replica files
func TestNodeLifecycle(t *testing.T) {
	ctx := context.Background()
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	backupDir := filepath.Join(dir, "replica0")
	cfg := Config{
		MemorySize:             2 * trunk.SegmentSize,
		TrunksSize:             2 * trunk.SegmentSize,
		Durability:             true,
		RecoverBackupAtStartup: true,
		KeepImportedBackup:     false,
		SchemaFile:             filepath.Join(dir, "schemas.json"),
		Backup: backup.Config{
			Dirs:        []string{backupDir},
			Replication: 1,
		},
	}

	node, err := NewNode(ctx, cfg)
	require.NoError(t, err)

	sch, err := node.Schemas().AddNew("kv", []schema.Field{
		schema.NewField("key", schema.Prim("text")),
		schema.NewField("count", schema.Prim("long")),
	})
	require.NoError(t, err)

	id := proto.CellIDFromName("persisted")
	require.NoError(t, node.TrunkStore().NewCell(ctx, id, sch.ID, proto.Value{
		"key": "persisted", "count": int64(7),
	}))
	node.Close(ctx)

	revived, err := NewNode(ctx, cfg)
	require.NoError(t, err)
	defer revived.Close(ctx)

	loaded, err := revived.Schemas().GetByName("kv")
	require.NoError(t, err)
	require.Equal(t, sch.ID, loaded.ID)

	got, err := revived.TrunkStore().ReadCell(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "persisted", got["key"])
	require.Equal(t, int64(7), got["count"])
}

func TestNodeTrunkCountDerivation(t *testing.T) {
	ctx := context.Background()
	node, err := NewNode(ctx, Config{
		MemorySize: 4 * trunk.SegmentSize,
		TrunksSize: 2 * trunk.SegmentSize,
	})
	require.NoError(t, err)
	defer node.Close(ctx)
	require.Equal(t, 2, node.TrunkStore().TrunkCount())
}
