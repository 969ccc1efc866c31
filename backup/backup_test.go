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

package backup_test

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shisoft/nebuchadnezzar/backup"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
	"github.com/shisoft/nebuchadnezzar/store"
	"github.com/shisoft/nebuchadnezzar/trunk"
	"github.com/shisoft/nebuchadnezzar/util"
)

func newBackupStore(t *testing.T) (*store.TrunkStore, proto.SchemaID) {
	t.Helper()
	tbl := schema.NewTable()
	sch, err := tbl.Add("payload", []schema.Field{
		schema.NewField("key", schema.Prim("text")),
		schema.NewField("body", schema.Prim("text")),
	}, 1)
	require.NoError(t, err)
	return store.NewTrunkStore(2, 2*trunk.SegmentSize, tbl, true), sch.ID
}

func TestReplicaFileFormat(t *testing.T) {
	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	path := backup.ReplicaFilePath(dir, 0)

	rf, err := backup.OpenReplicaFile(path, trunk.SegmentSize)
	require.NoError(t, err)

	payload := []byte("segment bytes")
	require.NoError(t, rf.ApplyUpdate(1, 512, 64, payload))
	require.NoError(t, rf.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, int32(trunk.SegmentSize), int32(binary.BigEndian.Uint32(raw[0:4])))

	rec := int64(4) + 1*(4+int64(trunk.SegmentSize))
	require.Equal(t, int32(512), int32(binary.BigEndian.Uint32(raw[rec:rec+4])))
	require.Equal(t, payload, raw[rec+4+64:rec+4+64+int64(len(payload))])

	// reopening validates the segment-size header
	rf, err = backup.OpenReplicaFile(path, trunk.SegmentSize)
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	_, err = backup.OpenReplicaFile(path, trunk.SegmentSize/2)
	require.Error(t, err)
}

func TestDurabilityRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, schemaID := newBackupStore(t)

	dir, err := util.GenTmpPath()
	require.NoError(t, err)

	shipper, err := backup.NewShipper(s.Trunks(), backup.Config{
		Dirs:        []string{dir},
		Replication: 1,
	})
	require.NoError(t, err)

	const cells = 300
	body := strings.Repeat("large cell payload ", 100)
	for i := 0; i < cells; i++ {
		key := fmt.Sprintf("test%d", i)
		require.NoError(t, s.NewCell(ctx, proto.CellIDFromName(key), schemaID, proto.Value{
			"key":  key,
			"body": body,
		}))
	}
	require.NoError(t, shipper.SyncAll(ctx))
	shipper.Close()

	// simulate a crash: the in-memory index is gone, the replicas are not
	s.ResetIndexes()
	require.Equal(t, 0, s.CellCount())

	require.NoError(t, backup.Recover(ctx, backup.RecoverConfig{
		Dirs:         []string{dir},
		KeepImported: true,
	}, s))

	require.Equal(t, cells, s.CellCount())
	for i := 0; i < cells; i++ {
		key := fmt.Sprintf("test%d", i)
		got, err := s.ReadCell(ctx, proto.CellIDFromName(key))
		require.NoError(t, err)
		require.Equal(t, key, got["key"])
		require.Equal(t, body, got["body"])
	}

	// the directory is tagged and skipped on the next pass
	_, err = os.Stat(filepath.Join(dir, "imported"))
	require.NoError(t, err)
	require.NoError(t, backup.Recover(ctx, backup.RecoverConfig{
		Dirs:         []string{dir},
		KeepImported: true,
	}, s))
	require.Equal(t, cells, s.CellCount())
}

func TestBackupShipsDeletesAndReplaces(t *testing.T) {
	ctx := context.Background()
	s, schemaID := newBackupStore(t)

	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	shipper, err := backup.NewShipper(s.Trunks(), backup.Config{Dirs: []string{dir}, Replication: 1})
	require.NoError(t, err)

	keep := proto.CellIDFromName("keep")
	drop := proto.CellIDFromName("drop")
	require.NoError(t, s.NewCell(ctx, keep, schemaID, proto.Value{"key": "keep", "body": "v1"}))
	require.NoError(t, s.NewCell(ctx, drop, schemaID, proto.Value{"key": "drop", "body": "v1"}))
	require.NoError(t, shipper.SyncAll(ctx))

	require.NoError(t, s.ReplaceCell(ctx, keep, proto.Value{"key": "keep", "body": "v2 rather longer than before"}))
	require.NoError(t, s.DeleteCell(ctx, drop))
	require.NoError(t, shipper.SyncAll(ctx))
	shipper.Close()

	s.ResetIndexes()
	require.NoError(t, backup.Recover(ctx, backup.RecoverConfig{Dirs: []string{dir}}, s))

	got, err := s.ReadCell(ctx, keep)
	require.NoError(t, err)
	require.Equal(t, "v2 rather longer than before", got["body"])

	_, err = s.ReadCell(ctx, drop)
	require.Error(t, err)

	// keep_imported_backup disabled removes the directory after import
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
}

func TestRecoverSkipsCorruptFile(t *testing.T) {
	ctx := context.Background()
	s, _ := newBackupStore(t)

	dir, err := util.GenTmpPath()
	require.NoError(t, err)
	// wrong segment size header
	bad := make([]byte, 8)
	binary.BigEndian.PutUint32(bad, uint32(1024))
	require.NoError(t, os.WriteFile(backup.ReplicaFilePath(dir, 0), bad, 0o644))

	require.NoError(t, backup.Recover(ctx, backup.RecoverConfig{Dirs: []string{dir}, KeepImported: true}, s))
	require.Equal(t, 0, s.CellCount())
}
