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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/shisoft/nebuchadnezzar/backup"
	"github.com/shisoft/nebuchadnezzar/schema"
	"github.com/shisoft/nebuchadnezzar/trunk"
)

// Config carries the keys the core recognizes; collaborators parse
// volume strings and pass integers down.
type Config struct {
	MemorySize int64 `json:"memory_size"`
	TrunksSize int64 `json:"trunks_size"`

	Durability             bool `json:"durability"`
	AutoBacksync           bool `json:"auto_backsync"`
	RecoverBackupAtStartup bool `json:"recover_backup_at_startup"`
	KeepImportedBackup     bool `json:"keep_imported_backup"`
	NodeCount              int  `json:"node_count"`

	SchemaFile string `json:"schema_file"`

	Backup backup.Config      `json:"backup"`
	Defrag trunk.DefragConfig `json:"defrag"`
}

// Node owns a trunk store plus its background workers. Tests
// instantiate independent nodes; nothing is process-global.
type Node struct {
	cfg     Config
	store   *TrunkStore
	schemas *schema.Table
	defrag  *trunk.Defragmenter
	shipper *backup.Shipper
}

func NewNode(ctx context.Context, cfg Config) (*Node, error) {
	span := trace.SpanFromContextSafe(ctx)
	if cfg.TrunksSize <= 0 {
		cfg.TrunksSize = trunk.SegmentSize
	}
	trunkCount := int(cfg.MemorySize / cfg.TrunksSize)
	if trunkCount < 1 {
		trunkCount = 1
	}

	schemas := schema.NewTable()
	if cfg.SchemaFile != "" {
		if err := schemas.LoadFile(cfg.SchemaFile); err != nil {
			return nil, err
		}
	}

	n := &Node{cfg: cfg, schemas: schemas}
	n.store = NewTrunkStore(trunkCount, cfg.TrunksSize, schemas, cfg.Durability)
	n.defrag = trunk.NewDefragmenter(n.store.Trunks(), cfg.Defrag)
	n.defrag.Start()

	if cfg.Durability && len(cfg.Backup.Dirs) > 0 {
		if cfg.RecoverBackupAtStartup {
			err := backup.Recover(ctx, backup.RecoverConfig{
				Dirs:         cfg.Backup.Dirs,
				KeepImported: cfg.KeepImportedBackup,
				NodeCount:    cfg.NodeCount,
			}, n.store)
			if err != nil {
				span.Errorf("recover backups: %s", err)
			}
		}
		cfg.Backup.AutoBacksync = cfg.AutoBacksync
		shipper, err := backup.NewShipper(n.store.Trunks(), cfg.Backup)
		if err != nil {
			n.defrag.Close()
			return nil, err
		}
		n.shipper = shipper
		n.shipper.Start()
	}
	log.Infof("node up: %d trunks of %d bytes, durability=%v", trunkCount, cfg.TrunksSize, cfg.Durability)
	return n, nil
}

func (n *Node) TrunkStore() *TrunkStore { return n.store }

func (n *Node) Schemas() *schema.Table { return n.schemas }

func (n *Node) Shipper() *backup.Shipper { return n.shipper }

// Close stops the background workers and persists the schema table.
func (n *Node) Close(ctx context.Context) {
	if n.shipper != nil {
		if err := n.shipper.SyncAll(ctx); err != nil {
			log.Warnf("final backsync: %s", err)
		}
		n.shipper.Close()
	}
	n.defrag.Close()
	if n.cfg.SchemaFile != "" {
		if err := n.schemas.SaveFile(n.cfg.SchemaFile); err != nil {
			log.Errorf("save schema file: %s", err)
		}
	}
}
