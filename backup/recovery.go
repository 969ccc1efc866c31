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

package backup

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/semaphore"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/metrics"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/trunk"
)

// importedMarker tags a replica directory that has already been
// recovered; such directories are skipped (and removed unless the node
// keeps imported backups).
const importedMarker = "imported"

// CellSink receives recovered cells. Recovery dispatches through the
// cluster router in a full deployment, so a cell may land on a node
// other than the one that backed it up; in-process the trunk store is
// the sink.
type CellSink interface {
	NewCellByRawIfNewer(ctx context.Context, id proto.CellID, version proto.Version, raw []byte) (bool, error)
}

type RecoverConfig struct {
	Dirs         []string `json:"dirs"`
	KeepImported bool     `json:"keep_imported"`
	NodeCount    int      `json:"node_count"`
}

// Recover scans every replica directory not yet marked imported and
// replays its trunk files into the sink. Segments recover in parallel
// under one semaphore, cell installs under a second one. A corrupt file
// is logged and skipped; partial recovery is acceptable.
func Recover(ctx context.Context, cfg RecoverConfig, sink CellSink) error {
	span := trace.SpanFromContextSafe(ctx)
	nodeCount := cfg.NodeCount
	if nodeCount < 1 {
		nodeCount = 1
	}
	segWorkers := 10 * nodeCount
	if cpus := runtime.NumCPU(); segWorkers > cpus {
		segWorkers = cpus
	}
	segSem := semaphore.NewWeighted(int64(segWorkers))
	cellSem := semaphore.NewWeighted(int64(runtime.NumCPU()))

	for _, dir := range cfg.Dirs {
		marker := filepath.Join(dir, importedMarker)
		if _, err := os.Stat(marker); err == nil {
			if !cfg.KeepImported {
				os.RemoveAll(dir)
			}
			continue
		}
		files, err := filepath.Glob(filepath.Join(dir, "trunk-*.bak"))
		if err != nil {
			span.Errorf("scan replica dir %s: %s", dir, err)
			continue
		}
		var wg sync.WaitGroup
		for _, path := range files {
			if err := recoverFile(ctx, path, segSem, cellSem, &wg, sink); err != nil {
				span.Errorf("recover %s: %s", path, errors.Detail(err))
			}
		}
		wg.Wait()
		if err := os.WriteFile(marker, nil, 0o644); err != nil {
			span.Errorf("mark %s imported: %s", dir, err)
		}
		if !cfg.KeepImported {
			os.RemoveAll(dir)
		}
		span.Infof("recovered replica dir %s (%d trunk files)", dir, len(files))
	}
	return nil
}

func recoverFile(ctx context.Context, path string, segSem, cellSem *semaphore.Weighted, wg *sync.WaitGroup, sink CellSink) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var hdr [4]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return errors.Info(apierrors.ErrCorruptReplica, path)
	}
	segSize := int64(int32(binary.BigEndian.Uint32(hdr[:])))
	if segSize != trunk.SegmentSize {
		return errors.Info(apierrors.ErrCorruptReplica,
			fmt.Sprintf("%s: segment size %d, want %d", path, segSize, trunk.SegmentSize))
	}
	for segID := 0; ; segID++ {
		if _, err := io.ReadFull(f, hdr[:]); err != nil {
			if err == io.EOF {
				return nil
			}
			return errors.Info(apierrors.ErrCorruptReplica, path)
		}
		head := int64(int32(binary.BigEndian.Uint32(hdr[:])))
		if head < 0 || head > segSize {
			return errors.Info(apierrors.ErrCorruptReplica,
				fmt.Sprintf("%s: append header %d out of bounds", path, head))
		}
		buf := make([]byte, segSize)
		if _, err := io.ReadFull(f, buf); err != nil {
			return errors.Info(apierrors.ErrCorruptReplica, path)
		}
		if err := segSem.Acquire(ctx, 1); err != nil {
			return err
		}
		wg.Add(1)
		go func(path string, segID int, buf []byte, head int64) {
			defer wg.Done()
			defer segSem.Release(1)
			recoverSegment(ctx, path, segID, buf, head, cellSem, sink)
		}(path, segID, buf, head)
	}
}

// recoverSegment walks the append-ordered image header by header and
// installs every normal cell; tombstones are skipped.
func recoverSegment(ctx context.Context, path string, segID int, buf []byte, head int64, cellSem *semaphore.Weighted, sink CellSink) {
	span := trace.SpanFromContextSafe(ctx)
	var inner sync.WaitGroup
	off := int64(0)
	for off < head {
		if head-off < proto.CellHeaderSize {
			span.Errorf("%s seg %d: header truncated at %d", path, segID, off)
			break
		}
		var hdr proto.CellHeader
		hdr.DecodeFrom(buf[off:])
		total := int64(proto.CellHeaderSize) + int64(hdr.Length)
		if off+total > head {
			span.Errorf("%s seg %d: cell at %d runs past append header", path, segID, off)
			break
		}
		switch hdr.Type {
		case proto.CellTypeTombstone:
		case proto.CellTypeNormal:
			raw := make([]byte, total)
			copy(raw, buf[off:off+total])
			id := proto.NewCellID(hdr.Partition, hdr.Hash)
			version := hdr.Version
			if err := cellSem.Acquire(ctx, 1); err != nil {
				inner.Wait()
				return
			}
			inner.Add(1)
			go func() {
				defer inner.Done()
				defer cellSem.Release(1)
				installed, err := sink.NewCellByRawIfNewer(ctx, id, version, raw)
				if err != nil {
					span.Errorf("%s seg %d: install cell %s: %s", path, segID, id, errors.Detail(err))
					return
				}
				if installed {
					metrics.RecoveredCells.Inc()
				}
			}()
		default:
			span.Errorf("%s seg %d: unknown cell type %d at %d", path, segID, hdr.Type, off)
			off = head
			continue
		}
		off += total
	}
	inner.Wait()
}
