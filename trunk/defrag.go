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
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"golang.org/x/sync/singleflight"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/metrics"
	"github.com/shisoft/nebuchadnezzar/proto"
)

// DefragThreshold is the process-wide alive-ratio floor below which a
// segment is compacted by the background loop.
const DefragThreshold = 0.7

const defaultDefragInterval = 10 * time.Second

type DefragConfig struct {
	IntervalMS int `json:"interval_ms"`
}

// Defragmenter runs one cooperative compaction loop over a set of
// trunks. Segments within a trunk are processed serially; at most one
// compaction runs per segment because compaction holds the segment
// write lock.
type Defragmenter struct {
	trunks   []*Trunk
	interval time.Duration

	sf     singleflight.Group
	stopC  chan struct{}
	stopWG sync.WaitGroup
	once   sync.Once
}

func NewDefragmenter(trunks []*Trunk, cfg DefragConfig) *Defragmenter {
	interval := defaultDefragInterval
	if cfg.IntervalMS > 0 {
		interval = time.Duration(cfg.IntervalMS) * time.Millisecond
	}
	d := &Defragmenter{
		trunks:   trunks,
		interval: interval,
		stopC:    make(chan struct{}),
	}
	for _, t := range trunks {
		t.demandDefrag = d.Demand
	}
	return d
}

func (d *Defragmenter) Start() {
	d.stopWG.Add(1)
	go d.loop()
}

func (d *Defragmenter) Close() {
	d.once.Do(func() { close(d.stopC) })
	d.stopWG.Wait()
}

func (d *Defragmenter) loop() {
	defer d.stopWG.Done()
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopC:
			return
		case <-ticker.C:
		}
		span, ctx := trace.StartSpanFromContext(context.Background(), "defrag")
		for _, t := range d.trunks {
			select {
			case <-d.stopC:
				span.Finish()
				return
			default:
			}
			if err := d.compactTrunk(ctx, t, DefragThreshold); err != nil {
				span.Errorf("compact trunk %d: %s", t.ID(), errors.Detail(err))
			}
		}
		span.Finish()
	}
}

// Demand compacts the trunk on behalf of an allocator that ran out of
// space, deduplicating concurrent requests for the same trunk.
func (d *Defragmenter) Demand(ctx context.Context, t *Trunk) error {
	_, err, _ := d.sf.Do(fmt.Sprintf("trunk-%d", t.ID()), func() (interface{}, error) {
		// on demand, any reclaimable space is worth compacting
		return nil, d.compactTrunk(ctx, t, 1.0)
	})
	return err
}

func (d *Defragmenter) compactTrunk(ctx context.Context, t *Trunk, minAlive float64) error {
	var firstErr error
	var dead int64
	for _, s := range t.segments {
		if s.DeadBytes() == 0 || s.AliveRatio() >= minAlive {
			dead += s.DeadBytes()
			continue
		}
		if err := compactSegment(ctx, t, s); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		metrics.DefragRuns.Inc()
		dead += s.DeadBytes()
	}
	metrics.DeadBytes.WithLabelValues(fmt.Sprintf("%d", t.ID())).Set(float64(dead))
	return firstErr
}

// compactSegment slides every live cell of the segment down over its
// dead space. The segment write lock keeps allocators and byte readers
// out; per-cell locks are not taken because the index swap is the
// linearization point of each move.
func compactSegment(ctx context.Context, t *Trunk, s *Segment) error {
	span := trace.SpanFromContextSafe(ctx)
	s.lock.Lock()
	defer s.lock.Unlock()

	head := s.AppendHead()
	cursor := s.Base()
	dest := s.Base()
	for cursor < head {
		// a recorded fragment starting here (a deleted cell, or the tail an
		// in-place shrink left behind) is skipped whole
		s.fragMu.Lock()
		frag := s.frags.Get(&fragSpan{Lo: cursor})
		s.fragMu.Unlock()
		if frag != nil {
			cursor = frag.(*fragSpan).Hi + 1
			continue
		}
		if head-cursor < proto.CellHeaderSize {
			return errors.Info(apierrors.ErrCorruptReplica,
				fmt.Sprintf("segment %d: header truncated at %d", s.ID(), cursor))
		}
		hdr := readHeaderAt(t.buf, cursor)
		total := int64(proto.CellHeaderSize) + int64(hdr.Length)
		if cursor+total > head {
			return errors.Info(apierrors.ErrCorruptReplica,
				fmt.Sprintf("segment %d: cell at %d runs past append head", s.ID(), cursor))
		}
		switch hdr.Type {
		case proto.CellTypeTombstone:
			// reclaim
		case proto.CellTypeNormal:
			if addr, ok := t.index.get(hdr.Hash); ok && addr == cursor {
				if dest != cursor {
					copy(t.buf[dest:dest+total], t.buf[cursor:cursor+total])
					t.index.replaceIf(hdr.Hash, cursor, dest)
					t.MarkDirty(dest, dest+total-1)
				}
				dest += total
			}
			// a mismatched address is stale residue from a relocation
		default:
			return errors.Info(apierrors.ErrCorruptReplica,
				fmt.Sprintf("segment %d: unknown cell type %d at %d", s.ID(), hdr.Type, cursor))
		}
		cursor += total
	}
	if dest < head {
		s.fillZero(dest, head)
	}
	s.setAppendHead(dest)
	s.resetReclaimed()
	span.Debugf("compacted segment %d of trunk %d: head %d -> %d", s.ID(), t.ID(), head, dest)
	return nil
}
