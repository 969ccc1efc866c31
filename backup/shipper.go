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
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/shisoft/nebuchadnezzar/metrics"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/trunk"
	"github.com/shisoft/nebuchadnezzar/util"
	"github.com/shisoft/nebuchadnezzar/util/limiter"
)

const (
	defaultBacksyncInterval = 10 * time.Second
	defaultQueueDepth       = 256
	defaultWriters          = 2
)

type Config struct {
	// Dirs are the replica targets; the first Replication entries are
	// used, one replica file set per target.
	Dirs         []string `json:"dirs"`
	Replication  int      `json:"replication"`
	AutoBacksync bool     `json:"auto_backsync"`
	IntervalMS   int      `json:"interval_ms"`
	QueueDepth   int      `json:"queue_depth"`

	WriteConcurrency int `json:"write_concurrency"`
	WriteMBPS        int `json:"write_mbps"`
}

// syncMsg is one segment image update (or tombstone sync) bound for
// every replica target. data is nil for a head-only update.
type syncMsg struct {
	trunkID    int
	segID      int
	appendHead int64
	offset     int64
	data       []byte
	wg         *sync.WaitGroup
}

// Shipper snapshots dirty ranges on its producer side and applies them
// to replica files through a bounded queue, keeping file IO off the
// foreground path.
type Shipper struct {
	trunks  []*trunk.Trunk
	cfg     Config
	targets []string

	lim   limiter.Limiter
	queue chan *syncMsg
	tp    taskpool.TaskPool

	filesMu sync.Mutex
	files   map[string]*ReplicaFile

	headsMu   sync.Mutex
	lastHeads [][]int64

	stopC    chan struct{}
	loopWG   sync.WaitGroup
	drainWG  sync.WaitGroup
	stopOnce sync.Once
}

func NewShipper(trunks []*trunk.Trunk, cfg Config) (*Shipper, error) {
	if cfg.Replication < 1 {
		cfg.Replication = 1
	}
	if len(cfg.Dirs) < cfg.Replication {
		return nil, errors.New(fmt.Sprintf("need %d replica dirs, have %d", cfg.Replication, len(cfg.Dirs)))
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.WriteConcurrency <= 0 {
		cfg.WriteConcurrency = defaultWriters
	}
	targets := cfg.Dirs[:cfg.Replication]
	for _, dir := range targets {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	s := &Shipper{
		trunks:  trunks,
		cfg:     cfg,
		targets: targets,
		lim: limiter.NewLimiter(limiter.LimitConfig{
			WriteConcurrency: cfg.WriteConcurrency,
			WriteMBPS:        cfg.WriteMBPS,
		}),
		queue: make(chan *syncMsg, cfg.QueueDepth),
		tp:    taskpool.New(cfg.WriteConcurrency, cfg.WriteConcurrency),
		files: make(map[string]*ReplicaFile),
		stopC: make(chan struct{}),
	}
	s.lastHeads = make([][]int64, len(trunks))
	for i, t := range trunks {
		s.lastHeads[i] = make([]int64, len(t.Segments()))
		for j := range s.lastHeads[i] {
			s.lastHeads[i][j] = -1
		}
	}
	s.drainWG.Add(1)
	go s.consume()
	return s, nil
}

// Start launches the timer-driven backup loop, one worker per trunk.
func (s *Shipper) Start() {
	if !s.cfg.AutoBacksync {
		return
	}
	interval := defaultBacksyncInterval
	if s.cfg.IntervalMS > 0 {
		interval = time.Duration(s.cfg.IntervalMS) * time.Millisecond
	}
	for _, t := range s.trunks {
		t := t
		s.loopWG.Add(1)
		go func() {
			defer s.loopWG.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-s.stopC:
					return
				case <-ticker.C:
				}
				span, ctx := trace.StartSpanFromContext(context.Background(), "backsync")
				if err := s.SyncTrunk(ctx, t); err != nil {
					span.Errorf("backsync trunk %d: %s", t.ID(), errors.Detail(err))
				}
				span.Finish()
			}
		}()
	}
}

func (s *Shipper) Close() {
	s.stopOnce.Do(func() { close(s.stopC) })
	s.loopWG.Wait()
	close(s.queue)
	s.drainWG.Wait()
	s.tp.Close()
	s.filesMu.Lock()
	for _, f := range s.files {
		f.Close()
	}
	s.files = nil
	s.filesMu.Unlock()
}

func (s *Shipper) consume() {
	defer s.drainWG.Done()
	for msg := range s.queue {
		msg := msg
		s.tp.Run(func() { s.apply(msg) })
	}
}

func (s *Shipper) apply(msg *syncMsg) {
	defer msg.wg.Done()
	if msg.data != nil {
		defer util.PutBuffer(msg.data)
	}
	if err := s.lim.AcquireWrite(); err == nil {
		defer s.lim.ReleaseWrite()
	}
	if len(msg.data) > 0 {
		// pacing only; the limiter's writer never touches the
		// underlying when waiting
		s.lim.Writer(context.Background(), nil).WaitN(len(msg.data))
	}
	for _, dir := range s.targets {
		rf, err := s.file(dir, msg.trunkID)
		if err != nil {
			trace.SpanFromContextSafe(context.Background()).
				Errorf("open replica %s trunk %d: %s", dir, msg.trunkID, errors.Detail(err))
			continue
		}
		if err := rf.ApplyUpdate(msg.segID, msg.appendHead, msg.offset, msg.data); err != nil {
			trace.SpanFromContextSafe(context.Background()).
				Errorf("apply update to %s trunk %d seg %d: %s", dir, msg.trunkID, msg.segID, errors.Detail(err))
		}
	}
}

func (s *Shipper) file(dir string, trunkID int) (*ReplicaFile, error) {
	key := fmt.Sprintf("%s/%d", dir, trunkID)
	s.filesMu.Lock()
	defer s.filesMu.Unlock()
	if rf, ok := s.files[key]; ok {
		return rf, nil
	}
	rf, err := OpenReplicaFile(ReplicaFilePath(dir, trunkID), trunk.SegmentSize)
	if err != nil {
		return nil, err
	}
	s.files[key] = rf
	return rf, nil
}

// SyncTrunk runs one backup cycle for the trunk: snapshot append heads,
// drain dirty ranges and tombstone locations, ship the images and wait
// until every message is applied.
func (s *Shipper) SyncTrunk(ctx context.Context, t *trunk.Trunk) error {
	span := trace.SpanFromContextSafe(ctx)
	heads, spans, tombs := t.SnapshotDirtyState()

	var wg sync.WaitGroup
	var msgs []*syncMsg
	covered := make(map[int]bool, len(heads))

	addMsg := func(segID int, lo, hi int64) {
		segBase := int64(segID) * trunk.SegmentSize
		bound := segBase + heads[segID]
		if lo >= bound {
			return
		}
		if hi >= bound {
			hi = bound - 1
		}
		n := hi - lo + 1
		buf := util.GetBuffer(int(n))
		t.CopyBytes(buf, lo, n)
		msgs = append(msgs, &syncMsg{
			trunkID:    t.ID(),
			segID:      segID,
			appendHead: heads[segID],
			offset:     lo - segBase,
			data:       buf,
			wg:         &wg,
		})
		covered[segID] = true
	}

	if !t.Durability() {
		// without dirty tracking the whole used prefix is the image
		for segID, head := range heads {
			if head > 0 {
				addMsg(segID, int64(segID)*trunk.SegmentSize, int64(segID)*trunk.SegmentSize+head-1)
			}
		}
	} else {
		for _, sp := range spans {
			addMsg(int(sp.Lo/trunk.SegmentSize), sp.Lo, sp.Hi)
		}
		for _, loc := range tombs {
			addMsg(int(loc/trunk.SegmentSize), loc, loc+proto.CellHeaderSize-1)
		}
	}
	// a changed append head is shipped even with no dirty bytes, so the
	// recovery walk window stays correct after a compaction
	s.headsMu.Lock()
	last := s.lastHeads[s.trunkSlot(t)]
	for segID, head := range heads {
		if !covered[segID] && head != last[segID] {
			msgs = append(msgs, &syncMsg{
				trunkID:    t.ID(),
				segID:      segID,
				appendHead: head,
				wg:         &wg,
			})
		}
	}
	copy(last, heads)
	s.headsMu.Unlock()

	wg.Add(len(msgs))
	for _, msg := range msgs {
		select {
		case s.queue <- msg:
		case <-ctx.Done():
			wg.Done()
			if msg.data != nil {
				util.PutBuffer(msg.data)
			}
		}
	}
	wg.Wait()
	metrics.BackupCycles.Inc()
	span.Debugf("synced trunk %d: %d updates", t.ID(), len(msgs))
	return nil
}

// SyncAll runs one cycle over every trunk.
func (s *Shipper) SyncAll(ctx context.Context) error {
	var firstErr error
	for _, t := range s.trunks {
		if err := s.SyncTrunk(ctx, t); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Shipper) trunkSlot(t *trunk.Trunk) int {
	for i, cand := range s.trunks {
		if cand == t {
			return i
		}
	}
	return t.ID()
}
