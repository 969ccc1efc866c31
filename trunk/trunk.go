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
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/blobstore/util/log"
	"github.com/cubefs/cubefs/util/btree"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
	"github.com/shisoft/nebuchadnezzar/schema"
)

const (
	cellLocksNum    = 1024
	indexShardCount = 64
	dirtyTreeDegree = 32
)

// DirtySpan is a coalesced [Lo, Hi] (inclusive) byte interval mutated
// since the last backup cycle. Spans never cross a segment boundary.
type DirtySpan struct {
	Lo, Hi int64
}

func (d *DirtySpan) Less(than btree.Item) bool {
	return d.Lo < than.(*DirtySpan).Lo
}

func (d *DirtySpan) Copy() btree.Item {
	c := *d
	return &c
}

type indexShard struct {
	mu sync.RWMutex
	m  map[uint64]int64
}

// cellIndex is the authoritative hash -> address map, sharded per
// bucket. Entries are mutated only under the owning per-cell lock or by
// the defragmenter under the segment write lock.
type cellIndex struct {
	shards [indexShardCount]indexShard
}

func (ix *cellIndex) shard(hash uint64) *indexShard {
	return &ix.shards[hash%indexShardCount]
}

func (ix *cellIndex) get(hash uint64) (int64, bool) {
	s := ix.shard(hash)
	s.mu.RLock()
	addr, ok := s.m[hash]
	s.mu.RUnlock()
	return addr, ok
}

// add installs a new entry; it refuses to overwrite.
func (ix *cellIndex) add(hash uint64, addr int64) bool {
	s := ix.shard(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[hash]; ok {
		return false
	}
	s.m[hash] = addr
	return true
}

func (ix *cellIndex) set(hash uint64, addr int64) {
	s := ix.shard(hash)
	s.mu.Lock()
	s.m[hash] = addr
	s.mu.Unlock()
}

// replaceIf moves hash from old to next; the swap is the linearization
// point of a defragmentation move.
func (ix *cellIndex) replaceIf(hash uint64, old, next int64) bool {
	s := ix.shard(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.m[hash]; !ok || cur != old {
		return false
	}
	s.m[hash] = next
	return true
}

func (ix *cellIndex) remove(hash uint64) (int64, bool) {
	s := ix.shard(hash)
	s.mu.Lock()
	defer s.mu.Unlock()
	addr, ok := s.m[hash]
	if ok {
		delete(s.m, hash)
	}
	return addr, ok
}

func (ix *cellIndex) len() int {
	n := 0
	for i := range ix.shards {
		s := &ix.shards[i]
		s.mu.RLock()
		n += len(s.m)
		s.mu.RUnlock()
	}
	return n
}

// Trunk owns a contiguous buffer subdivided into segments, the cell
// index, the per-cell lock stripes, and the dirty-range map feeding the
// durability writer.
type Trunk struct {
	version     uint64 // atomic, monotonic per trunk
	allocCursor uint32 // atomic, round-robin allocation start

	id       int
	buf      []byte
	segments []*Segment
	schemas  *schema.Table

	index     cellIndex
	cellLocks [cellLocksNum]sync.RWMutex

	durability bool
	dirtyMu    sync.Mutex
	dirty      *btree.BTree
	tombstones []int64 // header locations changed to tombstone since last sync

	// demandDefrag is the callback capability handed over by the
	// defragmenter; it compacts this trunk and waits.
	demandDefrag func(ctx context.Context, t *Trunk) error
}

// NewTrunk creates a trunk of size bytes (rounded down to whole
// segments, minimum one).
func NewTrunk(id int, size int64, schemas *schema.Table, durability bool) *Trunk {
	segCount := int(size / SegmentSize)
	if segCount < 1 {
		segCount = 1
	}
	buf := make([]byte, int64(segCount)*SegmentSize)
	t := &Trunk{
		id:         id,
		buf:        buf,
		schemas:    schemas,
		durability: durability,
		dirty:      btree.New(dirtyTreeDegree),
	}
	t.segments = make([]*Segment, segCount)
	for i := 0; i < segCount; i++ {
		t.segments[i] = newSegment(i, int64(i)*SegmentSize, buf)
	}
	log.Infof("created trunk %d with %d segments, %d bytes", id, segCount, len(buf))
	for i := range t.index.shards {
		t.index.shards[i].m = make(map[uint64]int64)
	}
	return t
}

func (t *Trunk) ID() int { return t.id }

func (t *Trunk) Durability() bool { return t.durability }

func (t *Trunk) Segments() []*Segment { return t.segments }

func (t *Trunk) Schemas() *schema.Table { return t.schemas }

func (t *Trunk) CellCount() int { return t.index.len() }

func (t *Trunk) segmentFor(addr int64) *Segment {
	return t.segments[addr/SegmentSize]
}

func (t *Trunk) cellLock(hash uint64) *sync.RWMutex {
	return &t.cellLocks[hash%cellLocksNum]
}

func (t *Trunk) nextVersion() proto.Version {
	return atomic.AddUint64(&t.version, 1)
}

// noteVersion keeps the trunk version counter above any version
// installed through the recovery path.
func (t *Trunk) noteVersion(v proto.Version) {
	for {
		cur := atomic.LoadUint64(&t.version)
		if cur >= v || atomic.CompareAndSwapUint64(&t.version, cur, v) {
			return
		}
	}
}

// acquire finds a segment that can host size bytes, starting from a
// rotating cursor so segments fill evenly. On success the returned
// segment's read lock is HELD; the caller must release it once the
// region's bytes are written. size must already be bounds-checked
// against SegmentSize.
func (t *Trunk) acquire(ctx context.Context, size int64) (*Segment, int64, error) {
	start := int(atomic.AddUint32(&t.allocCursor, 1)) % len(t.segments)
	for i := 0; i < len(t.segments); i++ {
		s := t.segments[(start+i)%len(t.segments)]
		s.lock.RLock()
		if addr, ok := s.tryAcquire(size); ok {
			return s, addr, nil
		}
		s.lock.RUnlock()
	}
	if t.demandDefrag != nil {
		if err := t.demandDefrag(ctx, t); err == nil {
			for i := 0; i < len(t.segments); i++ {
				s := t.segments[(start+i)%len(t.segments)]
				s.lock.RLock()
				if addr, ok := s.tryAcquire(size); ok {
					return s, addr, nil
				}
				s.lock.RUnlock()
			}
		}
	}
	return nil, 0, apierrors.ErrStoreFull
}

// MarkDirty records a mutated byte interval [lo, hi] for the durability
// writer, merging with any interval it touches inside the same segment.
func (t *Trunk) MarkDirty(lo, hi int64) {
	if !t.durability {
		return
	}
	seg := lo / SegmentSize
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()

	newLo, newHi := lo, hi
	var absorbed []*DirtySpan
	// the predecessor may reach into [lo-1, ...]
	t.dirty.DescendLessOrEqual(&DirtySpan{Lo: lo}, func(item btree.Item) bool {
		d := item.(*DirtySpan)
		if d.Hi >= lo-1 && d.Lo/SegmentSize == seg {
			absorbed = append(absorbed, d)
			if d.Lo < newLo {
				newLo = d.Lo
			}
			if d.Hi > newHi {
				newHi = d.Hi
			}
		}
		return false
	})
	t.dirty.AscendGreaterOrEqual(&DirtySpan{Lo: lo + 1}, func(item btree.Item) bool {
		d := item.(*DirtySpan)
		if d.Lo > hi+1 || d.Lo/SegmentSize != seg {
			return false
		}
		absorbed = append(absorbed, d)
		if d.Hi > newHi {
			newHi = d.Hi
		}
		return true
	})
	for _, d := range absorbed {
		t.dirty.Delete(d)
	}
	t.dirty.ReplaceOrInsert(&DirtySpan{Lo: newLo, Hi: newHi})
}

func (t *Trunk) noteTombstone(loc int64) {
	if !t.durability {
		return
	}
	t.dirtyMu.Lock()
	t.tombstones = append(t.tombstones, loc)
	t.dirtyMu.Unlock()
}

// SnapshotDirtyState atomically snapshots the per-segment append heads
// (relative to segment base) and drains the dirty spans and tombstone
// locations accumulated so far. Mutations that land after the snapshot
// re-enter the map and ship next cycle.
func (t *Trunk) SnapshotDirtyState() (heads []int64, spans []DirtySpan, tombs []int64) {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	heads = make([]int64, len(t.segments))
	for i, s := range t.segments {
		heads[i] = s.AppendHeadValue()
	}
	spans = make([]DirtySpan, 0, t.dirty.Len())
	t.dirty.Ascend(func(item btree.Item) bool {
		spans = append(spans, *item.(*DirtySpan))
		return true
	})
	t.dirty = btree.New(dirtyTreeDegree)
	tombs = t.tombstones
	t.tombstones = nil
	return heads, spans, tombs
}

// DirtySpans returns the pending spans without draining them.
func (t *Trunk) DirtySpans() []DirtySpan {
	t.dirtyMu.Lock()
	defer t.dirtyMu.Unlock()
	spans := make([]DirtySpan, 0, t.dirty.Len())
	t.dirty.Ascend(func(item btree.Item) bool {
		spans = append(spans, *item.(*DirtySpan))
		return true
	})
	return spans
}

// CopyBytes copies [addr, addr+n) out of the trunk buffer.
func (t *Trunk) CopyBytes(dst []byte, addr, n int64) {
	copy(dst, t.buf[addr:addr+n])
}

// ResetIndex drops every index entry. Test hook simulating a crashed
// node whose memory is gone but whose replicas survive.
func (t *Trunk) ResetIndex() {
	for i := range t.index.shards {
		s := &t.index.shards[i]
		s.mu.Lock()
		s.m = make(map[uint64]int64)
		s.mu.Unlock()
	}
}
