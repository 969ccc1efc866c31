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
	"sync"
	"sync/atomic"

	"github.com/cubefs/cubefs/util/btree"
)

// SegmentSize is a process-wide constant. Trunk sizes are rounded down
// to a multiple of it.
const SegmentSize = 8 * 1024 * 1024

const fragTreeDegree = 32

// fragSpan is a dead interval [Lo, Hi] (inclusive) inside a segment.
type fragSpan struct {
	Lo, Hi int64
}

func (f *fragSpan) Less(than btree.Item) bool {
	return f.Lo < than.(*fragSpan).Lo
}

func (f *fragSpan) Copy() btree.Item {
	c := *f
	return &c
}

// Segment is a fixed-size slab of its trunk's buffer. The append head
// and dead-byte counter are advanced atomically; the RW lock arbitrates
// between foreground byte writers (readers of the lock) and the
// defragmenter (the only writer of the lock).
type Segment struct {
	appendHead int64 // absolute offset into the trunk buffer, atomic
	deadBytes  int64 // atomic

	id   int
	base int64
	buf  []byte

	lock sync.RWMutex

	fragMu sync.Mutex
	frags  *btree.BTree
}

func newSegment(id int, base int64, buf []byte) *Segment {
	s := &Segment{
		id:    id,
		base:  base,
		buf:   buf,
		frags: btree.New(fragTreeDegree),
	}
	atomic.StoreInt64(&s.appendHead, base)
	return s
}

func (s *Segment) ID() int { return s.id }

func (s *Segment) Base() int64 { return s.base }

func (s *Segment) Bound() int64 { return s.base + SegmentSize }

func (s *Segment) AppendHead() int64 {
	return atomic.LoadInt64(&s.appendHead)
}

// AppendHeadValue is the durability windowing snapshot: the used prefix
// length relative to the segment base.
func (s *Segment) AppendHeadValue() int64 {
	return s.AppendHead() - s.base
}

func (s *Segment) UsedBytes() int64 {
	return s.AppendHead() - s.base
}

func (s *Segment) DeadBytes() int64 {
	return atomic.LoadInt64(&s.deadBytes)
}

// tryAcquire bumps the append head by size if it fits. The caller must
// hold the segment read lock and keep holding it until the acquired
// region's bytes are fully written.
func (s *Segment) tryAcquire(size int64) (int64, bool) {
	for {
		curr := atomic.LoadInt64(&s.appendHead)
		next := curr + size
		if next > s.Bound() {
			return 0, false
		}
		if atomic.CompareAndSwapInt64(&s.appendHead, curr, next) {
			return curr, true
		}
	}
}

func (s *Segment) AddFragment(lo, hi int64) {
	s.fragMu.Lock()
	s.frags.ReplaceOrInsert(&fragSpan{Lo: lo, Hi: hi})
	s.fragMu.Unlock()
}

func (s *Segment) IncDead(n int64) {
	atomic.AddInt64(&s.deadBytes, n)
}

func (s *Segment) DecDead(n int64) {
	atomic.AddInt64(&s.deadBytes, -n)
}

func (s *Segment) FragmentCount() int {
	s.fragMu.Lock()
	defer s.fragMu.Unlock()
	return s.frags.Len()
}

// setAppendHead rewinds the bump pointer after a compaction pass. Only
// the defragmenter calls it, under the segment write lock.
func (s *Segment) setAppendHead(addr int64) {
	atomic.StoreInt64(&s.appendHead, addr)
}

// resetReclaimed clears the dead accounting after a compaction pass.
// Only the defragmenter calls it, under the segment write lock.
func (s *Segment) resetReclaimed() {
	atomic.StoreInt64(&s.deadBytes, 0)
	s.fragMu.Lock()
	s.frags = btree.New(fragTreeDegree)
	s.fragMu.Unlock()
}

// AliveRatio is 1 - dead/used; an untouched segment counts as fully
// alive.
func (s *Segment) AliveRatio() float64 {
	used := s.UsedBytes()
	if used == 0 {
		return 1
	}
	return 1 - float64(s.DeadBytes())/float64(used)
}

// fillZero wipes [lo, hi) of the segment content area.
func (s *Segment) fillZero(lo, hi int64) {
	z := s.buf[lo:hi]
	for i := range z {
		z[i] = 0
	}
}
