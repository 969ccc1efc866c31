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

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/metrics"
	"github.com/shisoft/nebuchadnezzar/proto"
)

// UpdateFunc transforms a decoded cell value. Implementations are
// registered by symbol in the store's function registry so updates can
// be forwarded across the cluster by name.
type UpdateFunc func(value proto.Value, args ...interface{}) (proto.Value, error)

// withCellBytes runs fn against the cell's current address with the
// owning segment's read lock held, so the defragmenter cannot move the
// bytes underneath. The caller holds the per-cell lock; the address is
// re-checked after the segment lock is taken because a compaction may
// slide the cell between the index lookup and the lock acquisition.
func (t *Trunk) withCellBytes(hash uint64, fn func(s *Segment, addr int64) error) error {
	for {
		addr, ok := t.index.get(hash)
		if !ok {
			return apierrors.ErrCellDoesNotExist
		}
		s := t.segmentFor(addr)
		s.lock.RLock()
		cur, ok := t.index.get(hash)
		if !ok {
			s.lock.RUnlock()
			return apierrors.ErrCellDoesNotExist
		}
		if cur != addr {
			s.lock.RUnlock()
			continue
		}
		err := fn(s, addr)
		s.lock.RUnlock()
		return err
	}
}

// rollbackAcquire returns a reserved region to its segment after a
// failed write. The caller still holds the segment read lock.
func rollbackAcquire(s *Segment, addr, size int64) {
	s.AddFragment(addr, addr+size-1)
	s.IncDead(size)
}

func opResult(op string, err error) error {
	result := "ok"
	if err != nil {
		result = "err"
	}
	metrics.CellOps.WithLabelValues(op, result).Inc()
	return err
}

// NewCell allocates, encodes and indexes a fresh cell.
func (t *Trunk) NewCell(ctx context.Context, id proto.CellID, schemaID proto.SchemaID, value proto.Value) error {
	return opResult("new", t.newCell(ctx, id, schemaID, value))
}

func (t *Trunk) newCell(ctx context.Context, id proto.CellID, schemaID proto.SchemaID, value proto.Value) error {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.Lock()
	defer lk.Unlock()

	if _, ok := t.index.get(hash); ok {
		return apierrors.ErrCellAlreadyExists
	}
	sch, err := t.schemas.Get(schemaID)
	if err != nil {
		return err
	}
	bodyLen, err := measureBody(t.schemas, sch, value)
	if err != nil {
		return err
	}
	total := proto.CellHeaderSize + bodyLen
	if total > SegmentSize {
		return apierrors.ErrObjectTooLarge
	}
	s, addr, err := t.acquire(ctx, total)
	if err != nil {
		return err
	}
	hdr := proto.CellHeader{
		Hash:      hash,
		Partition: id.Partition(),
		SchemaID:  schemaID,
		Type:      proto.CellTypeNormal,
		Version:   t.nextVersion(),
	}
	if _, err := writeCell(t.schemas, t.buf, addr, sch, &hdr, value); err != nil {
		rollbackAcquire(s, addr, total)
		s.lock.RUnlock()
		return err
	}
	// index insertion follows the codec write, while the segment lock
	// still keeps the defragmenter out
	t.index.add(hash, addr)
	s.lock.RUnlock()
	t.MarkDirty(addr, addr+total-1)
	return nil
}

// ReadCell decodes the cell into a map carrying the reserved *schema*
// and *hash* keys.
func (t *Trunk) ReadCell(ctx context.Context, id proto.CellID) (proto.Value, error) {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.RLock()
	defer lk.RUnlock()

	var value proto.Value
	err := t.withCellBytes(hash, func(s *Segment, addr int64) (err error) {
		value, err = readCellAt(t.schemas, t.buf, addr)
		return err
	})
	return value, opResult("read", err)
}

// HeadCell returns the parsed header without decoding the body.
func (t *Trunk) HeadCell(ctx context.Context, id proto.CellID) (proto.CellHeader, error) {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.RLock()
	defer lk.RUnlock()

	var hdr proto.CellHeader
	err := t.withCellBytes(hash, func(s *Segment, addr int64) error {
		hdr = readHeaderAt(t.buf, addr)
		return nil
	})
	return hdr, err
}

// ContainsCell reports whether the hash is indexed.
func (t *Trunk) ContainsCell(id proto.CellID) bool {
	_, ok := t.index.get(id.Hash())
	return ok
}

// CellAddr exposes the indexed address of a cell. Primarily a test and
// stats hook; the address is only stable while the cell's lock is held.
func (t *Trunk) CellAddr(id proto.CellID) (int64, bool) {
	return t.index.get(id.Hash())
}

// ReplaceCell rewrites a cell with a new value. Shrinking rewrites in
// place and fragments the tail; growing relocates and tombstones the
// old bytes.
func (t *Trunk) ReplaceCell(ctx context.Context, id proto.CellID, value proto.Value) error {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.Lock()
	defer lk.Unlock()
	return opResult("replace", t.replaceLocked(ctx, id, value))
}

func (t *Trunk) replaceLocked(ctx context.Context, id proto.CellID, value proto.Value) error {
	hash := id.Hash()

	type oldCell struct {
		addr    int64
		version proto.Version
		schema  proto.SchemaID
		bodyLen int64
	}
	var old oldCell
	inPlace := false
	err := t.withCellBytes(hash, func(s *Segment, addr int64) error {
		hdr := readHeaderAt(t.buf, addr)
		sch, err := t.schemas.Get(hdr.SchemaID)
		if err != nil {
			return err
		}
		oldLen, err := storedBodyLen(t.schemas, t.buf, addr+proto.CellHeaderSize, sch)
		if err != nil {
			return err
		}
		newLen, err := measureBody(t.schemas, sch, value)
		if err != nil {
			return err
		}
		if proto.CellHeaderSize+newLen > SegmentSize {
			return apierrors.ErrObjectTooLarge
		}
		old = oldCell{addr: addr, version: hdr.Version, schema: hdr.SchemaID, bodyLen: oldLen}
		if newLen > oldLen {
			return nil // grow path continues below, outside this segment lock
		}
		inPlace = true
		newHdr := proto.CellHeader{
			Hash:      hash,
			Partition: id.Partition(),
			SchemaID:  hdr.SchemaID,
			Type:      proto.CellTypeNormal,
			Version:   t.nextVersion(),
		}
		if _, err := writeCell(t.schemas, t.buf, addr, sch, &newHdr, value); err != nil {
			return err
		}
		if newLen < oldLen {
			s.AddFragment(addr+proto.CellHeaderSize+newLen, addr+proto.CellHeaderSize+oldLen-1)
			s.IncDead(oldLen - newLen)
		}
		t.MarkDirty(addr, addr+proto.CellHeaderSize+newLen-1)
		return nil
	})
	if err != nil || inPlace {
		return err
	}

	// grow: write the new copy first so a failed allocation leaves the
	// old cell untouched
	sch, err := t.schemas.Get(old.schema)
	if err != nil {
		return err
	}
	newLen, err := measureBody(t.schemas, sch, value)
	if err != nil {
		return err
	}
	total := proto.CellHeaderSize + newLen
	s2, newAddr, err := t.acquire(ctx, total)
	if err != nil {
		return err
	}
	hdr := proto.CellHeader{
		Hash:      hash,
		Partition: id.Partition(),
		SchemaID:  old.schema,
		Type:      proto.CellTypeNormal,
		Version:   t.nextVersion(),
	}
	if _, err := writeCell(t.schemas, t.buf, newAddr, sch, &hdr, value); err != nil {
		rollbackAcquire(s2, newAddr, total)
		s2.lock.RUnlock()
		return err
	}
	t.index.set(hash, newAddr)
	s2.lock.RUnlock()
	t.MarkDirty(newAddr, newAddr+total-1)
	t.tombstoneResidue(old.addr, hash, old.version, old.bodyLen)
	return nil
}

// tombstoneResidue marks a superseded cell location dead. The bytes are
// verified to still hold the expected cell because a compaction may
// already have recycled the region.
func (t *Trunk) tombstoneResidue(addr int64, hash uint64, version proto.Version, bodyLen int64) {
	s := t.segmentFor(addr)
	s.lock.RLock()
	defer s.lock.RUnlock()
	hdr := readHeaderAt(t.buf, addr)
	if hdr.Hash != hash || hdr.Type != proto.CellTypeNormal || hdr.Version != version {
		return
	}
	hdr.Type = proto.CellTypeTombstone
	hdr.Length = uint32(bodyLen)
	hdr.EncodeTo(t.buf[addr:])
	s.IncDead(proto.CellHeaderSize + bodyLen)
	s.AddFragment(addr, addr+proto.CellHeaderSize+bodyLen-1)
	t.noteTombstone(addr)
	t.MarkDirty(addr, addr+proto.CellHeaderSize-1)
}

// UpdateCell reads the cell, applies fn under the cell's write lock and
// replaces the stored value with the result.
func (t *Trunk) UpdateCell(ctx context.Context, id proto.CellID, fn UpdateFunc, args ...interface{}) (proto.Value, error) {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.Lock()
	defer lk.Unlock()

	var current proto.Value
	err := t.withCellBytes(hash, func(s *Segment, addr int64) (err error) {
		current, err = readCellAt(t.schemas, t.buf, addr)
		return err
	})
	if err != nil {
		return nil, opResult("update", err)
	}
	next, err := fn(current, args...)
	if err != nil {
		return nil, opResult("update", err)
	}
	if err := t.replaceLocked(ctx, id, next); err != nil {
		return nil, opResult("update", err)
	}
	return next, opResult("update", nil)
}

// DeleteCell writes a tombstone over the header, removes the index
// entry and credits the whole cell as dead.
func (t *Trunk) DeleteCell(ctx context.Context, id proto.CellID) error {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.Lock()
	defer lk.Unlock()

	err := t.withCellBytes(hash, func(s *Segment, addr int64) error {
		hdr := readHeaderAt(t.buf, addr)
		sch, err := t.schemas.Get(hdr.SchemaID)
		if err != nil {
			return err
		}
		bodyLen, err := storedBodyLen(t.schemas, t.buf, addr+proto.CellHeaderSize, sch)
		if err != nil {
			return err
		}
		hdr.Type = proto.CellTypeTombstone
		hdr.Length = uint32(bodyLen)
		hdr.EncodeTo(t.buf[addr:])
		t.index.remove(hash)
		s.IncDead(proto.CellHeaderSize + bodyLen)
		s.AddFragment(addr, addr+proto.CellHeaderSize+bodyLen-1)
		t.noteTombstone(addr)
		t.MarkDirty(addr, addr+proto.CellHeaderSize-1)
		return nil
	})
	return opResult("delete", err)
}

// GetInCell decodes only the leaf the path points at.
func (t *Trunk) GetInCell(ctx context.Context, id proto.CellID, path ...interface{}) (interface{}, error) {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.RLock()
	defer lk.RUnlock()

	var value interface{}
	err := t.withCellBytes(hash, func(s *Segment, addr int64) (err error) {
		value, err = getInAt(t.schemas, t.buf, addr, path)
		return err
	})
	return value, err
}

// SelectKeysFromCell decodes only the named top-level fields.
func (t *Trunk) SelectKeysFromCell(ctx context.Context, id proto.CellID, keys ...string) (proto.Value, error) {
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.RLock()
	defer lk.RUnlock()

	var value proto.Value
	err := t.withCellBytes(hash, func(s *Segment, addr int64) (err error) {
		value, err = selectKeysAt(t.schemas, t.buf, addr, keys)
		return err
	})
	return value, err
}

// NewCellByRawIfNewer is the recovery path: install pre-encoded cell
// bytes unless an equal-or-newer version is already indexed.
func (t *Trunk) NewCellByRawIfNewer(ctx context.Context, id proto.CellID, version proto.Version, raw []byte) (bool, error) {
	if len(raw) < proto.CellHeaderSize {
		return false, apierrors.ErrCorruptReplica
	}
	var hdr proto.CellHeader
	hdr.DecodeFrom(raw)
	if int(hdr.Length)+proto.CellHeaderSize != len(raw) {
		return false, apierrors.ErrCorruptReplica
	}
	total := int64(len(raw))
	if total > SegmentSize {
		return false, apierrors.ErrObjectTooLarge
	}
	hash := id.Hash()
	lk := t.cellLock(hash)
	lk.Lock()
	defer lk.Unlock()

	type existing struct {
		addr    int64
		version proto.Version
		bodyLen int64
	}
	var prev *existing
	if _, ok := t.index.get(hash); ok {
		newer := false
		err := t.withCellBytes(hash, func(s *Segment, addr int64) error {
			stored := readHeaderAt(t.buf, addr)
			if stored.Version >= version {
				newer = true
				return nil
			}
			sch, err := t.schemas.Get(stored.SchemaID)
			if err != nil {
				return err
			}
			bodyLen, err := storedBodyLen(t.schemas, t.buf, addr+proto.CellHeaderSize, sch)
			if err != nil {
				return err
			}
			prev = &existing{addr: addr, version: stored.Version, bodyLen: bodyLen}
			return nil
		})
		if err != nil {
			return false, err
		}
		if newer {
			return false, nil
		}
	}
	s, addr, err := t.acquire(ctx, total)
	if err != nil {
		return false, err
	}
	copy(t.buf[addr:addr+total], raw)
	t.index.set(hash, addr)
	s.lock.RUnlock()
	t.MarkDirty(addr, addr+total-1)
	t.noteVersion(version)
	if prev != nil {
		t.tombstoneResidue(prev.addr, hash, prev.version, prev.bodyLen)
	}
	return true, nil
}
