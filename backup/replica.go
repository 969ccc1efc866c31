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
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
)

// Replica file layout, all widths big-endian:
//
//	int32 segment_size
//	per segment, at fixed offsets:
//	    int32 seg_append_header
//	    segment_size bytes of content
const replicaHeaderSize = 4

func ReplicaFileName(trunkID int) string {
	return fmt.Sprintf("trunk-%d.bak", trunkID)
}

func ReplicaFilePath(dir string, trunkID int) string {
	return filepath.Join(dir, ReplicaFileName(trunkID))
}

// ReplicaFile is the receiver side of the durability pipeline: it maps
// segment image updates onto their fixed offsets and flushes after
// every applied message.
type ReplicaFile struct {
	mu      sync.Mutex
	f       *os.File
	segSize int64
}

func OpenReplicaFile(path string, segSize int64) (*ReplicaFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	var hdr [replicaHeaderSize]byte
	if st.Size() == 0 {
		binary.BigEndian.PutUint32(hdr[:], uint32(segSize))
		if _, err := f.WriteAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, err
		}
	} else {
		if _, err := f.ReadAt(hdr[:], 0); err != nil {
			f.Close()
			return nil, err
		}
		if got := int64(int32(binary.BigEndian.Uint32(hdr[:]))); got != segSize {
			f.Close()
			return nil, errors.Info(apierrors.ErrCorruptReplica,
				fmt.Sprintf("%s: segment size %d, want %d", path, got, segSize))
		}
	}
	return &ReplicaFile{f: f, segSize: segSize}, nil
}

func (r *ReplicaFile) recordOffset(segID int) int64 {
	return replicaHeaderSize + int64(segID)*(4+r.segSize)
}

// ApplyUpdate writes the segment's append header and, when data is
// present, the byte range at offset (relative to the segment base).
func (r *ReplicaFile) ApplyUpdate(segID int, appendHead int64, offset int64, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec := r.recordOffset(segID)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(appendHead))
	if _, err := r.f.WriteAt(hdr[:], rec); err != nil {
		return err
	}
	if len(data) > 0 {
		if _, err := r.f.WriteAt(data, rec+4+offset); err != nil {
			return err
		}
	}
	// every record spans a full segment_size of content, so a reader can
	// take whole records even for the last, partly written segment
	st, err := r.f.Stat()
	if err != nil {
		return err
	}
	if end := rec + 4 + r.segSize; st.Size() < end {
		if err := r.f.Truncate(end); err != nil {
			return err
		}
	}
	return r.f.Sync()
}

func (r *ReplicaFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}
