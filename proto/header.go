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

package proto

import "encoding/binary"

type CellType uint8

const (
	CellTypeNormal    CellType = 1
	CellTypeTombstone CellType = 2
)

// CellHeaderSize is the fixed on-memory and on-replica header length:
// hash u64 | partition u64 | schema u32 | length u32 | type u8 | version u64,
// all big-endian.
const CellHeaderSize = 33

type CellHeader struct {
	Hash      uint64
	Partition uint64
	SchemaID  SchemaID
	Length    uint32
	Type      CellType
	Version   Version
}

func (h *CellHeader) EncodeTo(b []byte) {
	binary.BigEndian.PutUint64(b[0:8], h.Hash)
	binary.BigEndian.PutUint64(b[8:16], h.Partition)
	binary.BigEndian.PutUint32(b[16:20], h.SchemaID)
	binary.BigEndian.PutUint32(b[20:24], h.Length)
	b[24] = byte(h.Type)
	binary.BigEndian.PutUint64(b[25:33], h.Version)
}

func (h *CellHeader) DecodeFrom(b []byte) {
	h.Hash = binary.BigEndian.Uint64(b[0:8])
	h.Partition = binary.BigEndian.Uint64(b[8:16])
	h.SchemaID = binary.BigEndian.Uint32(b[16:20])
	h.Length = binary.BigEndian.Uint32(b[20:24])
	h.Type = CellType(b[24])
	h.Version = binary.BigEndian.Uint64(b[25:33])
}

func (h *CellHeader) CellID() CellID {
	return NewCellID(h.Partition, h.Hash)
}
