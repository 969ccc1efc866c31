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

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

type (
	SchemaID = uint32
	TrunkID  = uint32
	Version  = uint64
)

// Value is the decoded form of a cell body. Readers add the reserved
// keys SchemaKey and HashKey next to the schema fields.
type Value = map[string]interface{}

const (
	SchemaKey = "*schema*"
	HashKey   = "*hash*"
)

// CellID is the 128-bit cell identifier. The high 64 bits are the
// partition, the low 64 bits the hash. Both halves are stored
// big-endian so the id round-trips through uuid text form.
type CellID uuid.UUID

func NewCellID(partition, hash uint64) CellID {
	var id CellID
	binary.BigEndian.PutUint64(id[0:8], partition)
	binary.BigEndian.PutUint64(id[8:16], hash)
	return id
}

// CellIDFromName derives a cell id from a string key. The two halves
// come from one xxhash stream so they stay independent.
func CellIDFromName(name string) CellID {
	d := xxhash.New()
	d.WriteString(name)
	hash := d.Sum64()
	d.WriteString("\x00neb")
	partition := d.Sum64()
	return NewCellID(partition, hash)
}

func (id CellID) Partition() uint64 {
	return binary.BigEndian.Uint64(id[0:8])
}

func (id CellID) Hash() uint64 {
	return binary.BigEndian.Uint64(id[8:16])
}

func (id CellID) UUID() uuid.UUID {
	return uuid.UUID(id)
}

func (id CellID) String() string {
	return uuid.UUID(id).String()
}
