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

package schema

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
)

type TypeID uint8

const (
	TypeBool TypeID = iota + 1
	TypeByte
	TypeShort
	TypeInt
	TypeLong
	TypeFloat
	TypeDouble
	TypeChar
	TypeText
	TypeString
	TypeBlob
	TypeObj
	TypeShortArray
	TypeIntArray
	TypeLongArray
	TypeFloatArray
	TypeDoubleArray
)

// Descriptor carries the per-primitive metadata the codec dispatches on.
// Fixed types occupy Length bytes. Dynamic types occupy an int32 prefix
// followed by the payload; array primitives additionally carry Unit, the
// per-element length, and their prefix counts elements rather than bytes.
// All widths are big-endian.
type Descriptor struct {
	ID      TypeID
	Name    string
	Length  int
	Unit    int
	Dynamic bool

	// Read decodes the value stored at the start of b.
	Read func(b []byte) interface{}
	// Write encodes v at the start of b and returns the bytes written.
	Write func(b []byte, v interface{}) (int, error)
	// Size returns the stored length of v without encoding it.
	Size func(v interface{}) (int, error)
	// StoredLen returns the stored length by inspecting raw bytes.
	StoredLen func(b []byte) int
}

var (
	descriptors = map[TypeID]*Descriptor{}
	descByName  = map[string]*Descriptor{}
)

func register(d *Descriptor) *Descriptor {
	descriptors[d.ID] = d
	descByName[d.Name] = d
	return d
}

// TypeByName resolves a primitive type keyword.
func TypeByName(name string) (*Descriptor, bool) {
	d, ok := descByName[name]
	return d, ok
}

// TypeOf resolves a type id.
func TypeOf(id TypeID) (*Descriptor, bool) {
	d, ok := descriptors[id]
	return d, ok
}

func mismatch(want string, v interface{}) error {
	return errors.Info(apierrors.ErrDataMismatch, fmt.Sprintf("want %s, got %T", want, v))
}

func asInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint64:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case byte:
		return int64(n), nil
	}
	return 0, mismatch("integer", v)
}

func asFloat64(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	}
	if n, err := asInt64(v); err == nil {
		return float64(n), nil
	}
	return 0, mismatch("float", v)
}

func asBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, mismatch("bytes", v)
}

func fixedWriter(length int, put func(b []byte, v interface{}) error) func([]byte, interface{}) (int, error) {
	return func(b []byte, v interface{}) (int, error) {
		if err := put(b, v); err != nil {
			return 0, err
		}
		return length, nil
	}
}

func fixedSize(length int) func(interface{}) (int, error) {
	return func(interface{}) (int, error) { return length, nil }
}

func fixedStored(length int) func([]byte) int {
	return func([]byte) int { return length }
}

func bytesLikeDescriptor(id TypeID, name string) *Descriptor {
	return &Descriptor{
		ID: id, Name: name, Dynamic: true, Unit: 1,
		Read: func(b []byte) interface{} {
			n := int(int32(binary.BigEndian.Uint32(b)))
			out := make([]byte, n)
			copy(out, b[4:4+n])
			return out
		},
		Write: func(b []byte, v interface{}) (int, error) {
			p, err := asBytes(v)
			if err != nil {
				return 0, err
			}
			binary.BigEndian.PutUint32(b, uint32(len(p)))
			copy(b[4:], p)
			return 4 + len(p), nil
		},
		Size: func(v interface{}) (int, error) {
			p, err := asBytes(v)
			if err != nil {
				return 0, err
			}
			return 4 + len(p), nil
		},
		StoredLen: func(b []byte) int {
			return 4 + int(int32(binary.BigEndian.Uint32(b)))
		},
	}
}

func stringDescriptor(id TypeID, name string) *Descriptor {
	d := bytesLikeDescriptor(id, name)
	d.Read = func(b []byte) interface{} {
		n := int(int32(binary.BigEndian.Uint32(b)))
		return string(b[4 : 4+n])
	}
	return d
}

// primArrayDescriptor covers the fixed-unit array primitives such as
// long-array: int32 element count followed by count*unit bytes.
func primArrayDescriptor(
	id TypeID, name string, unit int,
	readElem func(b []byte) interface{},
	writeElem func(b []byte, v interface{}) error,
	length func(v interface{}) (int, bool),
	index func(v interface{}, i int) interface{},
) *Descriptor {
	return &Descriptor{
		ID: id, Name: name, Dynamic: true, Unit: unit,
		Read: func(b []byte) interface{} {
			n := int(int32(binary.BigEndian.Uint32(b)))
			out := make([]interface{}, n)
			for i := 0; i < n; i++ {
				out[i] = readElem(b[4+i*unit:])
			}
			return out
		},
		Write: func(b []byte, v interface{}) (int, error) {
			n, ok := length(v)
			if !ok {
				return 0, mismatch(name, v)
			}
			binary.BigEndian.PutUint32(b, uint32(n))
			for i := 0; i < n; i++ {
				if err := writeElem(b[4+i*unit:], index(v, i)); err != nil {
					return 0, err
				}
			}
			return 4 + n*unit, nil
		},
		Size: func(v interface{}) (int, error) {
			n, ok := length(v)
			if !ok {
				return 0, mismatch(name, v)
			}
			return 4 + n*unit, nil
		},
		StoredLen: func(b []byte) int {
			return 4 + int(int32(binary.BigEndian.Uint32(b)))*unit
		},
	}
}

func sliceShape(v interface{}) (int, func(int) interface{}, bool) {
	switch s := v.(type) {
	case []interface{}:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []int64:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []int32:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []int16:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []int:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []float64:
		return len(s), func(i int) interface{} { return s[i] }, true
	case []float32:
		return len(s), func(i int) interface{} { return s[i] }, true
	}
	return 0, nil, false
}

var (
	boolType = register(&Descriptor{
		ID: TypeBool, Name: "bool", Length: 1,
		Read: func(b []byte) interface{} { return b[0] != 0 },
		Write: fixedWriter(1, func(b []byte, v interface{}) error {
			t, ok := v.(bool)
			if !ok {
				return mismatch("bool", v)
			}
			if t {
				b[0] = 1
			} else {
				b[0] = 0
			}
			return nil
		}),
		Size: fixedSize(1), StoredLen: fixedStored(1),
	})

	byteType = register(&Descriptor{
		ID: TypeByte, Name: "byte", Length: 1,
		Read: func(b []byte) interface{} { return b[0] },
		Write: fixedWriter(1, func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			b[0] = byte(n)
			return nil
		}),
		Size: fixedSize(1), StoredLen: fixedStored(1),
	})

	shortType = register(&Descriptor{
		ID: TypeShort, Name: "short", Length: 2,
		Read: func(b []byte) interface{} { return int16(binary.BigEndian.Uint16(b)) },
		Write: fixedWriter(2, func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint16(b, uint16(n))
			return nil
		}),
		Size: fixedSize(2), StoredLen: fixedStored(2),
	})

	intType = register(&Descriptor{
		ID: TypeInt, Name: "int", Length: 4,
		Read: func(b []byte) interface{} { return int32(binary.BigEndian.Uint32(b)) },
		Write: fixedWriter(4, func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint32(b, uint32(n))
			return nil
		}),
		Size: fixedSize(4), StoredLen: fixedStored(4),
	})

	longType = register(&Descriptor{
		ID: TypeLong, Name: "long", Length: 8,
		Read: func(b []byte) interface{} { return int64(binary.BigEndian.Uint64(b)) },
		Write: fixedWriter(8, func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint64(b, uint64(n))
			return nil
		}),
		Size: fixedSize(8), StoredLen: fixedStored(8),
	})

	floatType = register(&Descriptor{
		ID: TypeFloat, Name: "float", Length: 4,
		Read: func(b []byte) interface{} {
			return math.Float32frombits(binary.BigEndian.Uint32(b))
		},
		Write: fixedWriter(4, func(b []byte, v interface{}) error {
			f, err := asFloat64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
			return nil
		}),
		Size: fixedSize(4), StoredLen: fixedStored(4),
	})

	doubleType = register(&Descriptor{
		ID: TypeDouble, Name: "double", Length: 8,
		Read: func(b []byte) interface{} {
			return math.Float64frombits(binary.BigEndian.Uint64(b))
		},
		Write: fixedWriter(8, func(b []byte, v interface{}) error {
			f, err := asFloat64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint64(b, math.Float64bits(f))
			return nil
		}),
		Size: fixedSize(8), StoredLen: fixedStored(8),
	})

	charType = register(&Descriptor{
		ID: TypeChar, Name: "char", Length: 4,
		Read: func(b []byte) interface{} { return rune(int32(binary.BigEndian.Uint32(b))) },
		Write: fixedWriter(4, func(b []byte, v interface{}) error {
			r, ok := v.(rune)
			if !ok {
				n, err := asInt64(v)
				if err != nil {
					return mismatch("char", v)
				}
				r = rune(n)
			}
			binary.BigEndian.PutUint32(b, uint32(r))
			return nil
		}),
		Size: fixedSize(4), StoredLen: fixedStored(4),
	})

	textType   = register(stringDescriptor(TypeText, "text"))
	stringType = register(stringDescriptor(TypeString, "string"))
	blobType   = register(bytesLikeDescriptor(TypeBlob, "blob"))

	// obj payloads are produced and consumed by an external codec; the
	// engine stores them as opaque bytes.
	objType = register(bytesLikeDescriptor(TypeObj, "obj"))

	shortArrayType = register(primArrayDescriptor(
		TypeShortArray, "short-array", 2,
		func(b []byte) interface{} { return int16(binary.BigEndian.Uint16(b)) },
		func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint16(b, uint16(n))
			return nil
		},
		func(v interface{}) (int, bool) { n, _, ok := sliceShape(v); return n, ok },
		func(v interface{}, i int) interface{} { _, at, _ := sliceShape(v); return at(i) },
	))

	intArrayType = register(primArrayDescriptor(
		TypeIntArray, "int-array", 4,
		func(b []byte) interface{} { return int32(binary.BigEndian.Uint32(b)) },
		func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint32(b, uint32(n))
			return nil
		},
		func(v interface{}) (int, bool) { n, _, ok := sliceShape(v); return n, ok },
		func(v interface{}, i int) interface{} { _, at, _ := sliceShape(v); return at(i) },
	))

	longArrayType = register(primArrayDescriptor(
		TypeLongArray, "long-array", 8,
		func(b []byte) interface{} { return int64(binary.BigEndian.Uint64(b)) },
		func(b []byte, v interface{}) error {
			n, err := asInt64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint64(b, uint64(n))
			return nil
		},
		func(v interface{}) (int, bool) { n, _, ok := sliceShape(v); return n, ok },
		func(v interface{}, i int) interface{} { _, at, _ := sliceShape(v); return at(i) },
	))

	floatArrayType = register(primArrayDescriptor(
		TypeFloatArray, "float-array", 4,
		func(b []byte) interface{} {
			return math.Float32frombits(binary.BigEndian.Uint32(b))
		},
		func(b []byte, v interface{}) error {
			f, err := asFloat64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
			return nil
		},
		func(v interface{}) (int, bool) { n, _, ok := sliceShape(v); return n, ok },
		func(v interface{}, i int) interface{} { _, at, _ := sliceShape(v); return at(i) },
	))

	doubleArrayType = register(primArrayDescriptor(
		TypeDoubleArray, "double-array", 8,
		func(b []byte) interface{} {
			return math.Float64frombits(binary.BigEndian.Uint64(b))
		},
		func(b []byte, v interface{}) error {
			f, err := asFloat64(v)
			if err != nil {
				return err
			}
			binary.BigEndian.PutUint64(b, math.Float64bits(f))
			return nil
		},
		func(v interface{}) (int, bool) { n, _, ok := sliceShape(v); return n, ok },
		func(v interface{}, i int) interface{} { _, at, _ := sliceShape(v); return at(i) },
	))
)
