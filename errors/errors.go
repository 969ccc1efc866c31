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

package errors

import "errors"

var (
	ErrCellAlreadyExists = errors.New("the cell already exists")
	ErrCellDoesNotExist  = errors.New("cell does not exist")

	ErrSchemaDoesNotExist     = errors.New("schema does not exist")
	ErrSchemaAlreadyExists    = errors.New("schema already exists")
	ErrSchemaNameAlreadyTaken = errors.New("schema name already taken")

	ErrStoreFull      = errors.New("no segment can host the allocation")
	ErrObjectTooLarge = errors.New("cell exceeds segment size")

	ErrCorruptReplica = errors.New("replica image is corrupt")

	ErrFuncDoesNotExist      = errors.New("update function is not registered")
	ErrFuncAlreadyRegistered = errors.New("update function already registered")

	ErrUnknownFieldType = errors.New("unknown field type")
	ErrDataMismatch     = errors.New("value does not match the schema")
	ErrInvalidPath      = errors.New("path does not resolve in the schema")
)
