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
	"fmt"
	"reflect"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
)

func valueMap(v interface{}) (proto.Value, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Info(apierrors.ErrDataMismatch, fmt.Sprintf("want map, got %T", v))
	}
	return m, nil
}

// valueSlice views v as an indexable sequence. Typed slices produced by
// callers ([]int64, []string, ...) are accepted next to []interface{}.
func valueSlice(v interface{}) (int, func(int) interface{}, error) {
	switch s := v.(type) {
	case []interface{}:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []int64:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []int32:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []int:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []float64:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []float32:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []string:
		return len(s), func(i int) interface{} { return s[i] }, nil
	case []map[string]interface{}:
		return len(s), func(i int) interface{} { return s[i] }, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return rv.Len(), func(i int) interface{} { return rv.Index(i).Interface() }, nil
	}
	return 0, nil, errors.Info(apierrors.ErrDataMismatch, fmt.Sprintf("want array, got %T", v))
}
