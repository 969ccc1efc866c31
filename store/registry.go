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

package store

import (
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/trunk"
)

// FuncRegistry resolves update symbols to closures. Operations register
// at startup so updates can be forwarded across the cluster by name;
// there is no dynamic code loading on the hot path.
type FuncRegistry struct {
	mu    sync.RWMutex
	funcs map[string]trunk.UpdateFunc
}

func NewFuncRegistry() *FuncRegistry {
	return &FuncRegistry{funcs: make(map[string]trunk.UpdateFunc)}
}

func (r *FuncRegistry) Register(name string, fn trunk.UpdateFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return errors.Info(apierrors.ErrFuncAlreadyRegistered, name)
	}
	r.funcs[name] = fn
	return nil
}

func (r *FuncRegistry) Resolve(name string) (trunk.UpdateFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}
