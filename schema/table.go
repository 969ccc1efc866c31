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
	"encoding/json"
	"os"
	"sort"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/errors"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/shisoft/nebuchadnezzar/errors"
	"github.com/shisoft/nebuchadnezzar/proto"
)

type Schema struct {
	ID     proto.SchemaID `json:"id"`
	Name   string         `json:"name"`
	Fields []Field        `json:"fields"`

	plan Plan
}

// Plan returns the precompiled walk plan.
func (s *Schema) Plan() Plan {
	return s.plan
}

// Table maps schema id <-> name <-> field list. Ids are monotonic per
// node; cluster-level agreement on assignment is the collaborators'
// concern.
type Table struct {
	mu     sync.RWMutex
	byID   map[proto.SchemaID]*Schema
	byName map[string]proto.SchemaID
	nextID proto.SchemaID
}

func NewTable() *Table {
	return &Table{
		byID:   make(map[proto.SchemaID]*Schema),
		byName: make(map[string]proto.SchemaID),
		nextID: 1,
	}
}

// resolveName implements the plan compiler's resolver. Callers hold t.mu.
func (t *Table) resolveName(name string) (proto.SchemaID, bool) {
	id, ok := t.byName[name]
	return id, ok
}

// Add registers a schema under an explicit id. Named sub-schemas it
// references must already be registered.
func (t *Table) Add(name string, fields []Field, id proto.SchemaID) (*Schema, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(name, fields, id)
}

// AddNew registers a schema under the next monotonic id.
func (t *Table) AddNew(name string, fields []Field) (*Schema, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(name, fields, t.nextID)
}

func (t *Table) addLocked(name string, fields []Field, id proto.SchemaID) (*Schema, error) {
	if _, ok := t.byID[id]; ok {
		return nil, apierrors.ErrSchemaAlreadyExists
	}
	if _, ok := t.byName[name]; ok {
		return nil, apierrors.ErrSchemaNameAlreadyTaken
	}
	plan, err := compilePlan(fields, t)
	if err != nil {
		return nil, err
	}
	sch := &Schema{ID: id, Name: name, Fields: fields, plan: plan}
	t.byID[id] = sch
	t.byName[name] = id
	if id >= t.nextID {
		t.nextID = id + 1
	}
	return sch, nil
}

func (t *Table) Remove(id proto.SchemaID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sch, ok := t.byID[id]; ok {
		delete(t.byName, sch.Name)
		delete(t.byID, id)
	}
}

func (t *Table) Get(id proto.SchemaID) (*Schema, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sch, ok := t.byID[id]
	if !ok {
		return nil, apierrors.ErrSchemaDoesNotExist
	}
	return sch, nil
}

func (t *Table) GetByName(name string) (*Schema, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	if !ok {
		return nil, apierrors.ErrSchemaDoesNotExist
	}
	return t.byID[id], nil
}

func (t *Table) IDByName(name string) (proto.SchemaID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	return id, ok
}

func (t *Table) All() []*Schema {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Schema, 0, len(t.byID))
	for _, sch := range t.byID {
		out = append(out, sch)
	}
	return out
}

// LoadFile restores the persisted schema list written by SaveFile.
// A missing file is a cold start, not an error.
func (t *Table) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var entries []Schema
	if err := json.Unmarshal(raw, &entries); err != nil {
		return errors.Info(err, "schema file", path)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	for i := range entries {
		e := &entries[i]
		if _, err := t.Add(e.Name, e.Fields, e.ID); err != nil {
			log.Warnf("skip schema %s[%d] from %s: %s", e.Name, e.ID, path, err)
		}
	}
	return nil
}

func (t *Table) SaveFile(path string) error {
	t.mu.RLock()
	entries := make([]*Schema, 0, len(t.byID))
	for _, sch := range t.byID {
		entries = append(entries, sch)
	}
	t.mu.RUnlock()
	// referenced schemas always carry smaller ids, so an id-ordered file
	// reloads cleanly
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}
