// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package enginetest

import (
	"context"
	"sync"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// FakeLake is an in-memory stand-in for executor.Lake, letting
// scheduler and coordinator tests drive snapshot advancement and
// affected-row counts without a Dolt instance. It does not attempt to
// fake BeginTx/CreateTemp/CreateNamed/DropTemp bodies, since no test
// in this package inspects the materialized SQL those calls would
// produce; they are no-ops recorded for assertions instead.
type FakeLake struct {
	mu sync.Mutex

	snapshots map[string]snapshot.ID
	changes   map[string][]lake.ChangedRow
	rowCounts map[string]int64
	queryRows [][]map[string]any

	Created []string // names passed to CreateTemp/CreateNamed, in order
	Dropped []string
	Queries []string // queries passed to QueryRows, in order
}

// NewFakeLake returns an empty FakeLake.
func NewFakeLake() *FakeLake {
	return &FakeLake{
		snapshots: make(map[string]snapshot.ID),
		changes:   make(map[string][]lake.ChangedRow),
		rowCounts: make(map[string]int64),
	}
}

// SetSnapshot fixes the current snapshot a future CurrentSnapshot call
// returns for source.
func (f *FakeLake) SetSnapshot(source ident.Source, id snapshot.ID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[source.String()] = id
}

// SetChanges fixes the rows a future TableChanges call returns for source.
func (f *FakeLake) SetChanges(source ident.Source, rows []lake.ChangedRow) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes[source.String()] = rows
}

// SetRowCount fixes the value TargetRowCount returns for table.
func (f *FakeLake) SetRowCount(table ident.Table, n int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowCounts[table.String()] = n
}

// CurrentSnapshot implements executor.Lake.
func (f *FakeLake) CurrentSnapshot(_ context.Context, source ident.Source) (snapshot.ID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[source.String()], nil
}

// TableChanges implements executor.Lake.
func (f *FakeLake) TableChanges(_ context.Context, source ident.Source, _, _ snapshot.ID, _ []ident.Column) ([]lake.ChangedRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.changes[source.String()], nil
}

// QueueQueryRows enqueues the rows the next QueryRows call returns,
// FIFO. Join-translation calls QueryRows once per changed source that
// doesn't carry the target's grouping keys directly; tests queue one
// result set per such source, in the order their snapshot advanced.
func (f *FakeLake) QueueQueryRows(rows []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queryRows = append(f.queryRows, rows)
}

// QueryRows implements executor.Lake.
func (f *FakeLake) QueryRows(_ context.Context, query string, _ []ident.Column) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Queries = append(f.Queries, query)
	if len(f.queryRows) == 0 {
		return nil, nil
	}
	rows := f.queryRows[0]
	f.queryRows = f.queryRows[1:]
	return rows, nil
}

// BeginTx implements executor.Lake. It returns a nil *lake.Tx since
// lake.Tx has no exported constructor; tests that need the strategies
// exercised past the transaction boundary build against a real lake
// instead.
func (f *FakeLake) BeginTx(context.Context) (*lake.Tx, error) { return nil, nil }

// CreateTemp implements executor.Lake, recording the call.
func (f *FakeLake) CreateTemp(_ context.Context, name string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, name)
	return nil
}

// CreateNamed implements executor.Lake, recording the call.
func (f *FakeLake) CreateNamed(_ context.Context, name string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Created = append(f.Created, name)
	return nil
}

// DropTemp implements executor.Lake, recording the call.
func (f *FakeLake) DropTemp(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Dropped = append(f.Dropped, name)
	return nil
}

// TargetRowCount implements executor.Lake.
func (f *FakeLake) TargetRowCount(_ context.Context, table ident.Table) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rowCounts[table.String()], nil
}
