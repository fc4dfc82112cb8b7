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

package executor

import (
	"context"
	"fmt"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/rewriter"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// runBootstrap implements the bootstrap path: capture every base
// source's current snapshot before executing the query, so that
// sources advancing mid-bootstrap don't leave the target at an
// undefined pin, then run a single INSERT into the (assumed empty)
// target and persist the snapshot map atomically with the insert.
func (e *Executor) runBootstrap(ctx context.Context, table *model.DynamicTable, history *model.RefreshHistory) error {
	if err := classifyForStrategy(table.Definition, model.StrategyBootstrap); err != nil {
		return err
	}

	pins, snapshots, err := e.captureCurrentSnapshots(ctx, table)
	if err != nil {
		return err
	}

	rewritten := rewriter.Pin(table.Definition, pins)
	insertSQL := fmt.Sprintf("INSERT INTO %s %s", table.Name.String(), rewritten.Render())

	tx, err := e.Lake.BeginTx(ctx)
	if err != nil {
		return model.Classify(model.ErrorTransient, "lake_begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	result, err := tx.Exec(ctx, insertSQL)
	if err != nil {
		return model.Classify(model.ErrorTransient, "lake_insert", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Classify(model.ErrorTransient, "lake_commit", err)
	}
	committed = true

	history.Snapshots = snapshots
	if n, rerr := result.RowsAffected(); rerr == nil {
		history.RowsAffected = n
	}

	return e.advanceSnapshots(ctx, table.Name, snapshots)
}

// captureCurrentSnapshots reads the current snapshot of every base
// (non-DynamicTable) source referenced by table, returning both the
// pin map keyed by source name for the rewriter and the typed
// snapshot.ID map for persistence.
func (e *Executor) captureCurrentSnapshots(ctx context.Context, table *model.DynamicTable) (pins map[string]string, snapshots map[string]snapshot.ID, err error) {
	return CaptureCurrentSnapshots(ctx, e.Lake, table)
}

// CaptureCurrentSnapshots is the exported form of the same operation,
// parameterized over a Lake so the parallel coordinator can reuse it
// ahead of promoting its claim, without depending on an *Executor.
func CaptureCurrentSnapshots(ctx context.Context, lk Lake, table *model.DynamicTable) (pins map[string]string, snapshots map[string]snapshot.ID, err error) {
	pins = make(map[string]string)
	snapshots = make(map[string]snapshot.ID)
	for _, src := range table.Sources {
		if src.IsDynamicSource {
			continue
		}
		id, err := lk.CurrentSnapshot(ctx, src.Name)
		if err != nil {
			return nil, nil, model.Classify(model.ErrorTransient, "lake_current_snapshot", errors.Wrapf(err, "source %s", src.Name))
		}
		pins[src.Name.String()] = id.Commit
		snapshots[src.Name.String()] = id
	}
	return pins, snapshots, nil
}

func (e *Executor) advanceSnapshots(ctx context.Context, table ident.Table, snapshots map[string]snapshot.ID) error {
	tx, err := e.Store.Pool.Begin(ctx)
	if err != nil {
		return model.Classify(model.ErrorTransient, "metastore_begin", err)
	}
	defer tx.Rollback(ctx)

	if err := e.Store.AdvanceSnapshots(ctx, tx, table, snapshots); err != nil {
		return model.Classify(model.ErrorTransient, "metastore_advance_snapshots", err)
	}
	return errors.Wrap(tx.Commit(ctx), "executor: commit snapshot advancement")
}
