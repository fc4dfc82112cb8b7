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

package coordinator

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/executor"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/rewriter"
)

// SubtaskWorker executes one claimed partition of a parallel
// affected-keys refresh: materialize the partition-scoped,
// affected-keys-filtered, pinned query into a named result location.
type SubtaskWorker struct {
	Store  *metastore.Store
	Lake   executor.Lake
	Claims *claims.Manager
}

// NewSubtaskWorker constructs a SubtaskWorker.
func NewSubtaskWorker(store *metastore.Store, lk executor.Lake, cm *claims.Manager) *SubtaskWorker {
	return &SubtaskWorker{Store: store, Lake: lk, Claims: cm}
}

// ClaimAndRun claims one pending subtask, regardless of parent, and
// executes it. Returns claimed=false if nothing was claimable.
func (w *SubtaskWorker) ClaimAndRun(ctx context.Context, workerID string) (claimed bool, err error) {
	subtask, err := w.Claims.ClaimAnySubtask(ctx, workerID)
	if err != nil {
		return false, err
	}
	if subtask == nil {
		return false, nil
	}
	return true, w.run(ctx, subtask)
}

// Execute runs an already-claimed subtask. Callers that want a
// heartbeat goroutine running alongside the subtask (the worker main
// loop claims via Claims.ClaimAnySubtask itself so it has the subtask
// id to heartbeat against) should use this instead of ClaimAndRun.
func (w *SubtaskWorker) Execute(ctx context.Context, subtask *model.Subtask) error {
	return w.run(ctx, subtask)
}

func (w *SubtaskWorker) run(ctx context.Context, subtask *model.Subtask) error {
	table, err := w.Store.GetTable(ctx, subtask.DynamicTable)
	if err != nil {
		if failErr := w.Claims.FailSubtask(ctx, subtask.ID, err.Error()); failErr != nil {
			return failErr
		}
		return err
	}

	// The affected-keys set was already materialized once by the
	// coordinator, under the name every subtask joins against; a
	// subtask never recomputes it.
	pins, _, err := executor.CaptureCurrentSnapshots(ctx, w.Lake, table)
	if err != nil {
		return w.fail(ctx, subtask.ID, err)
	}

	rewritten := rewriter.Pin(table.Definition, pins)
	affectedTable := affectedKeysTableName(table.Name)
	inAffected := model.Raw(fmt.Sprintf("(%s) IN (SELECT %s FROM %s)",
		ident.Columns(table.GroupingKeys), ident.Columns(table.GroupingKeys), affectedTable))
	filtered := rewriter.AddPredicate(rewritten, inAffected)
	partitioned := rewriter.AddPredicate(filtered, partitionPredicate(subtask.Partition))

	resultLocation := lake.ResultLocationName(subtask.ID)
	if err := w.Lake.CreateNamed(ctx, resultLocation, partitioned.Render()); err != nil {
		return w.fail(ctx, subtask.ID, err)
	}

	return w.Claims.CompleteSubtask(ctx, subtask.ID, resultLocation)
}

func (w *SubtaskWorker) fail(ctx context.Context, id uuid.UUID, cause error) error {
	if err := w.Claims.FailSubtask(ctx, id, cause.Error()); err != nil {
		return err
	}
	return cause
}

// partitionPredicate translates a subtask's PartitionSpec into a
// lake-evaluable predicate for the given partition.
func partitionPredicate(spec model.PartitionSpec) *model.Predicate {
	switch spec.Kind {
	case model.SubtaskHashRange:
		return model.Raw(fmt.Sprintf("CRC32(%s) %% %d = %d", spec.KeyColumn.String(), spec.N, spec.I))
	case model.SubtaskModulo:
		return model.Raw(fmt.Sprintf("%s %% %d = %d", spec.KeyColumn.String(), spec.N, spec.I))
	case model.SubtaskPartition:
		return model.Raw(spec.Expr)
	default:
		return model.Raw("TRUE")
	}
}
