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

// Package coordinator implements the parallel affected-keys
// protocol a worker enters once the selector has chosen Parallel. It
// fans the single-worker affected-keys path (internal/executor) out
// across n subtasks, waits for them, and merges their results back
// into the target under one lake transaction.
package coordinator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/executor"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// maxSubtaskKeys bounds the number of affected keys one subtask
// partition is sized to absorb before the coordinator asks for
// another partition, following the ⌈affected_count /
// 5_000_000⌉ term.
const maxSubtaskKeys = 5_000_000

// minSubtasks is the floor on n regardless of how small the affected
// set is, since the selector only chooses Parallel when
// ParallelThreshold and IdleWorkerCount both already justify fanning
// out.
const minSubtasks = 2

// DefaultPollInterval is the coordinator's wait-loop cadence.
const DefaultPollInterval = 5 * time.Second

// DefaultHeartbeatInterval is how often the coordinator extends its
// own table claim while waiting on subtasks, which can run far longer
// than a single poll interval.
const DefaultHeartbeatInterval = 30 * time.Second

// Coordinator runs the parallel affected-keys protocol for one table.
type Coordinator struct {
	Store             *metastore.Store
	Lake              executor.Lake
	Claims            *claims.Manager
	WorkerID          string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// New constructs a Coordinator with the default poll and heartbeat
// intervals.
func New(store *metastore.Store, lk executor.Lake, cm *claims.Manager, workerID string) *Coordinator {
	return &Coordinator{
		Store: store, Lake: lk, Claims: cm, WorkerID: workerID,
		PollInterval: DefaultPollInterval, HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

// Run executes the full protocol: promote the claim, partition the
// affected-key set into subtasks, wait for them, merge, advance
// metadata, and clean up. The caller must already hold a single-mode
// claim on table.
func (c *Coordinator) Run(ctx context.Context, table *model.DynamicTable, history *model.RefreshHistory) error {
	stored, err := c.Store.SourceSnapshots(ctx, table.Name)
	if err != nil {
		return model.Classify(model.ErrorTransient, "metastore_source_snapshots", err)
	}

	_, current, err := executor.CaptureCurrentSnapshots(ctx, c.Lake, table)
	if err != nil {
		return err
	}

	affectedKeys, changedAny, err := executor.ExtractAffectedKeys(ctx, c.Lake, table, stored, current)
	if err != nil {
		return err
	}
	if !changedAny {
		history.Status = model.OutcomeSkipped
		return nil
	}

	n := subtaskCount(len(affectedKeys), table.MaxParallelism)

	affectedTable := affectedKeysTableName(table.Name)
	if err := executor.MaterializeInto(ctx, c.Lake.CreateNamed, affectedTable, affectedKeys, table.GroupingKeys); err != nil {
		return model.Classify(model.ErrorTransient, "lake_materialize_affected", err)
	}
	defer func() { _ = c.Lake.DropTemp(ctx, affectedTable) }()

	if err := c.Claims.PromoteToCoordinator(ctx, table.Name, c.WorkerID, n); err != nil {
		return model.Classify(model.ErrorCoordination, "promote_coordinator", err)
	}

	specs := partitionSpecs(table, n)
	if _, err := c.Claims.CreateSubtasks(ctx, table.Name, table.Name, specs); err != nil {
		return model.Classify(model.ErrorTransient, "create_subtasks", err)
	}
	defer func() { _ = c.Claims.DeleteSubtasks(ctx, table.Name) }()

	if err := c.waitWithHeartbeat(ctx, table.Name); err != nil {
		return err
	}

	ordered, err := c.Claims.SubtasksInOrder(ctx, table.Name)
	if err != nil {
		return model.Classify(model.ErrorTransient, "list_subtasks", err)
	}
	defer func() {
		for _, s := range ordered {
			if s.ResultLocation != "" {
				_ = c.Lake.DropTemp(ctx, s.ResultLocation)
			}
		}
	}()

	rowsAffected, err := c.merge(ctx, table, affectedTable, ordered)
	if err != nil {
		return err
	}

	history.Snapshots = current
	history.RowsAffected = rowsAffected

	if err := c.advanceSnapshots(ctx, table.Name, current); err != nil {
		return err
	}

	return c.Claims.Release(ctx, table.Name, c.WorkerID)
}

// subtaskCount computes n = min(max_parallelism, max(2,
// ceil(affected_count/5_000_000))).
func subtaskCount(affectedCount int, maxParallelism int) int {
	n := int(math.Ceil(float64(affectedCount) / float64(maxSubtaskKeys)))
	if n < minSubtasks {
		n = minSubtasks
	}
	if maxParallelism > 0 && n > maxParallelism {
		n = maxParallelism
	}
	return n
}

// partitionSpecs builds n hash_range partitions over the table's
// first grouping key, the default partitioning scheme.
func partitionSpecs(table *model.DynamicTable, n int) []model.PartitionSpec {
	key := table.GroupingKeys[0]
	specs := make([]model.PartitionSpec, n)
	for i := 0; i < n; i++ {
		specs[i] = model.PartitionSpec{Kind: model.SubtaskHashRange, KeyColumn: key, N: n, I: i}
	}
	return specs
}

// waitWithHeartbeat runs the subtask wait-loop and a heartbeat of the
// coordinator's own table claim concurrently: the wait can take far
// longer than one claim timeout, so something has to keep extending
// it while waitForSubtasks blocks. The heartbeat goroutine exits as
// soon as the wait-loop returns, in either direction; either goroutine
// failing cancels the other via the shared errgroup context.
func (c *Coordinator) waitWithHeartbeat(ctx context.Context, table ident.Table) error {
	done := make(chan struct{})
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		t := time.NewTicker(c.heartbeatInterval())
		defer t.Stop()
		for {
			select {
			case <-done:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			case <-t.C:
				if err := c.Claims.Heartbeat(gctx, table, c.WorkerID); err != nil {
					return model.Classify(model.ErrorCoordination, "coordinator_heartbeat", err)
				}
			}
		}
	})
	group.Go(func() error {
		defer close(done)
		return c.waitForSubtasks(gctx, table)
	})

	return group.Wait()
}

func (c *Coordinator) heartbeatInterval() time.Duration {
	if c.HeartbeatInterval > 0 {
		return c.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

// waitForSubtasks polls subtask status at PollInterval until every
// subtask is completed, or a subtask has failed past its retry budget,
// in which case the refresh aborts.
func (c *Coordinator) waitForSubtasks(ctx context.Context, table ident.Table) error {
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		_, woken := c.Claims.Released()
		select {
		case <-ctx.Done():
			return model.Classify(model.ErrorCoordination, "wait_cancelled", ctx.Err())
		case <-ticker.C:
		case <-woken:
		}

		counts, err := c.Claims.CountSubtasks(ctx, table)
		if err != nil {
			return model.Classify(model.ErrorTransient, "count_subtasks", err)
		}
		if counts.Failed > 0 {
			subtasks, lerr := c.Claims.SubtasksInOrder(ctx, table)
			if lerr != nil {
				return model.Classify(model.ErrorTransient, "list_subtasks", lerr)
			}
			for _, s := range subtasks {
				if s.Status == model.SubtaskFailed && s.RetryCount >= model.MaxSubtaskRetries {
					return model.Classify(model.ErrorCoordination, "subtask_exhausted",
						errors.Errorf("subtask %s exhausted its retry budget: %s", s.ID, s.ErrorMessage))
				}
			}
		}
		total := counts.Pending + counts.Claimed + counts.Completed + counts.Failed
		if total > 0 && counts.Completed == total {
			return nil
		}
		log.WithFields(log.Fields{
			"table": table.String(), "pending": counts.Pending, "claimed": counts.Claimed,
			"completed": counts.Completed, "failed": counts.Failed,
		}).Debug("coordinator waiting on subtasks")
	}
}

// merge applies the completed subtasks' results to the target in one
// lake transaction: DELETE by affected keys, then INSERT-SELECT from
// each subtask's result location in subtask-id order, so a retried
// coordinator reproduces the same row sequence on retry.
func (c *Coordinator) merge(ctx context.Context, table *model.DynamicTable, affectedTable string, subtasks []model.Subtask) (int64, error) {
	tx, err := c.Lake.BeginTx(ctx)
	if err != nil {
		return 0, model.Classify(model.ErrorTransient, "lake_begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (SELECT %s FROM %s)",
		table.Name.String(), ident.Columns(table.GroupingKeys), ident.Columns(table.GroupingKeys), affectedTable)
	if _, err := tx.Exec(ctx, deleteSQL); err != nil {
		return 0, model.Classify(model.ErrorTransient, "lake_delete", err)
	}

	var rowsAffected int64
	for _, s := range subtasks {
		if s.ResultLocation == "" {
			continue
		}
		result, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", table.Name.String(), s.ResultLocation))
		if err != nil {
			return 0, model.Classify(model.ErrorTransient, "lake_insert_merge", errors.Wrapf(err, "subtask %s", s.ID))
		}
		if n, rerr := result.RowsAffected(); rerr == nil {
			rowsAffected += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, model.Classify(model.ErrorTransient, "lake_commit", err)
	}
	committed = true
	return rowsAffected, nil
}

// advanceSnapshots persists the snapshot map used for this refresh,
// mirroring the single-worker executor's same-named step.
func (c *Coordinator) advanceSnapshots(ctx context.Context, table ident.Table, snapshots map[string]snapshot.ID) error {
	tx, err := c.Store.Pool.Begin(ctx)
	if err != nil {
		return model.Classify(model.ErrorTransient, "metastore_begin", err)
	}
	defer tx.Rollback(ctx)

	if err := c.Store.AdvanceSnapshots(ctx, tx, table, snapshots); err != nil {
		return model.Classify(model.ErrorTransient, "metastore_advance_snapshots", err)
	}
	return errors.Wrap(tx.Commit(ctx), "coordinator: commit snapshot advancement")
}

// affectedKeysTableName derives the named result location for a
// table's affected-key set, shared across every subtask worker
// regardless of which process claims which partition.
func affectedKeysTableName(table ident.Table) string {
	return "affected_keys_" + sanitize(table.String())
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", `"`, "").Replace(s)
}
