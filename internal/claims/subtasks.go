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

package claims

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// CreateSubtasks inserts n pending subtask rows under one parent
// refresh in a single transaction.
func (m *Manager) CreateSubtasks(ctx context.Context, table ident.Table, parentRefresh ident.Table, specs []model.PartitionSpec) ([]model.Subtask, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "claims: begin create subtasks")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	out := make([]model.Subtask, 0, len(specs))
	for _, spec := range specs {
		specJSON, err := json.Marshal(spec)
		if err != nil {
			return nil, errors.Wrap(err, "claims: encode partition spec")
		}
		id := uuid.New()
		if _, err := tx.Exec(ctx, `
			INSERT INTO refresh_subtasks (
				id, parent_refresh, dynamic_table, kind, partition_spec_json,
				status, retry_count, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,0,$7)`,
			id, parentRefresh.String(), table.String(), spec.Kind, specJSON, model.SubtaskPending, now); err != nil {
			return nil, errors.Wrap(err, "claims: insert subtask")
		}
		out = append(out, model.Subtask{
			ID: id, ParentRefresh: parentRefresh, DynamicTable: table,
			Kind: spec.Kind, Partition: spec, Status: model.SubtaskPending, CreatedAt: now,
		})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "claims: commit create subtasks")
	}
	return out, nil
}

// ClaimSubtask claims one pending subtask belonging to parentRefresh
// for workerID, using SELECT ... FOR UPDATE SKIP LOCKED to pick a row
// no concurrent claimant is already holding, then a conditional
// UPDATE so a losing racer's update affects zero rows. Returns nil,
// nil if none is claimable.
func (m *Manager) ClaimSubtask(ctx context.Context, parentRefresh ident.Table, workerID string) (*model.Subtask, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "claims: begin claim subtask")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id FROM refresh_subtasks
		WHERE parent_refresh = $1 AND status = $2
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, parentRefresh.String(), model.SubtaskPending)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "claims: scan claimable subtask")
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE refresh_subtasks SET status = $2, claimed_by = $3, claimed_at = $4, heartbeat_at = $4
		WHERE id = $1 AND status = $5`,
		id, model.SubtaskClaimed, workerID, now, model.SubtaskPending); err != nil {
		return nil, errors.Wrap(err, "claims: claim subtask update")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "claims: commit claim subtask")
	}

	return m.GetSubtask(ctx, id)
}

// ClaimAnySubtask claims one pending subtask regardless of parent,
// for the worker main loop's second-priority poll, which has
// no a priori table in mind. Oldest-created subtask wins ties.
func (m *Manager) ClaimAnySubtask(ctx context.Context, workerID string) (*model.Subtask, error) {
	tx, err := m.Pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "claims: begin claim any subtask")
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id FROM refresh_subtasks
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, model.SubtaskPending)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "claims: scan claimable subtask")
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		UPDATE refresh_subtasks SET status = $2, claimed_by = $3, claimed_at = $4, heartbeat_at = $4
		WHERE id = $1 AND status = $5`,
		id, model.SubtaskClaimed, workerID, now, model.SubtaskPending); err != nil {
		return nil, errors.Wrap(err, "claims: claim any subtask update")
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "claims: commit claim any subtask")
	}

	return m.GetSubtask(ctx, id)
}

// GetSubtask reloads one subtask row by id.
func (m *Manager) GetSubtask(ctx context.Context, id uuid.UUID) (*model.Subtask, error) {
	row := m.Pool.QueryRow(ctx, `
		SELECT parent_refresh, dynamic_table, kind, partition_spec_json, status,
		       result_location, claimed_by, claimed_at, heartbeat_at, completed_at,
		       error_message, retry_count, created_at
		FROM refresh_subtasks WHERE id = $1`, id)

	var s model.Subtask
	s.ID = id
	var parent, table, specJSON, resultLocation, claimedBy, errMsg string
	if err := row.Scan(&parent, &table, &s.Kind, &specJSON, &s.Status,
		&resultLocation, &claimedBy, &s.ClaimedAt, &s.HeartbeatAt, &s.CompletedAt,
		&errMsg, &s.RetryCount, &s.CreatedAt); err != nil {
		return nil, errors.Wrap(err, "claims: scan subtask")
	}

	parentTable, err := ident.ParseTable(parent)
	if err != nil {
		return nil, err
	}
	dynTable, err := ident.ParseTable(table)
	if err != nil {
		return nil, err
	}
	s.ParentRefresh = parentTable
	s.DynamicTable = dynTable
	s.ResultLocation = resultLocation
	s.ClaimedBy = claimedBy
	s.ErrorMessage = errMsg

	if err := json.Unmarshal([]byte(specJSON), &s.Partition); err != nil {
		return nil, errors.Wrap(err, "claims: decode partition spec")
	}
	return &s, nil
}

// HeartbeatSubtask extends a claimed subtask's heartbeat while it
// executes.
func (m *Manager) HeartbeatSubtask(ctx context.Context, id uuid.UUID) error {
	_, err := m.Pool.Exec(ctx, `UPDATE refresh_subtasks SET heartbeat_at = now() WHERE id = $1`, id)
	return errors.Wrap(err, "claims: heartbeat subtask")
}

// CompleteSubtask marks a subtask completed with its result location.
func (m *Manager) CompleteSubtask(ctx context.Context, id uuid.UUID, resultLocation string) error {
	_, err := m.Pool.Exec(ctx, `
		UPDATE refresh_subtasks SET status = $2, result_location = $3, completed_at = now()
		WHERE id = $1`, id, model.SubtaskCompleted, resultLocation)
	if err != nil {
		return errors.Wrap(err, "claims: complete subtask")
	}
	m.wake()
	return nil
}

// FailSubtask marks a subtask failed and increments retry_count; the
// sweeper decides whether a retried requeue is still permitted.
func (m *Manager) FailSubtask(ctx context.Context, id uuid.UUID, message string) error {
	_, err := m.Pool.Exec(ctx, `
		UPDATE refresh_subtasks SET status = $2, error_message = $3, retry_count = retry_count + 1
		WHERE id = $1`, id, model.SubtaskFailed, message)
	if err != nil {
		return errors.Wrap(err, "claims: fail subtask")
	}
	m.wake()
	return nil
}

// SubtaskCounts aggregates subtask status counts for a parent refresh,
// used by the coordinator's wait-loop.
type SubtaskCounts struct {
	Pending, Claimed, Completed, Failed int
}

// CountSubtasks aggregates the status of every subtask under
// parentRefresh.
func (m *Manager) CountSubtasks(ctx context.Context, parentRefresh ident.Table) (SubtaskCounts, error) {
	rows, err := m.Pool.Query(ctx, `
		SELECT status, count(*) FROM refresh_subtasks
		WHERE parent_refresh = $1 GROUP BY status`, parentRefresh.String())
	if err != nil {
		return SubtaskCounts{}, errors.Wrap(err, "claims: count subtasks")
	}
	defer rows.Close()

	var c SubtaskCounts
	for rows.Next() {
		var status model.SubtaskStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return SubtaskCounts{}, errors.Wrap(err, "claims: scan subtask count")
		}
		switch status {
		case model.SubtaskPending:
			c.Pending = n
		case model.SubtaskClaimed:
			c.Claimed = n
		case model.SubtaskCompleted:
			c.Completed = n
		case model.SubtaskFailed:
			c.Failed = n
		}
	}
	return c, nil
}

// SubtasksInOrder returns every subtask for parentRefresh ordered by
// id, for the coordinator's deterministic merge.
func (m *Manager) SubtasksInOrder(ctx context.Context, parentRefresh ident.Table) ([]model.Subtask, error) {
	rows, err := m.Pool.Query(ctx, `
		SELECT id FROM refresh_subtasks WHERE parent_refresh = $1 ORDER BY id ASC`,
		parentRefresh.String())
	if err != nil {
		return nil, errors.Wrap(err, "claims: list subtasks in order")
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "claims: scan subtask id")
		}
		ids = append(ids, id)
	}

	out := make([]model.Subtask, 0, len(ids))
	for _, id := range ids {
		s, err := m.GetSubtask(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, nil
}

// DeleteSubtasks removes every subtask row for parentRefresh, part of
// the coordinator's cleanup step.
func (m *Manager) DeleteSubtasks(ctx context.Context, parentRefresh ident.Table) error {
	_, err := m.Pool.Exec(ctx, `DELETE FROM refresh_subtasks WHERE parent_refresh = $1`, parentRefresh.String())
	return errors.Wrap(err, "claims: delete subtasks")
}
