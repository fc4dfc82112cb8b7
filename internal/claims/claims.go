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

// Package claims implements the atomic claim/heartbeat/expiry
// claim semantics for both table-level refreshes and subtasks.
// Table claims use INSERT ... ON CONFLICT DO NOTHING RETURNING;
// subtask claims use SELECT ... FOR UPDATE SKIP LOCKED followed by a
// conditional UPDATE, the same pattern the scheduling layer of the
// job-scheduler example uses for its own due-work claim.
package claims

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/util/notify"
)

// DefaultClaimTimeout is used when the caller's config leaves
// ClaimTimeout unset.
const DefaultClaimTimeout = 5 * time.Minute

// Manager issues and tracks claims against the shared metadata pool.
type Manager struct {
	Pool         *pgxpool.Pool
	ClaimTimeout time.Duration

	released notify.Var[int64]
}

// New constructs a Manager with the given claim timeout, resolved by
// the caller from config.
func New(pool *pgxpool.Pool, claimTimeout time.Duration) *Manager {
	if claimTimeout <= 0 {
		claimTimeout = DefaultClaimTimeout
	}
	return &Manager{Pool: pool, ClaimTimeout: claimTimeout}
}

// Released returns a monotonically increasing counter and a channel
// that is closed the next time any claim or subtask is released,
// completed, or failed. A worker idling on an empty queue selects on
// this channel alongside its poll timer so it wakes as soon as work
// frees up instead of waiting out the rest of the interval.
func (m *Manager) Released() (int64, <-chan struct{}) {
	return m.released.Get()
}

func (m *Manager) wake() {
	n, _ := m.released.Get()
	m.released.Set(n + 1)
}

// ErrAlreadyClaimed is returned when a table or subtask is already
// held by another worker.
var ErrAlreadyClaimed = errors.New("claims: already claimed")

// ClaimTable attempts to claim table for workerID in single mode.
// Success iff a row is returned from the INSERT; any conflict on the
// primary key means another worker already holds the claim.
func (m *Manager) ClaimTable(ctx context.Context, table ident.Table, workerID string) (*model.Claim, error) {
	now := time.Now().UTC()
	row := m.Pool.QueryRow(ctx, `
		INSERT INTO refresh_claims (
			dynamic_table, worker_id, claimed_at, heartbeat_at, expires_at,
			mode, subtasks_total, subtasks_completed
		) VALUES ($1,$2,$3,$3,$4,$5,0,0)
		ON CONFLICT (dynamic_table) DO NOTHING
		RETURNING dynamic_table, worker_id, claimed_at, heartbeat_at, expires_at, mode, subtasks_total, subtasks_completed`,
		table.String(), workerID, now, now.Add(m.ClaimTimeout), model.ClaimSingle)

	c, err := scanClaim(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAlreadyClaimed
	}
	if err != nil {
		return nil, errors.Wrapf(err, "claims: claim table %s", table)
	}
	return c, nil
}

// PromoteToCoordinator atomically converts a held single claim into a
// coordinator claim with subtasksTotal set.
func (m *Manager) PromoteToCoordinator(ctx context.Context, table ident.Table, workerID string, subtasksTotal int) error {
	tag, err := m.Pool.Exec(ctx, `
		UPDATE refresh_claims SET mode = $3, subtasks_total = $4
		WHERE dynamic_table = $1 AND worker_id = $2`,
		table.String(), workerID, model.ClaimCoordinator, subtasksTotal)
	if err != nil {
		return errors.Wrapf(err, "claims: promote %s", table)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// Heartbeat extends a held claim's expiry. A zero rows-affected result
// means the claim was lost (expired and reclaimed, or released);
// callers must treat that as a Coordination error and abort the
// refresh.
func (m *Manager) Heartbeat(ctx context.Context, table ident.Table, workerID string) error {
	now := time.Now().UTC()
	tag, err := m.Pool.Exec(ctx, `
		UPDATE refresh_claims SET heartbeat_at = $3, expires_at = $4
		WHERE dynamic_table = $1 AND worker_id = $2`,
		table.String(), workerID, now, now.Add(m.ClaimTimeout))
	if err != nil {
		return errors.Wrapf(err, "claims: heartbeat %s", table)
	}
	if tag.RowsAffected() == 0 {
		return model.Classify(model.ErrorCoordination, "claim_lost", errors.Errorf("claim for %s no longer held by %s", table, workerID))
	}
	return nil
}

// Release deletes a held claim. Called on both successful completion
// and on graceful-shutdown abandonment.
func (m *Manager) Release(ctx context.Context, table ident.Table, workerID string) error {
	_, err := m.Pool.Exec(ctx, `DELETE FROM refresh_claims WHERE dynamic_table = $1 AND worker_id = $2`,
		table.String(), workerID)
	if err != nil {
		return errors.Wrapf(err, "claims: release %s", table)
	}
	m.wake()
	return nil
}

// ExpireStale releases claims whose expires_at has passed, returning
// the set of tables freed so the scheduler can re-enqueue them.
func (m *Manager) ExpireStale(ctx context.Context) ([]ident.Table, error) {
	rows, err := m.Pool.Query(ctx, `
		DELETE FROM refresh_claims WHERE expires_at < now()
		RETURNING dynamic_table`)
	if err != nil {
		return nil, errors.Wrap(err, "claims: expire stale")
	}
	defer rows.Close()

	var out []ident.Table
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.Wrap(err, "claims: scan expired")
		}
		table, err := ident.ParseTable(name)
		if err != nil {
			return nil, err
		}
		out = append(out, table)
	}
	return out, nil
}

func scanClaim(row pgx.Row) (*model.Claim, error) {
	var c model.Claim
	var name string
	if err := row.Scan(&name, &c.WorkerID, &c.ClaimedAt, &c.HeartbeatAt, &c.ExpiresAt,
		&c.Mode, &c.SubtasksTotal, &c.SubtasksCompleted); err != nil {
		return nil, err
	}
	table, err := ident.ParseTable(name)
	if err != nil {
		return nil, err
	}
	c.DynamicTable = table
	return &c, nil
}
