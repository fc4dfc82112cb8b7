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

package metastore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// InsertHistory appends a refresh-history row. It is idempotent on
// (dynamic_table, started_at): a retried metadata write after a
// lake-commit that already succeeded is a no-op rather than a
// duplicate entry rather than a new row for the same attempt.
func (s *Store) InsertHistory(ctx context.Context, tx PgxTx, h *model.RefreshHistory) error {
	snapshotsJSON, err := json.Marshal(h.Snapshots)
	if err != nil {
		return errors.Wrap(err, "metastore: encode snapshots for history")
	}

	exec := s.Pool.Exec
	if tx != nil {
		exec = tx.Exec
	}
	_, err = exec(ctx, `
		INSERT INTO refresh_history (
			id, dynamic_table, started_at, completed_at, status, strategy,
			rows_affected, duration_ms, error_code, error_message,
			snapshots_json, trigger
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (dynamic_table, started_at) DO NOTHING`,
		h.ID, h.DynamicTable.String(), h.StartedAt, h.CompletedAt, h.Status, h.Strategy,
		h.RowsAffected, h.DurationMS, h.ErrorCode, h.ErrorMessage, snapshotsJSON, h.Trigger)
	return errors.Wrap(err, "metastore: insert history")
}

// History returns the most recent limit entries for table, newest
// first, for the describe/history CLI commands.
func (s *Store) History(ctx context.Context, table ident.Table, limit int) ([]*model.RefreshHistory, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, started_at, completed_at, status, strategy, rows_affected,
		       duration_ms, error_code, error_message, trigger
		FROM refresh_history WHERE dynamic_table = $1
		ORDER BY started_at DESC LIMIT $2`, table.String(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: list history")
	}
	defer rows.Close()

	var out []*model.RefreshHistory
	for rows.Next() {
		h := &model.RefreshHistory{}
		if err := rows.Scan(&h.ID, &h.StartedAt, &h.CompletedAt, &h.Status, &h.Strategy,
			&h.RowsAffected, &h.DurationMS, &h.ErrorCode, &h.ErrorMessage, &h.Trigger); err != nil {
			return nil, errors.Wrap(err, "metastore: scan history row")
		}
		out = append(out, h)
	}
	return out, nil
}

// LastSuccessEnd returns the completion time of table's most recent
// successful refresh, for the scheduler's staleness computation
// ok is false if table has never completed a refresh
// successfully, which the scheduler treats as maximally stale.
func (s *Store) LastSuccessEnd(ctx context.Context, table ident.Table) (completedAt time.Time, ok bool, err error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT completed_at FROM refresh_history
		WHERE dynamic_table = $1 AND status = $2
		ORDER BY started_at DESC LIMIT 1`, table.String(), model.OutcomeSuccess)
	if err := row.Scan(&completedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.Wrapf(err, "metastore: last success for %s", table)
	}
	return completedAt, true, nil
}
