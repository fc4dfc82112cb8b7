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
	"time"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
)

// Enqueue inserts a pending refresh if one is not already queued for
// table, via `ON CONFLICT DO NOTHING`. At most one
// pending row exists per table at a time by primary key.
func (s *Store) Enqueue(ctx context.Context, table ident.Table, dueAt time.Time, priority int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO pending_refreshes (dynamic_table, due_at, priority, enqueued_at)
		VALUES ($1,$2,$3,now())
		ON CONFLICT (dynamic_table) DO NOTHING`,
		table.String(), dueAt, priority)
	return errors.Wrapf(err, "metastore: enqueue %s", table)
}

// EnqueueManual enqueues with elevated priority, overwriting any
// existing pending row's due_at/priority, for the CLI's `refresh`
// command.
func (s *Store) EnqueueManual(ctx context.Context, table ident.Table, priority int) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO pending_refreshes (dynamic_table, due_at, priority, enqueued_at)
		VALUES ($1, now(), $2, now())
		ON CONFLICT (dynamic_table) DO UPDATE SET
			due_at = now(), priority = EXCLUDED.priority, enqueued_at = now()`,
		table.String(), priority)
	return errors.Wrapf(err, "metastore: enqueue manual %s", table)
}

// DueRefresh is one row claimable by the worker main loop.
type DueRefresh struct {
	DynamicTable ident.Table
	Priority     int
}

// ClaimableDue returns pending refreshes whose due_at has passed and
// which have no live table claim, ordered by priority (lowest/root
// first) then due_at, for the worker main loop's table-claim attempt.
func (s *Store) ClaimableDue(ctx context.Context, limit int) ([]DueRefresh, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT p.dynamic_table, p.priority
		FROM pending_refreshes p
		LEFT JOIN refresh_claims c ON c.dynamic_table = p.dynamic_table
		WHERE p.due_at <= now() AND c.dynamic_table IS NULL
		ORDER BY p.priority ASC, p.due_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: claimable due")
	}
	defer rows.Close()

	var out []DueRefresh
	for rows.Next() {
		var name string
		var d DueRefresh
		if err := rows.Scan(&name, &d.Priority); err != nil {
			return nil, errors.Wrap(err, "metastore: scan claimable due")
		}
		table, err := ident.ParseTable(name)
		if err != nil {
			return nil, err
		}
		d.DynamicTable = table
		out = append(out, d)
	}
	return out, nil
}

// Dequeue removes the pending-refresh row once a refresh has started
// or has been determined unnecessary (no-op path still dequeues:
// it's no longer "pending").
func (s *Store) Dequeue(ctx context.Context, table ident.Table) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM pending_refreshes WHERE dynamic_table = $1`, table.String())
	return errors.Wrapf(err, "metastore: dequeue %s", table)
}
