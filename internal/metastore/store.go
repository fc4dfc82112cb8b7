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

// Package metastore is the typed client over the coordination schema
// the table registry, per-source snapshot pointers,
// dependency edges, refresh history, and the pending-refresh queue.
// It owns every SQL statement touching those tables; callers never
// build queries against them directly. Claims and subtasks have their
// own atomic-claim semantics and live in internal/claims, which
// shares this package's pool.
package metastore

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// Store wraps a pgxpool.Pool with the coordination schema's typed
// operations, following the same staging-pool wrapper pattern used
// elsewhere in this codebase.
type Store struct {
	Pool *pgxpool.Pool
}

// Open connects to the metadata store at dsn.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: connect")
	}
	return &Store{Pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.Pool.Close() }

// GetTable loads one DynamicTable by qualified name.
func (s *Store) GetTable(ctx context.Context, name ident.Table) (*model.DynamicTable, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT definition, grouping_keys, target_lag, refresh_strategy,
		       deduplication, cardinality_threshold, allow_parallel,
		       parallel_threshold, max_parallelism, initialize, status,
		       comment, created_at, updated_at
		FROM dynamic_tables WHERE name = $1`, name.String())

	var t model.DynamicTable
	t.Name = name
	var definitionJSON []byte
	var groupingKeysCSV, targetLagRaw string
	if err := row.Scan(&definitionJSON, &groupingKeysCSV, &targetLagRaw,
		&t.RefreshStrategy, &t.Deduplication, &t.CardinalityThreshold,
		&t.AllowParallel, &t.ParallelThreshold, &t.MaxParallelism,
		&t.Initialize, &t.Status, &t.Comment, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, errors.Wrapf(err, "metastore: get table %s", name)
	}

	def, groupingKeys, sources, err := decodeDefinition(definitionJSON, groupingKeysCSV)
	if err != nil {
		return nil, errors.Wrapf(err, "metastore: decode definition for %s", name)
	}
	t.Definition = def
	t.GroupingKeys = groupingKeys
	t.Sources = sources
	t.TargetLag = decodeTargetLag(targetLagRaw)

	return &t, nil
}

// TableExists reports whether name is registered, regardless of
// status. The create command uses this to decide whether a
// referenced source is itself a managed table (and therefore an
// upstream dependency edge) or a base-lake relation.
func (s *Store) TableExists(ctx context.Context, name ident.Table) (bool, error) {
	var exists bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM dynamic_tables WHERE name = $1)`, name.String()).Scan(&exists)
	if err != nil {
		return false, errors.Wrapf(err, "metastore: check table exists %s", name)
	}
	return exists, nil
}

// ListActive returns every table not in suspended/failed status, for
// the scheduler's staleness scan.
func (s *Store) ListActive(ctx context.Context) ([]*model.DynamicTable, error) {
	rows, err := s.Pool.Query(ctx, `SELECT name FROM dynamic_tables WHERE status = $1`, model.StatusActive)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: list active")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, errors.Wrap(err, "metastore: scan active name")
		}
		names = append(names, n)
	}

	out := make([]*model.DynamicTable, 0, len(names))
	for _, n := range names {
		table, err := ident.ParseTable(n)
		if err != nil {
			return nil, err
		}
		dt, err := s.GetTable(ctx, table)
		if err != nil {
			return nil, err
		}
		out = append(out, dt)
	}
	return out, nil
}

// UpsertTable inserts or replaces a DynamicTable's registry row. The
// caller is responsible for invariant checks (name uniqueness is
// enforced by the PK; acyclicity must be checked against Dependencies
// before calling this for a create/alter).
func (s *Store) UpsertTable(ctx context.Context, t *model.DynamicTable) error {
	definitionJSON, groupingKeysCSV, err := encodeDefinition(t)
	if err != nil {
		return errors.Wrap(err, "metastore: encode definition")
	}

	_, err = s.Pool.Exec(ctx, `
		INSERT INTO dynamic_tables (
			name, definition, grouping_keys, target_lag, refresh_strategy,
			deduplication, cardinality_threshold, allow_parallel,
			parallel_threshold, max_parallelism, initialize, status,
			comment, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now(),now())
		ON CONFLICT (name) DO UPDATE SET
			definition = EXCLUDED.definition,
			grouping_keys = EXCLUDED.grouping_keys,
			target_lag = EXCLUDED.target_lag,
			refresh_strategy = EXCLUDED.refresh_strategy,
			deduplication = EXCLUDED.deduplication,
			cardinality_threshold = EXCLUDED.cardinality_threshold,
			allow_parallel = EXCLUDED.allow_parallel,
			parallel_threshold = EXCLUDED.parallel_threshold,
			max_parallelism = EXCLUDED.max_parallelism,
			initialize = EXCLUDED.initialize,
			status = EXCLUDED.status,
			comment = EXCLUDED.comment,
			updated_at = now()`,
		t.Name.String(), definitionJSON, groupingKeysCSV, encodeTargetLag(t.TargetLag),
		t.RefreshStrategy, t.Deduplication, t.CardinalityThreshold, t.AllowParallel,
		t.ParallelThreshold, t.MaxParallelism, t.Initialize, t.Status, t.Comment)
	if err != nil {
		return errors.Wrapf(err, "metastore: upsert table %s", t.Name)
	}
	return nil
}

// SetStatus transitions a table's status (used by suspend/resume and
// by the executor when retries are exhausted).
func (s *Store) SetStatus(ctx context.Context, name ident.Table, status model.Status) error {
	_, err := s.Pool.Exec(ctx, `UPDATE dynamic_tables SET status = $2, updated_at = now() WHERE name = $1`,
		name.String(), status)
	return errors.Wrapf(err, "metastore: set status for %s", name)
}

// DropTable removes a table and everything that cascades from it
// (dependencies, history, claims, pending work), per the CLI's drop
// command.
func (s *Store) DropTable(ctx context.Context, name ident.Table) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM dynamic_tables WHERE name = $1`, name.String())
	return errors.Wrapf(err, "metastore: drop table %s", name)
}

// Dependencies returns every (downstream, upstream) edge in the
// graph, for the scheduler's DAG closure and the create-time cycle
// check.
func (s *Store) Dependencies(ctx context.Context) ([]model.DependencyEdge, error) {
	rows, err := s.Pool.Query(ctx, `SELECT downstream, upstream FROM dependencies`)
	if err != nil {
		return nil, errors.Wrap(err, "metastore: list dependencies")
	}
	defer rows.Close()

	var out []model.DependencyEdge
	for rows.Next() {
		var down, up string
		if err := rows.Scan(&down, &up); err != nil {
			return nil, errors.Wrap(err, "metastore: scan dependency")
		}
		dt, err := ident.ParseTable(down)
		if err != nil {
			return nil, err
		}
		ut, err := ident.ParseTable(up)
		if err != nil {
			return nil, err
		}
		out = append(out, model.DependencyEdge{Downstream: dt, Upstream: ut})
	}
	return out, nil
}

// SetDependencies replaces the edge set for one downstream table,
// called after a create once acyclicity has been verified.
func (s *Store) SetDependencies(ctx context.Context, downstream ident.Table, upstreams []ident.Table) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "metastore: begin set dependencies")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM dependencies WHERE downstream = $1`, downstream.String()); err != nil {
		return errors.Wrap(err, "metastore: clear dependencies")
	}
	for _, up := range upstreams {
		if _, err := tx.Exec(ctx, `INSERT INTO dependencies (downstream, upstream) VALUES ($1,$2)`,
			downstream.String(), up.String()); err != nil {
			return errors.Wrap(err, "metastore: insert dependency")
		}
	}
	return errors.Wrap(tx.Commit(ctx), "metastore: commit set dependencies")
}
