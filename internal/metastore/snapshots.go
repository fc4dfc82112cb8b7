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
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// SourceSnapshots returns the last-consumed snapshot for every source
// of table, keyed by source's qualified name. A source absent from
// the result has never been consumed by this table (the bootstrap
// condition).
func (s *Store) SourceSnapshots(ctx context.Context, table ident.Table) (map[string]snapshot.ID, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT source, last_snapshot_seq, last_snapshot_commit FROM source_snapshots WHERE dynamic_table = $1`,
		table.String())
	if err != nil {
		return nil, errors.Wrapf(err, "metastore: source snapshots for %s", table)
	}
	defer rows.Close()

	out := make(map[string]snapshot.ID)
	for rows.Next() {
		var source, commit string
		var seq uint64
		if err := rows.Scan(&source, &seq, &commit); err != nil {
			return nil, errors.Wrap(err, "metastore: scan source snapshot")
		}
		out[source] = snapshot.ID{Seq: seq, Commit: commit}
	}
	return out, nil
}

// AdvanceSnapshots upserts the last-consumed snapshot for each entry
// in snapshots within tx. Callers must run this only after the lake
// commit, so a crash between the two leaves the metadata store behind
// the lake rather than ahead of it. The refresh-history insert is a
// separate write and does not share tx.
func (s *Store) AdvanceSnapshots(ctx context.Context, tx PgxTx, table ident.Table, snapshots map[string]snapshot.ID) error {
	now := time.Now().UTC()
	for source, id := range snapshots {
		if _, err := tx.Exec(ctx, `
			INSERT INTO source_snapshots (dynamic_table, source, last_snapshot_seq, last_snapshot_commit, last_processed_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (dynamic_table, source) DO UPDATE SET
				last_snapshot_seq = EXCLUDED.last_snapshot_seq,
				last_snapshot_commit = EXCLUDED.last_snapshot_commit,
				last_processed_at = EXCLUDED.last_processed_at`,
			table.String(), source, id.Seq, id.Commit, now); err != nil {
			return errors.Wrapf(err, "metastore: advance snapshot for %s/%s", table, source)
		}
	}
	return nil
}
