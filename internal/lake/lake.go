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

// Package lake implements the lake interface over Dolt, a
// version-controlled, MySQL-wire-compatible store where every commit
// is an addressable snapshot. current_snapshot is DOLT_HASHOF('HEAD'),
// table_changes is DOLT_DIFF('from','to','<table>'), and point-in-time
// reads use "AS OF '<commit>'". Two driver registrations are
// supported: github.com/dolthub/driver for an embedded, in-process
// database (single binary, dev/test), and
// github.com/go-sql-driver/mysql against a standalone `dolt
// sql-server` for fleet deployments — mirroring the
// embedded-vs-server split for its own target pool.
package lake

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/dolthub/driver"
	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// Driver selects which registered database/sql driver to dial.
type Driver string

const (
	// DriverEmbedded opens a Dolt database directly out of a local
	// directory with no separate server process.
	DriverEmbedded Driver = "dolt"
	// DriverServer dials a running `dolt sql-server` over the MySQL
	// wire protocol.
	DriverServer Driver = "mysql"
)

// Lake wraps a database/sql handle over a Dolt-backed store.
type Lake struct {
	DB *sql.DB
}

// Open connects using driver against dsn.
func Open(driver Driver, dsn string) (*Lake, error) {
	db, err := sql.Open(string(driver), dsn)
	if err != nil {
		return nil, errors.Wrap(err, "lake: open")
	}
	return &Lake{DB: db}, nil
}

// Close releases the underlying connection pool.
func (l *Lake) Close() error { return l.DB.Close() }

// identRef matches a Dolt commit hash or branch name; refs that don't
// match are rejected before being interpolated into DOLT_DIFF/AS OF
// clauses, since those clauses cannot be parameterized as bind
// variables in Dolt's SQL surface.
var identRef = regexp.MustCompile(`^[A-Za-z0-9_\-./]{1,128}$`)

func validateRef(ref string) error {
	if !identRef.MatchString(ref) {
		return errors.Errorf("lake: invalid ref %q", ref)
	}
	return nil
}

// CurrentSnapshot returns the current HEAD commit as source's
// snapshot id. Dolt has one commit graph per database rather than
// per table, so every source sharing a lake database observes the
// same current snapshot; source is accepted for interface symmetry
// with table_changes and future multi-database lakes.
func (l *Lake) CurrentSnapshot(ctx context.Context, source ident.Source) (snapshot.ID, error) {
	var commit string
	if err := l.DB.QueryRowContext(ctx, `SELECT DOLT_HASHOF('HEAD')`).Scan(&commit); err != nil {
		return snapshot.ID{}, errors.Wrapf(err, "lake: current snapshot for %s", source)
	}
	seq, err := l.commitSeq(ctx, commit)
	if err != nil {
		return snapshot.ID{}, err
	}
	return snapshot.ID{Seq: seq, Commit: commit}, nil
}

// commitSeq derives a monotonic sequence number for commit from
// dolt_log's commit ordering, since Dolt commit hashes carry no
// intrinsic order of their own and snapshot.Compare must order by
// Seq alone.
func (l *Lake) commitSeq(ctx context.Context, commit string) (uint64, error) {
	if err := validateRef(commit); err != nil {
		return 0, err
	}
	var seq uint64
	err := l.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT count(*) FROM dolt_log() WHERE commit_date <= (SELECT commit_date FROM dolt_log() WHERE commit_hash = '%s' LIMIT 1)`, commit),
	).Scan(&seq)
	if err != nil {
		return 0, errors.Wrap(err, "lake: commit seq")
	}
	return seq, nil
}

// TargetRowCount returns the current row count of table, for the
// selector's cardinality-threshold comparison.
func (l *Lake) TargetRowCount(ctx context.Context, table ident.Table) (int64, error) {
	var n int64
	err := l.DB.QueryRowContext(ctx, fmt.Sprintf("SELECT count(*) FROM %s", table.String())).Scan(&n)
	return n, errors.Wrapf(err, "lake: target row count for %s", table)
}

// ChangeKind annotates one row returned by TableChanges.
type ChangeKind string

const (
	ChangeInsert          ChangeKind = "insert"
	ChangeDelete          ChangeKind = "delete"
	ChangeUpdatePreimage  ChangeKind = "update_preimage"
	ChangeUpdatePostimage ChangeKind = "update_postimage"
)

// ChangedRow is one row of a change feed, carrying only the
// grouping-key columns the engine requires at minimum plus its change
// kind, keyed by column name to stay schema-agnostic.
type ChangedRow struct {
	Kind ChangeKind
	Keys map[string]any
}

// TableChanges invokes Dolt's DOLT_DIFF table function on table between
// from and to, projecting groupingKeys plus a synthesized change kind
// derived from Dolt's diff_type and from_/to_ column presence.
func (l *Lake) TableChanges(ctx context.Context, table ident.Source, from, to snapshot.ID, groupingKeys []ident.Column) ([]ChangedRow, error) {
	if from.Commit == "" {
		// Never-consumed source: every row is logically "changed" for
		// bootstrap purposes, but bootstrap never calls TableChanges
		// (it captures snapshots and runs a single INSERT instead), so
		// reaching here with an empty from is a caller error.
		return nil, errors.Errorf("lake: table changes requires a non-empty from snapshot for %s", table)
	}
	if err := validateRef(from.Commit); err != nil {
		return nil, err
	}
	if err := validateRef(to.Commit); err != nil {
		return nil, err
	}

	cols := make([]string, len(groupingKeys))
	for i, k := range groupingKeys {
		cols[i] = "to_" + k.Raw() + " as to_" + k.Raw() + ", from_" + k.Raw() + " as from_" + k.Raw()
	}
	colList := "diff_type"
	for _, c := range cols {
		colList += ", " + c
	}

	query := fmt.Sprintf(`SELECT %s FROM DOLT_DIFF('%s', '%s', '%s')`, colList, from.Commit, to.Commit, table.Name.Raw())
	rows, err := l.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrapf(err, "lake: table changes for %s", table)
	}
	defer rows.Close()

	var out []ChangedRow
	for rows.Next() {
		scanDest := make([]any, 0, 1+2*len(groupingKeys))
		var diffType string
		scanDest = append(scanDest, &diffType)
		values := make([]sql.NullString, 2*len(groupingKeys))
		for i := range values {
			scanDest = append(scanDest, &values[i])
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, errors.Wrap(err, "lake: scan table change")
		}

		kind := classifyDiffType(diffType)
		keys := make(map[string]any, len(groupingKeys))
		for i, k := range groupingKeys {
			to, from := values[2*i], values[2*i+1]
			if to.Valid {
				keys[k.Raw()] = to.String
			} else if from.Valid {
				keys[k.Raw()] = from.String
			}
		}
		out = append(out, ChangedRow{Kind: kind, Keys: keys})
	}
	return out, rows.Err()
}

// QueryRows executes an arbitrary lake SELECT (a rewritten, pinned
// definition query, typically) and scans the named columns into one
// map per row. Used by the affected-keys extractor's join-translation
// step, whose projection list it controls, so the scan shape is
// always known ahead of time the same way TableChanges's is.
func (l *Lake) QueryRows(ctx context.Context, query string, columns []ident.Column) ([]map[string]any, error) {
	rows, err := l.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "lake: query rows")
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		scanDest := make([]any, len(columns))
		for i := range values {
			scanDest[i] = &values[i]
		}
		if err := rows.Scan(scanDest...); err != nil {
			return nil, errors.Wrap(err, "lake: scan query row")
		}
		row := make(map[string]any, len(columns))
		for i, c := range columns {
			if values[i].Valid {
				row[c.Raw()] = values[i].String
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func classifyDiffType(diffType string) ChangeKind {
	switch diffType {
	case "added":
		return ChangeInsert
	case "removed":
		return ChangeDelete
	default:
		return ChangeUpdatePostimage
	}
}
