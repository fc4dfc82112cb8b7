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

package lake

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// Tx wraps a lake transaction; every executor statement inside one
// refresh attempt runs against the same Tx so the DELETE-then-INSERT
// pattern is atomic and snapshot-isolated.
type Tx struct {
	tx *sql.Tx
}

// BeginTx opens a lake transaction with snapshot isolation (Dolt's
// default transaction isolation is already snapshot-consistent within
// a single commit).
func (l *Lake) BeginTx(ctx context.Context) (*Tx, error) {
	tx, err := l.DB.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSnapshot})
	if err != nil {
		return nil, errors.Wrap(err, "lake: begin tx")
	}
	return &Tx{tx: tx}, nil
}

// Exec runs a statement within the transaction.
func (t *Tx) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, errors.Wrap(err, "lake: exec in tx")
}

// QueryRow runs a single-row query within the transaction, for the
// executor's diff-count check ahead of a deduplicated apply.
func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction. The caller's metadata-store write
// (snapshot advancement, history) must only happen after this
// returns nil, since the lake commit must precede the metadata write.
func (t *Tx) Commit() error { return errors.Wrap(t.tx.Commit(), "lake: commit") }

// Rollback aborts the transaction. Called after Commit it changes
// nothing and returns an error wrapping sql.ErrTxDone.
func (t *Tx) Rollback() error { return errors.Wrap(t.tx.Rollback(), "lake: rollback") }

// ReadAsOf validates commit as a ref and runs query as given; it does
// not add a pin itself, so query must already carry its AS OF clause
// (as rendered by model.TableRef.Pin). source and commit are used only
// for validation and the error message.
func (l *Lake) ReadAsOf(ctx context.Context, source ident.Source, commit string, query string) (*sql.Rows, error) {
	if err := validateRef(commit); err != nil {
		return nil, err
	}
	rows, err := l.DB.QueryContext(ctx, query)
	return rows, errors.Wrapf(err, "lake: read as of %s@%s", source, commit)
}

// CreateTemp materializes a single-worker refresh's intermediate set
// (such as the affected-keys set) into a session-scoped temporary table, dropped
// automatically at session end.
func (l *Lake) CreateTemp(ctx context.Context, name string, selectQuery string) error {
	_, err := l.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TEMPORARY TABLE %s AS %s`, name, selectQuery))
	return errors.Wrapf(err, "lake: create temp %s", name)
}

// CreateNamed materializes a subtask's result into a semi-persistent,
// named location that survives across the connection the subtask
// worker used, so the coordinator's merge step (running on a
// different connection, possibly a different process) can read it.
func (l *Lake) CreateNamed(ctx context.Context, name string, selectQuery string) error {
	_, err := l.DB.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %s AS %s`, name, selectQuery))
	return errors.Wrapf(err, "lake: create named %s", name)
}

// DropTemp drops a temporary or named result location created by
// CreateTemp/CreateNamed, part of the coordinator's cleanup step.
func (l *Lake) DropTemp(ctx context.Context, name string) error {
	_, err := l.DB.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name))
	return errors.Wrapf(err, "lake: drop temp %s", name)
}

// ResultLocationName derives a subtask's temp/named table name in the
// form `temp_<id>_<random>`, where <id> is the first 8 characters of
// the subtask id and <random> the first 8 of a fresh UUID.
func ResultLocationName(subtaskID uuid.UUID) string {
	return fmt.Sprintf("temp_%s_%s", subtaskID.String()[:8], uuid.NewString()[:8])
}

// CommitSeq exposes commitSeq for callers that need to turn a bare commit hash read from history back into a
// comparable snapshot.ID.
func (l *Lake) CommitSeq(ctx context.Context, commit string) (snapshot.ID, error) {
	seq, err := l.commitSeq(ctx, commit)
	if err != nil {
		return snapshot.ID{}, err
	}
	return snapshot.ID{Seq: seq, Commit: commit}, nil
}
