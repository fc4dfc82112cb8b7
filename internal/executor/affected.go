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

package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/rewriter"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// runSingleAffected implements the single-worker affected-keys
// refresh in full: pin at current snapshots,
// extract the affected-key set from each changed source's change feed
// (unioned and, for multi-source joins, translated into the target's
// grouping keys), materialize it, then DELETE-then-INSERT the
// affected rows inside one lake transaction.
func (e *Executor) runSingleAffected(ctx context.Context, table *model.DynamicTable, history *model.RefreshHistory) error {
	if err := classifyForStrategy(table.Definition, model.StrategySingleAffected); err != nil {
		return err
	}

	stored, err := e.Store.SourceSnapshots(ctx, table.Name)
	if err != nil {
		return model.Classify(model.ErrorTransient, "metastore_source_snapshots", err)
	}

	pins := make(map[string]string)
	current := make(map[string]snapshot.ID)
	for _, src := range table.Sources {
		if src.IsDynamicSource {
			continue
		}
		id, err := e.Lake.CurrentSnapshot(ctx, src.Name)
		if err != nil {
			return model.Classify(model.ErrorTransient, "lake_current_snapshot", errors.Wrapf(err, "source %s", src.Name))
		}
		current[src.Name.String()] = id
		pins[src.Name.String()] = id.Commit
	}

	affectedKeys, changedAny, err := e.extractAffectedKeys(ctx, table, stored, current)
	if err != nil {
		return err
	}
	if !changedAny {
		// Every base source's current snapshot matched its stored
		// value; the selector should have chosen no-op, but if a race
		// let an up-to-date table reach here, behave identically.
		history.Status = model.OutcomeSkipped
		return nil
	}

	tempTable := "affected_" + strings.ReplaceAll(table.Name.Name.Raw(), ".", "_")
	if err := e.materializeAffectedKeys(ctx, tempTable, affectedKeys, table.GroupingKeys); err != nil {
		return err
	}
	defer func() { _ = e.Lake.DropTemp(ctx, tempTable) }()

	inPred := model.Raw(fmt.Sprintf("(%s) IN (SELECT %s FROM %s)",
		ident.Columns(table.GroupingKeys), ident.Columns(table.GroupingKeys), tempTable))
	rewritten := rewriter.Pin(table.Definition, pins)
	filtered := rewriter.AddPredicate(rewritten, inPred)

	tx, err := e.Lake.BeginTx(ctx)
	if err != nil {
		return model.Classify(model.ErrorTransient, "lake_begin", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	deleteSQL := fmt.Sprintf("DELETE FROM %s WHERE (%s) IN (SELECT %s FROM %s)",
		table.Name.String(), ident.Columns(table.GroupingKeys), ident.Columns(table.GroupingKeys), tempTable)

	if table.Deduplication {
		skip, rowsAffected, err := e.dedupAndApply(ctx, tx, table, filtered, tempTable, deleteSQL)
		if err != nil {
			return err
		}
		if skip {
			history.Status = model.OutcomeSkipped
			return nil
		}
		history.RowsAffected = rowsAffected
	} else {
		if _, err := tx.Exec(ctx, deleteSQL); err != nil {
			return model.Classify(model.ErrorTransient, "lake_delete", err)
		}
		result, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s %s", table.Name.String(), filtered.Render()))
		if err != nil {
			return model.Classify(model.ErrorTransient, "lake_insert", err)
		}
		if n, rerr := result.RowsAffected(); rerr == nil {
			history.RowsAffected = n
		}
	}

	if err := tx.Commit(); err != nil {
		return model.Classify(model.ErrorTransient, "lake_commit", err)
	}
	committed = true

	history.Snapshots = current
	return e.advanceSnapshots(ctx, table.Name, current)
}

// dedupAndApply implements the deduplication variant of step 4:
// materialize new rows into a temporary, compute the NULL-safe
// row-wise diff against the target restricted to affected keys, and
// write only the differing rows; an empty diff skips the transaction
// entirely with a skipped outcome.
func (e *Executor) dedupAndApply(ctx context.Context, tx *lake.Tx, table *model.DynamicTable, filtered *model.Query, affectedTemp string, deleteSQL string) (skip bool, rowsAffected int64, err error) {
	newRowsTemp := "new_" + affectedTemp
	if err := e.Lake.CreateTemp(ctx, newRowsTemp, filtered.Render()); err != nil {
		return false, 0, model.Classify(model.ErrorTransient, "lake_materialize_new_rows", err)
	}
	defer func() { _ = e.Lake.DropTemp(ctx, newRowsTemp) }()

	diffPredicate := nullSafeDiffPredicate(table.GroupingKeys, newRowsTemp, table.Name.String())
	var diffCount int64
	if err := tx.QueryRow(ctx, fmt.Sprintf(
		"SELECT count(*) FROM %s WHERE %s", newRowsTemp, diffPredicate)).Scan(&diffCount); err != nil {
		return false, 0, model.Classify(model.ErrorTransient, "lake_diff_count", err)
	}
	if diffCount == 0 {
		return true, 0, nil
	}

	if _, err := tx.Exec(ctx, deleteSQL); err != nil {
		return false, 0, model.Classify(model.ErrorTransient, "lake_delete", err)
	}
	result, err := tx.Exec(ctx, fmt.Sprintf(
		"INSERT INTO %s SELECT * FROM %s WHERE %s", table.Name.String(), newRowsTemp, diffPredicate))
	if err != nil {
		return false, 0, model.Classify(model.ErrorTransient, "lake_insert_diff", err)
	}
	if n, rerr := result.RowsAffected(); rerr == nil {
		rowsAffected = n
	}
	return false, rowsAffected, nil
}

// nullSafeDiffPredicate builds a row-wise NULL-safe inequality
// comparison between newRowsTemp and target restricted to the
// grouping keys, so that a row present in both but unchanged
// contributes nothing to the diff.
func nullSafeDiffPredicate(keys []ident.Column, newRowsTemp, target string) string {
	var clauses []string
	for _, k := range keys {
		clauses = append(clauses, fmt.Sprintf("%s.%s IS DISTINCT FROM %s.%s", newRowsTemp, k.Raw(), target, k.Raw()))
	}
	if len(clauses) == 0 {
		return "TRUE"
	}
	return strings.Join(clauses, " OR ")
}

// extractAffectedKeys reads the change feed for every source whose
// current snapshot differs from its stored value, projecting grouping
// keys and de-duplicating; for multi-source joins each source's
// changed keys are translated into target grouping keys by joining
// against the other sources at their pinned (current) snapshot,
// changedAny is false iff no source advanced.
func (e *Executor) extractAffectedKeys(ctx context.Context, table *model.DynamicTable, stored map[string]snapshot.ID, current map[string]snapshot.ID) (keys []map[string]any, changedAny bool, err error) {
	return ExtractAffectedKeys(ctx, e.Lake, table, stored, current)
}

// ExtractAffectedKeys is the exported form of the same operation,
// parameterized over a Lake so the parallel coordinator can compute
// the same affected-key set the single-worker path would have used,
// before partitioning it across subtasks.
func ExtractAffectedKeys(ctx context.Context, lk Lake, table *model.DynamicTable, stored map[string]snapshot.ID, current map[string]snapshot.ID) (keys []map[string]any, changedAny bool, err error) {
	seen := make(map[string]map[string]any)

	pins := make(map[string]string, len(current))
	for name, id := range current {
		pins[name] = id.Commit
	}

	for sourceName, currentID := range current {
		storedID, ok := stored[sourceName]
		if ok && snapshot.Equal(storedID, currentID) {
			continue
		}
		changedAny = true

		src, perr := ident.ParseSource(sourceName)
		if perr != nil {
			return nil, false, perr
		}

		// storedID is the zero value when this source has never been
		// consumed by this table. No guard handles that case here:
		// TableChanges rejects an empty from, and the error is
		// returned classified as transient, so the refresh fails
		// rather than silently under-refreshing.
		rows, terr := sourceAffectedKeys(ctx, lk, table, src, storedID, currentID, pins)
		if terr != nil {
			return nil, false, terr
		}

		for _, row := range rows {
			keyStr := fmt.Sprintf("%v", row)
			seen[keyStr] = row
		}
	}

	out := make([]map[string]any, 0, len(seen))
	for _, k := range seen {
		out = append(out, k)
	}
	return out, changedAny, nil
}

// sourceAffectedKeys computes the target grouping-key rows touched by
// one source's change feed. When every grouping key is already a
// column of source itself (the common single-source or root-of-join
// case), the change feed yields them directly. Otherwise source's own
// changed identity is translated into the target's grouping keys by
// re-running the definition's join, pinned at the current snapshots
// and restricted to the changed identity, per §4.3 step 2.
func sourceAffectedKeys(ctx context.Context, lk Lake, table *model.DynamicTable, src ident.Source, stored, current snapshot.ID, pins map[string]string) ([]map[string]any, error) {
	alias, found := table.Definition.AliasFor(src)
	if !found {
		alias = src.Name.Raw()
	}

	if groupingKeysAreLocalTo(table, alias) {
		changed, err := lk.TableChanges(ctx, src, stored, current, table.GroupingKeys)
		if err != nil {
			return nil, model.Classify(model.ErrorTransient, "lake_table_changes", err)
		}
		out := make([]map[string]any, len(changed))
		for i, row := range changed {
			out[i] = row.Keys
		}
		return out, nil
	}

	ownKeyCols := dedupeColumns(table.Definition.JoinColumnsForAlias(alias))
	if len(ownKeyCols) == 0 {
		return nil, model.Classify(model.ErrorDefinitional, "affected_keys_untranslatable_join",
			errors.Errorf("cannot translate changes on %s into grouping keys %s: no equi-join column found",
				src, ident.Columns(table.GroupingKeys)))
	}

	changed, err := lk.TableChanges(ctx, src, stored, current, ownKeyCols)
	if err != nil {
		return nil, model.Classify(model.ErrorTransient, "lake_table_changes", err)
	}
	if len(changed) == 0 {
		return nil, nil
	}
	ownRows := make([]map[string]any, len(changed))
	for i, row := range changed {
		ownRows[i] = row.Keys
	}

	ownKeysTemp := "own_" + strings.ReplaceAll(src.Name.Raw(), ".", "_")
	if err := MaterializeInto(ctx, lk.CreateTemp, ownKeysTemp, ownRows, ownKeyCols); err != nil {
		return nil, model.Classify(model.ErrorTransient, "lake_materialize_own_keys", err)
	}
	defer func() { _ = lk.DropTemp(ctx, ownKeysTemp) }()

	translation := translationQuery(table, alias, ownKeyCols, ownKeysTemp, pins)
	rows, err := lk.QueryRows(ctx, translation.Render(), table.GroupingKeys)
	if err != nil {
		return nil, model.Classify(model.ErrorTransient, "lake_translate_keys", err)
	}
	return rows, nil
}

// groupingKeysAreLocalTo reports whether every grouping-key column in
// table's definition is qualified by alias (or, for a single-source
// definition with no joins, unqualified — there is nothing else it
// could refer to). An unqualified grouping key in a multi-source
// definition is treated conservatively as foreign, since either join
// side could own it.
func groupingKeysAreLocalTo(table *model.DynamicTable, alias string) bool {
	for _, gb := range table.Definition.GroupBy {
		t := gb.Table.String()
		if t == "" {
			if len(table.Definition.Joins) > 0 {
				return false
			}
			continue
		}
		if t != alias {
			return false
		}
	}
	return true
}

// dedupeColumns collapses a list of column references down to their
// unique column names, preserving first-seen order.
func dedupeColumns(refs []model.ColumnRef) []ident.Column {
	seen := make(map[string]bool, len(refs))
	out := make([]ident.Column, 0, len(refs))
	for _, r := range refs {
		k := r.Column.Raw()
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, r.Column)
	}
	return out
}

// translationQuery builds the join-translation SELECT: the
// definition's own FROM/JOINs and WHERE, pinned at the current
// snapshots, projecting the target's grouping keys under their bare
// names, restricted to the rows reachable from source's changed
// identity (materialized in ownKeysTemp).
func translationQuery(table *model.DynamicTable, alias string, ownKeyCols []ident.Column, ownKeysTemp string, pins map[string]string) *model.Query {
	base := rewriter.Pin(table.Definition, pins)

	q := &model.Query{
		With:     base.With,
		From:     base.From,
		Joins:    base.Joins,
		Where:    base.Where,
		Distinct: true,
	}
	for i, gk := range table.GroupingKeys {
		col := table.Definition.GroupBy[i]
		q.Projection = append(q.Projection, model.Expr{Column: &col, Alias: ident.New(gk.Raw())})
	}

	ownRefs := make([]model.ColumnRef, len(ownKeyCols))
	for i, c := range ownKeyCols {
		ownRefs[i] = model.ColumnRef{Table: ident.New(alias), Column: c}
	}
	restrict := model.Raw(fmt.Sprintf("(%s) IN (SELECT %s FROM %s)",
		columnRefList(ownRefs), ident.Columns(ownKeyCols), ownKeysTemp))
	q.Where = model.And(q.Where, restrict)
	return q
}

func columnRefList(cols []model.ColumnRef) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// materializeAffectedKeys writes the affected-key set into a session
// temp table the filtered query and the DELETE both reference.
func (e *Executor) materializeAffectedKeys(ctx context.Context, name string, keys []map[string]any, groupingKeys []ident.Column) error {
	return MaterializeInto(ctx, e.Lake.CreateTemp, name, keys, groupingKeys)
}

// MaterializeInto writes keys as a VALUES-style UNION ALL SELECT
// through create (either a Lake's CreateTemp, for a session-local
// affected-keys set, or CreateNamed, for one the parallel
// coordinator's subtask workers must read from a different
// connection).
func MaterializeInto(ctx context.Context, create func(context.Context, string, string) error, name string, keys []map[string]any, groupingKeys []ident.Column) error {
	if len(keys) == 0 {
		var nulls []string
		for _, gk := range groupingKeys {
			nulls = append(nulls, "NULL AS "+gk.String())
		}
		return create(ctx, name, fmt.Sprintf("SELECT %s LIMIT 0", strings.Join(nulls, ", ")))
	}

	var rows []string
	for _, k := range keys {
		var vals []string
		for _, gk := range groupingKeys {
			vals = append(vals, fmt.Sprintf("'%v' AS %s", k[gk.Raw()], gk.String()))
		}
		rows = append(rows, "SELECT "+strings.Join(vals, ", "))
	}
	selectQuery := strings.Join(rows, " UNION ALL ")
	return create(ctx, name, selectQuery)
}
