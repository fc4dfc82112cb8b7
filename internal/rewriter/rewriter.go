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

// Package rewriter implements the two pure, deterministic AST
// transformations the executor composes to build a refresh's actual
// query: Pin (inject snapshot-pin clauses for every base-lake source
// occurrence) and AddPredicate (AND-combine an extra restriction into
// the outermost WHERE). Neither function consults the lake or the
// metadata store; both operate strictly on model.Query values in and
// out, matching the "AST→AST, rendering is a single final step"
// design named for this engine.
package rewriter

import (
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// Pin returns a copy of q in which every occurrence of a named
// base-lake source — in the top-level FROM, in JOINs including
// self-joins, and in nested subqueries — is qualified with the
// snapshot pin from snapshots. CTE-defined names are left unpinned;
// sources flagged IsDynamicSource are left unpinned because they are
// already materialized at a consistent version by their own refresh.
// Pin is order-independent: calling it twice with the same q and
// snapshots produces byte-identical output.
func Pin(q *model.Query, snapshots map[string]string) *model.Query {
	out := cloneQuery(q)
	pinQuery(out, snapshots, out.CTENames())
	return out
}

func pinQuery(q *model.Query, snapshots map[string]string, cteNames map[string]bool) {
	pinRef(&q.From, snapshots, cteNames)
	for i := range q.Joins {
		pinRef(&q.Joins[i].To, snapshots, cteNames)
	}
	for i := range q.With {
		nested := q.With[i].Query.CTENames()
		for k := range cteNames {
			nested[k] = true
		}
		pinQuery(q.With[i].Query, snapshots, nested)
	}
	if q.Other != nil {
		pinQuery(q.Other, snapshots, cteNames)
	}
}

func pinRef(ref *model.TableRef, snapshots map[string]string, cteNames map[string]bool) {
	if ref.Subquery != nil {
		pinQuery(ref.Subquery, snapshots, cteNames)
		return
	}
	if ref.IsDynamicSource {
		return
	}
	if cteNames[ref.Source.String()] || cteNames[ref.Source.Name.Raw()] {
		return
	}
	if pin, ok := snapshots[ref.Source.String()]; ok {
		ref.Pin = pin
	}
}

// AddPredicate returns a copy of q with predicate AND-combined into
// the outermost SELECT's WHERE clause, creating one if absent. Used
// by the executor to restrict recomputation to the affected-keys set.
func AddPredicate(q *model.Query, predicate *model.Predicate) *model.Query {
	out := cloneQuery(q)
	out.Where = model.And(out.Where, predicate)
	return out
}

func cloneQuery(q *model.Query) *model.Query {
	if q == nil {
		return nil
	}
	cp := *q

	cp.With = make([]model.CTE, len(q.With))
	for i, c := range q.With {
		cp.With[i] = model.CTE{Name: c.Name, Query: cloneQuery(c.Query), Recursive: c.Recursive}
	}

	cp.From = cloneRef(q.From)

	cp.Joins = make([]model.Join, len(q.Joins))
	for i, j := range q.Joins {
		cp.Joins[i] = model.Join{Kind: j.Kind, To: cloneRef(j.To), On: j.On, OnColumns: j.OnColumns}
	}

	cp.GroupBy = append([]model.ColumnRef(nil), q.GroupBy...)
	cp.Projection = append([]model.Expr(nil), q.Projection...)
	cp.OrderBy = append([]model.OrderTerm(nil), q.OrderBy...)
	cp.Other = cloneQuery(q.Other)

	return &cp
}

func cloneRef(ref model.TableRef) model.TableRef {
	cp := ref
	if ref.Subquery != nil {
		cp.Subquery = cloneQuery(ref.Subquery)
	}
	return cp
}
