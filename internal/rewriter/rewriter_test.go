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

package rewriter_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/rewriter"
)

func ordersJoinQuery() *model.Query {
	orders := model.TableRef{Source: ident.Source{Name: ident.New("orders")}, Alias: ident.New("o")}
	custs := model.TableRef{Source: ident.Source{Name: ident.New("customers")}, Alias: ident.New("c")}
	return &model.Query{
		From: orders,
		Joins: []model.Join{
			{Kind: model.JoinInner, To: custs},
		},
		GroupBy: []model.ColumnRef{{Table: ident.New("o"), Column: ident.New("customer_id")}},
	}
}

func TestPinQualifiesEveryOccurrence(t *testing.T) {
	q := ordersJoinQuery()
	pinned := rewriter.Pin(q, map[string]string{
		"orders":    "commit-a",
		"customers": "commit-b",
	})

	require.Equal(t, "commit-a", pinned.From.Pin)
	require.Equal(t, "commit-b", pinned.Joins[0].To.Pin)

	// original is untouched
	require.Equal(t, "", q.From.Pin)
	require.Equal(t, "", q.Joins[0].To.Pin)
}

func TestPinSkipsDynamicSources(t *testing.T) {
	q := ordersJoinQuery()
	q.Joins[0].To.IsDynamicSource = true

	pinned := rewriter.Pin(q, map[string]string{
		"orders":    "commit-a",
		"customers": "commit-b",
	})

	require.Equal(t, "commit-a", pinned.From.Pin)
	require.Equal(t, "", pinned.Joins[0].To.Pin)
}

func TestPinSkipsCTENames(t *testing.T) {
	inner := &model.Query{From: model.TableRef{Source: ident.Source{Name: ident.New("orders")}}}
	q := &model.Query{
		With: []model.CTE{{Name: ident.New("recent"), Query: inner}},
		From: model.TableRef{Source: ident.Source{Name: ident.New("recent")}},
	}

	pinned := rewriter.Pin(q, map[string]string{
		"orders": "commit-a",
		"recent": "commit-z",
	})

	require.Equal(t, "", pinned.From.Pin, "CTE-defined name must not be pinned")
	require.Equal(t, "commit-a", pinned.With[0].Query.From.Pin)
}

func TestPinQualifiesSetOpOtherBranch(t *testing.T) {
	q := ordersJoinQuery()
	q.SetOp = model.SetOpUnion
	q.Other = ordersJoinQuery()

	pinned := rewriter.Pin(q, map[string]string{
		"orders":    "commit-a",
		"customers": "commit-b",
	})

	require.Equal(t, "commit-a", pinned.From.Pin)
	require.Equal(t, "commit-b", pinned.Joins[0].To.Pin)
	require.Equal(t, "commit-a", pinned.Other.From.Pin, "right-hand side of the set op must be pinned too")
	require.Equal(t, "commit-b", pinned.Other.Joins[0].To.Pin)
}

func TestPinIsDeterministic(t *testing.T) {
	q := ordersJoinQuery()
	snaps := map[string]string{"orders": "commit-a", "customers": "commit-b"}

	a := rewriter.Pin(q, snaps).Render()
	b := rewriter.Pin(q, snaps).Render()
	require.Equal(t, a, b)
}

func TestAddPredicateCreatesWhereWhenAbsent(t *testing.T) {
	q := ordersJoinQuery()
	key := model.ColumnRef{Table: ident.New("o"), Column: ident.New("customer_id")}
	out := rewriter.AddPredicate(q, model.InExpr(key, "5, 7"))

	require.Contains(t, out.Render(), "WHERE o.customer_id IN (5, 7)")
	require.Nil(t, q.Where, "original query must not be mutated")
}

func TestAddPredicateAndCombinesExisting(t *testing.T) {
	q := ordersJoinQuery()
	q.Where = model.Raw("o.status = 'open'")
	key := model.ColumnRef{Table: ident.New("o"), Column: ident.New("customer_id")}

	out := rewriter.AddPredicate(q, model.InExpr(key, "5, 7"))
	rendered := out.Render()
	require.Contains(t, rendered, "o.status = 'open'")
	require.Contains(t, rendered, "AND")
	require.Contains(t, rendered, "o.customer_id IN (5, 7)")
}

func TestClassifyRejectsLimitWithoutOrderBy(t *testing.T) {
	limit := int64(10)
	q := ordersJoinQuery()
	q.Limit = &limit

	err := rewriter.ClassifyForFull(q)
	require.Error(t, err)
}

func TestClassifyRejectsMissingGroupingKeysForAffectedKeys(t *testing.T) {
	q := ordersJoinQuery()
	q.GroupBy = nil

	err := rewriter.ClassifyForAffectedKeys(q)
	require.Error(t, err)
}

func TestClassifyRejectsNonDeterministicProjection(t *testing.T) {
	q := ordersJoinQuery()
	q.Projection = []model.Expr{{Raw: "now()", NonDeterministic: true}}

	err := rewriter.ClassifyForAffectedKeys(q)
	require.Error(t, err)
}

func TestClassifyRejectsSetOperationsForAffectedKeys(t *testing.T) {
	q := ordersJoinQuery()
	q.SetOp = model.SetOpUnion
	q.Other = ordersJoinQuery()

	err := rewriter.ClassifyForAffectedKeys(q)
	require.Error(t, err)
}

func TestClassifyAcceptsWellFormedAffectedKeysQuery(t *testing.T) {
	q := ordersJoinQuery()
	err := rewriter.ClassifyForAffectedKeys(q)
	require.NoError(t, err)
}
