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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/enginetest"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// noopLake answers every call successfully with zero values; it
// exists only so chaosLake has a delegate whose own behavior never
// interferes with the probability check under test.
type noopLake struct{}

func (noopLake) CurrentSnapshot(context.Context, ident.Source) (snapshot.ID, error) {
	return snapshot.ID{}, nil
}
func (noopLake) TableChanges(context.Context, ident.Source, snapshot.ID, snapshot.ID, []ident.Column) ([]lake.ChangedRow, error) {
	return nil, nil
}
func (noopLake) QueryRows(context.Context, string, []ident.Column) ([]map[string]any, error) {
	return nil, nil
}
func (noopLake) BeginTx(context.Context) (*lake.Tx, error)        { return nil, nil }
func (noopLake) CreateTemp(context.Context, string, string) error { return nil }
func (noopLake) CreateNamed(context.Context, string, string) error { return nil }
func (noopLake) DropTemp(context.Context, string) error            { return nil }
func (noopLake) TargetRowCount(context.Context, ident.Table) (int64, error) { return 0, nil }

func TestWithChaosReturnsDelegateWhenProbNonPositive(t *testing.T) {
	delegate := &noopLake{}
	require.Same(t, Lake(delegate), WithChaos(delegate, 0))
	require.Same(t, Lake(delegate), WithChaos(delegate, -1))
}

func TestWithChaosAlwaysFailsAtProbOne(t *testing.T) {
	l := WithChaos(noopLake{}, 1)

	_, err := l.CurrentSnapshot(context.Background(), ident.Source{})
	require.ErrorIs(t, err, ErrChaos)

	_, err = l.TableChanges(context.Background(), ident.Source{}, snapshot.ID{}, snapshot.ID{}, nil)
	require.ErrorIs(t, err, ErrChaos)

	_, err = l.QueryRows(context.Background(), "select 1", nil)
	require.ErrorIs(t, err, ErrChaos)

	_, err = l.BeginTx(context.Background())
	require.ErrorIs(t, err, ErrChaos)

	require.ErrorIs(t, l.CreateTemp(context.Background(), "t", "select 1"), ErrChaos)
	require.ErrorIs(t, l.CreateNamed(context.Background(), "t", "select 1"), ErrChaos)
	require.ErrorIs(t, l.DropTemp(context.Background(), "t"), ErrChaos)

	_, err = l.TargetRowCount(context.Background(), ident.Table{})
	require.ErrorIs(t, err, ErrChaos)
}

func TestWithChaosNeverFailsAtProbZero(t *testing.T) {
	// a prob of zero returns the delegate unwrapped, so calls through
	// it never fail with ErrChaos.
	l := WithChaos(noopLake{}, 0.0)
	_, err := l.CurrentSnapshot(context.Background(), ident.Source{})
	require.NoError(t, err)
}

func TestClassifyForStrategyDispatchesAffectedKeysVsFull(t *testing.T) {
	withGroup := &model.Query{
		From:    model.TableRef{Source: ident.Source{Name: ident.New("orders")}},
		GroupBy: []model.ColumnRef{{Column: ident.New("customer_id")}},
	}
	require.NoError(t, classifyForStrategy(withGroup, model.StrategySingleAffected))
	require.NoError(t, classifyForStrategy(withGroup, model.StrategyFullRefresh))

	noGroup := &model.Query{From: model.TableRef{Source: ident.Source{Name: ident.New("orders")}}}
	require.Error(t, classifyForStrategy(noGroup, model.StrategySingleAffected))
	require.NoError(t, classifyForStrategy(noGroup, model.StrategyFullRefresh))
}

func TestUnsupportedStrategyErrorMessage(t *testing.T) {
	err := errUnsupportedStrategy{s: model.Strategy("bogus")}
	require.Equal(t, "unsupported strategy: bogus", err.Error())
}

func TestNullSafeDiffPredicateJoinsMultipleKeysWithOr(t *testing.T) {
	keys := []ident.Column{ident.New("customer_id"), ident.New("region")}
	pred := nullSafeDiffPredicate(keys, "new_rows", "target")
	require.Equal(t,
		"new_rows.customer_id IS DISTINCT FROM target.customer_id OR new_rows.region IS DISTINCT FROM target.region",
		pred)
}

func TestNullSafeDiffPredicateWithNoKeysIsTrue(t *testing.T) {
	require.Equal(t, "TRUE", nullSafeDiffPredicate(nil, "new_rows", "target"))
}

// ordersCustomersTable models SELECT o.customer_id, COUNT(*) FROM
// orders o JOIN customers c ON o.customer_id = c.id GROUP BY
// o.customer_id — the target's only grouping key belongs to orders,
// not customers, so a change on customers can only be turned into
// affected orders.customer_id values by joining back through the
// equi-join condition.
func ordersCustomersTable() *model.DynamicTable {
	orders := ident.Source{Name: ident.New("orders")}
	customers := ident.Source{Name: ident.New("customers")}
	return &model.DynamicTable{
		Name:         ident.NewTable(ident.New(""), ident.New("order_customer_counts")),
		GroupingKeys: []ident.Column{ident.New("customer_id")},
		Sources: []model.SourceRef{
			{Name: orders},
			{Name: customers},
		},
		Definition: &model.Query{
			From: model.TableRef{Source: orders, Alias: ident.New("o")},
			Joins: []model.Join{
				{
					Kind: model.JoinInner,
					To:   model.TableRef{Source: customers, Alias: ident.New("c")},
					On:   model.Raw("o.customer_id = c.id"),
					OnColumns: []model.JoinColumnPair{
						{Left: model.ColumnRef{Table: ident.New("o"), Column: ident.New("customer_id")},
							Right: model.ColumnRef{Table: ident.New("c"), Column: ident.New("id")}},
					},
				},
			},
			GroupBy: []model.ColumnRef{{Table: ident.New("o"), Column: ident.New("customer_id")}},
			Projection: []model.Expr{
				{Column: &model.ColumnRef{Table: ident.New("o"), Column: ident.New("customer_id")}},
				{Aggregate: "COUNT"},
			},
		},
	}
}

func TestExtractAffectedKeysTranslatesForeignSourceAcrossJoin(t *testing.T) {
	table := ordersCustomersTable()
	customersSrc := ident.Source{Name: ident.New("customers")}

	stored := map[string]snapshot.ID{
		"orders":    {Seq: 1, Commit: "c1"},
		"customers": {Seq: 1, Commit: "c1"},
	}
	current := map[string]snapshot.ID{
		"orders":    {Seq: 1, Commit: "c1"},
		"customers": {Seq: 2, Commit: "c2"},
	}

	fl := enginetest.NewFakeLake()
	fl.SetChanges(customersSrc, []lake.ChangedRow{
		{Kind: lake.ChangeUpdatePostimage, Keys: map[string]any{"id": "42"}},
	})
	fl.QueueQueryRows([]map[string]any{{"customer_id": "42"}})

	keys, changedAny, err := ExtractAffectedKeys(context.Background(), fl, table, stored, current)
	require.NoError(t, err)
	require.True(t, changedAny)
	require.Equal(t, []map[string]any{{"customer_id": "42"}}, keys)

	require.Len(t, fl.Queries, 1, "translation must query the lake once for the foreign source")
	require.Contains(t, fl.Queries[0], "customers")
}

func TestExtractAffectedKeysReadsLocalSourceDirectly(t *testing.T) {
	table := ordersCustomersTable()
	ordersSrc := ident.Source{Name: ident.New("orders")}

	stored := map[string]snapshot.ID{
		"orders":    {Seq: 1, Commit: "c1"},
		"customers": {Seq: 1, Commit: "c1"},
	}
	current := map[string]snapshot.ID{
		"orders":    {Seq: 2, Commit: "c2"},
		"customers": {Seq: 1, Commit: "c1"},
	}

	fl := enginetest.NewFakeLake()
	fl.SetChanges(ordersSrc, []lake.ChangedRow{
		{Kind: lake.ChangeInsert, Keys: map[string]any{"customer_id": "7"}},
	})

	keys, changedAny, err := ExtractAffectedKeys(context.Background(), fl, table, stored, current)
	require.NoError(t, err)
	require.True(t, changedAny)
	require.Equal(t, []map[string]any{{"customer_id": "7"}}, keys)
	require.Empty(t, fl.Queries, "a grouping key local to the changed source needs no join translation")
}
