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

package selector_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/selector"
)

func baseTable() *model.DynamicTable {
	return &model.DynamicTable{
		Name:                 ident.NewTable(ident.New(""), ident.New("orders_by_customer")),
		GroupingKeys:         []ident.Column{ident.New("customer_id")},
		RefreshStrategy:      model.StrategyAuto,
		CardinalityThreshold: 0.3,
	}
}

func TestSelectBootstrapWhenNoSnapshotRow(t *testing.T) {
	d := selector.Select(selector.Input{Table: baseTable(), HasAnySourceSnapshot: false})
	require.Equal(t, model.StrategyBootstrap, d.Strategy)
}

func TestSelectNoopWhenNothingAdvanced(t *testing.T) {
	d := selector.Select(selector.Input{Table: baseTable(), HasAnySourceSnapshot: true, AnySourceAdvanced: false})
	require.Equal(t, model.StrategyNoop, d.Strategy)
}

func TestSelectFullWhenPolicyForcesFull(t *testing.T) {
	table := baseTable()
	table.RefreshStrategy = model.StrategyFull
	d := selector.Select(selector.Input{Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true})
	require.Equal(t, model.StrategyFullRefresh, d.Strategy)
}

func TestSelectFullWhenNoGroupingKeys(t *testing.T) {
	table := baseTable()
	table.GroupingKeys = nil
	d := selector.Select(selector.Input{Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true})
	require.Equal(t, model.StrategyFullRefresh, d.Strategy)
}

func TestSelectFullWhenCardinalityExceedsThreshold(t *testing.T) {
	table := baseTable()
	d := selector.Select(selector.Input{
		Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true,
		AffectedKeyCount: 40, TargetRowCount: 100,
	})
	require.Equal(t, model.StrategyFullRefresh, d.Strategy, "40%% affected exceeds 0.3 threshold")
}

func TestSelectParallelWhenThresholdAndIdleWorkersMet(t *testing.T) {
	table := baseTable()
	table.AllowParallel = true
	table.ParallelThreshold = 10_000_000
	table.MaxParallelism = 4

	d := selector.Select(selector.Input{
		Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true,
		AffectedKeyCount: 20_000_000, TargetRowCount: 1_000_000_000, IdleWorkerCount: 2,
	})
	require.Equal(t, model.StrategyParallelAffected, d.Strategy)
}

func TestSelectSingleAffectedAsDefault(t *testing.T) {
	table := baseTable()
	d := selector.Select(selector.Input{
		Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true,
		AffectedKeyCount: 2, TargetRowCount: 1_000_000,
	})
	require.Equal(t, model.StrategySingleAffected, d.Strategy)
}

func TestSelectDoesNotGoParallelWithTooFewIdleWorkers(t *testing.T) {
	table := baseTable()
	table.AllowParallel = true
	table.ParallelThreshold = 10

	d := selector.Select(selector.Input{
		Table: table, HasAnySourceSnapshot: true, AnySourceAdvanced: true,
		AffectedKeyCount: 1000, TargetRowCount: 1_000_000, IdleWorkerCount: 1,
	})
	require.Equal(t, model.StrategySingleAffected, d.Strategy)
}
