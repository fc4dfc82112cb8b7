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

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

func tbl(name string) *model.DynamicTable {
	return &model.DynamicTable{Name: ident.NewTable(ident.New(""), ident.New(name)), Status: model.StatusActive}
}

// a <- b <- c (c reads b, b reads a; a is the root).
func chainEdges() []model.DependencyEdge {
	return []model.DependencyEdge{
		{Downstream: ident.NewTable(ident.New(""), ident.New("b")), Upstream: ident.NewTable(ident.New(""), ident.New("a"))},
		{Downstream: ident.NewTable(ident.New(""), ident.New("c")), Upstream: ident.NewTable(ident.New(""), ident.New("b"))},
	}
}

func TestTopologicalOrderPutsRootsFirstWithHighestPriority(t *testing.T) {
	due := map[string]bool{"a": true, "b": true, "c": true}
	order, depth, err := topologicalOrder(due, chainEdges())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, namesOf(order))
	require.Equal(t, 0, depth["a"])
	require.Equal(t, 1, depth["b"])
	require.Equal(t, 2, depth["c"])
}

func TestTopologicalOrderDetectsCycle(t *testing.T) {
	due := map[string]bool{"a": true, "b": true}
	edges := []model.DependencyEdge{
		{Downstream: ident.NewTable(ident.New(""), ident.New("a")), Upstream: ident.NewTable(ident.New(""), ident.New("b"))},
		{Downstream: ident.NewTable(ident.New(""), ident.New("b")), Upstream: ident.NewTable(ident.New(""), ident.New("a"))},
	}
	_, _, err := topologicalOrder(due, edges)
	require.Error(t, err)
}

func TestCloseUnderDependenciesPullsInUpstreamOfDueTable(t *testing.T) {
	s := &Scheduler{}
	tables := []*model.DynamicTable{tbl("a"), tbl("b"), tbl("c")}
	due := map[string]bool{"c": true}
	closure := s.closeUnderDependencies(due, tables, chainEdges())
	require.True(t, closure["c"])
	require.True(t, closure["b"], "b is c's upstream")
	require.True(t, closure["a"], "a is b's upstream, transitively c's")
}

func TestCloseUnderDependenciesPropagatesDownstreamPolicy(t *testing.T) {
	s := &Scheduler{}
	b := tbl("b")
	b.TargetLag = model.Downstream()
	tables := []*model.DynamicTable{tbl("a"), b, tbl("c")}
	due := map[string]bool{"a": true}
	closure := s.closeUnderDependencies(due, tables, chainEdges())
	require.True(t, closure["b"], "b follows its upstream a via target_lag=downstream")
}

func namesOf(tables []ident.Table) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.String()
	}
	return out
}
