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

package coordinator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

func TestSubtaskCountFloorsAtTwo(t *testing.T) {
	require.Equal(t, 2, subtaskCount(10, 0))
	require.Equal(t, 2, subtaskCount(1, 8))
}

func TestSubtaskCountScalesWithAffectedCount(t *testing.T) {
	require.Equal(t, 4, subtaskCount(20_000_000, 8))
}

func TestSubtaskCountClampsToMaxParallelism(t *testing.T) {
	require.Equal(t, 4, subtaskCount(100_000_000, 4))
}

func TestPartitionSpecsCoverEveryIndexOnce(t *testing.T) {
	table := &model.DynamicTable{GroupingKeys: []ident.Column{ident.New("customer_id")}}
	specs := partitionSpecs(table, 4)
	require.Len(t, specs, 4)
	for i, s := range specs {
		require.Equal(t, model.SubtaskHashRange, s.Kind)
		require.Equal(t, 4, s.N)
		require.Equal(t, i, s.I)
		require.Equal(t, "customer_id", s.KeyColumn.Raw())
	}
}

func TestAffectedKeysTableNameSanitizesDots(t *testing.T) {
	table := ident.NewTable(ident.New("analytics"), ident.New("orders_by_customer"))
	require.Equal(t, "affected_keys_analytics_orders_by_customer", affectedKeysTableName(table))
}

func TestHeartbeatIntervalDefaultsWhenUnset(t *testing.T) {
	c := &Coordinator{}
	require.Equal(t, DefaultHeartbeatInterval, c.heartbeatInterval())

	c.HeartbeatInterval = time.Second
	require.Equal(t, time.Second, c.heartbeatInterval())
}

func TestPartitionPredicateRendersEachKind(t *testing.T) {
	hash := partitionPredicate(model.PartitionSpec{Kind: model.SubtaskHashRange, KeyColumn: ident.New("customer_id"), N: 4, I: 1})
	require.Contains(t, hash.Literal, "CRC32(customer_id) % 4 = 1")

	mod := partitionPredicate(model.PartitionSpec{Kind: model.SubtaskModulo, KeyColumn: ident.New("customer_id"), N: 4, I: 2})
	require.Contains(t, mod.Literal, "customer_id % 4 = 2")

	lit := partitionPredicate(model.PartitionSpec{Kind: model.SubtaskPartition, Expr: "region = 'west'"})
	require.Equal(t, "region = 'west'", lit.Literal)
}
