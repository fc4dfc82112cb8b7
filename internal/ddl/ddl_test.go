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

package ddl

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

func TestParseSimpleAggregate(t *testing.T) {
	stmt, err := Parse(`CREATE DYNAMIC TABLE analytics.orders_by_customer
		WITH (target_lag = '5m', allow_parallel = true, parallel_threshold = 1000000)
		AS SELECT customer_id, count(*) AS order_count
		FROM raw.orders
		GROUP BY customer_id`)
	require.NoError(t, err)

	tbl := stmt.Table
	require.Equal(t, "analytics", tbl.Name.Schema.Raw())
	require.Equal(t, "orders_by_customer", tbl.Name.Name.Raw())
	require.Equal(t, 5*time.Minute, tbl.TargetLag.Duration)
	require.True(t, tbl.AllowParallel)
	require.EqualValues(t, 1_000_000, tbl.ParallelThreshold)
	require.Len(t, tbl.GroupingKeys, 1)
	require.Equal(t, "customer_id", tbl.GroupingKeys[0].Raw())
	require.Len(t, tbl.Sources, 1)
	require.Equal(t, "raw.orders", tbl.Sources[0].Name.String())
	require.Len(t, tbl.Definition.Projection, 2)
	require.Equal(t, "COUNT", tbl.Definition.Projection[1].Aggregate)
}

func TestParseJoinAndWhere(t *testing.T) {
	stmt, err := Parse(`CREATE DYNAMIC TABLE reporting.active_orders AS
		SELECT o.id, c.name
		FROM raw.orders AS o
		JOIN raw.customers AS c ON o.customer_id = c.id
		WHERE o.status = 'open'`)
	require.NoError(t, err)

	q := stmt.Table.Definition
	require.Len(t, q.Joins, 1)
	require.Equal(t, model.JoinInner, q.Joins[0].Kind)
	require.NotNil(t, q.Where)
	require.Len(t, stmt.Table.Sources, 2)
}

func TestParseDefaultsTargetLagToDownstream(t *testing.T) {
	stmt, err := Parse(`CREATE DYNAMIC TABLE t AS SELECT a FROM raw.x`)
	require.NoError(t, err)
	require.True(t, stmt.Table.TargetLag.Downstream)
}

func TestParseRejectsMissingAsBody(t *testing.T) {
	_, err := Parse(`CREATE DYNAMIC TABLE t WITH (target_lag = '1m')`)
	require.Error(t, err)
}

func TestParseRejectsUnknownOption(t *testing.T) {
	_, err := Parse(`CREATE DYNAMIC TABLE t WITH (bogus = 'x') AS SELECT a FROM raw.x`)
	require.Error(t, err)
}

func TestParseRejectsMultiStatementDefinition(t *testing.T) {
	_, err := Parse(`CREATE DYNAMIC TABLE t AS SELECT a FROM raw.x; SELECT 1`)
	require.Error(t, err)
}
