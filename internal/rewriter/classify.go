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

package rewriter

import "github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"

// ClassifyForAffectedKeys rejects the query constructs that are
// unsupported when a table's strategy could resolve to affected_keys:
// window functions without a partition key, LIMIT without ORDER BY,
// non-deterministic projection expressions, DISTINCT without GROUP
// BY, set operations, and recursive CTEs. A full-refresh-only table
// never calls this; ClassifyForFull applies the subset of these rules
// that hold regardless of strategy.
func ClassifyForAffectedKeys(q *model.Query) error {
	if err := ClassifyForFull(q); err != nil {
		return err
	}
	if q.Distinct && len(q.GroupBy) == 0 {
		return model.NewInvalidQuery("DISTINCT without GROUP BY is unsupported for affected_keys")
	}
	if len(q.GroupBy) == 0 {
		return model.NewInvalidQuery("affected_keys requires a non-empty GROUP BY")
	}
	if q.SetOp != model.SetOpNone {
		return model.NewInvalidQuery("set operations are unsupported for affected_keys")
	}
	for _, c := range q.With {
		if c.Recursive {
			return model.NewInvalidQuery("recursive CTEs are unsupported for affected_keys")
		}
	}
	for _, e := range q.Projection {
		if e.NonDeterministic {
			return model.NewInvalidQuery("non-deterministic function in projection is unsupported for affected_keys")
		}
		if e.Window != nil && len(e.Window.PartitionBy) == 0 {
			return model.NewInvalidQuery("window function without PARTITION BY is unsupported for affected_keys")
		}
	}
	return nil
}

// ClassifyForFull rejects constructs unsupported for any strategy:
// today that is only "LIMIT without ORDER BY", since an unordered
// LIMIT has no stable meaning across re-executions at different
// snapshots.
func ClassifyForFull(q *model.Query) error {
	if q.Limit != nil && len(q.OrderBy) == 0 {
		return model.NewInvalidQuery("LIMIT without ORDER BY is unsupported")
	}
	return nil
}
