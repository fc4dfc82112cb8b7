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

// Package selector implements the refresh-strategy decision order: given a
// pending refresh, choose among bootstrap, no-op, full,
// parallel-affected-keys, and single-worker affected-keys. Selection
// depends only on the inputs in Input — it never touches the lake or
// metadata store itself, so it is unit-testable against synthetic
// snapshot diffs.
package selector

import (
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// Input collects everything the selector needs to decide a strategy
// for one pending refresh of table.
type Input struct {
	Table *model.DynamicTable

	// HasAnySourceSnapshot is false exactly when no SourceSnapshot row
	// exists yet for this table — the bootstrap condition.
	HasAnySourceSnapshot bool

	// AnySourceAdvanced is true iff at least one base source's current
	// snapshot differs from its stored last snapshot.
	AnySourceAdvanced bool

	// AffectedKeyCount is the unioned, de-duplicated count of grouping
	// keys appearing in the change feed across all changed sources.
	// Only meaningful (and only computed by the caller) when
	// AnySourceAdvanced is true and the table supports affected_keys.
	AffectedKeyCount int64

	// TargetRowCount is the current row count of the target, used for
	// the cardinality-threshold comparison.
	TargetRowCount int64

	// IdleWorkerCount is the number of workers the caller observed as
	// idle at decision time, for the parallel-path gate.
	IdleWorkerCount int

	// FullOnly is set by the caller when the rewriter's classifier
	// rejected the query for affected_keys (e.g. a window function
	// without a partition key), forcing a full refresh regardless of
	// policy or cardinality.
	FullOnly bool
}

// Decision is the selector's output: which strategy to run.
type Decision struct {
	Strategy model.Strategy
	Reason   string
}

// Select applies the refresh-strategy decision order in full.
func Select(in Input) Decision {
	if !in.HasAnySourceSnapshot {
		return Decision{Strategy: model.StrategyBootstrap, Reason: "no source_snapshots row exists"}
	}

	if !in.AnySourceAdvanced {
		return Decision{Strategy: model.StrategyNoop, Reason: "no source snapshot advanced since last refresh"}
	}

	if in.Table.RefreshStrategy == model.StrategyFull || !in.Table.SupportsAffectedKeys() || in.FullOnly {
		return Decision{Strategy: model.StrategyFullRefresh, Reason: "policy, missing grouping keys, or unsupported query forces full"}
	}

	threshold := in.Table.CardinalityThreshold
	if threshold == 0 {
		threshold = model.DefaultCardinalityThreshold
	}
	if in.TargetRowCount > 0 && float64(in.AffectedKeyCount)/float64(in.TargetRowCount) > threshold {
		return Decision{Strategy: model.StrategyFullRefresh, Reason: "affected/total exceeds cardinality_threshold"}
	}

	if in.Table.AllowParallel && in.AffectedKeyCount >= in.Table.ParallelThreshold && in.IdleWorkerCount >= 2 {
		return Decision{Strategy: model.StrategyParallelAffected, Reason: "affected count and idle workers justify coordination overhead"}
	}

	return Decision{Strategy: model.StrategySingleAffected, Reason: "default affected-keys path"}
}
