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

// Package executor carries out one refresh according to the strategy
// the selector chose, enforcing the atomicity and snapshot-consistency
// guarantees of the bootstrap, affected-keys and full refresh
// strategies (the parallel strategy runs in package coordinator). An
// Executor is the per-worker context object owned by each worker: it
// owns handles to the lake, the metadata store and the claim manager,
// the worker's id, and a metrics sink — every operation is a pure
// function of its inputs plus those handles, with no package-level
// state.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/rewriter"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/selector"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/util/metrics"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/util/retry"
)

// Lake is the narrow subset of *lake.Lake the executor needs,
// matching the common habit of depending on small interfaces
// (Dialect, Backfiller) rather than concrete pool types. WithChaos
// wraps this interface for fault-injection testing.
type Lake interface {
	CurrentSnapshot(ctx context.Context, source ident.Source) (snapshot.ID, error)
	TableChanges(ctx context.Context, table ident.Source, from, to snapshot.ID, keys []ident.Column) ([]lake.ChangedRow, error)
	QueryRows(ctx context.Context, query string, columns []ident.Column) ([]map[string]any, error)
	BeginTx(ctx context.Context) (*lake.Tx, error)
	CreateTemp(ctx context.Context, name string, selectQuery string) error
	CreateNamed(ctx context.Context, name string, selectQuery string) error
	DropTemp(ctx context.Context, name string) error
	TargetRowCount(ctx context.Context, table ident.Table) (int64, error)
}

// metricSet holds the duration/error metrics every strategy records,
// named per the <component>_<verb>_duration_seconds convention.
type metricSet struct {
	duration *prometheus.HistogramVec
	errors   *prometheus.CounterVec
}

// Executor is the per-worker context object that every refresh
// strategy runs against.
type Executor struct {
	Store    *metastore.Store
	Lake     Lake
	Claims   *claims.Manager
	WorkerID string

	metrics *metricSet
}

// NewExecutor wires an Executor from its handles. Metrics are created
// unregistered; callers that want them exposed should register
// e.Collectors() with their own registry.
func NewExecutor(store *metastore.Store, lk Lake, cm *claims.Manager, workerID string) *Executor {
	return &Executor{
		Store:    store,
		Lake:     lk,
		Claims:   cm,
		WorkerID: workerID,
		metrics: &metricSet{
			duration: metrics.NewDurationHistogram("refresh_execute_duration_seconds", "refresh execution duration", metrics.StrategyLabels),
			errors:   metrics.NewErrorCounter("refresh_execute_errors_total", "refresh execution errors", metrics.StrategyLabels),
		},
	}
}

// Collectors returns the executor's metrics for registration with a
// prometheus.Registerer.
func (e *Executor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{e.metrics.duration, e.metrics.errors}
}

// Execute runs one refresh attempt of table under the strategy chosen
// by the selector, returning the resulting history entry. The caller
// must already hold a fresh table claim.
func (e *Executor) Execute(ctx context.Context, table *model.DynamicTable, decision selector.Decision, trigger model.Trigger) (*model.RefreshHistory, error) {
	start := time.Now().UTC()
	history := &model.RefreshHistory{
		ID:           uuid.New(),
		DynamicTable: table.Name,
		StartedAt:    start,
		Strategy:     decision.Strategy,
		Trigger:      trigger,
	}

	log.WithFields(log.Fields{"table": table.Name.String(), "strategy": decision.Strategy}).Info("executing refresh")

	var err error
	switch decision.Strategy {
	case model.StrategyBootstrap:
		err = e.runBootstrap(ctx, table, history)
	case model.StrategyFullRefresh:
		err = e.runFull(ctx, table, history)
	case model.StrategySingleAffected:
		err = e.runSingleAffected(ctx, table, history)
	case model.StrategyNoop:
		e.runNoop(history)
	default:
		err = model.Classify(model.ErrorFatal, "unsupported_strategy", errUnsupportedStrategy{decision.Strategy})
	}

	history.CompletedAt = time.Now().UTC()
	history.DurationMS = history.CompletedAt.Sub(start).Milliseconds()

	if err != nil {
		history.Status = model.OutcomeFailed
		history.ErrorCode = model.KindOf(err)
		history.ErrorMessage = err.Error()
		e.metrics.errors.WithLabelValues(table.Name.String(), string(decision.Strategy)).Inc()
	} else if history.Status == "" {
		history.Status = model.OutcomeSuccess
	}
	e.metrics.duration.WithLabelValues(table.Name.String(), string(decision.Strategy)).Observe(time.Since(start).Seconds())

	// Metadata advancement happens after the lake commit (or, for a
	// failed/no-op attempt, there is no lake state to protect); the
	// insert itself is idempotent on (dynamic_table, started_at), so a
	// retried write after a crash between commit and this insert is
	// safe to repeat.
	if histErr := e.Store.InsertHistory(ctx, nil, history); histErr != nil {
		if retryErr := retry.Do(ctx, func() error { return e.Store.InsertHistory(ctx, nil, history) }); retryErr != nil {
			log.WithError(retryErr).WithField("table", table.Name.String()).Error("failed to persist refresh history after retries")
		}
	}

	return history, err
}

func (e *Executor) runNoop(history *model.RefreshHistory) {
	history.Status = model.OutcomeSkipped
}

// classifyForStrategy applies the full/affected-keys classifier
// appropriate to strategy before any lake work begins, surfacing a
// Definitional error rather than letting an unsupported
// construct reach the lake.
func classifyForStrategy(q *model.Query, strategy model.Strategy) error {
	switch strategy {
	case model.StrategySingleAffected, model.StrategyParallelAffected:
		return rewriter.ClassifyForAffectedKeys(q)
	default:
		return rewriter.ClassifyForFull(q)
	}
}

type errUnsupportedStrategy struct{ s model.Strategy }

func (e errUnsupportedStrategy) Error() string { return "unsupported strategy: " + string(e.s) }
