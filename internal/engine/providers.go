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

package engine

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/config"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/coordinator"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/diag"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/executor"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/scheduler"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/worker"
)

// ProvideStore opens the metadata pool.
func ProvideStore(ctx context.Context, cfg *config.Config) (*metastore.Store, func(), error) {
	store, err := metastore.Open(ctx, cfg.MetadataURL)
	if err != nil {
		return nil, nil, err
	}
	return store, store.Close, nil
}

// ProvideLake opens the lake connection for the configured driver.
func ProvideLake(cfg *config.Config) (executor.Lake, func(), error) {
	lk, err := lake.Open(lake.Driver(cfg.LakeDriver), cfg.LakeDSN)
	if err != nil {
		return nil, nil, err
	}
	return lk, func() { _ = lk.Close() }, nil
}

// ProvideClaims constructs the claim manager, sharing the metadata pool.
func ProvideClaims(cfg *config.Config, store *metastore.Store) *claims.Manager {
	return claims.New(store.Pool, cfg.ClaimTimeout)
}

// ProvideExecutor wires the single-worker refresh executor.
func ProvideExecutor(store *metastore.Store, lk executor.Lake, cm *claims.Manager, cfg *config.Config) *executor.Executor {
	return executor.NewExecutor(store, lk, cm, cfg.WorkerID)
}

// ProvideCoordinator wires the parallel affected-keys coordinator,
// applying the configured heartbeat interval so it stays consistent
// with the worker's own heartbeat cadence.
func ProvideCoordinator(store *metastore.Store, lk executor.Lake, cm *claims.Manager, cfg *config.Config) *coordinator.Coordinator {
	co := coordinator.New(store, lk, cm, cfg.WorkerID)
	if cfg.HeartbeatInterval > 0 {
		co.HeartbeatInterval = cfg.HeartbeatInterval
	}
	return co
}

// ProvideSubtaskWorker wires the per-subtask executor.
func ProvideSubtaskWorker(store *metastore.Store, lk executor.Lake, cm *claims.Manager) *coordinator.SubtaskWorker {
	return coordinator.NewSubtaskWorker(store, lk, cm)
}

// ProvideScheduler wires the tick scheduler.
func ProvideScheduler(store *metastore.Store, cm *claims.Manager) *scheduler.Scheduler {
	return scheduler.New(store, cm)
}

// ProvideWorker wires the main claim/execute/heartbeat loop.
func ProvideWorker(store *metastore.Store, lk executor.Lake, cm *claims.Manager, ex *executor.Executor,
	co *coordinator.Coordinator, sw *coordinator.SubtaskWorker, cfg *config.Config) *worker.Worker {
	w := worker.New(store, lk, cm, ex, co, sw, cfg.WorkerID)
	if cfg.PollInterval > 0 {
		w.PollInterval = cfg.PollInterval
	}
	if cfg.HeartbeatInterval > 0 {
		w.HeartbeatInterval = cfg.HeartbeatInterval
	}
	w.PeerCount = cfg.PeerCount
	return w
}

// ProvideDiagnostics constructs the health-check registry and
// registers one check, "metastore", which pings the metadata pool.
func ProvideDiagnostics(ctx context.Context, store *metastore.Store) (*diag.Diagnostics, func()) {
	diags, cleanup := diag.New(ctx)
	_ = diags.Register("metastore", diag.CheckFunc(func(ctx context.Context) error {
		return store.Pool.Ping(ctx)
	}))
	return diags, cleanup
}

// ProvideRegistry constructs the Prometheus registry and registers
// every component's collectors.
func ProvideRegistry(ex *executor.Executor) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	for _, c := range ex.Collectors() {
		_ = reg.Register(c)
	}
	return reg
}
