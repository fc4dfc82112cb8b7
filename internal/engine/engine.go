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

// Package engine assembles one process's collaborators — metadata
// store, lake connection, claim manager, executor, coordinator,
// scheduler, and worker — from a config.Config. Wiring is generated by
// google/wire from the providers in wire.go; New is the generated
// entry point callers actually use.
package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/coordinator"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/diag"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/executor"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/scheduler"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/worker"
)

// Engine is everything one dtengine process needs to run the
// scheduler tick, the worker loop, or a one-shot CLI operation against
// the metadata store and lake.
type Engine struct {
	Store       *metastore.Store
	Lake        executor.Lake
	Claims      *claims.Manager
	Executor    *executor.Executor
	Coordinator *coordinator.Coordinator
	Subtasks    *coordinator.SubtaskWorker
	Scheduler   *scheduler.Scheduler
	Worker      *worker.Worker
	Diagnostics *diag.Diagnostics
	Registry    *prometheus.Registry
}
