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

// Package worker implements the main loop every engine process runs:
// poll for claimable table work first, claimable subtask work second,
// sleep if neither is available, and heartbeat whatever claim is held
// while work is in flight. Graceful shutdown stops polling for new
// work and gives in-flight work a bounded grace period to finish
// before abandoning its claim.
package worker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/coordinator"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/executor"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/selector"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/util/stopper"
)

// DefaultPollInterval is how long a worker sleeps after an iteration
// that found no claimable work.
const DefaultPollInterval = 60 * time.Second

// DefaultHeartbeatInterval is how often a worker extends whatever
// claim it holds while work is in flight.
const DefaultHeartbeatInterval = 30 * time.Second

// Worker runs the claim/execute/heartbeat/release loop for one engine
// process. PeerCount is a coarse stand-in for a cluster-wide idle
// worker registry this system does not otherwise track; it is the
// configured size of the worker pool the operator deployed, used as
// selector.Input.IdleWorkerCount minus the worker doing the counting.
type Worker struct {
	Store       *metastore.Store
	Lake        executor.Lake
	Claims      *claims.Manager
	Executor    *executor.Executor
	Coordinator *coordinator.Coordinator
	Subtasks    *coordinator.SubtaskWorker
	WorkerID    string

	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	PeerCount         int
}

// New wires a Worker from its collaborators, defaulting poll and
// heartbeat intervals.
func New(store *metastore.Store, lk executor.Lake, cm *claims.Manager, ex *executor.Executor,
	co *coordinator.Coordinator, sw *coordinator.SubtaskWorker, workerID string) *Worker {
	return &Worker{
		Store: store, Lake: lk, Claims: cm, Executor: ex, Coordinator: co, Subtasks: sw, WorkerID: workerID,
		PollInterval: DefaultPollInterval, HeartbeatInterval: DefaultHeartbeatInterval,
	}
}

func (w *Worker) pollInterval() time.Duration {
	if w.PollInterval > 0 {
		return w.PollInterval
	}
	return DefaultPollInterval
}

func (w *Worker) heartbeatInterval() time.Duration {
	if w.HeartbeatInterval > 0 {
		return w.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (w *Worker) idleWorkerCount() int {
	if w.PeerCount > 1 {
		return w.PeerCount - 1
	}
	return 0
}

// Run polls until stop requests graceful shutdown. Each iteration that
// finds no claimable work sleeps for PollInterval; an iteration that
// claims and runs work loops immediately to check for more, since a
// busy queue shouldn't idle a worker for a full poll interval between
// items.
func (w *Worker) Run(stop *stopper.Context) error {
	for {
		select {
		case <-stop.Stopping():
			return nil
		case <-stop.Done():
			return stop.Err()
		default:
		}

		found, err := w.pollOnce(stop)
		if err != nil {
			log.WithError(err).WithField("worker", w.WorkerID).Error("worker: poll iteration failed")
		}
		if found {
			continue
		}

		_, woken := w.Claims.Released()
		select {
		case <-stop.Stopping():
			return nil
		case <-stop.Done():
			return stop.Err()
		case <-time.After(w.pollInterval()):
		case <-woken:
		}
	}
}

// pollOnce tries, in priority order, to claim one due table refresh
// and then one pending subtask. found is true if either succeeded in
// claiming (and running) something, regardless of that work's outcome
// — a failed refresh still counts as "found work" for loop pacing.
func (w *Worker) pollOnce(ctx context.Context) (found bool, err error) {
	due, err := w.Store.ClaimableDue(ctx, 1)
	if err != nil {
		return false, errors.Wrap(err, "worker: list claimable due")
	}
	if len(due) > 0 {
		claimed, err := w.tryClaimTable(ctx, due[0].DynamicTable)
		if err != nil {
			return false, err
		}
		if claimed {
			return true, nil
		}
	}

	subtask, err := w.Claims.ClaimAnySubtask(ctx, w.WorkerID)
	if err != nil {
		return false, errors.Wrap(err, "worker: claim any subtask")
	}
	if subtask == nil {
		return false, nil
	}
	w.runSubtask(ctx, subtask)
	return true, nil
}

// tryClaimTable attempts the table claim; losing the race to another
// worker is not an error, just nothing to do this iteration.
func (w *Worker) tryClaimTable(ctx context.Context, name ident.Table) (bool, error) {
	if _, err := w.Claims.ClaimTable(ctx, name, w.WorkerID); err != nil {
		if errors.Is(err, claims.ErrAlreadyClaimed) {
			return false, nil
		}
		return false, errors.Wrapf(err, "worker: claim table %s", name)
	}
	if err := w.Store.Dequeue(ctx, name); err != nil {
		log.WithError(err).WithField("table", name.String()).Warn("worker: dequeue after claim")
	}
	w.runTable(ctx, name)
	return true, nil
}

// runTable loads the table, decides a strategy, runs it under a
// heartbeat goroutine, and releases the claim regardless of outcome.
func (w *Worker) runTable(ctx context.Context, name ident.Table) {
	defer func() {
		if err := w.Claims.Release(ctx, name, w.WorkerID); err != nil {
			log.WithError(err).WithField("table", name.String()).Error("worker: release table claim")
		}
	}()

	table, err := w.Store.GetTable(ctx, name)
	if err != nil {
		log.WithError(err).WithField("table", name.String()).Error("worker: load claimed table")
		return
	}

	decision, err := w.decide(ctx, table)
	if err != nil {
		log.WithError(err).WithField("table", name.String()).Error("worker: strategy selection failed")
		return
	}

	// The parallel path heartbeats its own claim internally (its
	// subtask wait can run far longer than one poll interval); every
	// other strategy runs under this worker's own heartbeat goroutine.
	if decision.Strategy == model.StrategyParallelAffected {
		w.runParallel(ctx, table, decision)
		return
	}

	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatTable(hbCtx, name)

	if _, err := w.Executor.Execute(ctx, table, decision, model.TriggerScheduled); err != nil {
		log.WithError(err).WithField("table", name.String()).Error("worker: refresh attempt failed")
	}
}

// runParallel drives the coordinator protocol and records a history
// entry the same way Executor.Execute does for the other strategies,
// since Coordinator.Run itself only fills in Snapshots/RowsAffected.
func (w *Worker) runParallel(ctx context.Context, table *model.DynamicTable, decision selector.Decision) {
	start := time.Now().UTC()
	history := &model.RefreshHistory{
		ID: uuid.New(), DynamicTable: table.Name, StartedAt: start,
		Strategy: decision.Strategy, Trigger: model.TriggerScheduled,
	}

	err := w.Coordinator.Run(ctx, table, history)

	history.CompletedAt = time.Now().UTC()
	history.DurationMS = history.CompletedAt.Sub(start).Milliseconds()
	if err != nil {
		history.Status = model.OutcomeFailed
		history.ErrorCode = model.KindOf(err)
		history.ErrorMessage = err.Error()
		log.WithError(err).WithField("table", table.Name.String()).Error("worker: parallel refresh failed")
	} else if history.Status == "" {
		history.Status = model.OutcomeSuccess
	}

	if herr := w.Store.InsertHistory(ctx, nil, history); herr != nil {
		log.WithError(herr).WithField("table", table.Name.String()).Error("worker: failed to persist parallel refresh history")
	}
}

// runSubtask runs one already-claimed subtask under its own heartbeat
// goroutine; failure is recorded on the subtask row by SubtaskWorker
// itself, so there is nothing further to do here on error beyond
// logging.
func (w *Worker) runSubtask(ctx context.Context, subtask *model.Subtask) {
	hbCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go w.heartbeatSubtask(hbCtx, subtask.ID)

	if err := w.Subtasks.Execute(ctx, subtask); err != nil {
		log.WithError(err).WithField("subtask", subtask.ID.String()).Error("worker: subtask failed")
	}
}

func (w *Worker) heartbeatTable(ctx context.Context, name ident.Table) {
	t := time.NewTicker(w.heartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Claims.Heartbeat(ctx, name, w.WorkerID); err != nil {
				log.WithError(err).WithField("table", name.String()).Warn("worker: table heartbeat failed")
				return
			}
		}
	}
}

func (w *Worker) heartbeatSubtask(ctx context.Context, id uuid.UUID) {
	t := time.NewTicker(w.heartbeatInterval())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := w.Claims.HeartbeatSubtask(ctx, id); err != nil {
				log.WithError(err).WithField("subtask", id.String()).Warn("worker: subtask heartbeat failed")
				return
			}
		}
	}
}

// decide builds a selector.Input from live snapshot state and applies
// the strategy decision order. It performs the same snapshot
// comparison and affected-key extraction the chosen strategy's own
// run will repeat; that duplication is the cost of not knowing the
// strategy (and therefore whether to pin-and-extract at all) ahead of
// time, since a no-op or bootstrap table never reaches the affected-
// keys branch.
func (w *Worker) decide(ctx context.Context, table *model.DynamicTable) (selector.Decision, error) {
	stored, err := w.Store.SourceSnapshots(ctx, table.Name)
	if err != nil {
		return selector.Decision{}, errors.Wrap(err, "worker: load source snapshots")
	}

	in := selector.Input{Table: table, IdleWorkerCount: w.idleWorkerCount()}
	in.HasAnySourceSnapshot = len(stored) > 0
	if !in.HasAnySourceSnapshot {
		return selector.Select(in), nil
	}

	_, current, err := executor.CaptureCurrentSnapshots(ctx, w.Lake, table)
	if err != nil {
		return selector.Decision{}, err
	}
	for src, cur := range current {
		last, ok := stored[src]
		if !ok || snapshot.Compare(last, cur) != 0 {
			in.AnySourceAdvanced = true
			break
		}
	}
	if !in.AnySourceAdvanced {
		return selector.Select(in), nil
	}

	if !table.SupportsAffectedKeys() {
		return selector.Select(in), nil
	}

	keys, changedAny, err := executor.ExtractAffectedKeys(ctx, w.Lake, table, stored, current)
	if err != nil {
		return selector.Decision{}, err
	}
	if !changedAny {
		in.AnySourceAdvanced = false
		return selector.Select(in), nil
	}
	in.AffectedKeyCount = int64(len(keys))

	rowCount, err := w.Lake.TargetRowCount(ctx, table.Name)
	if err != nil {
		return selector.Decision{}, err
	}
	in.TargetRowCount = rowCount

	return selector.Select(in), nil
}
