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

// Package scheduler implements the refresh tick: find stale tables, close
// the due set under dependencies, enqueue in topological priority
// order, and sweep expired claims and orphaned subtasks. A scheduler
// is stateless between ticks; every decision is recomputed from the
// metadata store each time Tick runs.
package scheduler

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// Scheduler runs one logical tick of the refresh pipeline. It may run
// in the same process as workers.
type Scheduler struct {
	Store  *metastore.Store
	Claims *claims.Manager
}

// New constructs a Scheduler.
func New(store *metastore.Store, cm *claims.Manager) *Scheduler {
	return &Scheduler{Store: store, Claims: cm}
}

// Tick runs one pass of the stale-table scan, dependency closure,
// enqueue, and claim-sweep sequence.
func (s *Scheduler) Tick(ctx context.Context) error {
	tables, err := s.Store.ListActive(ctx)
	if err != nil {
		return err
	}
	edges, err := s.Store.Dependencies(ctx)
	if err != nil {
		return err
	}

	staleNow, err := s.staleTables(ctx, tables)
	if err != nil {
		return err
	}

	due := s.closeUnderDependencies(staleNow, tables, edges)
	order, depth, err := topologicalOrder(due, edges)
	if err != nil {
		// A dependency cycle should have been rejected at create/alter
		// time; if one slipped through, skip this tick's enqueue
		// rather than enqueue an order that could starve a table.
		log.WithError(err).Error("scheduler: dependency cycle detected, skipping enqueue")
		return nil
	}

	now := time.Now().UTC()
	for _, name := range order {
		priority := depth[name.String()]
		if err := s.Store.Enqueue(ctx, name, now, priority); err != nil {
			return err
		}
	}

	if _, err := s.Claims.ExpireStale(ctx); err != nil {
		return err
	}

	if _, err := s.Claims.SweepOrphanedSubtasks(ctx); err != nil {
		return err
	}
	if _, _, err := s.Claims.ResetStaleSubtaskClaims(ctx); err != nil {
		return err
	}

	return nil
}

// staleTables computes, for every active table, whether it is due per
// fixed target_lag only — downstream propagation is
// applied afterward in closeUnderDependencies, since it depends on
// which tables in this same tick are already due.
func (s *Scheduler) staleTables(ctx context.Context, tables []*model.DynamicTable) (map[string]bool, error) {
	due := make(map[string]bool, len(tables))
	now := time.Now().UTC()
	for _, t := range tables {
		if t.Status != model.StatusActive {
			continue
		}
		if t.TargetLag.Downstream {
			continue // resolved by closeUnderDependencies
		}
		lastEnd, ok, err := s.Store.LastSuccessEnd(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			due[t.Name.String()] = true // never refreshed: maximally stale
			continue
		}
		if now.Sub(lastEnd) >= t.TargetLag.Duration {
			due[t.Name.String()] = true
		}
	}
	return due, nil
}

// closeUnderDependencies marks
// target_lag=downstream tables due whenever any upstream is due, then
// close the whole due set under upstream dependencies so an upstream
// of a due table is refreshed first even if it wasn't independently
// stale.
func (s *Scheduler) closeUnderDependencies(due map[string]bool, tables []*model.DynamicTable, edges []model.DependencyEdge) map[string]bool {
	byName := make(map[string]*model.DynamicTable, len(tables))
	for _, t := range tables {
		byName[t.Name.String()] = t
	}
	upstreamsOf := make(map[string][]string)
	for _, e := range edges {
		upstreamsOf[e.Downstream.String()] = append(upstreamsOf[e.Downstream.String()], e.Upstream.String())
	}

	// Step 2: downstream-policy tables become due if any upstream is
	// already due, iterated to a fixpoint since "upstream due" can
	// itself be the product of this same propagation one level up.
	changed := true
	for changed {
		changed = false
		for _, t := range tables {
			name := t.Name.String()
			if due[name] || !t.TargetLag.Downstream {
				continue
			}
			for _, up := range upstreamsOf[name] {
				if due[up] {
					due[name] = true
					changed = true
					break
				}
			}
		}
	}

	// Step 3: close under dependencies so a due table's not-yet-due
	// upstream is pulled in too.
	closure := make(map[string]bool, len(due))
	var visit func(name string)
	visit = func(name string) {
		if closure[name] {
			return
		}
		closure[name] = true
		for _, up := range upstreamsOf[name] {
			visit(up)
		}
	}
	for name, isDue := range due {
		if isDue {
			visit(name)
		}
	}
	return closure
}

// topologicalOrder sorts the due set so upstreams precede downstreams,
// returning each table's depth in the dependency DAG (roots at depth
// 0) for priority assignment — roots enqueue at the highest priority
// highest priority.
func topologicalOrder(due map[string]bool, edges []model.DependencyEdge) ([]ident.Table, map[string]int, error) {
	upstreamsOf := make(map[string][]string)
	for _, e := range edges {
		if due[e.Downstream.String()] {
			upstreamsOf[e.Downstream.String()] = append(upstreamsOf[e.Downstream.String()], e.Upstream.String())
		}
	}

	depth := make(map[string]int, len(due))
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)
	state := make(map[string]int, len(due))
	var order []string

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return errCycle{name}
		}
		state[name] = visiting
		maxUpDepth := -1
		for _, up := range upstreamsOf[name] {
			if err := visit(up); err != nil {
				return err
			}
			if depth[up] > maxUpDepth {
				maxUpDepth = depth[up]
			}
		}
		depth[name] = maxUpDepth + 1
		state[name] = visited
		order = append(order, name)
		return nil
	}

	for name := range due {
		if err := visit(name); err != nil {
			return nil, nil, err
		}
	}

	out := make([]ident.Table, 0, len(order))
	for _, name := range order {
		if !due[name] {
			continue
		}
		tbl, err := ident.ParseTable(name)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, tbl)
	}
	return out, depth, nil
}

type errCycle struct{ table string }

func (e errCycle) Error() string { return "scheduler: dependency cycle through " + e.table }
