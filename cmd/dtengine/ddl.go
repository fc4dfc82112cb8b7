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

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ddl"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate <ddl-file>",
	Short: "Parse a CREATE DYNAMIC TABLE file and report errors without touching the metadata store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stmt, err := parseDDLFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "ok: %s (target_lag=%s, strategy=%s, sources=%d)\n",
			stmt.Table.Name, stmt.Table.TargetLag, stmt.Table.RefreshStrategy, len(stmt.Table.Sources))
		return nil
	},
}

var createCmd = &cobra.Command{
	Use:   "create <ddl-file>",
	Short: "Parse a CREATE DYNAMIC TABLE file and register it in the metadata store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		stmt, err := parseDDLFile(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := registerTable(ctx, store, &stmt.Table); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", stmt.Table.Name)
		return nil
	},
}

func parseDDLFile(path string) (*ddl.Statement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ddl.Parse(string(data))
}

// registerTable resolves which of table's sources are themselves
// managed dynamic tables, rejects the write if the resulting
// dependency edges would close a cycle, and only then upserts the
// table and its edges. ddl.Parse has no store access, so every source
// it produces comes back with IsDynamicSource false; this is where
// that gets corrected.
func registerTable(ctx context.Context, store *metastore.Store, table *model.DynamicTable) error {
	upstreams, err := resolveSources(ctx, store, table)
	if err != nil {
		return err
	}

	existing, err := store.Dependencies(ctx)
	if err != nil {
		return err
	}
	if err := checkAcyclic(existing, table.Name, upstreams); err != nil {
		return err
	}

	if err := store.UpsertTable(ctx, table); err != nil {
		return err
	}
	return store.SetDependencies(ctx, table.Name, upstreams)
}

// resolveSources marks each of table's Sources (and the matching
// TableRef/Join occurrences in its Definition) as dynamic when a
// table of that name is already registered, and returns the resulting
// upstream edge set.
func resolveSources(ctx context.Context, store *metastore.Store, table *model.DynamicTable) ([]ident.Table, error) {
	dynamic := make(map[string]bool, len(table.Sources))
	var upstreams []ident.Table

	for i, src := range table.Sources {
		candidate := ident.Table{Schema: src.Name.Schema, Name: src.Name.Name}
		exists, err := store.TableExists(ctx, candidate)
		if err != nil {
			return nil, err
		}
		table.Sources[i].IsDynamicSource = exists
		if exists {
			dynamic[src.Name.String()] = true
			upstreams = append(upstreams, candidate)
		}
	}

	for _, ref := range table.Definition.AllTableRefs() {
		if dynamic[ref.Source.String()] {
			ref.IsDynamicSource = true
		}
	}
	return upstreams, nil
}

// checkAcyclic reports whether replacing downstream's upstream edges
// with upstreams would close a cycle in the dependency graph described
// by existing. existing is trusted to already be acyclic, so only
// paths reachable from downstream need walking.
func checkAcyclic(existing []model.DependencyEdge, downstream ident.Table, upstreams []ident.Table) error {
	upstreamsOf := make(map[string][]string)
	for _, e := range existing {
		if e.Downstream.String() == downstream.String() {
			continue
		}
		upstreamsOf[e.Downstream.String()] = append(upstreamsOf[e.Downstream.String()], e.Upstream.String())
	}
	for _, up := range upstreams {
		upstreamsOf[downstream.String()] = append(upstreamsOf[downstream.String()], up.String())
	}

	const (
		unvisited = iota
		visiting
		visited
	)
	state := make(map[string]int)

	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case visited:
			return nil
		case visiting:
			return errors.Errorf("dependency cycle through %s", name)
		}
		state[name] = visiting
		for _, up := range upstreamsOf[name] {
			if err := visit(up); err != nil {
				return err
			}
		}
		state[name] = visited
		return nil
	}
	return visit(downstream.String())
}
