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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every active dynamic table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		tables, err := store.ListActive(ctx)
		if err != nil {
			return err
		}
		for _, t := range tables {
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", t.Name, t.Status, t.RefreshStrategy)
		}
		return nil
	},
}

var describeCmd = &cobra.Command{
	Use:   "describe <table>",
	Short: "Show one dynamic table's definition and policy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, err := ident.ParseTable(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		t, err := store.GetTable(ctx, name)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "name:               %s\n", t.Name)
		fmt.Fprintf(out, "status:             %s\n", t.Status)
		fmt.Fprintf(out, "target_lag:         %s\n", t.TargetLag)
		fmt.Fprintf(out, "refresh_strategy:   %s\n", t.RefreshStrategy)
		fmt.Fprintf(out, "allow_parallel:     %v\n", t.AllowParallel)
		fmt.Fprintf(out, "grouping_keys:      %s\n", ident.Columns(t.GroupingKeys))
		fmt.Fprintf(out, "sources:            %d\n", len(t.Sources))
		fmt.Fprintf(out, "definition:         %s\n", t.Definition.Render())
		return nil
	},
}

// alterCmd applies one or more property changes to an already
// registered table; it never reparses the definition, since the
// dependency edges and source resolution in registerTable only run at
// create time. Changing the definition itself means drop and
// recreate.
var alterCmd = &cobra.Command{
	Use:   "alter <table> --set key=value [--set key=value ...]",
	Short: "Change one or more policy properties on an existing dynamic table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, err := ident.ParseTable(args[0])
		if err != nil {
			return err
		}

		sets, err := cmd.Flags().GetStringArray("set")
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			return errors.New("alter: at least one --set key=value is required")
		}

		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		table, err := store.GetTable(ctx, name)
		if err != nil {
			return err
		}

		for _, kv := range sets {
			if err := applyAlterSet(table, kv); err != nil {
				return err
			}
		}

		if err := store.UpsertTable(ctx, table); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "altered %s\n", table.Name)
		return nil
	},
}

func init() {
	alterCmd.Flags().StringArray("set", nil, "property=value to change; may be repeated")
}

// applyAlterSet mutates the one property named by kv ("key=value") on
// t. Only the policy knobs a DDL WITH(...) clause can set are
// permitted; name, definition, sources, and status are immutable here
// (status has its own suspend/resume commands).
func applyAlterSet(t *model.DynamicTable, kv string) error {
	parts := strings.SplitN(kv, "=", 2)
	if len(parts) != 2 {
		return errors.Errorf("alter: malformed --set %q, want key=value", kv)
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	val := strings.Trim(strings.TrimSpace(parts[1]), `'"`)

	var err error
	switch key {
	case "target_lag":
		t.TargetLag, err = parseTargetLag(val)
	case "refresh_strategy":
		t.RefreshStrategy = model.RefreshStrategyPolicy(strings.ToLower(val))
	case "deduplication":
		t.Deduplication = strings.EqualFold(val, "true")
	case "cardinality_threshold":
		t.CardinalityThreshold, err = strconv.ParseFloat(val, 64)
	case "allow_parallel":
		t.AllowParallel = strings.EqualFold(val, "true")
	case "parallel_threshold":
		t.ParallelThreshold, err = strconv.ParseInt(val, 10, 64)
	case "max_parallelism":
		var n int64
		n, err = strconv.ParseInt(val, 10, 64)
		t.MaxParallelism = int(n)
	case "comment":
		t.Comment = val
	default:
		return errors.Errorf("alter: unknown or immutable property %q", key)
	}
	if err != nil {
		return errors.Wrapf(err, "alter: invalid value for %s", key)
	}
	return nil
}

func parseTargetLag(val string) (model.TargetLag, error) {
	if strings.EqualFold(val, "downstream") {
		return model.Downstream(), nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return model.TargetLag{}, err
	}
	return model.Lag(d), nil
}

var suspendCmd = &cobra.Command{
	Use:   "suspend <table>",
	Short: "Suspend a dynamic table so the scheduler stops enqueueing it",
	Args:  cobra.ExactArgs(1),
	RunE:  setStatusRunE(model.StatusSuspended),
}

var resumeCmd = &cobra.Command{
	Use:   "resume <table>",
	Short: "Resume a suspended dynamic table",
	Args:  cobra.ExactArgs(1),
	RunE:  setStatusRunE(model.StatusActive),
}

func setStatusRunE(status model.Status) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, err := ident.ParseTable(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.SetStatus(ctx, name, status); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, status)
		return nil
	}
}

var dropCmd = &cobra.Command{
	Use:   "drop <table>",
	Short: "Drop a dynamic table's registry entry, history, and queue state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		name, err := ident.ParseTable(args[0])
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, err := metastore.Open(ctx, cfg.MetadataURL)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.DropTable(ctx, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "dropped %s\n", name)
		return nil
	},
}
