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
	"time"

	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
)

var historyLimit int

func init() {
	historyCmd.Flags().IntVar(&historyLimit, "limit", 20, "maximum number of history rows to show")
}

// refreshCmd enqueues a manual, highest-priority refresh; it does not
// run the refresh inline, since doing that safely requires the same
// claim and strategy-selection machinery a worker process already
// runs, and a CLI invocation has no business heartbeating a claim.
var refreshCmd = &cobra.Command{
	Use:   "refresh <table>",
	Short: "Enqueue an immediate, highest-priority refresh of a dynamic table",
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

		if err := store.EnqueueManual(ctx, name, -1); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "enqueued manual refresh of %s\n", name)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <table>",
	Short: "Show recent refresh attempts for a dynamic table",
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

		rows, err := store.History(ctx, name, historyLimit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, h := range rows {
			dur := time.Duration(h.DurationMS) * time.Millisecond
			line := fmt.Sprintf("%s\t%s\t%s\trows=%d\tduration=%s",
				h.StartedAt.Format(time.RFC3339), h.Status, h.Strategy, h.RowsAffected, dur)
			if h.Status != "success" {
				line += fmt.Sprintf("\terror=%s: %s", h.ErrorCode, h.ErrorMessage)
			}
			fmt.Fprintln(out, line)
		}
		return nil
	},
}
