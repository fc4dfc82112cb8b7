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

// Command dtengine is the operator-facing CLI for the dynamic table
// refresh engine: create/alter/drop/suspend/resume table definitions,
// trigger a manual refresh, inspect history, and run the long-lived
// scheduler/worker processes.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "dtengine",
	Short: "dtengine manages dynamic tables and runs their refresh engine",
}

var cfgFile string

// cliConfig is bound to rootCmd's persistent flags; every subcommand
// reads from it via loadConfig, which layers in DTENGINE_ env vars and
// the --config file on top of whatever flags were actually set.
var cliConfig config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file")
	cliConfig.Bind(rootCmd.PersistentFlags())

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(describeCmd)
	rootCmd.AddCommand(alterCmd)
	rootCmd.AddCommand(suspendCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
