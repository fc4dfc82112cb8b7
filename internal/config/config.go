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

// Package config defines the engine's flag-bound, file-layered
// configuration, following the same Config/BaseConfig split and
// Preflight validation internal/source/server/config.go uses.
package config

import (
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/worker"
)

// BaseConfig holds the connection and timing parameters every
// subcommand needs, whether it runs one CLI operation or the
// long-running worker loop.
type BaseConfig struct {
	MetadataURL string
	LakeDriver  string
	LakeDSN     string

	ClaimTimeout      time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}

// Bind registers the base flags.
func (c *BaseConfig) Bind(flags *pflag.FlagSet) {
	flags.StringVar(&c.MetadataURL, "metadataURL", "",
		"connection string for the PostgreSQL/CockroachDB metadata store")
	flags.StringVar(&c.LakeDriver, "lakeDriver", string(lake.DriverEmbedded),
		"lake driver: dolt (embedded) or mysql (dolt sql-server)")
	flags.StringVar(&c.LakeDSN, "lakeDSN", "",
		"data source name for the lake connection")
	flags.DurationVar(&c.ClaimTimeout, "claimTimeout", claims.DefaultClaimTimeout,
		"how long a table or subtask claim is held before it is considered stale")
	flags.DurationVar(&c.PollInterval, "pollInterval", worker.DefaultPollInterval,
		"how long a worker sleeps after an iteration that finds no claimable work")
	flags.DurationVar(&c.HeartbeatInterval, "heartbeatInterval", worker.DefaultHeartbeatInterval,
		"how often a worker extends a claim it holds while work is in flight")
}

// Preflight validates the base config, following the same fail-fast
// pattern as server.Config.Preflight.
func (c *BaseConfig) Preflight() error {
	if c.MetadataURL == "" {
		return errors.New("metadataURL unset")
	}
	if c.LakeDSN == "" {
		return errors.New("lakeDSN unset")
	}
	switch lake.Driver(c.LakeDriver) {
	case lake.DriverEmbedded, lake.DriverServer:
	default:
		return errors.Errorf("unknown lakeDriver %q", c.LakeDriver)
	}
	if c.ClaimTimeout <= 0 {
		return errors.New("claimTimeout must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.New("pollInterval must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.New("heartbeatInterval must be positive")
	}
	if c.HeartbeatInterval >= c.ClaimTimeout {
		return errors.New("heartbeatInterval must be shorter than claimTimeout")
	}
	return nil
}

// Config is the full configuration for the serve command: the base
// connection parameters plus the worker pool's own identity and size.
type Config struct {
	BaseConfig

	WorkerID          string
	PeerCount         int
	MetricsAddr       string
	SchedulerInterval time.Duration
}

// Bind registers every flag, base and serve-specific.
func (c *Config) Bind(flags *pflag.FlagSet) {
	c.BaseConfig.Bind(flags)
	flags.StringVar(&c.WorkerID, "workerID", defaultWorkerID(),
		"unique identifier this process uses to claim tables and subtasks")
	flags.IntVar(&c.PeerCount, "peerCount", 1,
		"number of worker processes in this deployment, used to size the parallel-refresh decision")
	flags.StringVar(&c.MetricsAddr, "metricsAddr", ":9090",
		"the network address to serve Prometheus metrics and the health-check handler from")
	flags.DurationVar(&c.SchedulerInterval, "schedulerInterval", 30*time.Second,
		"how often the serve command evaluates target_lag staleness and enqueues due tables")
}

// Preflight validates the full config.
func (c *Config) Preflight() error {
	if err := c.BaseConfig.Preflight(); err != nil {
		return err
	}
	if c.WorkerID == "" {
		return errors.New("workerID unset")
	}
	if c.PeerCount < 1 {
		return errors.New("peerCount must be at least 1")
	}
	if c.SchedulerInterval <= 0 {
		return errors.New("schedulerInterval must be positive")
	}
	return nil
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + time.Now().UTC().Format("150405.000000")
}

// Load layers defaults, an optional TOML file, environment variables
// (DTENGINE_ prefix), and already-bound flags, in increasing
// precedence, using viper for the env/file merge and BurntSushi/toml
// as viper's TOML codec.
func Load(flags *pflag.FlagSet, path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DTENGINE")
	v.AutomaticEnv()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
		var raw map[string]any
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", path)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, errors.Wrap(err, "config: merge file")
		}
	}

	if err := v.BindPFlags(flags); err != nil {
		return nil, errors.Wrap(err, "config: bind flags")
	}

	cfg := &Config{}
	cfg.MetadataURL = v.GetString("metadataURL")
	cfg.LakeDriver = v.GetString("lakeDriver")
	cfg.LakeDSN = v.GetString("lakeDSN")
	cfg.ClaimTimeout = v.GetDuration("claimTimeout")
	cfg.PollInterval = v.GetDuration("pollInterval")
	cfg.HeartbeatInterval = v.GetDuration("heartbeatInterval")
	cfg.WorkerID = v.GetString("workerID")
	cfg.PeerCount = v.GetInt("peerCount")
	cfg.MetricsAddr = v.GetString("metricsAddr")
	cfg.SchedulerInterval = v.GetDuration("schedulerInterval")

	return cfg, nil
}
