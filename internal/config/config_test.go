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

package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		BaseConfig: BaseConfig{
			MetadataURL:       "postgres://localhost/meta",
			LakeDriver:        "dolt",
			LakeDSN:           "file:///tmp/lake",
			ClaimTimeout:      5 * time.Minute,
			PollInterval:      time.Minute,
			HeartbeatInterval: 30 * time.Second,
		},
		WorkerID:          "w1",
		PeerCount:         1,
		SchedulerInterval: 30 * time.Second,
	}
}

func TestPreflightAcceptsValidConfig(t *testing.T) {
	require.NoError(t, validConfig().Preflight())
}

func TestPreflightRejectsMissingMetadataURL(t *testing.T) {
	c := validConfig()
	c.MetadataURL = ""
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsUnknownLakeDriver(t *testing.T) {
	c := validConfig()
	c.LakeDriver = "oracle"
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsHeartbeatNotShorterThanClaimTimeout(t *testing.T) {
	c := validConfig()
	c.HeartbeatInterval = c.ClaimTimeout
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsZeroPeerCount(t *testing.T) {
	c := validConfig()
	c.PeerCount = 0
	require.Error(t, c.Preflight())
}

func TestPreflightRejectsZeroSchedulerInterval(t *testing.T) {
	c := validConfig()
	c.SchedulerInterval = 0
	require.Error(t, c.Preflight())
}

func TestBindRegistersEveryFlag(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := &Config{}
	c.Bind(flags)

	for _, name := range []string{
		"metadataURL", "lakeDriver", "lakeDSN", "claimTimeout",
		"pollInterval", "heartbeatInterval", "workerID", "peerCount", "metricsAddr", "schedulerInterval",
	} {
		require.NotNil(t, flags.Lookup(name), "flag %s should be registered", name)
	}
}
