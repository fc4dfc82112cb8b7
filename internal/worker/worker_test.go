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

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPollIntervalDefaultsWhenUnset(t *testing.T) {
	w := &Worker{}
	require.Equal(t, DefaultPollInterval, w.pollInterval())

	w.PollInterval = 5 * time.Second
	require.Equal(t, 5*time.Second, w.pollInterval())
}

func TestHeartbeatIntervalDefaultsWhenUnset(t *testing.T) {
	w := &Worker{}
	require.Equal(t, DefaultHeartbeatInterval, w.heartbeatInterval())

	w.HeartbeatInterval = time.Second
	require.Equal(t, time.Second, w.heartbeatInterval())
}

func TestIdleWorkerCountSubtractsSelf(t *testing.T) {
	require.Equal(t, 0, (&Worker{PeerCount: 0}).idleWorkerCount())
	require.Equal(t, 0, (&Worker{PeerCount: 1}).idleWorkerCount())
	require.Equal(t, 3, (&Worker{PeerCount: 4}).idleWorkerCount())
}
