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

package diag

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	d, cleanup := New(context.Background())
	defer cleanup()

	require.NoError(t, d.Register("pool", "anything"))
	require.Error(t, d.Register("pool", "anything else"))
}

func TestHandlerReports200WhenAllHealthy(t *testing.T) {
	d, cleanup := New(context.Background())
	defer cleanup()
	require.NoError(t, d.Register("ok", CheckFunc(func(context.Context) error { return nil })))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandlerReports503WhenAnyUnhealthy(t *testing.T) {
	d, cleanup := New(context.Background())
	defer cleanup()
	require.NoError(t, d.Register("ok", CheckFunc(func(context.Context) error { return nil })))
	require.NoError(t, d.Register("broken", CheckFunc(func(context.Context) error { return errors.New("down") })))

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunChecksSkipsNonCheckRegistrants(t *testing.T) {
	d, cleanup := New(context.Background())
	defer cleanup()
	require.NoError(t, d.Register("plain", 42))

	results := d.RunChecks(context.Background())
	err, found := results["plain"]
	require.True(t, found)
	require.NoError(t, err)
}
