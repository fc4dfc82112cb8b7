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

// Package diag implements a small health-check registry that
// long-lived components register themselves with (the engine wiring
// registers the metadata pool's ping). The HTTP handler it serves
// reports healthy only if every registrant reports healthy, giving
// operators one endpoint to point a liveness probe at.
package diag

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/pkg/errors"
)

// Check is implemented by anything that can report its own health.
// Components that have nothing meaningful to check (pure value holders)
// instead register a plain value, which is reported healthy so long as
// it's non-nil.
type Check interface {
	Check(ctx context.Context) error
}

// CheckFunc adapts a plain function to Check.
type CheckFunc func(ctx context.Context) error

// Check implements Check.
func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Diagnostics is a registry of named components. It is safe for
// concurrent use.
type Diagnostics struct {
	mu   sync.Mutex
	byID map[string]any
}

// New constructs an empty Diagnostics registry. The returned cleanup is
// a no-op; it exists so Diagnostics fits the same
// (value, cleanup, error) provider shape as the rest of the engine's
// wiring.
func New(_ context.Context) (*Diagnostics, func()) {
	return &Diagnostics{byID: make(map[string]any)}, func() {}
}

// Register associates name with v. It is an error to register the
// same name twice, since that almost always means two components
// collided on a name rather than an intentional replacement.
func (d *Diagnostics) Register(name string, v any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.byID[name]; found {
		return errors.Errorf("diag: %q already registered", name)
	}
	d.byID[name] = v
	return nil
}

// report is the JSON shape served by Handler.
type report struct {
	Healthy bool                     `json:"healthy"`
	Checks  map[string]checkedStatus `json:"checks"`
}

type checkedStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// RunChecks runs every registered Check (ignoring registrants that
// don't implement it) and returns a per-name health report.
func (d *Diagnostics) RunChecks(ctx context.Context) map[string]error {
	d.mu.Lock()
	snapshot := make(map[string]any, len(d.byID))
	for k, v := range d.byID {
		snapshot[k] = v
	}
	d.mu.Unlock()

	out := make(map[string]error, len(snapshot))
	for name, v := range snapshot {
		check, ok := v.(Check)
		if !ok {
			if v == nil {
				out[name] = errors.Errorf("diag: %q registered as nil", name)
			} else {
				out[name] = nil
			}
			continue
		}
		out[name] = check.Check(ctx)
	}
	return out
}

// Handler serves a JSON health report, returning 200 when every
// registrant is healthy and 503 otherwise.
func (d *Diagnostics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		results := d.RunChecks(r.Context())
		resp := report{Healthy: true, Checks: make(map[string]checkedStatus, len(results))}
		for name, err := range results {
			status := checkedStatus{Healthy: err == nil}
			if err != nil {
				status.Error = err.Error()
				resp.Healthy = false
			}
			resp.Checks[name] = status
		}

		w.Header().Set("Content-Type", "application/json")
		if !resp.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
