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

// Package metrics holds shared Prometheus bucket and label definitions
// so that every component's histograms are comparable.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// LatencyBuckets is used for every duration histogram in the engine.
var LatencyBuckets = []float64{
	.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// TableLabels is attached to every metric keyed by dynamic table name.
var TableLabels = []string{"dynamic_table"}

// StrategyLabels additionally breaks down by the chosen refresh strategy.
var StrategyLabels = []string{"dynamic_table", "strategy"}

// NewDurationHistogram is a small helper that keeps the *_duration_seconds
// naming convention consistent across packages.
func NewDurationHistogram(name, help string, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    name,
		Help:    help,
		Buckets: LatencyBuckets,
	}, labels)
}

// NewErrorCounter is a small helper that keeps the *_errors_total naming
// convention consistent across packages.
func NewErrorCounter(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, labels)
}
