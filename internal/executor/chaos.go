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

package executor

import (
	"context"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/lake"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// ErrChaos is the error injected by WithChaos.
var ErrChaos = errors.New("chaos")

// WithChaos returns a wrapper around a Lake that injects errors at
// every operation with independent probability prob, for exercising
// the executor's classification/retry paths under induced failure.
// delegate is returned unwrapped if prob is less than or equal to
// zero.
func WithChaos(delegate Lake, prob float32) Lake {
	if prob <= 0 {
		return delegate
	}
	return &chaosLake{delegate: delegate, prob: prob}
}

// This could carry a *rand.Rand, but as soon as refresh attempts run
// from multiple goroutines there is no hope of repeatable behavior.
type chaosLake struct {
	delegate Lake
	prob     float32
}

var _ Lake = (*chaosLake)(nil)

func (l *chaosLake) CurrentSnapshot(ctx context.Context, source ident.Source) (snapshot.ID, error) {
	if rand.Float32() < l.prob {
		return snapshot.ID{}, doChaos("CurrentSnapshot")
	}
	return l.delegate.CurrentSnapshot(ctx, source)
}

func (l *chaosLake) TableChanges(ctx context.Context, table ident.Source, from, to snapshot.ID, keys []ident.Column) ([]lake.ChangedRow, error) {
	if rand.Float32() < l.prob {
		return nil, doChaos("TableChanges")
	}
	return l.delegate.TableChanges(ctx, table, from, to, keys)
}

func (l *chaosLake) QueryRows(ctx context.Context, query string, columns []ident.Column) ([]map[string]any, error) {
	if rand.Float32() < l.prob {
		return nil, doChaos("QueryRows")
	}
	return l.delegate.QueryRows(ctx, query, columns)
}

func (l *chaosLake) BeginTx(ctx context.Context) (*lake.Tx, error) {
	if rand.Float32() < l.prob {
		return nil, doChaos("BeginTx")
	}
	return l.delegate.BeginTx(ctx)
}

func (l *chaosLake) CreateTemp(ctx context.Context, name string, selectQuery string) error {
	if rand.Float32() < l.prob {
		return doChaos("CreateTemp")
	}
	return l.delegate.CreateTemp(ctx, name, selectQuery)
}

func (l *chaosLake) CreateNamed(ctx context.Context, name string, selectQuery string) error {
	if rand.Float32() < l.prob {
		return doChaos("CreateNamed")
	}
	return l.delegate.CreateNamed(ctx, name, selectQuery)
}

func (l *chaosLake) DropTemp(ctx context.Context, name string) error {
	if rand.Float32() < l.prob {
		return doChaos("DropTemp")
	}
	return l.delegate.DropTemp(ctx, name)
}

func (l *chaosLake) TargetRowCount(ctx context.Context, table ident.Table) (int64, error) {
	if rand.Float32() < l.prob {
		return 0, doChaos("TargetRowCount")
	}
	return l.delegate.TargetRowCount(ctx, table)
}

// doChaos is a convenient place to set a breakpoint.
func doChaos(msg string) error {
	return errors.WithMessage(ErrChaos, msg)
}
