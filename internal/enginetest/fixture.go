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

// Package enginetest provides a sinktest-style Fixture that composes a
// real metadata store and claim manager against a scratch Postgres
// instance (named by the DTENGINE_TEST_METADATA_URL environment
// variable, mirroring sinktest's own TEST_* convention) with an
// in-memory fake Lake, so scheduler and coordinator tests can drive
// the claim/queue state machine without standing up a Dolt instance.
// Tests that need real lake semantics build their own *lake.Lake
// instead and use only the Store/Claims half of the Fixture.
package enginetest

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/claims"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ddl"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/metastore"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// metadataURLEnv names the environment variable a developer or CI job
// points at a scratch Postgres/CockroachDB instance to run these
// tests; tests that need it call Skip automatically when it's unset,
// the same way sinktest's fixtures no-op without a reachable database.
const metadataURLEnv = "DTENGINE_TEST_METADATA_URL"

// Fixture bundles a live metadata store and claim manager scoped to
// one test, plus the fake lake most scheduler/coordinator tests need.
type Fixture struct {
	Store  *metastore.Store
	Claims *claims.Manager
	Lake   *FakeLake

	t *testing.T
}

// New connects to the metadata store named by DTENGINE_TEST_METADATA_URL,
// skipping the test when it isn't set. The returned Fixture's state is
// private to this test: every table it creates is dropped on cleanup.
func New(t *testing.T) *Fixture {
	t.Helper()
	dsn := os.Getenv(metadataURLEnv)
	if dsn == "" {
		t.Skipf("%s not set, skipping test requiring a live metadata store", metadataURLEnv)
	}

	ctx := context.Background()
	store, err := metastore.Open(ctx, dsn)
	require.NoError(t, err)

	f := &Fixture{
		Store:  store,
		Claims: claims.New(store.Pool, claims.DefaultClaimTimeout),
		Lake:   NewFakeLake(),
		t:      t,
	}
	t.Cleanup(func() { store.Close() })
	return f
}

// CreateTable parses ddlText and upserts the resulting DynamicTable
// into the fixture's store, returning the parsed table and scheduling
// its removal at test cleanup.
func (f *Fixture) CreateTable(ctx context.Context, ddlText string) *model.DynamicTable {
	f.t.Helper()
	stmt, err := ddl.Parse(ddlText)
	require.NoError(f.t, err)

	require.NoError(f.t, f.Store.UpsertTable(ctx, &stmt.Table))
	f.t.Cleanup(func() {
		_ = f.Store.DropTable(context.Background(), stmt.Table.Name)
	})
	return &stmt.Table
}

// ParseTable is a convenience for tests that only need the parsed
// model, without persisting it.
func ParseTable(t *testing.T, ddlText string) *model.DynamicTable {
	t.Helper()
	stmt, err := ddl.Parse(ddlText)
	require.NoError(t, err)
	return &stmt.Table
}

// MustTable constructs a minimal, already-valid DynamicTable for tests
// that only need a name and don't care about a real definition.
func MustTable(name string) *model.DynamicTable {
	qualified, err := ident.ParseTable(name)
	if err != nil {
		panic(err)
	}
	return &model.DynamicTable{
		Name:                 qualified,
		Status:               model.StatusActive,
		RefreshStrategy:      model.StrategyAuto,
		CardinalityThreshold: model.DefaultCardinalityThreshold,
		TargetLag:            model.Downstream(),
	}
}
