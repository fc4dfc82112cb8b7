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

//go:build wireinject
// +build wireinject

package engine

import (
	"context"

	"github.com/google/wire"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/config"
)

// New assembles an Engine for cfg. Run `go generate ./internal/engine`
// to regenerate wire_gen.go after changing a provider's signature.
func New(ctx context.Context, cfg *config.Config) (*Engine, func(), error) {
	panic(wire.Build(
		ProvideStore,
		ProvideLake,
		ProvideClaims,
		ProvideExecutor,
		ProvideCoordinator,
		ProvideSubtaskWorker,
		ProvideScheduler,
		ProvideWorker,
		ProvideDiagnostics,
		ProvideRegistry,
		wire.Struct(new(Engine), "*"),
	))
}
