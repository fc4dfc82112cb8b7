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

package metastore

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// storedDefinition is the JSON envelope persisted in
// dynamic_tables.definition: the full query AST plus the source list.
// model.Query round-trips through JSON cleanly because every one of
// its leaves down to ident.Ident carries exported fields or a custom
// (Un)MarshalJSON; the alternative of persisting only Render()'s text
// was tried and abandoned, since the rewriter's affected-keys path
// needs GroupBy qualifiers, join aliases, and Join.OnColumns back
// structurally, not as opaque SQL.
type storedDefinition struct {
	Query   *model.Query      `json:"query"`
	Sources []storedSourceRef `json:"sources"`
}

type storedSourceRef struct {
	Name            string `json:"name"`
	IsDynamicSource bool   `json:"is_dynamic_source"`
}

func encodeDefinition(t *model.DynamicTable) (definitionJSON []byte, groupingKeysCSV string, err error) {
	sd := storedDefinition{Query: t.Definition}
	for _, src := range t.Sources {
		sd.Sources = append(sd.Sources, storedSourceRef{
			Name:            src.Name.String(),
			IsDynamicSource: src.IsDynamicSource,
		})
	}
	buf, err := json.Marshal(sd)
	if err != nil {
		return nil, "", err
	}

	keys := make([]string, len(t.GroupingKeys))
	for i, k := range t.GroupingKeys {
		keys[i] = k.Raw()
	}
	return buf, strings.Join(keys, ","), nil
}

// decodeDefinition reconstructs a DynamicTable's definition query, its
// source list (for dependency/pin computation), and its grouping keys.
func decodeDefinition(definitionJSON []byte, groupingKeysCSV string) (*model.Query, []ident.Column, []model.SourceRef, error) {
	var sd storedDefinition
	if err := json.Unmarshal(definitionJSON, &sd); err != nil {
		return nil, nil, nil, errors.Wrap(err, "decode stored definition")
	}

	sources := make([]model.SourceRef, len(sd.Sources))
	for i, s := range sd.Sources {
		src, err := ident.ParseSource(s.Name)
		if err != nil {
			return nil, nil, nil, err
		}
		sources[i] = model.SourceRef{Name: src, IsDynamicSource: s.IsDynamicSource}
	}

	var groupingKeys []ident.Column
	if groupingKeysCSV != "" {
		for _, k := range strings.Split(groupingKeysCSV, ",") {
			groupingKeys = append(groupingKeys, ident.New(k))
		}
	}

	return sd.Query, groupingKeys, sources, nil
}

func encodeTargetLag(lag model.TargetLag) string {
	if lag.Downstream {
		return "downstream"
	}
	return strconv.FormatInt(int64(lag.Duration), 10)
}

func decodeTargetLag(raw string) model.TargetLag {
	if raw == "downstream" {
		return model.Downstream()
	}
	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return model.Lag(0)
	}
	return model.Lag(time.Duration(nanos))
}
