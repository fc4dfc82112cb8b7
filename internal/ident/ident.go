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

// Package ident contains qualified-name types shared by every
// component that refers to a dynamic table, a source, or a column by
// name. Keeping these as distinct types (rather than bare strings)
// prevents a schema name from being passed where a table name is
// expected, and lets the rewriter and metadata store agree on a single
// canonical textual form.
package ident

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// An Ident is a single, possibly case-sensitive, SQL identifier. It is
// stored in its canonical (lower-cased, unless originally quoted) form.
type Ident struct {
	raw    string
	quoted bool
}

// New returns an Ident for the given raw name, lower-cased.
func New(raw string) Ident {
	return Ident{raw: strings.ToLower(raw)}
}

// NewQuoted returns an Ident whose case must be preserved exactly.
func NewQuoted(raw string) Ident {
	return Ident{raw: raw, quoted: true}
}

// Raw returns the identifier's textual form, unquoted.
func (i Ident) Raw() string { return i.raw }

// Empty returns true if the identifier has no name.
func (i Ident) Empty() bool { return i.raw == "" }

// String renders the identifier for inclusion in a query, quoting it
// if it was parsed from a quoted source or contains characters that
// require quoting.
func (i Ident) String() string {
	if i.quoted || needsQuoting(i.raw) {
		return `"` + strings.ReplaceAll(i.raw, `"`, `""`) + `"`
	}
	return i.raw
}

// MarshalJSON preserves both the raw text and the quoting flag, so an
// Ident round-trips through the metadata store's JSON-encoded
// definitions without losing case-sensitivity fidelity.
func (i Ident) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Raw    string `json:"raw"`
		Quoted bool   `json:"quoted,omitempty"`
	}{Raw: i.raw, Quoted: i.quoted})
}

// UnmarshalJSON is MarshalJSON's counterpart.
func (i *Ident) UnmarshalJSON(data []byte) error {
	var v struct {
		Raw    string `json:"raw"`
		Quoted bool   `json:"quoted,omitempty"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	i.raw, i.quoted = v.Raw, v.Quoted
	return nil
}

func needsQuoting(raw string) bool {
	if raw == "" {
		return true
	}
	for idx, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && idx > 0:
		default:
			return true
		}
	}
	return false
}

// A Source identifies a relation referenced by a dynamic table's
// definition query: either a qualified base-lake table or another
// dynamic table.
type Source struct {
	Schema Ident
	Name   Ident
}

// String renders the fully qualified, dotted form.
func (s Source) String() string {
	if s.Schema.Empty() {
		return s.Name.String()
	}
	return s.Schema.String() + "." + s.Name.String()
}

// ParseSource splits a dotted qualified name into a Source. At most one
// dot is supported (schema.table); bare names have an empty Schema.
func ParseSource(qualified string) (Source, error) {
	parts := strings.Split(qualified, ".")
	switch len(parts) {
	case 1:
		return Source{Name: New(parts[0])}, nil
	case 2:
		return Source{Schema: New(parts[0]), Name: New(parts[1])}, nil
	default:
		return Source{}, errors.Errorf("ident: cannot parse qualified name %q", qualified)
	}
}

// A Table is the fully qualified name of a dynamic table: the engine's
// unique registry key.
type Table struct {
	Schema Ident
	Name   Ident
}

// NewTable constructs a Table from its parts.
func NewTable(schema, name Ident) Table {
	return Table{Schema: schema, Name: name}
}

// String renders the fully qualified, dotted form.
func (t Table) String() string {
	if t.Schema.Empty() {
		return t.Name.String()
	}
	return t.Schema.String() + "." + t.Name.String()
}

// ParseTable is ParseSource's counterpart for dynamic-table identity.
func ParseTable(qualified string) (Table, error) {
	src, err := ParseSource(qualified)
	if err != nil {
		return Table{}, err
	}
	return Table{Schema: src.Schema, Name: src.Name}, nil
}

// Column is a single, unqualified column identifier.
type Column = Ident

// Columns renders a comma-separated projection list, e.g. for a
// GROUP BY clause.
func Columns(cols []Column) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}

// QuotedList is a convenience formatter used by error messages that
// want to print a set of identifiers without rendering SQL quoting.
func QuotedList(ids []Ident) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprintf("%q", id.Raw())
	}
	return strings.Join(parts, ", ")
}
