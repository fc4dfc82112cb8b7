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

// Package snapshot defines the opaque, totally-ordered version
// identifier that the lake exposes per source (monotonic within a
// current_snapshot / table_changes use this type as their "from"/"to"
// bounds). It plays the same structural role an hlc package
// plays for resolved timestamps: a monotonically comparable pair, not
// a wall-clock time.
package snapshot

import "fmt"

// An ID identifies the state of a single source at a point in its
// history. Seq is assigned by the metadata store the first time a
// commit is observed for a given source, giving a total order across
// calls to Compare without requiring a round trip to the lake; Commit
// is the lake-native, engine-specific token (a Dolt commit hash) used
// whenever the engine must actually address that state on the lake
// (AS OF clauses, change-feed bounds).
type ID struct {
	Seq    uint64
	Commit string
}

// Zero is the distinguished "never observed" snapshot. A SourceSnapshot
// row absent from the metadata store is equivalent to Zero and drives
// the bootstrap path.
func Zero() ID { return ID{} }

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool { return id.Seq == 0 && id.Commit == "" }

// Compare returns -1, 0, or 1 as a is before, equal to, or after b.
// Comparison is by Seq; Commit is carried along for addressing but
// plays no part in ordering, matching an hlc.Compare implementation, which
// only orders by the (nanos, logical) pair and never by payload.
func Compare(a, b ID) int {
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b denote the same lake state.
func Equal(a, b ID) bool { return Compare(a, b) == 0 }

// String renders the snapshot for logging and history persistence.
func (id ID) String() string {
	if id.IsZero() {
		return "<none>"
	}
	return fmt.Sprintf("%s@%d", id.Commit, id.Seq)
}
