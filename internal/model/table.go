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

// Package model holds the arena of domain types shared by every
// engine package: the DynamicTable registry entry, its policy
// properties, the dependency edges between tables, and the Query
// Model AST the rewriter operates on. Cross-references between
// DynamicTables are by qualified name rather than pointer, so the
// arena can be loaded a row at a time from the metadata store without
// resolving a cycle at load time.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/ident"
	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/snapshot"
)

// Status is the lifecycle state of a DynamicTable.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusFailed    Status = "failed"
)

// RefreshStrategyPolicy is the user-requested strategy preference; the
// Strategy Selector still may downgrade auto to full based on cost.
type RefreshStrategyPolicy string

const (
	StrategyAuto         RefreshStrategyPolicy = "auto"
	StrategyFull          RefreshStrategyPolicy = "full"
	StrategyAffectedKeys  RefreshStrategyPolicy = "affected_keys"
)

// Initialize controls when a newly created table first populates.
type Initialize string

const (
	InitializeOnCreate   Initialize = "on_create"
	InitializeOnSchedule Initialize = "on_schedule"
)

// TargetLag is either a fixed duration or the literal "downstream",
// meaning the table is due whenever any upstream was just refreshed.
type TargetLag struct {
	Downstream bool
	Duration   time.Duration
}

// Downstream is the sentinel lag value meaning "follow my upstreams".
func Downstream() TargetLag { return TargetLag{Downstream: true} }

// Lag constructs a fixed-duration target lag.
func Lag(d time.Duration) TargetLag { return TargetLag{Duration: d} }

// String renders the lag for CLI/log output.
func (t TargetLag) String() string {
	if t.Downstream {
		return "downstream"
	}
	return t.Duration.String()
}

// DynamicTable is the registry entry for one managed table: its
// identity, parsed definition, source references, and policy.
// Invariants enforced elsewhere (name uniqueness at insert, acyclicity
// at create/alter, grouping keys present iff affected_keys is a legal
// strategy for this table) are documented at the call sites that
// enforce them rather than here, since a zero-value DynamicTable is
// not itself required to satisfy them.
type DynamicTable struct {
	Name       ident.Table
	Definition *Query

	// GroupingKeys is empty when the definition has no extractable
	// GROUP BY, in which case RefreshStrategy can never resolve to
	// affected_keys regardless of policy.
	GroupingKeys []ident.Column

	// Sources is the set of relations the definition references,
	// in declaration order, deduplicated by qualified name.
	Sources []SourceRef

	TargetLag            TargetLag
	RefreshStrategy       RefreshStrategyPolicy
	Deduplication         bool
	CardinalityThreshold  float64
	AllowParallel         bool
	ParallelThreshold     int64
	MaxParallelism        int
	Initialize            Initialize
	Status                Status
	Comment               string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// DefaultCardinalityThreshold is applied when a table is created
// without an explicit override.
const DefaultCardinalityThreshold = 0.3

// SourceRef names one relation referenced by a DynamicTable's
// definition, recording whether it is itself a managed table (in
// which case the rewriter skips pinning it: it is already
// materialized at a snapshot-consistent state by its own refresh).
type SourceRef struct {
	Name            ident.Source
	IsDynamicSource bool
}

// SupportsAffectedKeys reports whether this table's current
// configuration permits the affected_keys strategy at all, independent
// of the per-refresh cost comparison the selector performs.
func (t *DynamicTable) SupportsAffectedKeys() bool {
	if len(t.GroupingKeys) == 0 {
		return false
	}
	return t.RefreshStrategy == StrategyAuto || t.RefreshStrategy == StrategyAffectedKeys
}

// DependencyEdge records that Downstream's definition reads Upstream,
// both identified by qualified DynamicTable name.
type DependencyEdge struct {
	Downstream ident.Table
	Upstream   ident.Table
}

// Outcome is the terminal state of one refresh attempt.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
	OutcomeSkipped Outcome = "skipped"
)

// Trigger records why a refresh attempt ran.
type Trigger string

const (
	TriggerScheduled Trigger = "scheduled"
	TriggerManual    Trigger = "manual"
)

// Strategy is the concrete plan chosen by the selector for one
// refresh attempt, as opposed to RefreshStrategyPolicy, the user's
// standing preference.
type Strategy string

const (
	StrategyBootstrap        Strategy = "bootstrap"
	StrategyFullRefresh      Strategy = "full"
	StrategySingleAffected   Strategy = "affected_keys"
	StrategyParallelAffected Strategy = "parallel_affected_keys"
	StrategyNoop             Strategy = "no_op"
)

// ErrorKind classifies a refresh failure for retry/escalation
// decisions, matching the five kinds of error recognized throughout
// the engine.
type ErrorKind string

const (
	ErrorDefinitional ErrorKind = "definitional"
	ErrorTransient    ErrorKind = "transient_lake"
	ErrorResource     ErrorKind = "resource"
	ErrorCoordination ErrorKind = "coordination"
	ErrorFatal        ErrorKind = "fatal"
)

// RefreshHistory is one attempt record, successful or not.
type RefreshHistory struct {
	ID            uuid.UUID
	DynamicTable  ident.Table
	StartedAt     time.Time
	CompletedAt   time.Time
	Status        Outcome
	Strategy      Strategy
	RowsAffected  int64
	DurationMS    int64
	ErrorCode     ErrorKind
	ErrorMessage  string
	Snapshots     map[string]snapshot.ID
	Trigger       Trigger
}

// PendingRefresh is a queued work item; at most one exists per table
// at a time, enforced by the metadata store's primary key on
// dynamic_table.
type PendingRefresh struct {
	DynamicTable ident.Table
	DueAt        time.Time
	Priority     int
	EnqueuedAt   time.Time
}

// ClaimMode distinguishes a lone worker's claim from one that has
// fanned a refresh out into subtasks.
type ClaimMode string

const (
	ClaimSingle      ClaimMode = "single"
	ClaimCoordinator ClaimMode = "coordinator"
)

// Claim is the table-level lock a worker holds while it refreshes one
// DynamicTable.
type Claim struct {
	DynamicTable       ident.Table
	WorkerID           string
	ClaimedAt          time.Time
	HeartbeatAt        time.Time
	ExpiresAt          time.Time
	Mode               ClaimMode
	SubtasksTotal      int
	SubtasksCompleted  int
}

// SubtaskKind selects the partition predicate a subtask filters by.
type SubtaskKind string

const (
	SubtaskHashRange SubtaskKind = "hash_range"
	SubtaskModulo    SubtaskKind = "modulo"
	SubtaskPartition SubtaskKind = "partition"
)

// SubtaskStatus is the lifecycle state of one subtask row.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskClaimed   SubtaskStatus = "claimed"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// PartitionSpec is the tagged variant of subtask_data: exactly one of
// HashRange, Modulo, or Partition is set, selected by Kind.
type PartitionSpec struct {
	Kind SubtaskKind

	// HashRange and Modulo share the same shape: partition i of n by
	// key column KeyColumn.
	KeyColumn ident.Column
	N         int
	I         int

	// Partition carries a literal source-partition expression, used
	// only when Kind is SubtaskPartition.
	Expr string
}

// Subtask is one partition of a parallel affected-keys refresh.
type Subtask struct {
	ID             uuid.UUID
	ParentRefresh  ident.Table
	DynamicTable   ident.Table
	Kind           SubtaskKind
	Partition      PartitionSpec
	Status         SubtaskStatus
	ResultLocation string

	ClaimedBy   string
	ClaimedAt   time.Time
	HeartbeatAt time.Time
	CompletedAt time.Time

	ErrorMessage string
	RetryCount   int
	CreatedAt    time.Time
}

// MaxSubtaskRetries bounds the sweeper's requeue budget for a subtask
// before it is marked permanently failed.
const MaxSubtaskRetries = 3
