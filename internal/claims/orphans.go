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

package claims

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/BaardBouvet/dynamic-tables-ducklake/internal/model"
)

// SweepOrphanedSubtasks handles the first half of claim sweeping: any
// subtask whose parent_refresh no longer has a live coordinator claim
// is orphaned (the coordinator crashed or lost its lease) and is
// deleted directly. Returns the number of rows removed.
func (m *Manager) SweepOrphanedSubtasks(ctx context.Context) (int64, error) {
	tag, err := m.Pool.Exec(ctx, `
		DELETE FROM refresh_subtasks s
		WHERE NOT EXISTS (
			SELECT 1 FROM refresh_claims c
			WHERE c.dynamic_table = s.parent_refresh AND c.mode = $1
		)`, model.ClaimCoordinator)
	if err != nil {
		return 0, errors.Wrap(err, "claims: sweep orphaned subtasks")
	}
	return tag.RowsAffected(), nil
}

// ResetStaleSubtaskClaims handles the second half of claim sweeping: a
// claimed subtask whose heartbeat has gone stale (older than
// ClaimTimeout) is returned to pending if it still has retry budget,
// else marked permanently failed. A subtask already marked failed that
// still has retry budget is also returned to pending; reset counts
// both kinds of requeued rows.
func (m *Manager) ResetStaleSubtaskClaims(ctx context.Context) (reset int64, failed int64, err error) {
	staleBefore := time.Now().UTC().Add(-m.ClaimTimeout)

	resetTag, err := m.Pool.Exec(ctx, `
		UPDATE refresh_subtasks
		SET status = $1
		WHERE status = $2 AND heartbeat_at < $3 AND retry_count < $4`,
		model.SubtaskPending, model.SubtaskClaimed, staleBefore, model.MaxSubtaskRetries)
	if err != nil {
		return 0, 0, errors.Wrap(err, "claims: reset stale subtask claims")
	}

	failTag, err := m.Pool.Exec(ctx, `
		UPDATE refresh_subtasks
		SET status = $1, error_message = 'heartbeat expired past retry budget'
		WHERE status = $2 AND heartbeat_at < $3 AND retry_count >= $4`,
		model.SubtaskFailed, model.SubtaskClaimed, staleBefore, model.MaxSubtaskRetries)
	if err != nil {
		return resetTag.RowsAffected(), 0, errors.Wrap(err, "claims: fail stale subtask claims")
	}

	requeueTag, err := m.Pool.Exec(ctx, `
		UPDATE refresh_subtasks
		SET status = $1
		WHERE status = $2 AND retry_count < $3`,
		model.SubtaskPending, model.SubtaskFailed, model.MaxSubtaskRetries)
	if err != nil {
		return resetTag.RowsAffected(), failTag.RowsAffected(), errors.Wrap(err, "claims: requeue failed subtasks")
	}

	return resetTag.RowsAffected() + requeueTag.RowsAffected(), failTag.RowsAffected(), nil
}
