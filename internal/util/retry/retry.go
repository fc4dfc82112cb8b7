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

// Package retry wraps backoff/v4 with the one retry policy every
// component shares: base 1s, factor 2, cap 60s, at most 3 attempts.
// It is used for transient lake errors inside a single refresh attempt
// and for the metadata-store write that follows a lake commit.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	baseInterval = time.Second
	multiplier   = 2
	maxInterval  = 60 * time.Second
	maxAttempts  = 3
)

// Policy returns a fresh backoff.BackOff configured to the shared
// policy, bounded to maxAttempts tries and scoped to ctx.
func Policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = baseInterval
	b.Multiplier = multiplier
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, maxAttempts-1), ctx)
}

// Do runs fn, retrying transient failures under the shared policy. fn
// should return a *backoff.PermanentError to stop retrying immediately.
func Do(ctx context.Context, fn func() error) error {
	return backoff.Retry(fn, Policy(ctx))
}

// Permanent marks err as non-retryable, matching backoff's convention.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}
