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

package model

import "github.com/pkg/errors"

// ClassifiedError pairs an ErrorKind with the underlying cause, so
// callers can match on Kind without losing the wrapped stack trace
// pkg/errors attaches at the point of origin.
type ClassifiedError struct {
	Kind ErrorKind
	Code string
	Err  error
}

func (e *ClassifiedError) Error() string {
	if e.Code != "" {
		return string(e.Kind) + ": " + e.Code + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Classify wraps err as a ClassifiedError of the given kind, adding a
// stack trace if one isn't already attached.
func Classify(kind ErrorKind, code string, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Kind: kind, Code: code, Err: errors.WithStack(err)}
}

// KindOf extracts the ErrorKind from err, defaulting to ErrorFatal
// when err was not produced via Classify.
func KindOf(err error) ErrorKind {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ErrorFatal
}

// IsRetryable reports whether err's kind is one the executor should
// retry with backoff inside a single attempt:
// only transient lake errors qualify.
func IsRetryable(err error) bool {
	return KindOf(err) == ErrorTransient
}

// InvalidQuery is the rewriter's failure mode: the input could not be
// parsed, or it uses a construct the engine classifies as unsupported
// for the requested strategy.
type InvalidQuery struct {
	Reason string
}

func (e *InvalidQuery) Error() string { return "invalid query: " + e.Reason }

// NewInvalidQuery builds an InvalidQuery, already classified as a
// Definitional error so callers don't have to remember to wrap it.
func NewInvalidQuery(reason string) error {
	return Classify(ErrorDefinitional, "invalid_query", &InvalidQuery{Reason: reason})
}
