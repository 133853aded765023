/*
Copyright 2024 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package retryutil provides the single exponential-backoff-with-break
// helper every API-touching call site in this module uses: one
// higher-order function instead of a retry policy bolted onto each
// caller. Built on k8s.io/apimachinery/pkg/util/wait, the
// backoff/polling package used across the retrieval pack (e.g.
// prometheus-engine's e2e helpers and CAPV's own
// vspherevm_controller.go teardown poll).
package retryutil

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

const maxAttempts = 4

// IsTerminal classifies an error returned by action as one that should
// stop retrying immediately (e.g. a 409 Conflict the caller wants to
// handle itself rather than exhaust the attempt budget on).
type IsTerminal func(err error) bool

// Action is the operation to retry.
type Action func(ctx context.Context) error

// Do runs action up to 4 times with an initial 100ms wait multiplied by
// (n+1) on the n-th retry, stopping early if isTerminal classifies the
// latest error as one retrying cannot fix.
// isTerminal may be nil, in which case every error is retried until
// attempts are exhausted.
func Do(ctx context.Context, action Action, isTerminal IsTerminal) error {
	backoff := wait.Backoff{Duration: 100 * time.Millisecond, Steps: maxAttempts}

	var lastErr error
	attempt := 0
	for backoff.Steps > 0 {
		if attempt > 0 {
			d := time.Duration(attempt+1) * 100 * time.Millisecond
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		if isTerminal != nil && isTerminal(lastErr) {
			return lastErr
		}

		attempt++
		backoff.Steps--
	}
	return lastErr
}
