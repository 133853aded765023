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

package pod_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodelet-io/nodelet/pkg/pod"
)

func TestBackoffStateMonotonicUntilCeiling(t *testing.T) {
	var b pod.BackoffState

	var durations []int64
	for i := 0; i < 8; i++ {
		durations = append(durations, int64(b.Bump()))
	}

	for i := 1; i < len(durations); i++ {
		assert.GreaterOrEqual(t, durations[i], durations[i-1], "successive backoff entries must be non-decreasing")
	}
	assert.Equal(t, durations[len(durations)-1], durations[len(durations)-2], "sequence must saturate at the ceiling rather than growing unbounded")
}

func TestBackoffStateResetStartsSequenceOver(t *testing.T) {
	var b pod.BackoffState

	first := b.Bump()
	b.Bump()
	b.Bump()

	b.Reset()
	assert.Zero(t, b.Attempts)

	afterReset := b.Bump()
	assert.Equal(t, first, afterReset, "a reset sequence's first Bump must match a fresh sequence's first Bump")
}

func TestImagePullAndCrashLoopBackoffsAreIndependent(t *testing.T) {
	obj := pod.NewObjectState()

	obj.ImagePull.Bump()
	obj.ImagePull.Bump()
	obj.CrashLoop.Bump()

	obj.ImagePull.Reset()

	assert.Zero(t, obj.ImagePull.Attempts, "resetting image-pull backoff must not touch crash-loop backoff")
	assert.Equal(t, 1, obj.CrashLoop.Attempts)
}
