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

package retryutil_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodelet-io/nodelet/pkg/retryutil"
)

func TestDoSucceedsWithoutExhaustingAttempts(t *testing.T) {
	calls := 0
	err := retryutil.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)

	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoStopsAfterFourAttempts(t *testing.T) {
	calls := 0
	err := retryutil.Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("always fails")
	}, nil)

	assert.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDoBreaksEarlyOnTerminalError(t *testing.T) {
	calls := 0
	sentinel := errors.New("conflict")
	err := retryutil.Do(context.Background(), func(context.Context) error {
		calls++
		return sentinel
	}, func(err error) bool { return errors.Is(err, sentinel) })

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := retryutil.Do(ctx, func(context.Context) error {
		calls++
		if calls == 1 {
			cancel()
		}
		return errors.New("transient")
	}, nil)

	assert.Error(t, err)
}
