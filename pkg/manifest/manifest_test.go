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

package manifest_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelet-io/nodelet/pkg/manifest"
)

func TestLatestNeverBlocksAndSeesMostRecentSend(t *testing.T) {
	w, r := manifest.New(1)
	assert.Equal(t, 1, r.Latest())

	require.NoError(t, w.Send(2))
	require.NoError(t, w.Send(3))
	require.NoError(t, w.Send(4))

	assert.Equal(t, 4, r.Latest(), "bursts of sends collapse to the most recent value")
}

func TestWaitChangeWakesOnSend(t *testing.T) {
	w, r := manifest.New("a")
	version := r.Version()

	done := make(chan string, 1)
	go func() {
		newVersion, ok := r.WaitChange(version)
		require.True(t, ok)
		_ = newVersion
		done <- r.Latest()
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, w.Send("b"))

	select {
	case v := <-done:
		assert.Equal(t, "b", v)
	case <-time.After(time.Second):
		t.Fatal("WaitChange did not wake up after Send")
	}
}

func TestCloseWakesWaitersWithoutANewValue(t *testing.T) {
	w, r := manifest.New(0)
	version := r.Version()

	done := make(chan bool, 1)
	go func() {
		_, ok := r.WaitChange(version)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	w.Close()

	select {
	case ok := <-done:
		assert.False(t, ok, "WaitChange should report no further change once closed")
	case <-time.After(time.Second):
		t.Fatal("WaitChange did not wake up after Close")
	}
}

func TestSendAfterCloseFails(t *testing.T) {
	w, _ := manifest.New(0)
	w.Close()
	assert.Error(t, w.Send(1))
}

func TestOrderingNeverObservesStaleAfterNewer(t *testing.T) {
	w, r := manifest.New(0)
	for i := 1; i <= 100; i++ {
		require.NoError(t, w.Send(i))
		assert.Equal(t, i, r.Latest())
	}
}
