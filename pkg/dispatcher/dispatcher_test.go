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

package dispatcher_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelet-io/nodelet/pkg/dispatcher"
	"github.com/nodelet-io/nodelet/pkg/manifest"
	"github.com/nodelet-io/nodelet/pkg/objectkey"
)

type fakeObj struct {
	ns, name  string
	deleting  bool
}

func key(o fakeObj) objectkey.ObjectKey { return objectkey.New(o.ns, o.name) }

// fakeDriver counts concurrent Run invocations (to prove single-engine-
// per-object) and records whether RunTerminated/Teardown ran.
type fakeDriver struct {
	mu             sync.Mutex
	running        int
	maxConcurrent  int
	terminatedRuns int32
	teardownRuns   int32
	blockRun       chan struct{}
}

func (f *fakeDriver) Run(ctx context.Context, _ manifest.Reader[fakeObj]) error {
	f.mu.Lock()
	f.running++
	if f.running > f.maxConcurrent {
		f.maxConcurrent = f.running
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.running--
		f.mu.Unlock()
	}()

	select {
	case <-f.blockRun:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeDriver) RunTerminated(ctx context.Context, _ manifest.Reader[fakeObj]) error {
	atomic.AddInt32(&f.terminatedRuns, 1)
	return nil
}

func (f *fakeDriver) Teardown(ctx context.Context) error {
	atomic.AddInt32(&f.teardownRuns, 1)
	return nil
}

func newHooks(drivers map[string]*fakeDriver, mu *sync.Mutex) dispatcher.Hooks[fakeObj] {
	return dispatcher.Hooks[fakeObj]{
		KeyOf:                 key,
		HasDeletionTimestamp:  func(o fakeObj) bool { return o.deleting },
		MinimalForDelete: func(k objectkey.ObjectKey) fakeObj {
			return fakeObj{ns: k.Namespace, name: k.Name}
		},
		NewDriver: func(ctx context.Context, initial fakeObj) (dispatcher.Driver[fakeObj], error) {
			mu.Lock()
			defer mu.Unlock()
			d := &fakeDriver{blockRun: make(chan struct{})}
			drivers[key(initial).String()] = d
			return d, nil
		},
	}
}

func TestDispatchSpawnsOneTaskPerKey(t *testing.T) {
	drivers := map[string]*fakeDriver{}
	var mu sync.Mutex
	d := dispatcher.New(newHooks(drivers, &mu), testr.New(t), func() bool { return false })

	events := make(chan dispatcher.WatchEvent[fakeObj], 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, events)

	events <- dispatcher.Applied(fakeObj{ns: "default", name: "a"})
	events <- dispatcher.Applied(fakeObj{ns: "default", name: "a"})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	assert.Len(t, drivers, 1, "second Applied for the same key must not spawn a new task")
	mu.Unlock()
}

func TestDeletionPreemptsRunningEngineExactlyOnce(t *testing.T) {
	drivers := map[string]*fakeDriver{}
	var mu sync.Mutex
	d := dispatcher.New(newHooks(drivers, &mu), testr.New(t), func() bool { return false })

	events := make(chan dispatcher.WatchEvent[fakeObj], 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, events)

	obj := fakeObj{ns: "default", name: "b"}
	events <- dispatcher.Applied(obj)
	time.Sleep(50 * time.Millisecond)

	events <- dispatcher.Deleted(obj)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		drv, ok := drivers[key(obj).String()]
		return ok && atomic.LoadInt32(&drv.terminatedRuns) == 1 && atomic.LoadInt32(&drv.teardownRuns) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	drv := drivers[key(obj).String()]
	mu.Unlock()
	assert.Equal(t, 1, drv.maxConcurrent, "normal and terminated runs must never overlap")
	assert.EqualValues(t, 1, atomic.LoadInt32(&drv.terminatedRuns))
}

func TestResyncDeletesKeysMissingFromRelist(t *testing.T) {
	drivers := map[string]*fakeDriver{}
	var mu sync.Mutex
	d := dispatcher.New(newHooks(drivers, &mu), testr.New(t), func() bool { return false })

	events := make(chan dispatcher.WatchEvent[fakeObj], 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, events)

	stale := fakeObj{ns: "default", name: "stale"}
	events <- dispatcher.Applied(stale)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, d.LiveKeys(), 1)

	events <- dispatcher.Restarted[fakeObj](nil)

	require.Eventually(t, func() bool {
		return len(d.LiveKeys()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestAppliedDroppedWhileDraining(t *testing.T) {
	drivers := map[string]*fakeDriver{}
	var mu sync.Mutex
	var draining atomic.Bool
	d := dispatcher.New(newHooks(drivers, &mu), testr.New(t), draining.Load)

	events := make(chan dispatcher.WatchEvent[fakeObj], 4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx, events)

	draining.Store(true)
	events <- dispatcher.Applied(fakeObj{ns: "default", name: "c"})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, d.LiveKeys())
}
