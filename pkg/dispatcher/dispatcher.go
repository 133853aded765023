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

// Package dispatcher translates a Kubernetes watch stream into per-key
// task lifecycle: it demultiplexes events per ObjectKey, reconciles the
// live set against periodic relists, and owns the lifetime of each
// per-object task.
//
// The per-key channel cache is modeled on a
// ControllerManagerContext.GetGenericEventChannelFor-style cache, which
// keys one channel per GroupVersionKind for out-of-band
// resynchronization; here the cache key is narrowed from GVK to
// ObjectKey and the cached value drives a dedicated reflector/driver
// task pair instead of a controller-runtime watch source. "Reflector"
// is the same term k8s.io/client-go/tools/cache uses for the component
// that keeps a store in sync with a watch stream.
package dispatcher

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	"github.com/nodelet-io/nodelet/pkg/manifest"
	"github.com/nodelet-io/nodelet/pkg/objectkey"
)

// activeTasksGauge reports the number of keys in a Dispatcher's map,
// mirroring pkg/session's cached-session gauge. A key stays counted
// after its task finishes, until a Deleted event removes it. Each
// Dispatcher sets the gauge to its own count, so with several in one
// process (Pods here, Widgets in pkg/operator) it holds the count of
// whichever changed its map last, not their sum.
var activeTasksGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "dispatcher",
	Name:      "active_tasks",
})

func init() {
	metrics.Registry.MustRegister(activeTasksGauge)
}

// EventKind tags the shape of a WatchEvent.
type EventKind int

const (
	EventApplied EventKind = iota
	EventDeleted
	EventRestarted
)

// WatchEvent is a translated watch-stream event for object type T.
type WatchEvent[T any] struct {
	Kind   EventKind
	Object T   // valid for Applied/Deleted
	List   []T // valid for Restarted
}

// Applied builds an Applied event.
func Applied[T any](obj T) WatchEvent[T] { return WatchEvent[T]{Kind: EventApplied, Object: obj} }

// Deleted builds a Deleted event.
func Deleted[T any](obj T) WatchEvent[T] { return WatchEvent[T]{Kind: EventDeleted, Object: obj} }

// Restarted builds a Restarted (relist) event.
func Restarted[T any](list []T) WatchEvent[T] { return WatchEvent[T]{Kind: EventRestarted, List: list} }

// Driver runs the state engine for one object across its lifetime.
type Driver[T any] interface {
	// Run drives the normal (provider initial-state) path. It returns
	// when the engine completes or ctx is cancelled.
	Run(ctx context.Context, reader manifest.Reader[T]) error
	// RunTerminated drives the provider's terminated-state path,
	// invoked once deletion pre-empts the normal path.
	RunTerminated(ctx context.Context, reader manifest.Reader[T]) error
	// Teardown runs the object-state async-drop equivalent and issues
	// the best-effort, zero-grace delete of the backing API object,
	// treating 404 as success. Called exactly once, after Run has
	// returned and, when deletion pre-empted it, RunTerminated too.
	Teardown(ctx context.Context) error
}

// Hooks supplies the object-type-specific behavior the dispatcher needs
// but cannot know generically.
type Hooks[T any] struct {
	// KeyOf extracts the ObjectKey identity of an object.
	KeyOf func(T) objectkey.ObjectKey
	// HasDeletionTimestamp reports whether an Applied object is marked
	// for deletion.
	HasDeletionTimestamp func(T) bool
	// MinimalForDelete builds the name+namespace-only object Resync
	// synthesizes for keys present in the map but absent from a relist.
	MinimalForDelete func(objectkey.ObjectKey) T
	// NewDriver constructs the Driver for a freshly spawned task, given
	// the initial Applied object. Errors abort the spawn; the key is
	// not added to the live set.
	NewDriver func(ctx context.Context, initial T) (Driver[T], error)
}

type entry[T any] struct {
	ch   chan WatchEvent[T]
	done chan struct{}
}

func (e *entry[T]) isDone() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// Dispatcher owns the key-to-channel map. It is single-writer: every
// method here is only ever called from the single goroutine running
// Run, so the map itself carries no lock.
type Dispatcher[T any] struct {
	hooks   Hooks[T]
	log     logr.Logger
	draining func() bool

	keys map[objectkey.ObjectKey]*entry[T]
}

// New builds a Dispatcher. draining should report the shared shutdown
// flag; it is polled, never blocked on.
func New[T any](hooks Hooks[T], log logr.Logger, draining func() bool) *Dispatcher[T] {
	return &Dispatcher[T]{
		hooks:    hooks,
		log:      log,
		draining: draining,
		keys:     make(map[objectkey.ObjectKey]*entry[T]),
	}
}

// Run consumes events until the channel closes (stream end) or ctx is
// cancelled. Restarted events are routed to resync; everything else to
// dispatch. While draining, Applied events are dropped.
func (d *Dispatcher[T]) Run(ctx context.Context, events <-chan WatchEvent[T]) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Kind == EventRestarted {
				d.resync(ctx, evt.List)
				continue
			}
			if evt.Kind == EventApplied && d.draining != nil && d.draining() {
				d.log.V(1).Info("dropping Applied event while draining")
				continue
			}
			d.dispatch(ctx, evt)
		}
	}
}

// LiveKeys returns a snapshot of the currently tracked object keys.
// Exposed for tests verifying relist reconciliation.
func (d *Dispatcher[T]) LiveKeys() []objectkey.ObjectKey {
	keys := make([]objectkey.ObjectKey, 0, len(d.keys))
	for k, e := range d.keys {
		if !e.isDone() {
			keys = append(keys, k)
		}
	}
	return keys
}

func (d *Dispatcher[T]) dispatch(ctx context.Context, evt WatchEvent[T]) {
	key := d.hooks.KeyOf(evt.Object)

	switch evt.Kind {
	case EventApplied:
		if e, ok := d.keys[key]; ok && !e.isDone() {
			trySend(e.ch, evt, d.log)
			return
		}
		d.spawn(ctx, key, evt.Object)

	case EventDeleted:
		if e, ok := d.keys[key]; ok {
			trySend(e.ch, evt, d.log)
			delete(d.keys, key)
			activeTasksGauge.Set(float64(len(d.keys)))
		}
	}
}

func (d *Dispatcher[T]) resync(ctx context.Context, list []T) {
	live := make(map[objectkey.ObjectKey]struct{}, len(list))
	for _, obj := range list {
		live[d.hooks.KeyOf(obj)] = struct{}{}
	}

	for key := range d.keys {
		if _, ok := live[key]; !ok {
			d.dispatch(ctx, Deleted(d.hooks.MinimalForDelete(key)))
		}
	}
	for _, obj := range list {
		d.dispatch(ctx, Applied(obj))
	}
}

func (d *Dispatcher[T]) spawn(ctx context.Context, key objectkey.ObjectKey, initial T) {
	driver, err := d.hooks.NewDriver(ctx, initial)
	if err != nil {
		d.log.Error(err, "failed to build driver for spawn; dropping event", "key", key.String())
		return
	}

	writer, reader := manifest.New(initial)
	ch := make(chan WatchEvent[T], 16)
	done := make(chan struct{})
	d.keys[key] = &entry[T]{ch: ch, done: done}
	activeTasksGauge.Set(float64(len(d.keys)))

	deletionCh := make(chan struct{})
	var fireOnce sync.Once
	fire := func() { fireOnce.Do(func() { close(deletionCh) }) }

	go d.reflector(ch, writer, fire)
	go d.runDriver(ctx, driver, reader, deletionCh, done)
}

// reflector drains the per-key channel, keeping the manifest cell
// current and raising the deletion notifier exactly once.
func (d *Dispatcher[T]) reflector(ch chan WatchEvent[T], writer manifest.Writer[T], fire func()) {
	for evt := range ch {
		switch evt.Kind {
		case EventApplied:
			_ = writer.Send(evt.Object)
			if d.hooks.HasDeletionTimestamp(evt.Object) {
				fire()
			}
		case EventDeleted:
			fire()
			writer.Close()
			return
		}
	}
}

// runDriver races the normal engine path against the deletion notifier,
// re-entering at the terminated state if deletion wins, then always
// tears the task down.
func (d *Dispatcher[T]) runDriver(parentCtx context.Context, driver Driver[T], reader manifest.Reader[T], deletionCh <-chan struct{}, done chan struct{}) {
	defer close(done)

	engineCtx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	normalDone := make(chan struct{})
	go func() {
		defer close(normalDone)
		if err := driver.Run(engineCtx, reader); err != nil {
			d.log.V(1).Info("engine run ended", "err", err)
		}
	}()

	select {
	case <-normalDone:
	case <-deletionCh:
		cancel()
		<-normalDone
		if err := driver.RunTerminated(parentCtx, reader); err != nil {
			d.log.Error(err, "terminated-state run failed")
		}
	}

	// The normal path may have completed on its own a moment before a
	// concurrent deletion notification; drain it without blocking so a
	// deletion that arrives just after is not mistaken for one this
	// task never observed.
	select {
	case <-deletionCh:
	default:
	}

	if err := driver.Teardown(parentCtx); err != nil {
		d.log.Error(err, "driver teardown failed")
	}
}

func trySend[T any](ch chan WatchEvent[T], evt WatchEvent[T], log logr.Logger) {
	select {
	case ch <- evt:
	default:
		log.Info("per-key channel full or unread; dropping event, relist will reconcile")
	}
}
