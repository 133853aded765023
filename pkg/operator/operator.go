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

// Package operator generalizes the Pod watch-dispatcher/state-engine
// pair (pkg/dispatcher, pkg/engine) over an arbitrary custom resource,
// fulfilling the "reusable operator framework" half of this project's
// purpose (the same role krator/src/runtime.rs's OperatorRuntime plays
// for an arbitrary kube::Resource). Rather than hand-roll the watch
// stream the way main.go's runPodWatch does for Pods, a Runtime here rides a
// controller-runtime Manager's informer cache: it registers itself as
// both a reconcile.Reconciler (the CAPV controller pattern, e.g.
// controllers/vspherecluster_controller.go's
// ctrl.NewControllerManagedBy) and a manager.Runnable, translating each
// Reconcile call into the Applied/Deleted vocabulary pkg/dispatcher
// already knows how to turn into per-object task lifecycle.
package operator

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	"github.com/nodelet-io/nodelet/pkg/dispatcher"
	"github.com/nodelet-io/nodelet/pkg/objectkey"
)

// Object is the constraint every custom resource this package drives
// must satisfy: a client.Object. Fresh zero-value copies come from the
// newObj constructor passed to NewRuntime.
type Object interface {
	client.Object
}

// Runtime bridges a controller-runtime Manager's cache-backed watch
// into a dispatcher.Dispatcher for resource type T. One Runtime exists
// per custom resource kind the operator drives.
type Runtime[T Object] struct {
	client   client.Client
	new      func() T
	dispatch *dispatcher.Dispatcher[T]
	events   chan dispatcher.WatchEvent[T]
	log      logr.Logger
}

// NewRuntime builds a Runtime. newObj constructs a fresh zero-value T,
// used both as the Get target and to build the minimal placeholder
// object a Deleted event carries. hooks supplies the rest of
// dispatcher.Hooks[T] (key extraction and driver construction are
// derived here since every client.Object already knows its own
// namespace/name/deletion-timestamp).
func NewRuntime[T Object](c client.Client, newObj func() T, newDriver func(ctx context.Context, initial T) (dispatcher.Driver[T], error), log logr.Logger, draining func() bool) *Runtime[T] {
	hooks := dispatcher.Hooks[T]{
		KeyOf: func(o T) objectkey.ObjectKey {
			return objectkey.New(o.GetNamespace(), o.GetName())
		},
		HasDeletionTimestamp: func(o T) bool {
			return !o.GetDeletionTimestamp().IsZero()
		},
		MinimalForDelete: func(key objectkey.ObjectKey) T {
			obj := newObj()
			obj.SetNamespace(key.Namespace)
			obj.SetName(key.Name)
			return obj
		},
		NewDriver: newDriver,
	}

	return &Runtime[T]{
		client:   c,
		new:      newObj,
		dispatch: dispatcher.New(hooks, log, draining),
		events:   make(chan dispatcher.WatchEvent[T], 64),
		log:      log,
	}
}

// Reconcile satisfies reconcile.Reconciler: it fetches the current
// object (or notices its absence) and forwards an Applied or Deleted
// event to the dispatcher. It never returns an error for a dispatcher
// that is slow to drain — the event channel backpressures the
// reconcile call instead, which controller-runtime tolerates by simply
// not processing the next item yet.
func (r *Runtime[T]) Reconcile(ctx context.Context, req reconcile.Request) (reconcile.Result, error) {
	obj := r.new()
	err := r.client.Get(ctx, req.NamespacedName, obj)
	switch {
	case apierrors.IsNotFound(err):
		minimal := r.new()
		minimal.SetNamespace(req.Namespace)
		minimal.SetName(req.Name)
		return reconcile.Result{}, r.send(ctx, dispatcher.Deleted(minimal))
	case err != nil:
		return reconcile.Result{}, fmt.Errorf("getting %s: %w", req.NamespacedName, err)
	default:
		return reconcile.Result{}, r.send(ctx, dispatcher.Applied(obj))
	}
}

func (r *Runtime[T]) send(ctx context.Context, evt dispatcher.WatchEvent[T]) error {
	select {
	case r.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start satisfies manager.Runnable: it runs the dispatcher's consume
// loop until ctx is cancelled.
func (r *Runtime[T]) Start(ctx context.Context) error {
	r.dispatch.Run(ctx, r.events)
	return nil
}

// SetupWithManager registers the Runtime as both a Reconciler watching
// forObj's kind and a long-running Runnable, the controller-runtime
// equivalent of OperatorRuntime::new(...).start().
func (r *Runtime[T]) SetupWithManager(mgr ctrl.Manager, forObj client.Object) error {
	if err := mgr.Add(r); err != nil {
		return fmt.Errorf("registering operator runtime: %w", err)
	}
	return ctrl.NewControllerManagedBy(mgr).For(forObj).Complete(r)
}
