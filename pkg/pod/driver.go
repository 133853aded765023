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

package pod

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/nodelet-io/nodelet/pkg/dispatcher"
	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/manifest"
	"github.com/nodelet-io/nodelet/pkg/provider"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

// Factory builds a dispatcher.Driver[*corev1.Pod] for every Pod the
// dispatcher spawns a task for. One Factory is shared across the
// node's whole Pod population; it carries no per-Pod state itself.
type Factory struct {
	Client   kubernetes.Interface
	Log      logr.Logger
	Provider provider.PodProvider
	States   map[string]engine.State[*ObjectState, *corev1.Pod]
	Registry *transition.Registry
}

// NewDriver satisfies dispatcher.Hooks[*corev1.Pod].NewDriver.
func (f *Factory) NewDriver(ctx context.Context, initial *corev1.Pod) (dispatcher.Driver[*corev1.Pod], error) {
	obj, err := f.Provider.InitializeObjectState(ctx, initial)
	if err != nil {
		return nil, fmt.Errorf("initializing object state for pod %s/%s: %w", initial.Namespace, initial.Name, err)
	}
	state, ok := obj.(*ObjectState)
	if !ok {
		return nil, fmt.Errorf("provider InitializeObjectState returned %T, want *pod.ObjectState", obj)
	}

	return &driver{
		factory:  f,
		initial:  initial,
		obj:      state,
		patcher:  NewStatusPatcher(f.Client, initial.Namespace, initial.Name),
		log:      f.Log.WithValues("pod", initial.Namespace+"/"+initial.Name),
	}, nil
}

type driver struct {
	factory *Factory
	initial *corev1.Pod
	obj     *ObjectState
	patcher *StatusPatcher
	log     logr.Logger
}

func (d *driver) Run(ctx context.Context, reader manifest.Reader[*corev1.Pod]) error {
	if err := d.factory.Provider.RegistrationHook(ctx, d.initial); err != nil {
		return fmt.Errorf("registration hook: %w", err)
	}
	return engine.Run(ctx, d.log, d.factory.Registry, d.factory.States, d.factory.Provider.InitialState(), d.obj, reader, d.patcher, FailureStatus)
}

func (d *driver) RunTerminated(ctx context.Context, reader manifest.Reader[*corev1.Pod]) error {
	return engine.Run(ctx, d.log, d.factory.Registry, d.factory.States, d.factory.Provider.TerminatedState(), d.obj, reader, d.patcher, FailureStatus)
}

func (d *driver) Teardown(ctx context.Context) error {
	if err := d.factory.Provider.DeregistrationHook(ctx, d.initial); err != nil {
		d.log.Error(err, "deregistration hook failed")
	}

	gracePeriod := int64(0)
	err := d.factory.Client.CoreV1().Pods(d.initial.Namespace).Delete(ctx, d.initial.Name, metav1.DeleteOptions{GracePeriodSeconds: &gracePeriod})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s/%s: %w", d.initial.Namespace, d.initial.Name, err)
	}
	return nil
}
