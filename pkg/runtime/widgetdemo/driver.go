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

package widgetdemo

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"sigs.k8s.io/controller-runtime/pkg/client"

	widgetv1alpha1 "github.com/nodelet-io/nodelet/apis/widget/v1alpha1"
	"github.com/nodelet-io/nodelet/pkg/dispatcher"
	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/manifest"
	"github.com/nodelet-io/nodelet/pkg/operator"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

// Factory builds a dispatcher.Driver[*widgetv1alpha1.Widget] for every
// Widget pkg/operator's Runtime spawns a task for. It plays the same
// role pod.Factory plays for Pods.
type Factory struct {
	Client   client.Client
	Log      logr.Logger
	States   map[string]engine.State[*ObjectState, *widgetv1alpha1.Widget]
	Registry *transition.Registry
}

// NewFactory builds a Factory wired with the standard Widget state
// graph.
func NewFactory(c client.Client, log logr.Logger) *Factory {
	return &Factory{Client: c, Log: log, States: States(), Registry: BuildRegistry()}
}

// NewDriver satisfies dispatcher.Hooks[*widgetv1alpha1.Widget].NewDriver.
func (f *Factory) NewDriver(ctx context.Context, initial *widgetv1alpha1.Widget) (dispatcher.Driver[*widgetv1alpha1.Widget], error) {
	return &driver{
		factory: f,
		initial: initial.DeepCopy(),
		obj:     &ObjectState{},
		patcher: &operator.StatusPatcher[*widgetv1alpha1.Widget]{Client: f.Client, Object: initial.DeepCopy(), SetStatus: SetStatus},
		log:     f.Log.WithValues("widget", initial.Namespace+"/"+initial.Name),
	}, nil
}

type driver struct {
	factory *Factory
	initial *widgetv1alpha1.Widget
	obj     *ObjectState
	patcher *operator.StatusPatcher[*widgetv1alpha1.Widget]
	log     logr.Logger
}

func (d *driver) Run(ctx context.Context, reader manifest.Reader[*widgetv1alpha1.Widget]) error {
	return engine.Run(ctx, d.log, d.factory.Registry, d.factory.States, Scheduled, d.obj, reader, d.patcher, FailureStatus)
}

func (d *driver) RunTerminated(ctx context.Context, reader manifest.Reader[*widgetv1alpha1.Widget]) error {
	return engine.Run(ctx, d.log, d.factory.Registry, d.factory.States, Released, d.obj, reader, d.patcher, FailureStatus)
}

func (d *driver) Teardown(ctx context.Context) error {
	err := d.factory.Client.Delete(ctx, d.initial)
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting widget %s/%s: %w", d.initial.Namespace, d.initial.Name, err)
	}
	return nil
}
