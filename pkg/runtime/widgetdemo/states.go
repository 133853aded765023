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
	"time"

	widgetv1alpha1 "github.com/nodelet-io/nodelet/apis/widget/v1alpha1"
	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

const (
	Scheduled = "Scheduled"
	Active    = "Active"
	Cooldown  = "Cooldown"
	Released  = "Released"
)

// States returns the full Widget state graph.
func States() map[string]engine.State[*ObjectState, *widgetv1alpha1.Widget] {
	return map[string]engine.State[*ObjectState, *widgetv1alpha1.Widget]{
		Scheduled: &scheduledState{},
		Active:    &activeState{},
		Cooldown:  &cooldownState{},
		Released:  &releasedState{},
	}
}

// BuildRegistry declares every legal transition in the Widget graph,
// mirroring krator's TransitionTo derive macro (Tagged->Roam->Eat->
// Sleep->Roam) with runtime-validated edges instead of compile-time
// ones. No edge leads to Released: on deletion the driver's
// RunTerminated starts the machine there directly.
func BuildRegistry() *transition.Registry {
	reg := transition.NewRegistry()
	reg.Allow(Scheduled, Active)
	reg.Allow(Active, Cooldown)
	reg.Allow(Cooldown, Active)
	reg.Allow(Released)
	return reg
}

// scheduledState runs once: a freshly applied Widget is acknowledged
// and immediately handed off to Active, the same one-shot role
// krator's Tagged state plays for a newly observed Moose.
type scheduledState struct{}

func (s *scheduledState) Name() string { return Scheduled }

func (s *scheduledState) Status(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (engine.Status, error) {
	return Status{Phase: widgetv1alpha1.WidgetPhaseScheduled}, nil
}

func (s *scheduledState) Step(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (transition.Transition, error) {
	return transition.Next(Active), nil
}

// activeState counts one cycle and holds for one second of simulated
// work, then rests in Cooldown. It does not read Spec.Capacity.
type activeState struct{}

func (s *activeState) Name() string { return Active }

func (s *activeState) Status(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (engine.Status, error) {
	return Status{Phase: widgetv1alpha1.WidgetPhaseActive, Message: "running at configured capacity"}, nil
}

func (s *activeState) Step(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (transition.Transition, error) {
	obj.Cycles++
	if err := sleepCtx(ctx, time.Second); err != nil {
		return transition.CompleteErr("ActiveCancelled", err.Error()), nil
	}
	return transition.Next(Cooldown), nil
}

// cooldownState rests for the Widget's configured cooldown before
// resuming Active, looping forever until the object is deleted.
type cooldownState struct{}

func (s *cooldownState) Name() string { return Cooldown }

func (s *cooldownState) Status(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (engine.Status, error) {
	return Status{Phase: widgetv1alpha1.WidgetPhaseCooldown, Message: "resting between cycles"}, nil
}

func (s *cooldownState) Step(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (transition.Transition, error) {
	d := time.Duration(w.Spec.CooldownSeconds) * time.Second
	if d <= 0 {
		d = time.Second
	}
	if err := sleepCtx(ctx, d); err != nil {
		return transition.CompleteErr("CooldownCancelled", err.Error()), nil
	}
	return transition.Next(Active), nil
}

// releasedState is the terminal state entered once a Widget is
// deleted, krator's Released state's Go counterpart: it reports a
// farewell status and completes.
type releasedState struct{}

func (s *releasedState) Name() string { return Released }

func (s *releasedState) Status(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (engine.Status, error) {
	return Status{Message: "released"}, nil
}

func (s *releasedState) Step(ctx context.Context, obj *ObjectState, w *widgetv1alpha1.Widget) (transition.Transition, error) {
	return transition.CompleteOK(), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
