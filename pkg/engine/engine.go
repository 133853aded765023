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

// Package engine runs a typed state graph for one object: on every
// iteration it asks the current state for a status patch, applies it,
// asks for the next transition, and either loops, returns success, or
// emits one last Failed status patch and returns the terminal error.
//
// The shape mirrors a Reconcile/reconcileNormal/reconcileDelete split
// like controllers/vspherevm_controller.go's, made explicit as an
// iterative loop instead of one reconcile call per watch event, since
// this engine owns its own object's lifetime for as long as the object
// exists rather than being re-invoked by a work queue.
package engine

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/nodelet-io/nodelet/pkg/transition"
)

// Status is an opaque, provider-defined value that must be serializable
// to a JSON Merge Patch targeting the object's /status subresource.
type Status any

// State is one node of a typed state graph over object-state type O and
// manifest-snapshot type M.
type State[O any, M any] interface {
	// Name uniquely identifies this state within the graph; it is the
	// key used by transition.Next and transition.Registry.
	Name() string
	// Status produces the status patch to apply before Step runs.
	Status(ctx context.Context, obj O, snapshot M) (Status, error)
	// Step runs one iteration of this state's logic and returns the
	// next transition.
	Step(ctx context.Context, obj O, snapshot M) (transition.Transition, error)
}

// StatusPatcher applies a status patch to the backing API object.
// Failures are logged by the engine and never abort the loop.
type StatusPatcher interface {
	PatchStatus(ctx context.Context, status Status) error
}

// ManifestReader is the subset of manifest.Reader the engine needs; kept
// as an interface so tests can supply a fixed, non-changing snapshot.
type ManifestReader[M any] interface {
	Latest() M
}

// FailureStatus builds the terminal status patch to apply when the
// machine completes with an error: it must carry phase Failed and a
// message derived from the error.
type FailureStatus[M any] func(snapshot M, errKind, message string) Status

// Run drives object obj through the state graph described by states and
// reg, starting at startState, until a state returns Complete(Ok) or
// Complete(Err). It returns nil on success and the terminal error
// (wrapping the error kind/message) otherwise.
func Run[O any, M any](
	ctx context.Context,
	log logr.Logger,
	reg *transition.Registry,
	states map[string]State[O, M],
	startState string,
	obj O,
	reader ManifestReader[M],
	patcher StatusPatcher,
	failureStatus FailureStatus[M],
) error {
	current := startState
	for {
		state, ok := states[current]
		if !ok {
			return fmt.Errorf("engine: unknown state %q", current)
		}

		snapshot := reader.Latest()

		status, statusErr := safeStatus(ctx, state, obj, snapshot)
		if statusErr != nil {
			log.Error(statusErr, "status producer failed; treating as terminal error", "state", current)
			return finish(ctx, log, patcher, failureStatus, snapshot, "StatusProducerError", statusErr.Error())
		}
		if patchErr := patcher.PatchStatus(ctx, status); patchErr != nil {
			log.Error(patchErr, "status patch failed, continuing", "state", current)
		}

		trans, stepErr := safeStep(ctx, state, obj, snapshot)
		if stepErr != nil {
			log.Error(stepErr, "step panicked or returned an error; treating as terminal error", "state", current)
			trans = transition.CompleteErr("StepError", stepErr.Error())
		}

		switch trans.Kind() {
		case transition.KindNext:
			if verr := reg.Validate(current, trans); verr != nil {
				return verr
			}
			log.V(1).Info("state transition", "from", current, "to", trans.NextState())
			current = trans.NextState()
			continue

		case transition.KindCompleteOK:
			log.V(1).Info("state machine completed", "finalState", current)
			return nil

		case transition.KindCompleteErr:
			return finish(ctx, log, patcher, failureStatus, snapshot, trans.ErrKind(), trans.Message())

		default:
			return fmt.Errorf("engine: state %q returned an unrecognized transition", current)
		}
	}
}

func finish[M any](
	ctx context.Context,
	log logr.Logger,
	patcher StatusPatcher,
	failureStatus FailureStatus[M],
	snapshot M,
	errKind, message string,
) error {
	status := failureStatus(snapshot, errKind, message)
	if patchErr := patcher.PatchStatus(ctx, status); patchErr != nil {
		log.Error(patchErr, "final failure status patch failed")
	}
	return fmt.Errorf("%s: %s", errKind, message)
}

// safeStatus and safeStep convert a panicking producer/step into an
// error so the engine can surface it exactly as it would a state that
// returned Complete(Err(...)) itself.
func safeStatus[O any, M any](ctx context.Context, state State[O, M], obj O, snapshot M) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("status producer panicked: %v", r)
		}
	}()
	return state.Status(ctx, obj, snapshot)
}

func safeStep[O any, M any](ctx context.Context, state State[O, M], obj O, snapshot M) (t transition.Transition, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v", r)
		}
	}()
	return state.Step(ctx, obj, snapshot)
}
