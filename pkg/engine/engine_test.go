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

package engine_test

import (
	"context"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

type fixtureObj struct {
	stepsTaken []string
}

type fixtureStatus struct {
	Phase string
}

type fixedReader struct{}

func (fixedReader) Latest() struct{} { return struct{}{} }

type recordingPatcher struct {
	phases []string
}

func (p *recordingPatcher) PatchStatus(_ context.Context, s engine.Status) error {
	p.phases = append(p.phases, s.(fixtureStatus).Phase)
	return nil
}

type namedState struct {
	name       string
	next       transition.Transition
	statusErr  error
	stepErr    error
	phaseLabel string
}

func (s namedState) Name() string { return s.name }

func (s namedState) Status(_ context.Context, _ *fixtureObj, _ struct{}) (engine.Status, error) {
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return fixtureStatus{Phase: s.phaseLabel}, nil
}

func (s namedState) Step(_ context.Context, obj *fixtureObj, _ struct{}) (transition.Transition, error) {
	obj.stepsTaken = append(obj.stepsTaken, s.name)
	if s.stepErr != nil {
		return transition.Transition{}, s.stepErr
	}
	return s.next, nil
}

func buildRegistry() *transition.Registry {
	reg := transition.NewRegistry()
	reg.Allow("A", "B")
	reg.Allow("B", "C")
	reg.Allow("C")
	return reg
}

func failureStatus(_ struct{}, errKind, message string) engine.Status {
	return fixtureStatus{Phase: "Failed:" + errKind + ":" + message}
}

func TestRunWalksDeclaredPath(t *testing.T) {
	states := map[string]engine.State[*fixtureObj, struct{}]{
		"A": namedState{name: "A", next: transition.Next("B"), phaseLabel: "A"},
		"B": namedState{name: "B", next: transition.Next("C"), phaseLabel: "B"},
		"C": namedState{name: "C", next: transition.CompleteOK(), phaseLabel: "C"},
	}
	obj := &fixtureObj{}
	patcher := &recordingPatcher{}

	err := engine.Run[*fixtureObj, struct{}](context.Background(), logr.Discard(), buildRegistry(), states, "A", obj, fixedReader{}, patcher, failureStatus)

	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, obj.stepsTaken)
	assert.Equal(t, []string{"A", "B", "C"}, patcher.phases, "status patch sequence must be a prefix of a legal path")
}

func TestRunRejectsUndeclaredEdge(t *testing.T) {
	states := map[string]engine.State[*fixtureObj, struct{}]{
		"A": namedState{name: "A", next: transition.Next("C"), phaseLabel: "A"},
		"C": namedState{name: "C", next: transition.CompleteOK(), phaseLabel: "C"},
	}
	obj := &fixtureObj{}
	patcher := &recordingPatcher{}

	err := engine.Run[*fixtureObj, struct{}](context.Background(), logr.Discard(), buildRegistry(), states, "A", obj, fixedReader{}, patcher, failureStatus)

	assert.Error(t, err)
}

func TestRunSurfacesStepPanicAsTerminalError(t *testing.T) {
	states := map[string]engine.State[*fixtureObj, struct{}]{
		"A": panicState{},
	}
	obj := &fixtureObj{}
	patcher := &recordingPatcher{}

	err := engine.Run[*fixtureObj, struct{}](context.Background(), logr.Discard(), buildRegistry(), states, "A", obj, fixedReader{}, patcher, failureStatus)

	require.Error(t, err)
	require.NotEmpty(t, patcher.phases)
	assert.Contains(t, patcher.phases[len(patcher.phases)-1], "Failed:")
}

type panicState struct{}

func (panicState) Name() string { return "A" }
func (panicState) Status(_ context.Context, _ *fixtureObj, _ struct{}) (engine.Status, error) {
	return fixtureStatus{Phase: "A"}, nil
}
func (panicState) Step(_ context.Context, _ *fixtureObj, _ struct{}) (transition.Transition, error) {
	panic("boom")
}
