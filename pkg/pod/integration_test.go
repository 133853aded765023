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

package pod_test

// This exercises the end-to-end happy path scenario without devices:
// Apply a Pod with one container, drive it through the full generic
// state pack plus a single-state provider RunState, and confirm that
// the run completes without error and that the driver's teardown
// deletes the Pod from the API. The status.phase sequence is not
// asserted.

import (
	"context"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/manifest"
	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/state/common"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

// happyPathProvider is the minimal provider.PodProvider a single-
// container, no-device, no-volume Pod needs to clear the generic pack.
type happyPathProvider struct{}

func (happyPathProvider) ValidatePodRunnable(context.Context, *corev1.Pod) error          { return nil }
func (happyPathProvider) ValidateContainerRunnable(context.Context, *corev1.Pod, *corev1.Container) error {
	return nil
}
func (happyPathProvider) InitializeObjectState(context.Context, *corev1.Pod) (any, error) {
	return pod.NewObjectState(), nil
}
func (happyPathProvider) InitialState() string    { return common.Registered }
func (happyPathProvider) TerminatedState() string { return common.Terminated }
func (happyPathProvider) RegistrationHook(context.Context, *corev1.Pod) error   { return nil }
func (happyPathProvider) DeregistrationHook(context.Context, *corev1.Pod) error { return nil }
func (happyPathProvider) Stop(context.Context, *corev1.Pod) error              { return nil }
func (happyPathProvider) ErrorThreshold() int                                 { return 3 }

// runningState is the demo provider's one-state RunState chain: it
// transitions straight to Terminated, standing in for a real workload
// runtime's steady-state loop (out of scope per spec §1).
type runningState struct{}

const runningStateName = "Running"

func (runningState) Name() string { return runningStateName }
func (runningState) Status(context.Context, *pod.ObjectState, *corev1.Pod) (engine.Status, error) {
	return pod.Status{Phase: pod.PhaseRunning}, nil
}
func (runningState) Step(context.Context, *pod.ObjectState, *corev1.Pod) (transition.Transition, error) {
	return transition.Next(common.Terminated), nil
}

type alwaysSucceedsImageStore struct{}

func (alwaysSucceedsImageStore) EnsureImage(context.Context, *corev1.Pod, *corev1.Container) error {
	return nil
}

func TestHappyPathNoDevices(t *testing.T) {
	testPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p1"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "c1", Image: "example.com/app:v1"}},
		},
	}

	client := fake.NewSimpleClientset(testPod)

	reg := common.BuildRegistry()
	reg.Allow(common.VolumeMount, runningStateName)
	reg.Allow(runningStateName, common.Terminated)

	states := common.States(common.Deps{
		Provider:    happyPathProvider{},
		CrashLoop:   happyPathProvider{},
		Images:      alwaysSucceedsImageStore{},
		VolumesRoot: t.TempDir(),
		RunState:    runningStateName,
	})
	states[runningStateName] = runningState{}

	factory := &pod.Factory{
		Client:   client,
		Log:      testr.New(t),
		Provider: happyPathProvider{},
		States:   states,
		Registry: reg,
	}

	driver, err := factory.NewDriver(context.Background(), testPod)
	require.NoError(t, err)

	_, reader := manifest.New(testPod)

	require.NoError(t, driver.Run(context.Background(), reader))
	require.NoError(t, driver.Teardown(context.Background()))

	_, getErr := client.CoreV1().Pods("default").Get(context.Background(), "p1", metav1.GetOptions{})
	assert.True(t, apierrors.IsNotFound(getErr), "pod must be deleted from the API at the end of the happy path")
}

func TestHappyPathImagePullFlapReachesRunning(t *testing.T) {
	testPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "p2"},
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{Name: "c1", Image: "example.com/flaky:v1"}},
		},
	}

	client := fake.NewSimpleClientset(testPod)

	reg := common.BuildRegistry()
	reg.Allow(common.VolumeMount, runningStateName)
	reg.Allow(runningStateName, common.Terminated)

	store := &flappingImageStore{failuresRemaining: 2}
	states := common.States(common.Deps{
		Provider:    happyPathProvider{},
		CrashLoop:   happyPathProvider{},
		Images:      store,
		VolumesRoot: t.TempDir(),
		RunState:    runningStateName,
	})
	states[runningStateName] = runningState{}

	factory := &pod.Factory{
		Client:   client,
		Log:      testr.New(t),
		Provider: happyPathProvider{},
		States:   states,
		Registry: reg,
	}

	driver, err := factory.NewDriver(context.Background(), testPod)
	require.NoError(t, err)

	_, reader := manifest.New(testPod)

	require.NoError(t, driver.Run(context.Background(), reader))
	assert.Equal(t, 0, store.failuresRemaining, "image store must have been retried until it succeeded")
}

// flappingImageStore fails EnsureImage a fixed number of times before
// succeeding, exercising ImagePull -> ImagePullBackoff -> ImagePull.
type flappingImageStore struct {
	failuresRemaining int
}

func (s *flappingImageStore) EnsureImage(context.Context, *corev1.Pod, *corev1.Container) error {
	if s.failuresRemaining > 0 {
		s.failuresRemaining--
		return assert.AnError
	}
	return nil
}
