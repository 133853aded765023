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

package common

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/transition"
	"github.com/nodelet-io/nodelet/pkg/volume"
)

// registeredState validates the Pod and its containers against the
// provider before anything else runs.
type registeredState struct{ deps Deps }

func (s *registeredState) Name() string { return Registered }

func (s *registeredState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pending("validating pod against provider"), nil
}

func (s *registeredState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	if err := s.deps.Provider.ValidatePodRunnable(ctx, snapshot); err != nil {
		obj.LastError = err.Error()
		return transition.Next(Error), nil
	}
	for i := range snapshot.Spec.Containers {
		c := &snapshot.Spec.Containers[i]
		if err := s.deps.Provider.ValidateContainerRunnable(ctx, snapshot, c); err != nil {
			obj.LastError = err.Error()
			return transition.Next(Error), nil
		}
	}
	if s.deps.EnableDevicePlugins {
		return transition.Next(Resources), nil
	}
	return transition.Next(ImagePull), nil
}

// resourcesState satisfies device-plugin extended-resource requests
// before any image pull begins.
type resourcesState struct{ deps Deps }

func (s *resourcesState) Name() string { return Resources }

func (s *resourcesState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pending("allocating device plugin resources"), nil
}

func (s *resourcesState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	if s.deps.Devices == nil {
		return transition.Next(ImagePull), nil
	}
	if err := s.deps.Devices.Allocate(ctx, snapshot); err != nil {
		obj.LastError = err.Error()
		return transition.Next(Error), nil
	}
	return transition.Next(ImagePull), nil
}

// imagePullState fetches every container's image, obeying its pull
// policy, and resets the image-pull backoff counter on full success.
type imagePullState struct{ deps Deps }

func (s *imagePullState) Name() string { return ImagePull }

func (s *imagePullState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pending("pulling container images"), nil
}

func (s *imagePullState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	if s.deps.Images == nil {
		obj.ImagePull.Reset()
		return transition.Next(VolumeMount), nil
	}
	for i := range snapshot.Spec.Containers {
		c := &snapshot.Spec.Containers[i]
		if err := s.deps.Images.EnsureImage(ctx, snapshot, c); err != nil {
			obj.LastError = fmt.Sprintf("pulling image for container %q: %s", c.Name, err)
			obj.ImagePull.Bump()
			return transition.Next(ImagePullBackoff), nil
		}
	}
	obj.ImagePull.Reset()
	return transition.Next(VolumeMount), nil
}

// imagePullBackoffState sleeps an increasing, capped duration before
// retrying the pull.
type imagePullBackoffState struct{}

func (s *imagePullBackoffState) Name() string { return ImagePullBackoff }

func (s *imagePullBackoffState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pending(fmt.Sprintf("backing off image pull: %s", obj.LastError)), nil
}

func (s *imagePullBackoffState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	if err := sleep(ctx, obj.ImagePull.Next); err != nil {
		return fail("ImagePullBackoffCancelled", err)
	}
	return transition.Next(ImagePull), nil
}

// volumeMountState materializes every volume the Pod declares under
// volumesRoot/<pod>-<namespace>/ and stashes the resulting handles.
type volumeMountState struct{ deps Deps }

func (s *volumeMountState) Name() string { return VolumeMount }

func (s *volumeMountState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pending("mounting volumes"), nil
}

func (s *volumeMountState) podDir(snapshot *corev1.Pod) string {
	return filepath.Join(s.deps.VolumesRoot, fmt.Sprintf("%s-%s", snapshot.Name, snapshot.Namespace))
}

func (s *volumeMountState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	if s.deps.Volumes == nil {
		return transition.Next(s.deps.RunState), nil
	}
	baseDir := s.podDir(snapshot)
	for _, v := range snapshot.Spec.Volumes {
		src, ok := volume.FromPodVolume(snapshot, v)
		if !ok {
			continue
		}
		ref, err := s.deps.Volumes.Resolve(ctx, snapshot.Namespace, src)
		if err != nil {
			obj.LastError = fmt.Sprintf("resolving volume %q: %s", v.Name, err)
			return transition.Next(Error), nil
		}
		if _, err := ref.Mount(ctx, baseDir); err != nil {
			obj.LastError = fmt.Sprintf("mounting volume %q: %s", v.Name, err)
			return transition.Next(Error), nil
		}
		obj.Volumes[v.Name] = ref
	}
	return transition.Next(s.deps.RunState), nil
}

// errorState counts consecutive failures and escalates to
// CrashLoopBackoff once the provider's threshold is crossed; otherwise
// it sleeps briefly and retries from Registered.
type errorState struct{ deps Deps }

const errorRetryDelaySeconds = 5

func (s *errorState) Name() string { return Error }

func (s *errorState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pod.Status{Phase: pod.PhaseFailed, Message: obj.LastError, Reason: "Error"}, nil
}

func (s *errorState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	obj.ErrorCount++
	if obj.ErrorCount >= s.deps.CrashLoop.ErrorThreshold() {
		return transition.Next(CrashLoopBackoff), nil
	}
	if err := sleep(ctx, errorRetryDelaySeconds*time.Second); err != nil {
		return fail("ErrorRetryCancelled", err)
	}
	return transition.Next(Registered), nil
}

// crashLoopBackoffState sleeps an increasing duration, then resets the
// error counter and returns to Registered.
type crashLoopBackoffState struct{}

func (s *crashLoopBackoffState) Name() string { return CrashLoopBackoff }

func (s *crashLoopBackoffState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pod.Status{Phase: pod.PhaseFailed, Message: obj.LastError, Reason: "CrashLoopBackOff"}, nil
}

func (s *crashLoopBackoffState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	d := obj.CrashLoop.Bump()
	if err := sleep(ctx, d); err != nil {
		return fail("CrashLoopBackoffCancelled", err)
	}
	obj.ErrorCount = 0
	return transition.Next(Registered), nil
}

// terminatedState unmounts every stored volume handle and calls the
// provider's Stop before completing the machine successfully.
type terminatedState struct{ deps Deps }

func (s *terminatedState) Name() string { return Terminated }

func (s *terminatedState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	return pod.Status{Phase: pod.PhaseSucceeded, Message: "terminating"}, nil
}

func (s *terminatedState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	for name, ref := range obj.Volumes {
		if err := ref.Unmount(ctx); err != nil {
			return fail("VolumeUnmountError", fmt.Errorf("unmounting volume %q: %w", name, err))
		}
		delete(obj.Volumes, name)
	}
	if err := s.deps.Provider.Stop(ctx, snapshot); err != nil {
		return fail("ProviderStopError", err)
	}
	return transition.CompleteOK(), nil
}
