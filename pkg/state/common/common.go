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

// Package common implements the generic state pack (C7) every Pod runs
// through regardless of provider: Registered, Resources, ImagePull (±
// backoff), VolumeMount, Error, CrashLoopBackoff, and Terminated. A
// provider's own RunState chain picks up after VolumeMount and hands
// back to Terminated.
package common

import (
	"context"
	"time"

	corev1 "k8s.io/api/core/v1"

	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/provider"
	"github.com/nodelet-io/nodelet/pkg/transition"
	"github.com/nodelet-io/nodelet/pkg/volume"
)

// Canonical state names; also the transition.Registry vertex names.
const (
	Registered       = "Registered"
	Resources        = "Resources"
	ImagePull        = "ImagePull"
	ImagePullBackoff = "ImagePullBackoff"
	VolumeMount      = "VolumeMount"
	Error            = "Error"
	CrashLoopBackoff = "CrashLoopBackoff"
	Terminated       = "Terminated"
)

// ImageStore fetches a container's image, honoring its pull policy.
// OCI-distribution image fetching itself is out of this repository's
// scope; this is the seam a real store plugs into.
type ImageStore interface {
	EnsureImage(ctx context.Context, pod *corev1.Pod, container *corev1.Container) error
}

// DeviceAllocator satisfies device-plugin extended-resource requests
// for a Pod. pkg/deviceplugin.Manager implements this.
type DeviceAllocator interface {
	Allocate(ctx context.Context, pod *corev1.Pod) error
}

// Deps bundles every collaborator the generic pack's states call out
// to, plus the provider hooks that bookend the chain.
type Deps struct {
	Provider  provider.PodProvider
	CrashLoop provider.CrashLoopPolicy
	Images    ImageStore
	Devices   DeviceAllocator
	Volumes   volume.Resolver

	// VolumesRoot is the parent directory volumes are materialized
	// under, joined with "<pod_name>-<namespace>".
	VolumesRoot string
	// EnableDevicePlugins routes Registered through Resources when
	// true; straight to ImagePull in the minimal configuration.
	EnableDevicePlugins bool

	// RunState is the name of the provider's own state that VolumeMount
	// hands off to (spec §4.7 "VolumeMount -> (provider RunState)").
	// It is distinct from Provider.InitialState(), which names the
	// whole machine's entry point (always Registered) rather than the
	// provider-specific state that follows the generic pack.
	RunState string
}

// BuildRegistry declares the legal Next edges for the generic pack.
// Callers should extend the returned registry with the provider's own
// RunState edges (VolumeMount -> provider initial RunState, and every
// RunState -> Terminated) before use.
func BuildRegistry() *transition.Registry {
	reg := transition.NewRegistry()
	reg.Allow(Registered, Resources, ImagePull, Error)
	reg.Allow(Resources, ImagePull, Error)
	reg.Allow(ImagePull, VolumeMount, ImagePullBackoff)
	reg.Allow(ImagePullBackoff, ImagePull)
	reg.Allow(VolumeMount, Error)
	reg.Allow(Error, Registered, CrashLoopBackoff)
	reg.Allow(CrashLoopBackoff, Registered)
	return reg
}

// States builds the generic pack's states keyed by name, ready to merge
// into the provider's full state map alongside its RunState chain.
func States(deps Deps) map[string]engine.State[*pod.ObjectState, *corev1.Pod] {
	m := map[string]engine.State[*pod.ObjectState, *corev1.Pod]{
		Registered:       &registeredState{deps: deps},
		Resources:        &resourcesState{deps: deps},
		ImagePull:        &imagePullState{deps: deps},
		ImagePullBackoff: &imagePullBackoffState{},
		VolumeMount:      &volumeMountState{deps: deps},
		Error:            &errorState{deps: deps},
		CrashLoopBackoff: &crashLoopBackoffState{},
		Terminated:       &terminatedState{deps: deps},
	}
	return m
}

func pending(message string) pod.Status {
	return pod.Status{Phase: pod.PhasePending, Message: message}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func fail(kind string, err error) (transition.Transition, error) {
	return transition.CompleteErr(kind, err.Error()), nil
}
