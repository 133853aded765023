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

// Package provider declares the trait-style surface the embedder
// implements to plug a concrete workload runtime into the generic state
// pack (pkg/state/common) and watch dispatcher (pkg/dispatcher). A
// Rust-style associated-type trait would express this as a
// type-parameterized trait with associated types; here it is a plain Go
// interface, since Go interfaces cannot themselves carry type
// parameters. The per-object state is returned untyped (any) by
// InitializeObjectState. PodProvider has no shared-state accessor.
package provider

import (
	"context"

	corev1 "k8s.io/api/core/v1"
)

// PodProvider is the surface kubelet's concrete provider implements.
// ObjectState is opaque to everything except the provider itself and
// the states the provider's RunState chain defines.
type PodProvider interface {
	// ValidatePodRunnable is called once in the Registered state;
	// failure becomes the Error state's message.
	ValidatePodRunnable(ctx context.Context, pod *corev1.Pod) error
	// ValidateContainerRunnable is called once per container in the
	// Registered state.
	ValidateContainerRunnable(ctx context.Context, pod *corev1.Pod, container *corev1.Container) error

	// InitializeObjectState is called once at task start to build the
	// per-object scratch space the rest of the state graph reads and
	// writes.
	InitializeObjectState(ctx context.Context, pod *corev1.Pod) (any, error)

	// InitialState and TerminatedState name the engine's entry points
	// for the normal and deletion-triggered paths, respectively. They
	// must be names registered in the transition.Registry this
	// provider's states were built with.
	InitialState() string
	TerminatedState() string

	// RegistrationHook runs before the engine starts; DeregistrationHook
	// runs after the object state has been torn down (the stand-in for
	// the source's async-drop hook, invoked explicitly by the driver
	// since Go has no async destructors).
	RegistrationHook(ctx context.Context, pod *corev1.Pod) error
	DeregistrationHook(ctx context.Context, pod *corev1.Pod) error

	// Stop is called from the Terminated state after volumes have been
	// unmounted.
	Stop(ctx context.Context, pod *corev1.Pod) error
}

// CrashLoopPolicy lets the provider tune the generic Error/CrashLoopBackoff
// states without subclassing them.
type CrashLoopPolicy interface {
	// ErrorThreshold is the number of consecutive Error-state visits
	// before the machine escalates to CrashLoopBackoff.
	ErrorThreshold() int
}
