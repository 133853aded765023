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

// Package pod wires pkg/engine, pkg/dispatcher, and pkg/state/common
// around the one concrete object type this binary drives: corev1.Pod.
// It defines the per-object scratch state the generic state pack reads
// and writes, and the status patch shape the engine applies.
package pod

import (
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/nodelet-io/nodelet/pkg/objectkey"
	"github.com/nodelet-io/nodelet/pkg/volume"
)

// Phase mirrors corev1.PodPhase's values; kept local so pkg/state/common
// does not need to special-case the zero value the way corev1.PodPhase's
// untyped string does.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// Status is the JSON Merge Patch body pkg/state/common's states build
// every iteration. Only fields the current state actually sets are
// populated; omitempty keeps the patch minimal rather than clobbering
// fields other states own.
type Status struct {
	Phase   Phase  `json:"phase,omitempty"`
	Message string `json:"message,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// BackoffState tracks a doubling backoff sequence, reset independently
// for image-pull and crash-loop purposes so resetting one never resets
// the other.
type BackoffState struct {
	Attempts int
	Next     time.Duration
}

const (
	backoffFloor   = 2 * time.Second
	backoffCeiling = 60 * time.Second
)

// Bump advances the sequence and returns the duration to sleep for this
// entry. Successive calls without a Reset produce a non-decreasing
// sequence capped at backoffCeiling.
func (b *BackoffState) Bump() time.Duration {
	if b.Next == 0 {
		b.Next = backoffFloor
	} else {
		b.Next *= 2
		if b.Next > backoffCeiling {
			b.Next = backoffCeiling
		}
	}
	b.Attempts++
	return b.Next
}

// Reset clears the sequence; the next Bump starts again at the floor.
func (b *BackoffState) Reset() {
	b.Attempts = 0
	b.Next = 0
}

// ObjectState is the per-Pod mutable scratch the generic state pack
// carries across steps. Created once by Provider.InitializeObjectState
// and torn down by the dispatcher's driver at task end.
type ObjectState struct {
	ImagePull  BackoffState
	CrashLoop  BackoffState
	ErrorCount int
	LastError  string

	// Volumes holds the resolved handle for every volume this Pod
	// declared, keyed by volume name, populated by the VolumeMount
	// state and drained by Terminated.
	Volumes map[string]volume.Ref

	// Run is opaque scratch the provider's own RunState chain owns;
	// the generic pack never reads or writes it.
	Run any
}

// NewObjectState builds the zero-value scratch for a freshly applied
// Pod.
func NewObjectState() *ObjectState {
	return &ObjectState{Volumes: make(map[string]volume.Ref)}
}

// KeyOf and HasDeletionTimestamp satisfy pkg/dispatcher.Hooks for
// *corev1.Pod.
func KeyOf(p *corev1.Pod) objectkey.ObjectKey { return objectkey.New(p.Namespace, p.Name) }

func HasDeletionTimestamp(p *corev1.Pod) bool { return p.DeletionTimestamp != nil }

// MinimalForDelete builds the name+namespace-only Pod Resync synthesizes
// for keys missing from a relist.
func MinimalForDelete(key objectkey.ObjectKey) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Namespace: key.Namespace, Name: key.Name},
	}
}
