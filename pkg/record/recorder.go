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

// Package record wraps a client-go EventRecorder with helpers that turn
// an error into the right event type.
package record

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/record"
)

const (
	successSuffix = "Success"
	failureSuffix = "Failure"
)

// Recorder emits Kubernetes events for an object, normalizing success
// and failure reporting around a single verb.
type Recorder interface {
	// EmitEvent records a success or failure event for verb depending on
	// whether err is nil. If dryRun is true, no event is recorded.
	EmitEvent(object runtime.Object, verb string, err error, dryRun bool)
	Event(object runtime.Object, reason, message string)
	Eventf(object runtime.Object, reason, message string, args ...interface{})
	Warn(object runtime.Object, reason, message string)
	Warnf(object runtime.Object, reason, message string, args ...interface{})
}

type recorder struct {
	inner record.EventRecorder
}

// New wraps a client-go EventRecorder.
func New(inner record.EventRecorder) Recorder {
	return &recorder{inner: inner}
}

func (r *recorder) EmitEvent(object runtime.Object, verb string, err error, dryRun bool) {
	if dryRun {
		return
	}
	if err != nil {
		r.inner.Eventf(object, corev1.EventTypeWarning, verb+failureSuffix, err.Error())
		return
	}
	r.inner.Eventf(object, corev1.EventTypeNormal, verb+successSuffix, "%s success", verb)
}

func (r *recorder) Event(object runtime.Object, reason, message string) {
	r.inner.Event(object, corev1.EventTypeNormal, reason, message)
}

func (r *recorder) Eventf(object runtime.Object, reason, message string, args ...interface{}) {
	r.inner.Eventf(object, corev1.EventTypeNormal, reason, message, args...)
}

func (r *recorder) Warn(object runtime.Object, reason, message string) {
	r.inner.Event(object, corev1.EventTypeWarning, reason, message)
}

func (r *recorder) Warnf(object runtime.Object, reason, message string, args ...interface{}) {
	r.inner.Eventf(object, corev1.EventTypeWarning, reason, message, args...)
}
