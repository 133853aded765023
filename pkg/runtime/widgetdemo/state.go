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

// Package widgetdemo is the illustrative operator pkg/operator drives:
// a Widget cycles Active/Cooldown forever, the same shape as krator's
// Moose example roaming and eating, proving the Pod engine's typed
// state graph is not Pod-specific.
package widgetdemo

import (
	widgetv1alpha1 "github.com/nodelet-io/nodelet/apis/widget/v1alpha1"
	"github.com/nodelet-io/nodelet/pkg/engine"
)

// ObjectState is the per-Widget scratch the engine carries across
// steps.
type ObjectState struct {
	Cycles    int
	LastError string
}

// Status is the JSON Merge Patch body this package's states build.
type Status struct {
	Phase   widgetv1alpha1.WidgetPhase `json:"phase,omitempty"`
	Message string                     `json:"message,omitempty"`
}

// FailureStatus builds the terminal status patch the engine applies
// when the Widget's state machine completes with an error.
func FailureStatus(_ *widgetv1alpha1.Widget, errKind, message string) engine.Status {
	return Status{Message: errKind + ": " + message}
}

// SetStatus satisfies operator.StatusPatcher's SetStatus hook: it
// copies the engine's Status onto the live Widget object before the
// patch helper diffs and sends it.
func SetStatus(obj *widgetv1alpha1.Widget, status engine.Status) {
	s, ok := status.(Status)
	if !ok {
		return
	}
	obj.Status = widgetv1alpha1.WidgetStatus{Phase: s.Phase, Message: s.Message}
}
