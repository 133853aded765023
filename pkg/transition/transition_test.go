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

package transition_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nodelet-io/nodelet/pkg/transition"
)

func TestRegistryAllowsDeclaredEdge(t *testing.T) {
	r := transition.NewRegistry()
	r.Allow("Registered", "Resources", "Error")

	assert.NoError(t, r.Validate("Registered", transition.Next("Resources")))
	assert.NoError(t, r.Validate("Registered", transition.Next("Error")))
}

func TestRegistryRejectsUndeclaredEdge(t *testing.T) {
	r := transition.NewRegistry()
	r.Allow("Registered", "Resources")

	err := r.Validate("Registered", transition.Next("Terminated"))
	assert.Error(t, err)
}

func TestRegistryRejectsFromUnknownState(t *testing.T) {
	r := transition.NewRegistry()
	err := r.Validate("Ghost", transition.Next("Resources"))
	assert.Error(t, err)
}

func TestRegistryNeverRejectsCompletion(t *testing.T) {
	r := transition.NewRegistry()
	assert.NoError(t, r.Validate("AnyState", transition.CompleteOK()))
	assert.NoError(t, r.Validate("AnyState", transition.CompleteErr("boom", "bad")))
}
