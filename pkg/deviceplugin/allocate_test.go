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

package deviceplugin

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

func TestReserveLockedPicksOnlyHealthyUnallocatedDevices(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")
	devices := map[string]Device{
		"d1": {ID: "d1", Health: pluginapi.Healthy},
		"d2": {ID: "d2", Health: pluginapi.Unhealthy},
		"d3": {ID: "d3", Health: pluginapi.Healthy},
	}

	ids, err := m.reserveLocked("example.com/gpu", devices, 2)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"d1", "d3"}, ids)

	_, err = m.reserveLocked("example.com/gpu", devices, 1)
	var exhausted *ErrResourceExhausted
	assert.ErrorAs(t, err, &exhausted)
}

func TestRebuildAllocatedLockedMatchesPersistedRecords(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")
	m.recordLocked("pod-a", "c1", "example.com/gpu", []string{"d1", "d2"}, &pluginapi.ContainerAllocateResponse{})

	m.rebuildAllocatedLocked()

	assert.Contains(t, m.allocated["example.com/gpu"], "d1")
	assert.Contains(t, m.allocated["example.com/gpu"], "d2")
	assert.Len(t, m.allocated["example.com/gpu"], 2)
}

func TestDevicesDifferDetectsHealthChangeAndMembership(t *testing.T) {
	prev := map[string]Device{"d1": {ID: "d1", Health: pluginapi.Healthy}}
	same := map[string]Device{"d1": {ID: "d1", Health: pluginapi.Healthy}}
	healthFlip := map[string]Device{"d1": {ID: "d1", Health: pluginapi.Unhealthy}}
	added := map[string]Device{"d1": {ID: "d1", Health: pluginapi.Healthy}, "d2": {ID: "d2", Health: pluginapi.Healthy}}

	assert.False(t, devicesDiffer(prev, same))
	assert.True(t, devicesDiffer(prev, healthFlip))
	assert.True(t, devicesDiffer(prev, added))
}

func TestValidResourceNameRejectsReservedDomainUnlessAllowed(t *testing.T) {
	assert.NoError(t, validResourceName("example.com/gpu", nil))
	assert.Error(t, validResourceName("no-slash", nil))
	assert.Error(t, validResourceName("kubernetes.io/gpu", nil))
	assert.NoError(t, validResourceName("kubernetes.io/gpu", map[string]struct{}{"kubernetes.io/gpu": {}}))
}
