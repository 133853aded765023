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
	"context"
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// TestDisconnectZeroesRatherThanDropsResource covers spec §8 scenario 4:
// a plugin disconnecting must drop allocatable to 0 within one reconcile
// tick, and a subsequent Allocate against that resource must fail rather
// than silently succeed because the resource looked unregistered.
func TestDisconnectZeroesRatherThanDropsResource(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")
	const resourceName = "example.com/gpu"

	pc := &pluginConn{resourceName: resourceName}
	m.plugins[resourceName] = pc
	m.devices[resourceName] = map[string]Device{
		"d1": {ID: "d1", Health: pluginapi.Healthy},
	}

	before := m.snapshotAllocatable()
	require.Equal(t, int64(1), before[resourceName])

	m.disconnect(pc)

	after := m.snapshotAllocatable()
	count, stillTracked := after[resourceName]
	assert.True(t, stillTracked, "a disconnected resource must remain a key in the allocatable snapshot so a merge patch can zero it")
	assert.Equal(t, int64(0), count)

	pod := &corev1.Pod{
		Spec: corev1.PodSpec{
			Containers: []corev1.Container{{
				Name: "c1",
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceName(resourceName): *resource.NewQuantity(1, resource.DecimalSI),
					},
				},
			}},
		},
	}

	err := m.Allocate(context.Background(), pod)
	var exhausted *ErrResourceExhausted
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, resourceName, exhausted.Resource)
}

// TestSnapshotAllocatableKeepsZeroedResourceWhenAllPluginsGone covers
// the companion failure mode: once every plugin has disconnected,
// snapshotAllocatable must still report each previously advertised
// resource, at a zero count, so the status patch built from it can
// zero that resource out.
func TestSnapshotAllocatableKeepsZeroedResourceWhenAllPluginsGone(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")
	const resourceName = "example.com/gpu"
	m.devices[resourceName] = map[string]Device{}

	counts := m.snapshotAllocatable()
	require.Contains(t, counts, resourceName)
	assert.Equal(t, int64(0), counts[resourceName])
}
