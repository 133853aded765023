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
	"fmt"
	"sort"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

type reservation struct {
	container string
	resource  string
	deviceIDs []string
}

// ErrResourceExhausted is returned by Allocate when a resource does not
// have enough healthy, unallocated devices to satisfy a request.
type ErrResourceExhausted struct {
	Resource string
	Want     int
}

func (e *ErrResourceExhausted) Error() string {
	return fmt.Sprintf("resource %q: not enough healthy devices to allocate %d", e.Resource, e.Want)
}

// Cleanup reconciles the allocation index against the Pods currently
// scheduled to this node: records for pods no longer present are
// dropped and allocated_device_ids is rebuilt. Called before every
// Allocate.
func (m *Manager) Cleanup(ctx context.Context, client kubernetes.Interface, nodeName string) error {
	pods, err := client.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", nodeName).String(),
	})
	if err != nil {
		return fmt.Errorf("listing active pods for device cleanup: %w", err)
	}
	active := make(map[string]struct{}, len(pods.Items))
	for _, p := range pods.Items {
		active[string(p.UID)] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for podUID := range m.allocations {
		if _, ok := active[podUID]; !ok {
			delete(m.allocations, podUID)
		}
	}
	m.rebuildAllocatedLocked()
	m.updateMetricsLocked()
	return nil
}

// rebuildAllocatedLocked recomputes m.allocated from m.allocations.
// Callers must hold m.mu.
func (m *Manager) rebuildAllocatedLocked() {
	allocated := make(map[string]map[string]struct{}, len(m.allocated))
	for _, containers := range m.allocations {
		for _, resources := range containers {
			for resourceName, rec := range resources {
				set, ok := allocated[resourceName]
				if !ok {
					set = make(map[string]struct{})
					allocated[resourceName] = set
				}
				for _, id := range rec.DeviceIDs {
					set[id] = struct{}{}
				}
			}
		}
	}
	m.allocated = allocated
}

// Allocate satisfies every device-plugin extended-resource request for
// pod's containers, calling each owning plugin's Allocate once with the
// full per-container batch, and folding the responses into the
// allocation record index. Resource names absent from the device map
// are left untouched — they are not this manager's concern.
func (m *Manager) Allocate(ctx context.Context, pod *corev1.Pod) error {
	podUID := string(pod.UID)

	var reservations []reservation

	m.mu.Lock()
	for _, c := range pod.Spec.Containers {
		for resourceName, qty := range c.Resources.Requests {
			devices, ok := m.devices[string(resourceName)]
			if !ok {
				continue
			}
			want := qty.Value()
			if want <= 0 {
				m.mu.Unlock()
				return fmt.Errorf("resource %q: quantity %q is not a positive integer", resourceName, qty.String())
			}

			if existing, ok := m.allocations[podUID][c.Name][string(resourceName)]; ok {
				if int64(len(existing.DeviceIDs)) != want {
					m.mu.Unlock()
					return fmt.Errorf("container %q re-requested %d of %q but previously held %d", c.Name, want, resourceName, len(existing.DeviceIDs))
				}
				continue
			}

			ids, err := m.reserveLocked(string(resourceName), devices, int(want))
			if err != nil {
				m.mu.Unlock()
				return err
			}
			reservations = append(reservations, reservation{container: c.Name, resource: string(resourceName), deviceIDs: ids})
		}
	}
	m.mu.Unlock()

	if len(reservations) == 0 {
		return nil
	}

	byResource := make(map[string][]reservation)
	for _, r := range reservations {
		byResource[r.resource] = append(byResource[r.resource], r)
	}

	for resourceName, rs := range byResource {
		m.mu.RLock()
		pc, ok := m.plugins[resourceName]
		m.mu.RUnlock()
		if !ok {
			m.rollback(reservations)
			return fmt.Errorf("resource %q: no registered plugin at allocation time", resourceName)
		}

		req := &pluginapi.AllocateRequest{}
		for _, r := range rs {
			req.ContainerRequests = append(req.ContainerRequests, &pluginapi.ContainerAllocateRequest{DevicesIDs: r.deviceIDs})
		}

		resp, err := pluginapi.NewDevicePluginClient(pc.conn).Allocate(ctx, req)
		if err != nil {
			m.rollback(reservations)
			return fmt.Errorf("plugin Allocate for %q: %w", resourceName, err)
		}
		if len(resp.ContainerResponses) != len(rs) {
			m.rollback(reservations)
			return fmt.Errorf("plugin %q returned %d responses for %d requests", resourceName, len(resp.ContainerResponses), len(rs))
		}

		m.mu.Lock()
		for i, r := range rs {
			m.recordLocked(podUID, r.container, r.resource, r.deviceIDs, resp.ContainerResponses[i])
		}
		m.updateMetricsLocked()
		m.mu.Unlock()
	}

	return nil
}

// reserveLocked picks the first `want` healthy, unallocated device ids
// for resource and marks them reserved. Callers must hold m.mu.
func (m *Manager) reserveLocked(resourceName string, devices map[string]Device, want int) ([]string, error) {
	allocated := m.allocated[resourceName]
	ids := make([]string, 0, len(devices))
	for id, d := range devices {
		if d.Health != pluginapi.Healthy {
			continue
		}
		if _, taken := allocated[id]; taken {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) < want {
		return nil, &ErrResourceExhausted{Resource: resourceName, Want: want}
	}

	chosen := ids[:want]
	if allocated == nil {
		allocated = make(map[string]struct{})
		m.allocated[resourceName] = allocated
	}
	for _, id := range chosen {
		allocated[id] = struct{}{}
	}
	return chosen, nil
}

// recordLocked folds one container's allocate response into the
// allocation index. Callers must hold m.mu.
func (m *Manager) recordLocked(podUID, container, resourceName string, deviceIDs []string, resp *pluginapi.ContainerAllocateResponse) {
	if _, ok := m.allocations[podUID]; !ok {
		m.allocations[podUID] = make(map[string]map[string]AllocationRecord)
	}
	if _, ok := m.allocations[podUID][container]; !ok {
		m.allocations[podUID][container] = make(map[string]AllocationRecord)
	}
	m.allocations[podUID][container][resourceName] = AllocationRecord{DeviceIDs: deviceIDs, Response: resp}
}

// rollback releases reservations made earlier in a failed Allocate call
// and rebuilds the allocated index from persisted records.
func (m *Manager) rollback(reservations []reservation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuildAllocatedLocked()
	m.updateMetricsLocked()
}
