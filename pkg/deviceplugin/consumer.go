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
	"reflect"

	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// runConsumer calls the plugin's ListAndWatch and applies each message
// to the shared device map until the stream ends or ctx is cancelled.
func (m *Manager) runConsumer(ctx context.Context, pc *pluginConn) {
	defer pc.conn.Close()

	client := pluginapi.NewDevicePluginClient(pc.conn)
	stream, err := client.ListAndWatch(ctx, &pluginapi.Empty{})
	if err != nil {
		m.log.Error(err, "ListAndWatch failed to start", "resource", pc.resourceName)
		m.disconnect(pc)
		return
	}

	for {
		resp, err := stream.Recv()
		if err != nil {
			m.log.Info("device plugin stream ended", "resource", pc.resourceName, "err", err)
			m.disconnect(pc)
			return
		}
		m.applyListAndWatch(pc.resourceName, resp.Devices)
	}
}

func (m *Manager) applyListAndWatch(resource string, devices []*pluginapi.Device) {
	next := make(map[string]Device, len(devices))
	for _, d := range devices {
		next[d.ID] = Device{ID: d.ID, Health: d.Health, Topology: d.Topology}
	}

	m.mu.Lock()
	prev := m.devices[resource]
	changed := devicesDiffer(prev, next)
	m.devices[resource] = next
	m.updateMetricsLocked()
	m.mu.Unlock()

	if changed {
		m.notify()
		return
	}
	for id, d := range next {
		if !reflect.DeepEqual(prev[id].Topology, d.Topology) {
			m.log.Info("device topology changed; node status not patched", "resource", resource)
			break
		}
	}
}

// devicesDiffer reports whether the id set or any health value changed
// between two device maps for the same resource; a topology-only change
// is logged by applyListAndWatch but must not trigger a status patch.
func devicesDiffer(prev, next map[string]Device) bool {
	if len(prev) != len(next) {
		return true
	}
	for id, d := range next {
		old, ok := prev[id]
		if !ok || old.Health != d.Health {
			return true
		}
	}
	return false
}

// disconnect removes a plugin's connection entry and clears its
// devices, but only if it is still the current entry for that resource
// — a newer re-registration must win over a stale disconnect. The
// resource key itself is kept, mapped to an empty device set, rather
// than deleted: the resource stays tracked at zero devices so a JSON
// merge patch can still zero out its advertised capacity, and so a
// later Allocate sees the resource as present-but-exhausted instead of
// silently skipping it.
func (m *Manager) disconnect(pc *pluginConn) {
	m.mu.Lock()
	current, ok := m.plugins[pc.resourceName]
	if ok && current == pc {
		delete(m.plugins, pc.resourceName)
		m.devices[pc.resourceName] = map[string]Device{}
		m.updateMetricsLocked()
	}
	m.mu.Unlock()
	m.notify()
}
