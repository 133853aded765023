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

// Package deviceplugin implements the device plugin registration gRPC
// service, the per-plugin ListAndWatch consumer, the node-status
// resource patcher, and Allocate bookkeeping for extended-resource
// requests. Wire types come from k8s.io/kubelet/pkg/apis/deviceplugin/
// v1beta1, the same package a real kubelet's device plugin manager
// consumes.
package deviceplugin

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const metricNameSpace = "deviceplugin"

var (
	// deviceGauge tracks the total number of devices this node's
	// manager currently has advertised, across all resources, the way
	// pkg/session tracks its cached-session count.
	deviceGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNameSpace,
			Name:      "devices",
		},
		[]string{"node"},
	)

	// allocationGauge tracks the total number of (pod, container,
	// resource) allocation records currently held.
	allocationGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricNameSpace,
			Name:      "allocation_records",
		},
		[]string{"node"},
	)
)

func init() {
	metrics.Registry.MustRegister(deviceGauge, allocationGauge)
}

// Device mirrors the manager's view of one plugin-advertised device.
type Device struct {
	ID       string
	Health   string
	Topology *pluginapi.TopologyInfo
}

// AllocationRecord is what Allocate persists per (pod, container,
// resource) so a container restart can be answered idempotently and so
// Cleanup can reconcile allocated_device_ids against active pods.
type AllocationRecord struct {
	DeviceIDs []string
	Response  *pluginapi.ContainerAllocateResponse
}

type pluginConn struct {
	resourceName string
	endpoint     string
	conn         *grpc.ClientConn
	cancel       context.CancelFunc
}

// Manager is the device plugin manager (C8): it owns the device map,
// the allocation record index, and the set of live plugin connections.
type Manager struct {
	log      logr.Logger
	pluginDir string
	nodeName string

	mu          sync.RWMutex
	devices     map[string]map[string]Device      // resource -> device id -> Device
	plugins     map[string]*pluginConn            // resource -> connection
	allocations map[string]map[string]map[string]AllocationRecord // pod uid -> container -> resource
	allocated   map[string]map[string]struct{}    // resource -> allocated device ids

	// updateCh is the bounded, latest-wins broadcast the node-status
	// patcher listens on.
	updateCh chan struct{}
}

// New builds an empty Manager. pluginDir is where plugin sockets live
// (<plugin_dir>/<endpoint>); nodeName identifies the Node whose status
// the patcher updates.
func New(log logr.Logger, pluginDir, nodeName string) *Manager {
	return &Manager{
		log:         log,
		pluginDir:   pluginDir,
		nodeName:    nodeName,
		devices:     make(map[string]map[string]Device),
		plugins:     make(map[string]*pluginConn),
		allocations: make(map[string]map[string]map[string]AllocationRecord),
		allocated:   make(map[string]map[string]struct{}),
		updateCh:    make(chan struct{}, 1),
	}
}

// updateMetricsLocked refreshes the device/allocation gauges. Callers
// must hold m.mu.
func (m *Manager) updateMetricsLocked() {
	var devices int
	for _, ds := range m.devices {
		devices += len(ds)
	}
	deviceGauge.With(prometheus.Labels{"node": m.nodeName}).Set(float64(devices))

	var allocations int
	for _, byContainer := range m.allocations {
		for _, byResource := range byContainer {
			allocations += len(byResource)
		}
	}
	allocationGauge.With(prometheus.Labels{"node": m.nodeName}).Set(float64(allocations))
}

func (m *Manager) notify() {
	select {
	case m.updateCh <- struct{}{}:
	default:
	}
}

// Updates exposes the broadcast channel for the node-status patcher.
func (m *Manager) Updates() <-chan struct{} { return m.updateCh }

// snapshotAllocatable returns resource_name -> count of healthy devices,
// the shape the node-status patcher turns into a capacity/allocatable
// patch. Per spec this is a count of total healthy devices, not a count
// of free devices: allocation never decrements what is advertised.
func (m *Manager) snapshotAllocatable() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]int64, len(m.devices))
	for resource, devices := range m.devices {
		var healthy int64
		for _, d := range devices {
			if d.Health == pluginapi.Healthy {
				healthy++
			}
		}
		out[resource] = healthy
	}
	return out
}

var builtinNamespace = "kubernetes.io/"

// validResourceName rejects names in the built-in kubernetes.io domain
// unless explicitly allow-listed, and requires the "vendor/resource"
// shape extended resources use.
func validResourceName(name string, allowList map[string]struct{}) error {
	if !strings.Contains(name, "/") {
		return fmt.Errorf("resource name %q must contain a '/'", name)
	}
	if strings.HasPrefix(name, builtinNamespace) {
		if _, ok := allowList[name]; !ok {
			return fmt.Errorf("resource name %q is in the reserved %s domain", name, builtinNamespace)
		}
	}
	return nil
}
