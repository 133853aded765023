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

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes"
)

// Allocator adapts Manager to pkg/state/common.DeviceAllocator: per spec
// §4.8 "Cleanup. Before each Allocate, reconcile", it reconciles the
// allocation index against the node's currently active Pods before every
// Allocate call.
type Allocator struct {
	Manager  *Manager
	Client   kubernetes.Interface
	NodeName string
}

// Allocate satisfies common.DeviceAllocator.
func (a *Allocator) Allocate(ctx context.Context, pod *corev1.Pod) error {
	if err := a.Manager.Cleanup(ctx, a.Client, a.NodeName); err != nil {
		return fmt.Errorf("device allocation cleanup: %w", err)
	}
	return a.Manager.Allocate(ctx, pod)
}
