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
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

type nodeStatusPatch struct {
	Status struct {
		Capacity    map[corev1.ResourceName]resource.Quantity `json:"capacity,omitempty"`
		Allocatable map[corev1.ResourceName]resource.Quantity `json:"allocatable,omitempty"`
	} `json:"status"`
}

// RunNodeStatusPatcher listens on Manager.Updates and, on each wake,
// PATCHes the Node's capacity/allocatable with the current count of
// healthy devices per resource. Runs until ctx is cancelled.
func (m *Manager) RunNodeStatusPatcher(ctx context.Context, client kubernetes.Interface) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.updateCh:
			if err := m.patchNodeStatus(ctx, client); err != nil {
				m.log.Error(err, "node device status patch failed")
			}
		}
	}
}

func (m *Manager) patchNodeStatus(ctx context.Context, client kubernetes.Interface) error {
	counts := m.snapshotAllocatable()

	var patch nodeStatusPatch
	patch.Status.Capacity = make(map[corev1.ResourceName]resource.Quantity, len(counts))
	patch.Status.Allocatable = make(map[corev1.ResourceName]resource.Quantity, len(counts))
	for resourceName, count := range counts {
		q := *resource.NewQuantity(count, resource.DecimalSI)
		patch.Status.Capacity[corev1.ResourceName(resourceName)] = q
		patch.Status.Allocatable[corev1.ResourceName(resourceName)] = q
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshaling node status patch: %w", err)
	}

	_, err = client.CoreV1().Nodes().Patch(ctx, m.nodeName, types.MergePatchType, body, metav1.PatchOptions{}, "status")
	return err
}
