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

package pod

import (
	"context"
	"encoding/json"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"

	"github.com/nodelet-io/nodelet/pkg/engine"
)

// StatusPatcher applies a Status as a JSON Merge Patch against a Pod's
// /status subresource.
type StatusPatcher struct {
	client    kubernetes.Interface
	namespace string
	name      string
}

var _ engine.StatusPatcher = (*StatusPatcher)(nil)

// NewStatusPatcher builds the patcher for one Pod, identified once at
// task spawn time.
func NewStatusPatcher(client kubernetes.Interface, namespace, name string) *StatusPatcher {
	return &StatusPatcher{client: client, namespace: namespace, name: name}
}

func (p *StatusPatcher) PatchStatus(ctx context.Context, status engine.Status) error {
	s, ok := status.(Status)
	if !ok {
		return fmt.Errorf("pod status patcher: unexpected status type %T", status)
	}

	body, err := json.Marshal(map[string]Status{"status": s})
	if err != nil {
		return fmt.Errorf("marshaling status patch: %w", err)
	}

	_, err = p.client.CoreV1().Pods(p.namespace).Patch(ctx, p.name, types.MergePatchType, body, metav1.PatchOptions{}, "status")
	return err
}

// FailureStatus builds the terminal status patch the engine applies
// when the state machine completes with an error.
func FailureStatus(_ *corev1.Pod, errKind, message string) engine.Status {
	return Status{Phase: PhaseFailed, Reason: errKind, Message: message}
}
