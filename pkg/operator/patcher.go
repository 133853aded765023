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

package operator

import (
	"context"
	"fmt"

	"sigs.k8s.io/cluster-api/util/patch"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/nodelet-io/nodelet/pkg/engine"
)

// StatusPatcher applies an engine.Status to a custom resource's
// /status subresource using the same patch.Helper CAPV's own
// controllers use (e.g. controllers/vspherecluster_controller.go's
// patch.NewHelper(vsphereCluster, r.Client)), generalized from
// client-go's JSON Merge Patch (pkg/pod's StatusPatcher) to a
// controller-runtime client.Object.
type StatusPatcher[T Object] struct {
	Client    client.Client
	Object    T
	SetStatus func(obj T, status engine.Status)
}

var _ engine.StatusPatcher = (*StatusPatcher[Object])(nil)

// PatchStatus satisfies engine.StatusPatcher.
func (p *StatusPatcher[T]) PatchStatus(ctx context.Context, status engine.Status) error {
	helper, err := patch.NewHelper(p.Object, p.Client)
	if err != nil {
		return fmt.Errorf("building patch helper: %w", err)
	}
	p.SetStatus(p.Object, status)
	return helper.Patch(ctx, p.Object)
}
