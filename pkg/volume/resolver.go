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

package volume

import (
	"context"
	"fmt"

	"k8s.io/client-go/kubernetes"
)

// resolver is the default Resolver, dispatching each VolumeSource to
// the variant its populated field names.
type resolver struct {
	client   kubernetes.Interface
	csiPlugins PluginRegistry
}

// NewResolver builds the standard Resolver backing pkg/state/common's
// VolumeMount state.
func NewResolver(client kubernetes.Interface, csiPlugins PluginRegistry) Resolver {
	return &resolver{client: client, csiPlugins: csiPlugins}
}

func (r *resolver) Resolve(ctx context.Context, namespace string, src VolumeSource) (Ref, error) {
	switch {
	case src.ConfigMap != nil:
		return configMapRef(r.client, namespace, src), nil
	case src.Secret != nil:
		return secretRef(r.client, namespace, src), nil
	case src.HostPath != nil:
		return hostPathVolume(src), nil
	case src.DownwardAPI != nil:
		return downwardAPIVolume(src), nil
	case src.PVC != nil:
		return pvcVolume(r.client, r.csiPlugins, namespace, src), nil
	case src.DeviceVolume != nil:
		return deviceVolume(src), nil
	default:
		return nil, fmt.Errorf("volume %s: no recognized source", src.Name)
	}
}
