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

// Package volume resolves a Pod's declared volumes into mountable
// handles: ConfigMap and Secret materialize API content into files,
// HostPath points at an existing directory, DownwardAPI renders pod
// metadata and container resource requests, PersistentVolumeClaim
// drives a CSI node plugin, and DeviceVolume wraps a device plugin
// Allocate response.
package volume

import (
	"context"
)

// Ref is a resolved, mountable volume handle.
type Ref interface {
	// Mount materializes the volume under baseDir and returns the host
	// path a container should bind-mount.
	Mount(ctx context.Context, baseDir string) (hostPath string, err error)
	// Unmount releases anything Mount created. Must be idempotent: a
	// second call after a successful unmount is a no-op, not an error.
	Unmount(ctx context.Context) error
}

// Resolver builds a Ref for one of a Pod's volume entries. The default
// implementation (NewResolver) switches on the populated variant;
// pkg/state/common's VolumeMount state calls the Resolver its Deps
// carry.
type Resolver interface {
	Resolve(ctx context.Context, namespace string, vol VolumeSource) (Ref, error)
}
