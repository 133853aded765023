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
	"os"
)

// hostPathRef points directly at a pre-existing host directory. Mount
// only verifies it exists; Unmount is a no-op, since the HostPath
// target is never ours to remove.
type hostPathRef struct {
	path string
}

func hostPathVolume(src VolumeSource) Ref {
	return &hostPathRef{path: src.HostPath.Path}
}

func (r *hostPathRef) Mount(ctx context.Context, baseDir string) (string, error) {
	if _, err := os.Stat(r.path); err != nil {
		return "", fmt.Errorf("hostPath %s: %w", r.path, err)
	}
	return r.path, nil
}

func (r *hostPathRef) Unmount(ctx context.Context) error { return nil }

// deviceVolumeRef wraps a device plugin allocation mount: a host path
// already materialized by Allocate, plus the container-visible path.
type deviceVolumeRef struct {
	src DeviceVolumeSource
}

func deviceVolume(src VolumeSource) Ref {
	return &deviceVolumeRef{src: *src.DeviceVolume}
}

func (r *deviceVolumeRef) Mount(ctx context.Context, baseDir string) (string, error) {
	if _, err := os.Stat(r.src.HostPath); err != nil {
		return "", fmt.Errorf("device volume %s: %w", r.src.HostPath, err)
	}
	return r.src.HostPath, nil
}

func (r *deviceVolumeRef) Unmount(ctx context.Context) error { return nil }

// ContainerPath is the in-container mount target a DeviceVolume carries
// alongside its host path; the provider's run state reads this when
// building the container's mount list.
func (r *deviceVolumeRef) ContainerPath() string { return r.src.ContainerPath }
