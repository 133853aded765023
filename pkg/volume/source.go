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
	corev1 "k8s.io/api/core/v1"
)

// VolumeSource carries the one populated variant a Pod's volume entry
// declared, plus the context each Resolve call needs.
type VolumeSource struct {
	Name string

	ConfigMap    *corev1.ConfigMapVolumeSource
	Secret       *corev1.SecretVolumeSource
	HostPath     *corev1.HostPathVolumeSource
	DownwardAPI  *corev1.DownwardAPIVolumeSource
	PVC          *corev1.PersistentVolumeClaimVolumeSource
	DeviceVolume *DeviceVolumeSource

	// Pod is the owning Pod, needed by DownwardAPI field refs (name,
	// namespace, uid, labels/annotations).
	Pod *corev1.Pod
	// Container supplies the resource requests DownwardAPI resource
	// field refs scale against; nil for pod-scoped downward entries.
	Container *corev1.Container
}

// DeviceVolumeSource wraps a device plugin Allocate response mount: a
// host path plus the path a container should see it at.
type DeviceVolumeSource struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// FromPodVolume translates a corev1.Volume into the subset of
// VolumeSource this package resolves. Returns ok=false for volume types
// this agent does not support (e.g. EmptyDir, which the provider's own
// runtime may implement directly).
func FromPodVolume(pod *corev1.Pod, v corev1.Volume) (VolumeSource, bool) {
	src := VolumeSource{Name: v.Name, Pod: pod}
	switch {
	case v.ConfigMap != nil:
		src.ConfigMap = v.ConfigMap
	case v.Secret != nil:
		src.Secret = v.Secret
	case v.HostPath != nil:
		src.HostPath = v.HostPath
	case v.DownwardAPI != nil:
		src.DownwardAPI = v.DownwardAPI
	case v.PersistentVolumeClaim != nil:
		src.PVC = v.PersistentVolumeClaim
	default:
		return VolumeSource{}, false
	}
	return src, true
}
