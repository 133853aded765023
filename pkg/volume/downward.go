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
	"math"
	"sort"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// downwardAPIVolume renders one file per declared item under the volume
// directory; it reduces to the same dirRef shape as ConfigMap/Secret,
// since the content is pure given the pod/container already captured on
// VolumeSource and needs no API round trip.
func downwardAPIVolume(src VolumeSource) Ref {
	r := &downwardRef{pod: src.Pod, cnt: src.Container, spec: src.DownwardAPI}
	return &dirRef{
		volumeName: src.Name,
		load: func(ctx context.Context) (map[string][]byte, error) {
			return r.render()
		},
	}
}

type downwardRef struct {
	pod  *corev1.Pod
	cnt  *corev1.Container
	spec *corev1.DownwardAPIVolumeSource
}

func (r *downwardRef) render() (map[string][]byte, error) {
	out := make(map[string][]byte, len(r.spec.Items))
	for _, item := range r.spec.Items {
		var value string
		var err error
		switch {
		case item.FieldRef != nil:
			value, err = resolveFieldRef(r.pod, item.FieldRef.FieldPath)
		case item.ResourceFieldRef != nil:
			value, err = resolveResourceFieldRef(r.cnt, *item.ResourceFieldRef)
		default:
			err = fmt.Errorf("downward API item %s declares neither fieldRef nor resourceFieldRef", item.Path)
		}
		if err != nil {
			return nil, fmt.Errorf("downward API item %s: %w", item.Path, err)
		}
		out[item.Path] = []byte(value)
	}
	return out, nil
}

func resolveFieldRef(pod *corev1.Pod, fieldPath string) (string, error) {
	switch {
	case fieldPath == "metadata.name":
		return pod.Name, nil
	case fieldPath == "metadata.namespace":
		return pod.Namespace, nil
	case fieldPath == "metadata.uid":
		return string(pod.UID), nil
	case fieldPath == "metadata.labels":
		return formatMap(pod.Labels), nil
	case fieldPath == "metadata.annotations":
		return formatMap(pod.Annotations), nil
	case strings.HasPrefix(fieldPath, "metadata.labels['"):
		return pod.Labels[mapKeyFromFieldPath(fieldPath)], nil
	case strings.HasPrefix(fieldPath, "metadata.annotations['"):
		return pod.Annotations[mapKeyFromFieldPath(fieldPath)], nil
	default:
		return "", fmt.Errorf("unsupported field path %q", fieldPath)
	}
}

func mapKeyFromFieldPath(fieldPath string) string {
	i := strings.Index(fieldPath, "['")
	j := strings.LastIndex(fieldPath, "']")
	if i < 0 || j < 0 || j <= i+2 {
		return ""
	}
	return fieldPath[i+2 : j]
}

func formatMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%q\n", k, m[k])
	}
	return b.String()
}

func resolveResourceFieldRef(container *corev1.Container, ref corev1.ResourceFieldSelector) (string, error) {
	if container == nil {
		return "", fmt.Errorf("resource field ref %s requires a container", ref.Resource)
	}

	var quantity resource.Quantity
	switch ref.Resource {
	case "requests.cpu":
		quantity = container.Resources.Requests[corev1.ResourceCPU]
	case "requests.memory":
		quantity = container.Resources.Requests[corev1.ResourceMemory]
	case "limits.cpu":
		quantity = container.Resources.Limits[corev1.ResourceCPU]
	case "limits.memory":
		quantity = container.Resources.Limits[corev1.ResourceMemory]
	default:
		return "", fmt.Errorf("unsupported resource field %q", ref.Resource)
	}

	divisor := ref.Divisor
	if divisor.IsZero() {
		divisor = resource.MustParse("1")
	}
	scaled := quantity.AsApproximateFloat64() / divisor.AsApproximateFloat64()
	return fmt.Sprintf("%d", int64(math.Ceil(scaled))), nil
}
