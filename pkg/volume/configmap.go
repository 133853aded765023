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
	"path/filepath"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// dirRef materializes a flat set of named files under
// <baseDir>/<volumeName>/ and makes the tree read-only once populated.
// ConfigMap, Secret, and DownwardAPI all reduce to this shape.
type dirRef struct {
	volumeName string
	path       string
	load       func(ctx context.Context) (map[string][]byte, error)
}

func (r *dirRef) Mount(ctx context.Context, baseDir string) (string, error) {
	data, err := r.load(ctx)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(baseDir, r.volumeName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("volume %s: creating directory: %w", r.volumeName, err)
	}
	for name, content := range data {
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o644); err != nil {
			return "", fmt.Errorf("volume %s: writing %s: %w", r.volumeName, name, err)
		}
	}
	if err := os.Chmod(dir, 0o555); err != nil {
		return "", fmt.Errorf("volume %s: making read-only: %w", r.volumeName, err)
	}
	r.path = dir
	return dir, nil
}

func (r *dirRef) Unmount(ctx context.Context) error {
	if r.path == "" {
		return nil
	}
	if err := os.Chmod(r.path, 0o755); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.RemoveAll(r.path); err != nil {
		return fmt.Errorf("volume %s: removing directory: %w", r.volumeName, err)
	}
	r.path = ""
	return nil
}

// configMapRef resolves a ConfigMap volume by GET-ing the ConfigMap in
// the pod's namespace and writing each key as a file.
func configMapRef(client kubernetes.Interface, namespace string, src VolumeSource) Ref {
	return &dirRef{
		volumeName: src.Name,
		load: func(ctx context.Context) (map[string][]byte, error) {
			cm, err := client.CoreV1().ConfigMaps(namespace).Get(ctx, src.ConfigMap.Name, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) && src.ConfigMap.Optional != nil && *src.ConfigMap.Optional {
					return map[string][]byte{}, nil
				}
				return nil, fmt.Errorf("getting configmap %s/%s: %w", namespace, src.ConfigMap.Name, err)
			}
			data := make(map[string][]byte, len(cm.Data)+len(cm.BinaryData))
			for k, v := range cm.Data {
				data[k] = []byte(v)
			}
			for k, v := range cm.BinaryData {
				data[k] = v
			}
			return data, nil
		},
	}
}

// secretRef resolves a Secret volume the same way, writing both string
// and binary data as raw bytes.
func secretRef(client kubernetes.Interface, namespace string, src VolumeSource) Ref {
	return &dirRef{
		volumeName: src.Name,
		load: func(ctx context.Context) (map[string][]byte, error) {
			s, err := client.CoreV1().Secrets(namespace).Get(ctx, src.Secret.SecretName, metav1.GetOptions{})
			if err != nil {
				if apierrors.IsNotFound(err) && src.Secret.Optional != nil && *src.Secret.Optional {
					return map[string][]byte{}, nil
				}
				return nil, fmt.Errorf("getting secret %s/%s: %w", namespace, src.Secret.SecretName, err)
			}
			data := make(map[string][]byte, len(s.Data)+len(s.StringData))
			for k, v := range s.Data {
				data[k] = v
			}
			for k, v := range s.StringData {
				data[k] = []byte(v)
			}
			return data, nil
		},
	}
}
