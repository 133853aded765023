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

package volume_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	fakeclient "k8s.io/client-go/kubernetes/fake"

	"github.com/nodelet-io/nodelet/pkg/volume"
)

func TestConfigMapVolumeMountsKeysAsReadOnlyFiles(t *testing.T) {
	client := fakeclient.NewSimpleClientset(&corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{Name: "cfg", Namespace: "default"},
		Data:       map[string]string{"app.conf": "debug=true"},
	})
	resolver := volume.NewResolver(client, nil)

	src, ok := volume.FromPodVolume(&corev1.Pod{}, corev1.Volume{
		Name: "cfg-vol",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: "cfg"},
			},
		},
	})
	require.True(t, ok)

	ref, err := resolver.Resolve(context.Background(), "default", src)
	require.NoError(t, err)

	base := t.TempDir()
	hostPath, err := ref.Mount(context.Background(), base)
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(hostPath, "app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "debug=true", string(content))

	require.NoError(t, ref.Unmount(context.Background()))
	_, statErr := os.Stat(hostPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnmountIsIdempotent(t *testing.T) {
	client := fakeclient.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "sec", Namespace: "default"},
		Data:       map[string][]byte{"token": []byte("xyz")},
	})
	resolver := volume.NewResolver(client, nil)

	src, ok := volume.FromPodVolume(&corev1.Pod{}, corev1.Volume{
		Name: "sec-vol",
		VolumeSource: corev1.VolumeSource{
			Secret: &corev1.SecretVolumeSource{SecretName: "sec"},
		},
	})
	require.True(t, ok)

	ref, err := resolver.Resolve(context.Background(), "default", src)
	require.NoError(t, err)

	_, err = ref.Mount(context.Background(), t.TempDir())
	require.NoError(t, err)

	require.NoError(t, ref.Unmount(context.Background()))
	require.NoError(t, ref.Unmount(context.Background()))
}

func TestHostPathRequiresExistingDirectory(t *testing.T) {
	resolver := volume.NewResolver(fakeclient.NewSimpleClientset(), nil)
	dir := t.TempDir()

	src, ok := volume.FromPodVolume(&corev1.Pod{}, corev1.Volume{
		Name: "hp",
		VolumeSource: corev1.VolumeSource{
			HostPath: &corev1.HostPathVolumeSource{Path: dir},
		},
	})
	require.True(t, ok)

	ref, err := resolver.Resolve(context.Background(), "default", src)
	require.NoError(t, err)

	hostPath, err := ref.Mount(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, dir, hostPath)
	assert.NoError(t, ref.Unmount(context.Background()))
}

func TestDownwardAPIResolvesFieldRefs(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "p1", Namespace: "default", UID: "abc-123"},
	}
	src := volume.VolumeSource{
		Name: "downward",
		Pod:  pod,
		DownwardAPI: &corev1.DownwardAPIVolumeSource{
			Items: []corev1.DownwardAPIVolumeFile{
				{Path: "name", FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.name"}},
				{Path: "namespace", FieldRef: &corev1.ObjectFieldSelector{FieldPath: "metadata.namespace"}},
			},
		},
	}

	resolver := volume.NewResolver(fakeclient.NewSimpleClientset(), nil)
	ref, err := resolver.Resolve(context.Background(), "default", src)
	require.NoError(t, err)

	hostPath, err := ref.Mount(context.Background(), t.TempDir())
	require.NoError(t, err)

	name, err := os.ReadFile(filepath.Join(hostPath, "name"))
	require.NoError(t, err)
	assert.Equal(t, "p1", string(name))

	ns, err := os.ReadFile(filepath.Join(hostPath, "namespace"))
	require.NoError(t, err)
	assert.Equal(t, "default", string(ns))
}
