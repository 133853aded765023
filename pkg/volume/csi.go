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
	"net"
	"path/filepath"

	"github.com/container-storage-interface/spec/lib/go/csi"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// PluginRegistry maps a CSI driver name to the unix socket its node
// plugin is listening on, per NodeGetInfo registration recorded
// elsewhere (outside this package's scope: device/CSI plugin discovery
// is a collaborator, not something the volume resolver owns).
type PluginRegistry interface {
	SocketFor(driverName string) (socketPath string, ok bool)
}

// pvcRef resolves PersistentVolumeClaim → PersistentVolume → CSI driver
// name → plugin socket, then drives NodeStageVolume/NodePublishVolume on
// mount and the inverse on unmount.
type pvcRef struct {
	client    kubernetes.Interface
	registry  PluginRegistry
	namespace string
	pvcName   string
	readOnly  bool

	conn        *grpc.ClientConn
	node        csi.NodeClient
	volumeID    string
	driver      string
	stagingPath string
	targetPath  string
	staged      bool
}

func pvcVolume(client kubernetes.Interface, registry PluginRegistry, namespace string, src VolumeSource) Ref {
	return &pvcRef{
		client:    client,
		registry:  registry,
		namespace: namespace,
		pvcName:   src.PVC.ClaimName,
		readOnly:  src.PVC.ReadOnly,
	}
}

func (r *pvcRef) Mount(ctx context.Context, baseDir string) (string, error) {
	pvc, err := r.client.CoreV1().PersistentVolumeClaims(r.namespace).Get(ctx, r.pvcName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting pvc %s/%s: %w", r.namespace, r.pvcName, err)
	}
	if pvc.Spec.VolumeName == "" {
		return "", fmt.Errorf("pvc %s/%s is not yet bound", r.namespace, r.pvcName)
	}

	pv, err := r.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if err != nil {
		return "", fmt.Errorf("getting pv %s: %w", pvc.Spec.VolumeName, err)
	}
	if pv.Spec.CSI == nil {
		return "", fmt.Errorf("pv %s is not CSI-backed", pv.Name)
	}
	r.volumeID = pv.Spec.CSI.VolumeHandle
	r.driver = pv.Spec.CSI.Driver

	socket, ok := r.registry.SocketFor(r.driver)
	if !ok {
		return "", fmt.Errorf("no registered CSI plugin for driver %q", r.driver)
	}

	conn, err := dialUnix(ctx, socket)
	if err != nil {
		return "", fmt.Errorf("dialing CSI plugin %q at %s: %w", r.driver, socket, err)
	}
	r.conn = conn
	node := csi.NewNodeClient(conn)
	r.node = node

	caps, err := node.NodeGetCapabilities(ctx, &csi.NodeGetCapabilitiesRequest{})
	if err != nil {
		return "", fmt.Errorf("NodeGetCapabilities: %w", err)
	}

	r.targetPath = filepath.Join(baseDir, r.volumeID)
	if supportsStageUnstage(caps) {
		r.stagingPath = filepath.Join(baseDir, r.volumeID+"-staging")
		if _, err := node.NodeStageVolume(ctx, &csi.NodeStageVolumeRequest{
			VolumeId:          r.volumeID,
			StagingTargetPath: r.stagingPath,
			VolumeCapability:  volumeCapability(r.readOnly),
			VolumeContext:     pv.Spec.CSI.VolumeAttributes,
		}); err != nil {
			return "", fmt.Errorf("NodeStageVolume: %w", err)
		}
		r.staged = true
	}

	if _, err := node.NodePublishVolume(ctx, &csi.NodePublishVolumeRequest{
		VolumeId:          r.volumeID,
		StagingTargetPath: r.stagingPath,
		TargetPath:        r.targetPath,
		VolumeCapability:  volumeCapability(r.readOnly),
		Readonly:          r.readOnly,
		VolumeContext:     pv.Spec.CSI.VolumeAttributes,
	}); err != nil {
		return "", fmt.Errorf("NodePublishVolume: %w", err)
	}

	return r.targetPath, nil
}

func (r *pvcRef) Unmount(ctx context.Context) error {
	if r.node == nil {
		return nil
	}
	if _, err := r.node.NodeUnpublishVolume(ctx, &csi.NodeUnpublishVolumeRequest{
		VolumeId:   r.volumeID,
		TargetPath: r.targetPath,
	}); err != nil {
		return fmt.Errorf("NodeUnpublishVolume: %w", err)
	}
	if r.staged {
		if _, err := r.node.NodeUnstageVolume(ctx, &csi.NodeUnstageVolumeRequest{
			VolumeId:          r.volumeID,
			StagingTargetPath: r.stagingPath,
		}); err != nil {
			return fmt.Errorf("NodeUnstageVolume: %w", err)
		}
	}
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
	r.node = nil
	return nil
}

func supportsStageUnstage(resp *csi.NodeGetCapabilitiesResponse) bool {
	for _, c := range resp.GetCapabilities() {
		if rpc := c.GetRpc(); rpc != nil && rpc.Type == csi.NodeServiceCapability_RPC_STAGE_UNSTAGE_VOLUME {
			return true
		}
	}
	return false
}

func volumeCapability(readOnly bool) *csi.VolumeCapability {
	return &csi.VolumeCapability{
		AccessType: &csi.VolumeCapability_Mount{Mount: &csi.VolumeCapability_MountVolume{}},
		AccessMode: &csi.VolumeCapability_AccessMode{
			Mode: csi.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}
}

func dialUnix(ctx context.Context, socket string) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}),
	)
}
