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

// Package node implements the node registrar (C5): it creates and
// updates this agent's Node object and Lease, heartbeats both on a
// fixed tick, and drains Pods off the node on shutdown. The shape
// mirrors CAPV's node_controller.go patch-helper-based mutation of a
// remote cluster's Node, narrowed here to the agent's own Node.
package node

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"

	"github.com/nodelet-io/nodelet/pkg/retryutil"
)

const (
	leaseNamespace      = "kube-node-lease"
	leaseDurationSecond = 300
	updateTickInterval  = 10 * time.Second

	labelOS           = "kubernetes.io/os"
	labelOSBeta       = "beta.kubernetes.io/os"
	labelArch         = "kubernetes.io/arch"
	labelArchBeta     = "beta.kubernetes.io/arch"
	labelRole         = "kubernetes.io/role"
	labelHostname     = "kubernetes.io/hostname"
	labelType         = "type"
	agentType         = "nodelet"
	k8sNamespace      = "kubernetes.io"
	annotationTTL     = "node.alpha.kubernetes.io/ttl"
	annotationAttach  = "volumes.kubernetes.io/controller-managed-attach-detach"
)

// managedLabels are set by Create itself and may never be overridden by
// --node-labels.
var managedLabels = map[string]struct{}{
	labelOS: {}, labelOSBeta: {}, labelArch: {}, labelArchBeta: {},
	labelRole: {}, labelHostname: {}, labelType: {},
}

// allowedReservedLabels is the small allow list of kubernetes.io-namespaced
// labels users may still set via --node-labels.
var allowedReservedLabels = map[string]struct{}{
	"beta.kubernetes.io/instance-type":            {},
	"failure-domain.beta.kubernetes.io/region":    {},
	"failure-domain.beta.kubernetes.io/zone":      {},
	"failure-domain.kubernetes.io/region":         {},
	"failure-domain.kubernetes.io/zone":           {},
	"kubernetes.io/instance-type":                 {},
}

// Config describes the Node object this registrar creates.
type Config struct {
	NodeName   string
	Hostname   string
	NodeIP     string
	Arch       string
	Port       int32
	MaxPods    int32
	UserLabels map[string]string

	// BuilderHook lets the embedder add or override fields before the
	// Node object is POSTed, per spec §4.5 "builder hook".
	BuilderHook func(*corev1.Node)
}

// Registrar owns the lifetime of this agent's Node and Lease objects.
type Registrar struct {
	client kubernetes.Interface
	log    logr.Logger
	cfg    Config

	nodeUID types.UID
}

// New builds a Registrar for the given config.
func New(client kubernetes.Interface, log logr.Logger, cfg Config) *Registrar {
	return &Registrar{client: client, log: log.WithName("node-registrar"), cfg: cfg}
}

// Create builds and POSTs the Node object, falling back to GET-then-
// REPLACE on 409, then creates its Lease. If the Node already exists,
// only its UID is recorded and its Lease created.
func (r *Registrar) Create(ctx context.Context) error {
	existing, err := r.client.CoreV1().Nodes().Get(ctx, r.cfg.NodeName, metav1.GetOptions{})
	if err == nil {
		r.log.V(1).Info("node already exists, skipping creation", "node", r.cfg.NodeName)
		r.nodeUID = existing.UID
		return r.createLease(ctx)
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("getting node %s: %w", r.cfg.NodeName, err)
	}

	node := r.buildNode()

	var created *corev1.Node
	createErr := retryutil.Do(ctx, func(ctx context.Context) error {
		var err error
		created, err = r.client.CoreV1().Nodes().Create(ctx, node, metav1.CreateOptions{})
		return err
	}, apierrors.IsConflict)

	switch {
	case createErr == nil:
		r.nodeUID = created.UID
	case apierrors.IsConflict(createErr):
		// Another actor raced us; fetch-then-replace per spec §4.5.
		got, getErr := r.client.CoreV1().Nodes().Get(ctx, r.cfg.NodeName, metav1.GetOptions{})
		if getErr != nil {
			return fmt.Errorf("fetching node after create conflict: %w", getErr)
		}
		node.ResourceVersion = got.ResourceVersion
		replaced, replaceErr := r.client.CoreV1().Nodes().Update(ctx, node, metav1.UpdateOptions{})
		if replaceErr != nil {
			return fmt.Errorf("replacing node after create conflict: %w", replaceErr)
		}
		r.nodeUID = replaced.UID
	default:
		return fmt.Errorf("creating node %s: %w", r.cfg.NodeName, createErr)
	}

	r.log.Info("created node", "node", r.cfg.NodeName)
	return r.createLease(ctx)
}

func (r *Registrar) buildNode() *corev1.Node {
	now := metav1.Now()

	labels := map[string]string{
		labelOS: "linux", labelOSBeta: "linux",
		labelArch: r.cfg.Arch, labelArchBeta: r.cfg.Arch,
		labelRole:     "agent",
		labelType:     agentType,
		labelHostname: r.cfg.Hostname,
	}
	for k, v := range r.cfg.UserLabels {
		if _, managed := managedLabels[k]; managed {
			r.log.Info("dropping user-supplied label in managed namespace", "label", k)
			continue
		}
		if isReservedNamespace(k) {
			if _, ok := allowedReservedLabels[k]; !ok {
				r.log.Info("dropping user-supplied label outside allow list", "label", k)
				continue
			}
		}
		labels[k] = v
	}

	node := &corev1.Node{
		ObjectMeta: metav1.ObjectMeta{
			Name: r.cfg.NodeName,
			Annotations: map[string]string{
				annotationTTL:    "0",
				annotationAttach: "true",
			},
			Labels: labels,
		},
		Status: corev1.NodeStatus{
			Conditions: []corev1.NodeCondition{
				{Type: corev1.NodeReady, Status: corev1.ConditionTrue, LastHeartbeatTime: now, LastTransitionTime: now, Reason: "NodeletReady", Message: "nodelet is ready"},
				{Type: "OutOfDisk", Status: corev1.ConditionFalse, LastHeartbeatTime: now, LastTransitionTime: now, Reason: "NodeletHasSufficientDisk", Message: "nodelet has sufficient disk space available"},
			},
			Addresses: []corev1.NodeAddress{
				{Type: corev1.NodeInternalIP, Address: r.cfg.NodeIP},
				{Type: corev1.NodeHostName, Address: r.cfg.Hostname},
			},
			DaemonEndpoints: corev1.NodeDaemonEndpoints{
				KubeletEndpoint: corev1.DaemonEndpoint{Port: r.cfg.Port},
			},
			Capacity:    defaultResourceList(r.cfg.MaxPods),
			Allocatable: defaultResourceList(r.cfg.MaxPods),
			NodeInfo: corev1.NodeSystemInfo{
				Architecture: r.cfg.Arch,
			},
		},
	}

	if r.cfg.BuilderHook != nil {
		r.cfg.BuilderHook(node)
	}
	return node
}

func defaultResourceList(maxPods int32) corev1.ResourceList {
	return corev1.ResourceList{
		corev1.ResourceCPU:              resource.MustParse("4"),
		corev1.ResourceEphemeralStorage: resource.MustParse("61255492Ki"),
		corev1.ResourceMemory:           resource.MustParse("4032800Ki"),
		corev1.ResourcePods:             resource.MustParse(fmt.Sprintf("%d", maxPods)),
	}
}

func isReservedNamespace(label string) bool {
	for i := 0; i < len(label); i++ {
		if label[i] == '/' {
			return label[:i] == k8sNamespace
		}
	}
	return false
}

func (r *Registrar) createLease(ctx context.Context) error {
	lease := r.buildLease()
	err := retryutil.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.CoordinationV1().Leases(leaseNamespace).Create(ctx, lease, metav1.CreateOptions{})
		return err
	}, apierrors.IsConflict)
	if err != nil && !apierrors.IsConflict(err) {
		return fmt.Errorf("creating lease for node %s: %w", r.cfg.NodeName, err)
	}
	return nil
}

func (r *Registrar) buildLease() *coordinationv1.Lease {
	now := metav1.NowMicro()
	holder := r.cfg.NodeName
	duration := int32(leaseDurationSecond)
	return &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{
			Name:      r.cfg.NodeName,
			Namespace: leaseNamespace,
			OwnerReferences: []metav1.OwnerReference{
				{
					APIVersion: "v1",
					Kind:       "Node",
					Name:       r.cfg.NodeName,
					UID:        r.nodeUID,
				},
			},
		},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity:       &holder,
			AcquireTime:          &now,
			RenewTime:            &now,
			LeaseDurationSeconds: &duration,
		},
	}
}

// RunUpdateTicker renews the Lease and refreshes the Ready condition
// heartbeat every 10s until ctx is cancelled.
func (r *Registrar) RunUpdateTicker(ctx context.Context) {
	wait.Until(func() {
		if err := r.updateOnce(ctx); err != nil {
			r.log.Error(err, "node heartbeat tick failed")
		}
	}, updateTickInterval, ctx.Done())
}

func (r *Registrar) updateOnce(ctx context.Context) error {
	node, err := r.client.CoreV1().Nodes().Get(ctx, r.cfg.NodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("fetching node for heartbeat: %w", err)
	}
	r.nodeUID = node.UID

	lease := r.buildLease()
	if err := retryutil.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.CoordinationV1().Leases(leaseNamespace).Update(ctx, lease, metav1.UpdateOptions{})
		return err
	}, nil); err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}

	now := metav1.Now()
	patch := []byte(fmt.Sprintf(`{"status":{"conditions":[{"type":"Ready","status":"True","reason":"NodeletReady","message":"nodelet is posting ready status","lastHeartbeatTime":%q}]}}`,
		now.UTC().Format(time.RFC3339)))
	if err := retryutil.Do(ctx, func(ctx context.Context) error {
		_, err := r.client.CoreV1().Nodes().Patch(ctx, r.cfg.NodeName, types.MergePatchType, patch, metav1.PatchOptions{}, "status")
		return err
	}, nil); err != nil {
		return fmt.Errorf("patching node status heartbeat: %w", err)
	}
	return nil
}

// DrainHooks lets the embedder classify Pods the generic drain logic
// cannot: whether a Pod is DaemonSet-owned (skipped) or a mirror/static
// pod (status-patched to terminated rather than deleted).
type DrainHooks struct {
	IsDaemonSetOwned func(*corev1.Pod) bool
	IsMirrorPod      func(*corev1.Pod) bool
	PatchMirrorPodTerminated func(ctx context.Context, pod *corev1.Pod) error
}

// Drain lists every Pod scheduled to this node and evicts it: DaemonSet
// pods are skipped, mirror pods are status-patched to terminated, and
// everything else is deleted with default grace while watching for its
// corresponding Deleted event.
func (r *Registrar) Drain(ctx context.Context, hooks DrainHooks) error {
	pods, err := r.client.CoreV1().Pods(corev1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", r.cfg.NodeName).String(),
	})
	if err != nil {
		return fmt.Errorf("listing pods on node %s: %w", r.cfg.NodeName, err)
	}

	watcher, err := r.client.CoreV1().Pods(corev1.NamespaceAll).Watch(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("spec.nodeName", r.cfg.NodeName).String(),
	})
	if err != nil {
		return fmt.Errorf("watching pods on node %s: %w", r.cfg.NodeName, err)
	}
	defer watcher.Stop()

	r.log.Info("evicting pods for drain", "count", len(pods.Items))

	for i := range pods.Items {
		p := &pods.Items[i]
		switch {
		case hooks.IsDaemonSetOwned != nil && hooks.IsDaemonSetOwned(p):
			r.log.V(1).Info("skipping eviction of daemonset pod", "pod", p.Name)
			continue
		case hooks.IsMirrorPod != nil && hooks.IsMirrorPod(p):
			if hooks.PatchMirrorPodTerminated != nil {
				if err := hooks.PatchMirrorPodTerminated(ctx, p); err != nil {
					r.log.Error(err, "failed to patch mirror pod as terminated", "pod", p.Name)
				}
			}
		default:
			if err := r.evictPod(ctx, p, watcher); err != nil {
				r.log.Error(err, "error evicting pod", "pod", p.Name)
			}
		}
	}
	return nil
}

func (r *Registrar) evictPod(ctx context.Context, pod *corev1.Pod, watcher watch.Interface) error {
	err := r.client.CoreV1().Pods(pod.Namespace).Delete(ctx, pod.Name, metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	}

	for event := range watcher.ResultChan() {
		p, ok := event.Object.(*corev1.Pod)
		if !ok || event.Type != watch.Deleted {
			continue
		}
		if p.Name == pod.Name && p.Namespace == pod.Namespace {
			r.log.V(1).Info("pod evicted", "pod", pod.Name)
			return nil
		}
	}
	return nil
}
