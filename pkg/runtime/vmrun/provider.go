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

// Package vmrun is the demo workload-execution provider: it "runs" a
// Pod's single container by cloning a govmomi-backed vSphere VM from a
// template and driving the container's command over SSH as the VM's
// guest bootstrap command, standing in for the spec's explicitly
// out-of-scope WASM runtime (spec §4.9, §9 Non-goals). It is grounded
// on CAPV's own VM clone/power/guest-bootstrap flow
// (pkg/cloud/vsphere/provisioner/govmomi/vcenter.go), generalized away
// from Cluster API machine objects to arbitrary Pods.
package vmrun

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"

	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/session"
	"github.com/nodelet-io/nodelet/pkg/state/common"
)

// Config describes the vSphere placement and guest-access details every
// VM this provider clones shares.
type Config struct {
	Template     string
	Folder       string
	Datastore    string
	ResourcePool string
	Network      string

	// SSHUser/SSHPassword authenticate into the cloned VM's guest OS to
	// run the container's command; see ssh.go.
	SSHUser     string
	SSHPassword string

	// ErrorThreshold is how many consecutive Error-state visits this
	// provider tolerates before the generic pack escalates to
	// CrashLoopBackoff.
	ErrorThreshold int
}

// Provider implements provider.PodProvider and provider.CrashLoopPolicy
// on top of a vCenter session.
type Provider struct {
	Log     logr.Logger
	Session *session.Session
	Config  Config
}

// New builds a Provider. sess must already be logged in (see
// session.GetOrCreate); it may be nil, in which case Pods are accepted
// into the state machine but fail at the Running state's first Step.
// When sess is live, its vCenter's version is logged once up front so
// an unsupported vCenter is visible before any Pod tries to schedule
// against it.
func New(log logr.Logger, sess *session.Session, cfg Config) *Provider {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = 5
	}
	log = log.WithName("vmrun")
	if sess != nil {
		if v, err := sess.GetVersion(); err != nil {
			log.Error(err, "vCenter version check failed; pods may still schedule if vSphere otherwise accepts clone requests")
		} else {
			log.Info("connected to vCenter", "version", v)
		}
	}
	return &Provider{Log: log, Session: sess, Config: cfg}
}

// ErrorThreshold satisfies provider.CrashLoopPolicy.
func (p *Provider) ErrorThreshold() int { return p.Config.ErrorThreshold }

// ValidatePodRunnable rejects Pods this provider has no way to run: it
// drives exactly one container per Pod, since a single VM maps to a
// single running command.
func (p *Provider) ValidatePodRunnable(ctx context.Context, snapshot *corev1.Pod) error {
	if len(snapshot.Spec.Containers) != 1 {
		return fmt.Errorf("vmrun provider requires exactly one container, got %d", len(snapshot.Spec.Containers))
	}
	return nil
}

// ValidateContainerRunnable requires a command to run as the VM's guest
// bootstrap, since there is no OCI image to derive an entrypoint from.
func (p *Provider) ValidateContainerRunnable(ctx context.Context, snapshot *corev1.Pod, container *corev1.Container) error {
	if len(container.Command) == 0 {
		return fmt.Errorf("container %q: vmrun provider requires an explicit command", container.Name)
	}
	return nil
}

// InitializeObjectState builds the generic pack's ObjectState plus this
// provider's own run-state scratch.
func (p *Provider) InitializeObjectState(ctx context.Context, snapshot *corev1.Pod) (any, error) {
	obj := pod.NewObjectState()
	obj.Run = &runState{}
	return obj, nil
}

// InitialState is always the generic pack's entry point; this
// provider's own states only begin after VolumeMount hands off.
func (p *Provider) InitialState() string { return common.Registered }

// TerminatedState is the generic pack's teardown state, re-entered by
// the driver on deletion.
func (p *Provider) TerminatedState() string { return common.Terminated }

// RegistrationHook runs once before the engine starts.
func (p *Provider) RegistrationHook(ctx context.Context, snapshot *corev1.Pod) error {
	p.Log.V(1).Info("registering pod", "pod", snapshot.Namespace+"/"+snapshot.Name)
	return nil
}

// DeregistrationHook runs once the object state has been torn down.
func (p *Provider) DeregistrationHook(ctx context.Context, snapshot *corev1.Pod) error {
	p.Log.V(1).Info("deregistering pod", "pod", snapshot.Namespace+"/"+snapshot.Name)
	return nil
}

// Stop powers off and destroys the backing VM, if one was ever
// provisioned. Called from the Terminated state after volumes have
// been unmounted.
func (p *Provider) Stop(ctx context.Context, snapshot *corev1.Pod) error {
	return p.destroyVM(ctx, vmName(snapshot), string(snapshot.UID))
}

func vmName(pod *corev1.Pod) string {
	return fmt.Sprintf("%s-%s", pod.Namespace, pod.Name)
}
