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

package vmrun

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/nodelet-io/nodelet/pkg/engine"
	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/state/common"
	"github.com/nodelet-io/nodelet/pkg/transition"
)

// Running is this provider's sole RunState, the hand-off target
// pkg/state/common's VolumeMount state advances to once volumes are
// mounted (spec §4.7 "VolumeMount -> (provider RunState)").
const Running = "Running"

const pollInterval = 5 * time.Second

// runState is this provider's own scratch, stashed in
// pod.ObjectState.Run, opaque to the generic pack.
type runState struct {
	provisioned bool
}

// RunStates returns this provider's own states, ready to be merged
// into common.States(deps)'s map before building the engine.
func RunStates(p *Provider) map[string]engine.State[*pod.ObjectState, *corev1.Pod] {
	return map[string]engine.State[*pod.ObjectState, *corev1.Pod]{
		Running: &runningState{p: p},
	}
}

// RegistryEdges extends a common.BuildRegistry() registry with this
// provider's own transitions: the generic pack's hand-off into
// Running, Running's self-loop while polling, and its escalation paths
// to Error and Terminated.
func RegistryEdges(reg *transition.Registry) {
	reg.Allow(common.VolumeMount, Running)
	reg.Allow(Running, Running, common.Error, common.Terminated)
}

// runningState clones and powers on the backing VM on first entry,
// then polls its power state once per tick: an unexpected power-off
// escalates to Error, a restart-policy-Never Pod whose VM powered off
// on its own completes normally, and everything else loops.
type runningState struct{ p *Provider }

func (s *runningState) Name() string { return Running }

func (s *runningState) Status(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (engine.Status, error) {
	rs, ok := obj.Run.(*runState)
	if !ok || !rs.provisioned {
		return pod.Status{Phase: pod.PhasePending, Message: "provisioning VM"}, nil
	}
	return pod.Status{Phase: pod.PhaseRunning, Message: "VM running container command"}, nil
}

func (s *runningState) Step(ctx context.Context, obj *pod.ObjectState, snapshot *corev1.Pod) (transition.Transition, error) {
	rs, ok := obj.Run.(*runState)
	if !ok {
		return transition.CompleteErr("InvalidRunState", "object state's Run field is not a vmrun runState"), nil
	}

	name := vmName(snapshot)
	instanceUUID := string(snapshot.UID)

	if !rs.provisioned {
		container := &snapshot.Spec.Containers[0]
		if err := s.p.provisionVM(ctx, name, instanceUUID, container); err != nil {
			obj.LastError = fmt.Sprintf("provisioning VM: %s", err)
			return transition.Next(common.Error), nil
		}
		rs.provisioned = true
		return transition.Next(Running), nil
	}

	power, err := s.p.powerState(ctx, name, instanceUUID)
	if err != nil {
		obj.LastError = fmt.Sprintf("querying VM power state: %s", err)
		return transition.Next(common.Error), nil
	}

	if power != types.VirtualMachinePowerStatePoweredOff {
		if err := sleepCtx(ctx, pollInterval); err != nil {
			return transition.CompleteErr("RunningCancelled", err.Error()), nil
		}
		return transition.Next(Running), nil
	}

	if snapshot.Spec.RestartPolicy == corev1.RestartPolicyNever {
		return transition.Next(common.Terminated), nil
	}

	obj.LastError = "VM powered off unexpectedly"
	return transition.Next(common.Error), nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
