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
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/require"
	"github.com/vmware/govmomi/vim25/types"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	apitypes "k8s.io/apimachinery/pkg/types"

	"github.com/nodelet-io/nodelet/pkg/pod"
	"github.com/nodelet-io/nodelet/pkg/session"
	"github.com/nodelet-io/nodelet/pkg/session/vcsimtest"
)

// This drives the demo provider's own Running state against a live
// (simulated) vCenter, rather than exercising pkg/session's cache
// bookkeeping in isolation: the thing worth testing here is that a Pod
// stepping through the state machine actually causes a VM to be cloned,
// powered on, and, on Stop, destroyed again — and that the provider can
// still find that VM by instance UUID alone, the way a restarted
// kubelet with no in-memory runState would have to.
func TestRunningStateProvisionsAndDestroysVM(t *testing.T) {
	simr, err := vcsimtest.NewBuilder().Build()
	require.NoError(t, err)
	defer simr.Destroy()

	ctx := context.Background()
	params := session.NewParams().
		WithServer(simr.ServerURL().Host).
		WithUserInfo(simr.Username(), simr.Password()).
		WithDatacenter("DC0")
	sess, err := session.GetOrCreate(ctx, params)
	require.NoError(t, err)

	p := New(testr.New(t), sess, Config{Template: "DC0_H0_VM0"})

	testPod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: "default",
			Name:      "demo",
			UID:       apitypes.UID("11111111-1111-1111-1111-111111111111"),
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:    "main",
				Command: []string{"/bin/true"},
			}},
		},
	}

	states := RunStates(p)
	running := states[Running].(*runningState)
	obj := pod.NewObjectState()
	obj.Run = &runState{}

	status, err := running.Status(ctx, obj, testPod)
	require.NoError(t, err)
	require.Equal(t, pod.PhasePending, status.(pod.Status).Phase)

	trans, err := running.Step(ctx, obj, testPod)
	require.NoError(t, err)
	require.Equal(t, Running, trans.NextState())

	rs := obj.Run.(*runState)
	require.True(t, rs.provisioned)

	name := vmName(testPod)
	power, err := p.powerState(ctx, name, string(testPod.UID))
	require.NoError(t, err)
	require.Equal(t, types.VirtualMachinePowerStatePoweredOn, power)

	vm, err := p.findVM(ctx, "a-name-that-does-not-exist", string(testPod.UID))
	require.NoError(t, err)
	require.NotNil(t, vm)

	status, err = running.Status(ctx, obj, testPod)
	require.NoError(t, err)
	require.Equal(t, pod.PhaseRunning, status.(pod.Status).Phase)

	require.NoError(t, p.Stop(ctx, testPod))

	power, err = p.powerState(ctx, name, string(testPod.UID))
	require.NoError(t, err)
	require.Equal(t, types.VirtualMachinePowerStatePoweredOff, power)
}
