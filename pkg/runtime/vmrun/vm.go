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
	"strings"

	"github.com/pkg/errors"
	"github.com/vmware/govmomi/find"
	"github.com/vmware/govmomi/object"
	"github.com/vmware/govmomi/vim25/types"
	corev1 "k8s.io/api/core/v1"
)

// provisionVM clones Config.Template into a VM named name, powers it
// on, waits for VMware Tools to report a guest IP, and runs container's
// command over SSH as the guest bootstrap — CAPV's clone-then-SSH-
// bootstrap flow (pkg/cloud/vsphere/provisioner/govmomi/vcenter.go),
// generalized from a Cluster API Machine's cloud-init payload to an
// arbitrary Pod container command.
func (p *Provider) provisionVM(ctx context.Context, name, instanceUUID string, container *corev1.Container) error {
	finder := p.Session.Finder

	template, err := finder.VirtualMachine(ctx, p.Config.Template)
	if err != nil {
		return errors.Wrapf(err, "finding template %q", p.Config.Template)
	}

	folder, err := finder.FolderOrDefault(ctx, p.Config.Folder)
	if err != nil {
		return errors.Wrapf(err, "finding folder %q", p.Config.Folder)
	}

	pool, err := finder.ResourcePoolOrDefault(ctx, p.Config.ResourcePool)
	if err != nil {
		return errors.Wrapf(err, "finding resource pool %q", p.Config.ResourcePool)
	}

	var ds *object.Datastore
	if p.Config.Datastore != "" {
		ds, err = finder.Datastore(ctx, p.Config.Datastore)
		if err != nil {
			return errors.Wrapf(err, "finding datastore %q", p.Config.Datastore)
		}
	}

	spec := types.VirtualMachineCloneSpec{
		PowerOn: true,
		Location: types.VirtualMachineRelocateSpec{
			Pool: types.NewReference(pool.Reference()),
		},
		Config: &types.VirtualMachineConfigSpec{
			Annotation:   fmt.Sprintf("workload VM for pod %s, managed by nodelet", name),
			InstanceUuid: instanceUUID,
			ExtraConfig: []types.BaseOptionValue{
				&types.OptionValue{Key: "guestinfo.command", Value: strings.Join(append(container.Command, container.Args...), " ")},
			},
		},
	}
	if ds != nil {
		spec.Location.Datastore = types.NewReference(ds.Reference())
	}

	task, err := template.Clone(ctx, folder, name, spec)
	if err != nil {
		return errors.Wrap(err, "starting clone task")
	}
	result, err := task.WaitForResult(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "waiting for clone task")
	}

	vm := object.NewVirtualMachine(p.Session.Client.Client, result.Result.(types.ManagedObjectReference))

	guestIP, err := vm.WaitForIP(ctx, true)
	if err != nil {
		return errors.Wrap(err, "waiting for guest IP")
	}

	if p.Config.SSHUser != "" {
		cmd := strings.Join(append(append([]string{}, container.Command...), container.Args...), " ")
		if err := runSSHCommand(ctx, guestIP+":22", p.Config.SSHUser, p.Config.SSHPassword, cmd); err != nil {
			return errors.Wrap(err, "running container command over SSH")
		}
	}

	return nil
}

// findVM locates a Pod's VM by its stamped instance UUID first, falling
// back to a name lookup when no UUID is known (an instance-UUID-less VM
// left over from before this provider ran, or a destroy issued against
// a VM that never finished provisionVM).
func (p *Provider) findVM(ctx context.Context, name, instanceUUID string) (*object.VirtualMachine, error) {
	if instanceUUID != "" {
		ref, err := p.Session.FindByInstanceUUID(ctx, instanceUUID)
		if err != nil {
			return nil, err
		}
		if ref != nil {
			return object.NewVirtualMachine(p.Session.Client.Client, ref.Reference()), nil
		}
	}
	return p.Session.Finder.VirtualMachine(ctx, name)
}

// powerState reports the Pod's VM's current vSphere power state. A
// missing VM (already destroyed, or never provisioned) is reported as
// powered off rather than an error, since that's the state a caller
// polling for completion expects to observe.
func (p *Provider) powerState(ctx context.Context, name, instanceUUID string) (types.VirtualMachinePowerState, error) {
	vm, err := p.findVM(ctx, name, instanceUUID)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return types.VirtualMachinePowerStatePoweredOff, nil
		}
		return "", err
	}
	return vm.PowerState(ctx)
}

// destroyVM powers off and destroys the Pod's VM, if it still exists.
func (p *Provider) destroyVM(ctx context.Context, name, instanceUUID string) error {
	vm, err := p.findVM(ctx, name, instanceUUID)
	if err != nil {
		if _, ok := err.(*find.NotFoundError); ok {
			return nil
		}
		return errors.Wrapf(err, "finding VM %q", name)
	}

	if power, err := vm.PowerState(ctx); err == nil && power == types.VirtualMachinePowerStatePoweredOn {
		task, err := vm.PowerOff(ctx)
		if err != nil {
			return errors.Wrapf(err, "powering off VM %q", name)
		}
		if err := task.Wait(ctx); err != nil {
			return errors.Wrapf(err, "waiting for VM %q power-off", name)
		}
	}

	task, err := vm.Destroy(ctx)
	if err != nil {
		return errors.Wrapf(err, "destroying VM %q", name)
	}
	return task.Wait(ctx)
}
