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

package deviceplugin

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"gopkg.in/fsnotify.v1"
)

func TestHandlePluginDirEventForcesDisconnectOnRemove(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")

	var cancelled bool
	pc := &pluginConn{resourceName: "example.com/gpu", endpoint: "gpu.sock", cancel: func() { cancelled = true }}
	m.plugins["example.com/gpu"] = pc

	m.handlePluginDirEvent(fsnotify.Event{Name: "/tmp/plugins/gpu.sock", Op: fsnotify.Remove})

	assert.True(t, cancelled, "removing a registered plugin's socket must cancel its consumer context")
}

func TestHandlePluginDirEventIgnoresUnknownEndpoint(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")

	var cancelled bool
	pc := &pluginConn{resourceName: "example.com/gpu", endpoint: "gpu.sock", cancel: func() { cancelled = true }}
	m.plugins["example.com/gpu"] = pc

	m.handlePluginDirEvent(fsnotify.Event{Name: "/tmp/plugins/other.sock", Op: fsnotify.Remove})

	assert.False(t, cancelled, "a removal under a different endpoint name must not disturb an unrelated plugin")
}

func TestConnectionForEndpointFindsByEndpointName(t *testing.T) {
	m := New(testr.New(t), "/tmp/plugins", "node1")
	pc := &pluginConn{resourceName: "example.com/gpu", endpoint: "gpu.sock"}
	m.plugins["example.com/gpu"] = pc

	assert.Same(t, pc, m.connectionForEndpoint("gpu.sock"))
	assert.Nil(t, m.connectionForEndpoint("missing.sock"))
}
