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
	"context"
	"path/filepath"

	"gopkg.in/fsnotify.v1"
)

// WatchPluginDir supplements the inbound Register RPC with an fsnotify
// watch on the plugin directory, modeled on krustlet's plugin_watcher
// but without its proactive registration: this watch registers no
// plugin itself. A plugin is expected to call Register itself once its
// socket is listening; this watch exists so a socket disappearing out
// from under a live connection (the plugin process dying without a
// clean gRPC stream teardown) is noticed promptly instead of waiting on
// the next ListAndWatch stream error, and so a socket reappearing under
// the same endpoint name is logged for operator visibility even before
// the plugin re-registers.
func (m *Manager) WatchPluginDir(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(m.pluginDir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			m.handlePluginDirEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.log.Error(err, "plugin directory watch error")
		}
	}
}

func (m *Manager) handlePluginDirEvent(ev fsnotify.Event) {
	endpoint := filepath.Base(ev.Name)

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if pc := m.connectionForEndpoint(endpoint); pc != nil {
			m.log.Info("plugin socket removed from disk, forcing disconnect", "resource", pc.resourceName, "endpoint", endpoint)
			pc.cancel()
		}
	case ev.Op&fsnotify.Create != 0:
		m.log.V(1).Info("new socket appeared in plugin directory, awaiting Register call", "endpoint", endpoint)
	}
}

// connectionForEndpoint returns the live plugin connection registered
// under the given socket endpoint name, if any.
func (m *Manager) connectionForEndpoint(endpoint string) *pluginConn {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, pc := range m.plugins {
		if pc.endpoint == endpoint {
			return pc
		}
	}
	return nil
}
