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
	"fmt"
	"net"
	"os"
	"path/filepath"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// AllowedReservedResources lets the embedder permit specific
// kubernetes.io-namespaced resource names through Register's otherwise
// reserved-domain check.
var AllowedReservedResources = map[string]struct{}{}

// Serve listens on <plugin_dir>/kubelet.sock and runs the Registration
// service until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	socketPath := filepath.Join(m.pluginDir, "kubelet.sock")
	_ = os.Remove(socketPath)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	srv := grpc.NewServer()
	pluginapi.RegisterRegistrationServer(srv, (*registrationServer)(m))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(lis) }()

	select {
	case <-ctx.Done():
		srv.GracefulStop()
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type registrationServer Manager

// Register validates the request, dials the plugin's socket, and
// spawns its ListAndWatch consumer task.
func (s *registrationServer) Register(ctx context.Context, req *pluginapi.RegisterRequest) (*pluginapi.Empty, error) {
	m := (*Manager)(s)

	if req.Version != pluginapi.Version {
		return nil, fmt.Errorf("unsupported device plugin API version %q, want %q", req.Version, pluginapi.Version)
	}
	if err := validResourceName(req.ResourceName, AllowedReservedResources); err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, occupied := m.plugins[req.ResourceName]; occupied {
		m.mu.Unlock()
		return nil, fmt.Errorf("resource %q is already registered", req.ResourceName)
	}
	m.mu.Unlock()

	socket := filepath.Join(m.pluginDir, req.Endpoint)
	conn, err := grpc.DialContext(ctx, socket,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", addr)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("dialing plugin at %s: %w", socket, err)
	}

	consumerCtx, cancel := context.WithCancel(context.Background())
	pc := &pluginConn{resourceName: req.ResourceName, endpoint: req.Endpoint, conn: conn, cancel: cancel}

	m.mu.Lock()
	m.plugins[req.ResourceName] = pc
	m.mu.Unlock()

	go m.runConsumer(consumerCtx, pc)

	return &pluginapi.Empty{}, nil
}
