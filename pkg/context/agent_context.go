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

// Package context carries the values every long-running task in this
// binary needs: the API client, logger, event recorder, and a shared
// atomic shutdown flag. It generalizes a ControllerManagerContext-style
// struct from "the context of the controller manager" to "the context
// of the node agent".
package context

import (
	gocontext "context"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/client-go/kubernetes"

	"github.com/nodelet-io/nodelet/pkg/record"
)

// AgentContext is the shared context the binary builds at startup; its
// ShuttingDown method is what the watch dispatcher polls.
type AgentContext struct {
	gocontext.Context

	// NodeName is the name this agent registers itself as.
	NodeName string

	// Client is the Kubernetes API client used for every component.
	Client kubernetes.Interface

	// Logger is the agent's root logger; components derive named
	// children from it via Logger.WithName, matching CAPV's per-
	// controller logger convention.
	Logger logr.Logger

	// Recorder records Kubernetes events against watched objects.
	Recorder record.Recorder

	shuttingDown atomic.Bool
}

// String satisfies fmt.Stringer for logging.
func (c *AgentContext) String() string {
	return c.NodeName
}

// BeginShutdown raises the shared shutdown flag. Once raised, the watch
// dispatcher refuses new Applied events. Raising it does not start the
// node registrar's drain; the binary calls Registrar.Drain separately.
func (c *AgentContext) BeginShutdown() {
	c.shuttingDown.Store(true)
}

// ShuttingDown reports whether BeginShutdown has been called. Polled by
// the dispatcher's main loop, never blocked on; the node registrar does
// not read it.
func (c *AgentContext) ShuttingDown() bool {
	return c.shuttingDown.Load()
}
