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

package vcsimtest

import (
	"fmt"
	"net/url"

	"github.com/onsi/gomega/gbytes"
	"github.com/vmware/govmomi/simulator"
	_ "github.com/vmware/govmomi/vapi/simulator" // registers the tagging API endpoints
)

// Simulator is a running vCenter simulator instance.
type Simulator struct {
	model  *simulator.Model
	server *simulator.Server
}

// Destroy tears down the simulator server and model.
func (s Simulator) Destroy() {
	s.server.Close()
	s.model.Remove()
}

// ServerURL is the simulator's SOAP endpoint.
func (s Simulator) ServerURL() *url.URL {
	return s.server.URL
}

// Run shells out to govc against this simulator.
func (s Simulator) Run(commandStr string, buffers ...*gbytes.Buffer) error {
	pwd, _ := s.server.URL.User.Password()
	govcURL := fmt.Sprintf("https://%s:%s@%s", s.server.URL.User.Username(), pwd, s.server.URL.Host)

	cmd := govcCommand(govcURL, commandStr, buffers...)
	return cmd.Run()
}

// Username returns the simulator's generated admin username.
func (s Simulator) Username() string {
	return s.server.URL.User.Username()
}

// Password returns the simulator's generated admin password.
func (s Simulator) Password() string {
	pwd, _ := s.server.URL.User.Password()
	return pwd
}
