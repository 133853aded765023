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

package transition

import "fmt"

// Registry tracks, for every known state name, the set of state names it
// may legally transition to via Next. It is the runtime stand-in for the
// source's compile-time `TransitionTo<T>` constraint.
type Registry struct {
	successors map[string]map[string]struct{}
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{successors: make(map[string]map[string]struct{})}
}

// Allow declares that `from` may transition to each of `to` via Next.
// Calling Allow again for the same `from` adds to its successor set.
func (r *Registry) Allow(from string, to ...string) {
	set, ok := r.successors[from]
	if !ok {
		set = make(map[string]struct{})
		r.successors[from] = set
	}
	for _, s := range to {
		set[s] = struct{}{}
	}
}

// Validate checks that transition t, issued from state `from`, is legal.
// It never rejects KindCompleteOK/KindCompleteErr — only KindNext edges
// are constrained.
func (r *Registry) Validate(from string, t Transition) error {
	if t.Kind() != KindNext {
		return nil
	}
	set, ok := r.successors[from]
	if !ok {
		return fmt.Errorf("transition: state %q has no declared successors", from)
	}
	if _, ok := set[t.NextState()]; !ok {
		return fmt.Errorf("transition: %q is not a declared successor of %q", t.NextState(), from)
	}
	return nil
}
