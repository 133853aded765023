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

// Package objectkey defines the identity the watch dispatcher and state
// engine use to address one object: a namespace/name pair, comparable so
// it can key a plain Go map with O(1) average lookup.
package objectkey

import "fmt"

// ObjectKey is the (namespace, name) identity of a watched object. For
// cluster-scoped objects Namespace is empty.
type ObjectKey struct {
	Namespace string
	Name      string
}

// New builds an ObjectKey.
func New(namespace, name string) ObjectKey {
	return ObjectKey{Namespace: namespace, Name: name}
}

// String renders the key the way client-go renders NamespacedName.
func (k ObjectKey) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return fmt.Sprintf("%s/%s", k.Namespace, k.Name)
}
