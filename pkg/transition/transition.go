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

// Package transition defines the return value of one state's step and
// the runtime registry that enforces which transitions are legal. Go
// has no equivalent of a statically typed associated-type trait to
// constrain which state may follow another, so this enforces it with a
// per-state set of allowed successors, declared with Registry.Allow and
// checked on every Next.
package transition

import "fmt"

// Kind tags the shape of a Transition.
type Kind int

const (
	// KindNext continues the machine at another state.
	KindNext Kind = iota
	// KindCompleteOK means the machine terminated successfully.
	KindCompleteOK
	// KindCompleteErr means the machine terminated with an error.
	KindCompleteErr
)

// Transition is the tagged return value of State.Step.
type Transition struct {
	kind    Kind
	next    string
	errKind string
	message string
}

// Next continues the machine at the named next state. The name must be
// one of the current state's declared successors; engine.Run enforces
// this via Registry.Validate.
func Next(stateName string) Transition {
	return Transition{kind: KindNext, next: stateName}
}

// CompleteOK terminates the machine successfully.
func CompleteOK() Transition {
	return Transition{kind: KindCompleteOK}
}

// CompleteErr terminates the machine with an error kind and message.
func CompleteErr(errKind, message string) Transition {
	return Transition{kind: KindCompleteErr, errKind: errKind, message: message}
}

// Kind returns the transition's tag.
func (t Transition) Kind() Kind { return t.kind }

// NextState returns the target state name; only meaningful for KindNext.
func (t Transition) NextState() string { return t.next }

// ErrKind returns the error kind; only meaningful for KindCompleteErr.
func (t Transition) ErrKind() string { return t.errKind }

// Message returns the human-readable message carried by a
// KindCompleteErr transition (or set directly by callers representing a
// panic/producer failure as a terminal error, see engine.Run).
func (t Transition) Message() string { return t.message }

func (t Transition) String() string {
	switch t.kind {
	case KindNext:
		return fmt.Sprintf("Next(%s)", t.next)
	case KindCompleteOK:
		return "Complete(Ok)"
	case KindCompleteErr:
		return fmt.Sprintf("Complete(Err(%s, %s))", t.errKind, t.message)
	default:
		return "unknown"
	}
}
