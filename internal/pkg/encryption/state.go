// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package encryption

import "fmt"

// State of the encrypted container.
type State int

// Container states, transitions only move forward.
const (
	StateUnconfigured State = iota
	StateFormatted
	StateOpen
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateFormatted:
		return "formatted"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// TransitionError is an operation attempted in the wrong state.
type TransitionError struct {
	Op    string
	State State
}

// Error implements error.
func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s encrypted container in state %s", e.Op, e.State)
}
