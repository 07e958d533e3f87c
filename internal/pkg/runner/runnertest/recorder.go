// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package runnertest provides a recording runner.Runner for tests.
package runnertest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/siderolabs/gen/xslices"

	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

// Call is a recorded invocation.
type Call struct {
	Name string
	Args []string
}

// String renders the call as a command line.
func (c Call) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Recorder records commands instead of executing them.
type Recorder struct {
	mu sync.Mutex

	calls    []Call
	outputs  map[string]string
	failures map[string]error

	// Hook, if set, is called for every invocation after it is recorded.
	Hook func(Call) (string, error)
}

var _ runner.Runner = (*Recorder)(nil)

// Run implements runner.Runner.
func (r *Recorder) Run(_ context.Context, name string, args ...string) (string, error) {
	call := Call{Name: name, Args: append([]string(nil), args...)}

	r.mu.Lock()
	r.calls = append(r.calls, call)
	out := r.outputs[name]
	failure := r.failures[name]
	hook := r.Hook
	r.mu.Unlock()

	if failure != nil {
		return out, &runner.CommandError{Name: name, Args: call.Args, Output: out, Err: failure}
	}

	if hook != nil {
		return hook(call)
	}

	return out, nil
}

// SetOutput sets the output returned for every invocation of name.
func (r *Recorder) SetOutput(name, out string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.outputs == nil {
		r.outputs = map[string]string{}
	}

	r.outputs[name] = out
}

// FailOn makes every invocation of name fail.
func (r *Recorder) FailOn(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.failures == nil {
		r.failures = map[string]error{}
	}

	r.failures[name] = errors.New("exit status 1")
}

// Calls returns the recorded invocations.
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]Call(nil), r.calls...)
}

// Lines returns the recorded invocations as command lines.
func (r *Recorder) Lines() []string {
	return xslices.Map(r.Calls(), Call.String)
}

// Names returns the names of the invoked commands.
func (r *Recorder) Names() []string {
	return xslices.Map(r.Calls(), func(c Call) string { return c.Name })
}
