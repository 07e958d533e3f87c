// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package runner executes the external tools the pipeline is built on.
package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/siderolabs/go-cmd/pkg/cmd"
	"go.uber.org/zap"
)

// Runner runs a single external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError is a command which could not be started or exited non-zero.
type CommandError struct {
	Name   string
	Args   []string
	Output string
	Err    error
}

// Error implements error.
func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Name, strings.Join(e.Args, " "), e.Err)
}

// Unwrap implements errors.Unwrap.
func (e *CommandError) Unwrap() error {
	return e.Err
}

// Exec runs commands on the host.
type Exec struct {
	logger   *zap.Logger
	detached bool
}

// ExecOption configures Exec.
type ExecOption func(*Exec)

// WithNewSession starts every command in a session of its own through setsid(1).
//
// Signals sent to the terminal's foreground process group (Ctrl+C) do not reach such commands.
func WithNewSession() ExecOption {
	return func(e *Exec) { e.detached = true }
}

// New returns a Runner executing commands on the host.
func New(logger *zap.Logger, setters ...ExecOption) *Exec {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Exec{logger: logger}

	for _, s := range setters {
		s(e)
	}

	return e
}

// Run implements Runner.
func (e *Exec) Run(ctx context.Context, name string, args ...string) (string, error) {
	e.logger.Debug("executing", zap.String("command", name), zap.Strings("args", args))

	command, commandArgs := name, args

	if e.detached {
		command, commandArgs = "setsid", append([]string{"--wait", name}, args...)
	}

	out, err := cmd.RunContext(ctx, command, commandArgs...)
	if err != nil {
		e.logger.Debug("command failed", zap.String("command", name), zap.Error(err))

		return out, &CommandError{Name: name, Args: args, Output: out, Err: err}
	}

	if out != "" {
		e.logger.Debug("command output", zap.String("command", name), zap.String("output", out))
	}

	return out, nil
}
