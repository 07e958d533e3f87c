// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package makefs provides functions to create filesystems on the target partitions.
package makefs

import (
	"context"
	"errors"
	"log"

	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

// Option to control makefs settings.
type Option func(*Options)

// Options for makefs.
type Options struct {
	Label    string
	Force    bool
	Features []string

	// ReservedBlocks is the reserved blocks percentage, negative keeps the mkfs default.
	ReservedBlocks int

	Runner runner.Runner
	Printf func(string, ...any)
}

// WithLabel sets the label for the filesystem to be created.
func WithLabel(label string) Option {
	return func(o *Options) {
		o.Label = label
	}
}

// WithForce forces creation of a filesystem even if one already exists.
func WithForce(force bool) Option {
	return func(o *Options) {
		o.Force = force
	}
}

// WithFeatures enables filesystem features (mkfs -O).
func WithFeatures(features ...string) Option {
	return func(o *Options) {
		o.Features = append(o.Features, features...)
	}
}

// WithReservedBlocks sets the reserved blocks percentage.
func WithReservedBlocks(percent int) Option {
	return func(o *Options) {
		o.ReservedBlocks = percent
	}
}

// WithRunner sets the command runner.
func WithRunner(r runner.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithPrintf sets the status printer.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// NewDefaultOptions builds options with specified setters applied.
func NewDefaultOptions(setters ...Option) Options {
	opt := Options{
		ReservedBlocks: -1,
		Printf:         log.Printf,
	}

	for _, o := range setters {
		o(&opt)
	}

	if opt.Runner == nil {
		opt.Runner = runner.New(nil)
	}

	return opt
}

var errMissingPartition = errors.New("missing path to partition")

func run(ctx context.Context, opts Options, name string, args ...string) error {
	_, err := opts.Runner.Run(ctx, name, args...)

	return err
}
