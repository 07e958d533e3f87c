// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package payload

import (
	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

// Option controls the installer.
type Option func(*Options)

// Options for the installer.
type Options struct {
	Runner runner.Runner
	Logger *zap.Logger
	Printf func(string, ...any)

	// HostDirs are bind-mounted into the overlay before the initramfs is regenerated.
	HostDirs []string
}

// WithRunner sets the command runner.
func WithRunner(r runner.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithPrintf sets the status callback.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// WithHostDirs overrides the host directories bound into the overlay.
func WithHostDirs(dirs ...string) Option {
	return func(o *Options) {
		o.HostDirs = dirs
	}
}

// NewDefaultOptions builds options with defaults applied.
func NewDefaultOptions(setters ...Option) Options {
	opts := Options{
		HostDirs: []string{"/proc", "/sys", "/dev"},
	}

	for _, setter := range setters {
		setter(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Runner == nil {
		opts.Runner = runner.New(opts.Logger)
	}

	if opts.Printf == nil {
		opts.Printf = func(string, ...any) {}
	}

	return opts
}
