// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package partition writes the partition table of the target device and formats its partitions.
package partition

import (
	"log"
	"time"

	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

// Defaults.
const (
	DefaultSettleDelay = 2 * time.Second
	DefaultNodeTimeout = time.Minute
	DefaultSysfsRoot   = "/sys"
)

// Option configures the writer and the formatter.
type Option func(*Options)

// Options for the partition table writer and formatter.
type Options struct {
	Runner      runner.Runner
	Locker      Locker
	Printf      func(string, ...any)
	SettleDelay time.Duration
	NodeTimeout time.Duration
	SysfsRoot   string
}

// WithRunner sets the command runner.
func WithRunner(r runner.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithLocker sets the device locker.
func WithLocker(l Locker) Option {
	return func(o *Options) {
		o.Locker = l
	}
}

// WithPrintf sets the status printer.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// WithSettleDelay sets the pause after each partition table mutation.
func WithSettleDelay(d time.Duration) Option {
	return func(o *Options) {
		o.SettleDelay = d
	}
}

// WithNodeTimeout sets how long to wait for partition device nodes.
func WithNodeTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.NodeTimeout = d
	}
}

// WithSysfsRoot overrides the sysfs mount point.
func WithSysfsRoot(root string) Option {
	return func(o *Options) {
		o.SysfsRoot = root
	}
}

// NewDefaultOptions builds options with specified setters applied.
func NewDefaultOptions(setters ...Option) Options {
	opts := Options{
		Printf:      log.Printf,
		SettleDelay: DefaultSettleDelay,
		NodeTimeout: DefaultNodeTimeout,
		SysfsRoot:   DefaultSysfsRoot,
	}

	for _, s := range setters {
		s(&opts)
	}

	if opts.Runner == nil {
		opts.Runner = runner.New(nil)
	}

	if opts.Locker == nil {
		opts.Locker = BlockLocker{}
	}

	return opts
}
