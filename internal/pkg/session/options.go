// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"context"

	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/bootloader/syslinux"
	"github.com/siderolabs/liveusb/internal/pkg/geometry"
	"github.com/siderolabs/liveusb/internal/pkg/mount"
	"github.com/siderolabs/liveusb/internal/pkg/partition"
	"github.com/siderolabs/liveusb/internal/pkg/payload"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
	"github.com/siderolabs/liveusb/internal/pkg/validate"
)

// Validator checks the request against the host.
type Validator interface {
	Validate(req provision.Request) (validate.Target, error)
}

// PartitionWriter writes the partition table.
type PartitionWriter interface {
	Write(ctx context.Context, device string, g geometry.Geometry, labels provision.Labels) (partition.Layout, error)
}

// Formatter creates filesystems.
type Formatter interface {
	Format(ctx context.Context, devname string, opts *partition.FormatOptions) error
}

// Encryptor manages the encrypted persistence container.
type Encryptor interface {
	Format(ctx context.Context) error
	Open(ctx context.Context) (string, error)
	Close(ctx context.Context) error
	PatchBootConfig(loaderEntryPath, syslinuxPath, overlayParameter string) error
}

// Payload populates the mounted partitions.
type Payload interface {
	Mount(image string, t payload.Targets) (*payload.Medium, error)
	CopyImage(ctx context.Context, m *payload.Medium) error
	InstallESP(ctx context.Context, m *payload.Medium, labels provision.Labels) error
	ConfigurePersistence(ctx context.Context, m *payload.Medium, labels provision.Labels) error
	RegenerateInitramfs(ctx context.Context, m *payload.Medium, labels provision.Labels) error
}

// BootLoader installs the legacy boot loader.
type BootLoader interface {
	Install(ctx context.Context, device, esp, directory string) error
}

// RawWriter copies the image to the device.
type RawWriter func(ctx context.Context, image, device string, capacity uint64) error

// Options wire the pipeline components.
type Options struct {
	Logger *zap.Logger
	Printf func(string, ...any)
	UI     UI

	Validator    Validator
	Partitioner  PartitionWriter
	Formatter    Formatter
	BootLoader   BootLoader
	RawWriter    RawWriter
	NewEncryptor func(device string, req provision.Request) (Encryptor, error)
	NewPayload   func(tree *mount.Tree) Payload
	TreeOptions  []mount.Option

	// Extra options for the default partition writer, formatter and boot loader.
	PartitionOptions  []partition.Option
	BootLoaderOptions []syslinux.Option
}

// Option configures the controller.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithPrintf sets the operator status printer.
func WithPrintf(printf func(string, ...any)) Option {
	return func(o *Options) {
		o.Printf = printf
	}
}

// WithUI sets the confirmation prompt.
func WithUI(ui UI) Option {
	return func(o *Options) {
		o.UI = ui
	}
}

// WithValidator sets the validator.
func WithValidator(v Validator) Option {
	return func(o *Options) {
		o.Validator = v
	}
}

// WithPartitioner sets the partition table writer.
func WithPartitioner(w PartitionWriter) Option {
	return func(o *Options) {
		o.Partitioner = w
	}
}

// WithFormatter sets the filesystem formatter.
func WithFormatter(f Formatter) Option {
	return func(o *Options) {
		o.Formatter = f
	}
}

// WithBootLoader sets the boot loader installer.
func WithBootLoader(b BootLoader) Option {
	return func(o *Options) {
		o.BootLoader = b
	}
}

// WithRawWriter sets the raw mode writer.
func WithRawWriter(w RawWriter) Option {
	return func(o *Options) {
		o.RawWriter = w
	}
}

// WithEncryptor sets the encryption manager constructor.
func WithEncryptor(f func(device string, req provision.Request) (Encryptor, error)) Option {
	return func(o *Options) {
		o.NewEncryptor = f
	}
}

// WithPayload sets the payload installer constructor.
func WithPayload(f func(tree *mount.Tree) Payload) Option {
	return func(o *Options) {
		o.NewPayload = f
	}
}

// WithTreeOptions sets the working tree options.
func WithTreeOptions(opts ...mount.Option) Option {
	return func(o *Options) {
		o.TreeOptions = opts
	}
}

// WithPartitionOptions passes options to the default partition writer and formatter.
func WithPartitionOptions(opts ...partition.Option) Option {
	return func(o *Options) {
		o.PartitionOptions = append(o.PartitionOptions, opts...)
	}
}

// WithBootLoaderOptions passes options to the default boot loader installer.
func WithBootLoaderOptions(opts ...syslinux.Option) Option {
	return func(o *Options) {
		o.BootLoaderOptions = append(o.BootLoaderOptions, opts...)
	}
}
