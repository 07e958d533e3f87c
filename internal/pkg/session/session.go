// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package session drives the provisioning pipeline.
package session

import (
	"context"
	"fmt"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/bootloader/syslinux"
	"github.com/siderolabs/liveusb/internal/pkg/encryption"
	"github.com/siderolabs/liveusb/internal/pkg/geometry"
	"github.com/siderolabs/liveusb/internal/pkg/mount"
	"github.com/siderolabs/liveusb/internal/pkg/partition"
	"github.com/siderolabs/liveusb/internal/pkg/payload"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
	"github.com/siderolabs/liveusb/internal/pkg/rawcopy"
	"github.com/siderolabs/liveusb/internal/pkg/runner"
	"github.com/siderolabs/liveusb/internal/pkg/validate"
)

// Controller runs a single provisioning session.
type Controller struct {
	opts   Options
	logger *zap.Logger
}

// New returns a Controller, components which are not set are wired to the host.
func New(setters ...Option) *Controller {
	var opts Options

	for _, s := range setters {
		s(&opts)
	}

	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if opts.Printf == nil {
		opts.Printf = opts.Logger.Sugar().Infof
	}

	if opts.UI == nil {
		opts.UI = StreamUI{In: os.Stdin, Out: os.Stdout}
	}

	r := runner.New(opts.Logger, runner.WithNewSession())

	partitionOpts := append([]partition.Option{
		partition.WithRunner(r),
		partition.WithPrintf(opts.Printf),
	}, opts.PartitionOptions...)

	if opts.Validator == nil {
		opts.Validator = validate.New()
	}

	if opts.Partitioner == nil {
		opts.Partitioner = partition.NewWriter(partitionOpts...)
	}

	if opts.Formatter == nil {
		opts.Formatter = partition.NewFormatter(partitionOpts...)
	}

	if opts.BootLoader == nil {
		opts.BootLoader = syslinux.New(append([]syslinux.Option{
			syslinux.WithRunner(r),
			syslinux.WithPrintf(opts.Printf),
		}, opts.BootLoaderOptions...)...)
	}

	if opts.RawWriter == nil {
		opts.RawWriter = func(ctx context.Context, image, device string, capacity uint64) error {
			_, err := rawcopy.Write(ctx, image, device, rawcopy.WithCapacity(capacity))

			return err
		}
	}

	if opts.NewEncryptor == nil {
		opts.NewEncryptor = func(device string, req provision.Request) (Encryptor, error) {
			return encryption.NewManager(device, req.MapperName, req.Labels.Persistence, req.Cipher,
				encryption.WithRunner(r),
				encryption.WithLogger(opts.Logger),
			)
		}
	}

	if opts.NewPayload == nil {
		opts.NewPayload = func(tree *mount.Tree) Payload {
			return payload.NewInstaller(tree,
				payload.WithRunner(r),
				payload.WithLogger(opts.Logger),
				payload.WithPrintf(opts.Printf),
			)
		}
	}

	if opts.TreeOptions == nil {
		opts.TreeOptions = []mount.Option{mount.WithLogger(opts.Logger)}
	}

	return &Controller{opts: opts, logger: opts.Logger}
}

// Run validates req, asks for confirmation and provisions the device.
//
// Resources acquired on the way are released on every return path.
// Once the device has been modified, a failure leaves it in an indeterminate state.
func (c *Controller) Run(ctx context.Context, req provision.Request) error {
	c.logger.Info("starting session", zap.Stringer("request", req))

	target, err := c.opts.Validator.Validate(req)
	if err != nil {
		return provision.WrapStage(provision.StageValidate, err)
	}

	var geom geometry.Geometry

	if req.Raw {
		if target.ImageSize > target.Device.Size {
			return provision.WrapStage(provision.StageGeometry, fmt.Errorf("%w: %s > %s",
				rawcopy.ErrImageTooLarge, humanize.IBytes(target.ImageSize), humanize.IBytes(target.Device.Size)))
		}
	} else {
		geom, err = geometry.Compute(geometry.Input{
			Capacity:        target.Device.Size,
			ImageSize:       target.ImageSize,
			SectorSize:      target.Device.SectorSize,
			BootSize:        req.BootSize,
			PersistenceSize: req.PersistenceSize,
		})
		if err != nil {
			return provision.WrapStage(provision.StageGeometry, err)
		}
	}

	ok, err := c.confirm(req, target, geom)
	if err != nil {
		return provision.WrapStage(provision.StageValidate, err)
	}

	if !ok {
		return provision.ErrCancelled
	}

	s := &run{Controller: c, device: target.Device.Path}

	if req.Raw {
		err = s.step(ctx, provision.StageRawWrite, func(ctx context.Context) error {
			return c.opts.RawWriter(ctx, req.ImagePath, target.Device.Path, target.Device.Size)
		})
	} else {
		err = s.provision(ctx, req, geom)
	}

	if err != nil && s.mutated {
		c.opts.Printf("WARNING: %s was left in an indeterminate state", target.Device.Path)
	}

	if err == nil {
		c.opts.Printf("%s is ready", target.Device.Path)
	}

	return err
}

func (c *Controller) confirm(req provision.Request, target validate.Target, geom geometry.Geometry) (bool, error) {
	dev := target.Device

	c.opts.Printf("target device: %s (%s, %s)", dev.Path, dev.Identity(), humanize.IBytes(dev.Size))
	if target.Descriptor != nil {
		c.opts.Printf("source image: %s (%s, %s)", target.Image, target.Descriptor, humanize.IBytes(target.ImageSize))
	} else {
		c.opts.Printf("source image: %s (%s)", target.Image, humanize.IBytes(target.ImageSize))
	}

	if req.Raw {
		c.opts.Printf("the image will be written byte for byte")
	} else {
		c.opts.Printf("partitions: live %s, boot %s, persistence %s",
			humanize.IBytes(geom.Live().Size), humanize.IBytes(geom.Boot().Size), humanize.IBytes(geom.Persistence().Size))
	}

	return c.opts.UI.Confirm(fmt.Sprintf("All data on %s will be destroyed. Continue?", dev.Path))
}

// run is the state of a session after confirmation.
type run struct {
	*Controller

	device  string
	mutated bool
}

// step runs f to completion, unless the session was interrupted before it started.
func (s *run) step(ctx context.Context, stage provision.Stage, f func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return provision.WrapStage(stage, fmt.Errorf("interrupted: %w", err))
	}

	s.logger.Debug("running stage", zap.String("stage", string(stage)))

	if stage.Destructive() {
		s.mutated = true
	}

	return provision.WrapStage(stage, f(context.WithoutCancel(ctx)))
}

//nolint:gocyclo,cyclop
func (s *run) provision(ctx context.Context, req provision.Request, geom geometry.Geometry) (err error) {
	tree, err := mount.NewTree(s.opts.TreeOptions...)
	if err != nil {
		return provision.WrapStage(provision.StageMount, err)
	}

	defer func() {
		if releaseErr := tree.Release(context.WithoutCancel(ctx)); releaseErr != nil {
			s.logger.Warn("cleanup failed", zap.Error(releaseErr))

			if err == nil {
				err = provision.WrapStage(provision.StageMount, fmt.Errorf("cleanup failed: %w", releaseErr))
			}
		}
	}()

	var layout partition.Layout

	if err = s.step(ctx, provision.StagePartition, func(ctx context.Context) error {
		layout, err = s.opts.Partitioner.Write(ctx, s.device, geom, req.Labels)

		return err
	}); err != nil {
		return err
	}

	if err = s.step(ctx, provision.StageFormat, func(ctx context.Context) error {
		if err := s.opts.Formatter.Format(ctx, layout.Live, partition.LiveFormatOptions(req.Labels.Root, req.DisableJournal)); err != nil {
			return err
		}

		return s.opts.Formatter.Format(ctx, layout.ESP, partition.ESPFormatOptions(req.Labels.ESP))
	}); err != nil {
		return err
	}

	persistence := layout.Persistence

	var enc Encryptor

	if req.Encrypt {
		if err = s.step(ctx, provision.StageEncrypt, func(ctx context.Context) error {
			if enc, err = s.opts.NewEncryptor(layout.Persistence, req); err != nil {
				return err
			}

			tree.Push("encrypted container "+req.MapperName, enc.Close)

			if err := enc.Format(ctx); err != nil {
				return err
			}

			persistence, err = enc.Open(ctx)

			return err
		}); err != nil {
			return err
		}
	}

	if err = s.step(ctx, provision.StageFormat, func(ctx context.Context) error {
		return s.opts.Formatter.Format(ctx, persistence, partition.PersistenceFormatOptions(req.Filesystem, req.Labels.Persistence, req.DisableJournal))
	}); err != nil {
		return err
	}

	mark := tree.Mark()
	installer := s.opts.NewPayload(tree)

	var m *payload.Medium

	if err = s.step(ctx, provision.StageMount, func(context.Context) error {
		m, err = installer.Mount(req.ImagePath, payload.Targets{
			Live:          layout.Live,
			ESP:           layout.ESP,
			Persistence:   persistence,
			PersistenceFS: req.Filesystem,
		})

		return err
	}); err != nil {
		return err
	}

	if err = s.step(ctx, provision.StageCopy, func(ctx context.Context) error {
		if err := installer.CopyImage(ctx, m); err != nil {
			return err
		}

		return installer.InstallESP(ctx, m, req.Labels)
	}); err != nil {
		return err
	}

	if enc != nil {
		if err = s.step(ctx, provision.StageEncrypt, func(context.Context) error {
			return enc.PatchBootConfig(m.LoaderEntry(), m.SyslinuxConfig(), m.Descriptor.OverlayParameter)
		}); err != nil {
			return err
		}
	}

	if err = s.step(ctx, provision.StagePersistence, func(ctx context.Context) error {
		if err := installer.ConfigurePersistence(ctx, m, req.Labels); err != nil {
			return err
		}

		if enc == nil {
			return nil
		}

		return installer.RegenerateInitramfs(ctx, m, req.Labels)
	}); err != nil {
		return err
	}

	if err = s.step(ctx, provision.StageMount, func(ctx context.Context) error {
		s.opts.Printf("unmounting")

		return tree.ReleaseTo(ctx, mark)
	}); err != nil {
		return err
	}

	return s.step(ctx, provision.StageBootloader, func(ctx context.Context) error {
		return s.opts.BootLoader.Install(ctx, s.device, layout.ESP, path.Dir(m.Descriptor.SyslinuxConfig))
	})
}
