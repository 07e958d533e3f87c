// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package payload populates the partitions from the source image.
package payload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/siderolabs/liveusb/internal/pkg/bootcfg"
	"github.com/siderolabs/liveusb/internal/pkg/medium"
	"github.com/siderolabs/liveusb/internal/pkg/mount"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// Working tree directory names.
const (
	ImageDir       = "image"
	LiveDir        = "live"
	ESPDir         = "esp"
	PersistenceDir = "persistence"
	RootfsDir      = "rootfs"
	OverlayDir     = "overlay"
)

// OriginSuffix names the pristine copy of the overlay skeleton.
const OriginSuffix = "_origin"

// Targets are the block devices the payload is installed to.
type Targets struct {
	Live        string
	ESP         string
	Persistence string

	PersistenceFS provision.FilesystemType
}

// Medium is the mounted source image and target partitions.
type Medium struct {
	Descriptor *medium.Descriptor

	Image       string
	Live        string
	ESP         string
	Persistence string
}

// LoaderEntry returns the path of the loader entry on the ESP.
func (m *Medium) LoaderEntry() string {
	return filepath.Join(m.ESP, m.Descriptor.LoaderEntry)
}

// SyslinuxConfig returns the path of the syslinux config on the ESP.
func (m *Medium) SyslinuxConfig() string {
	return filepath.Join(m.ESP, m.Descriptor.SyslinuxConfig)
}

// ActiveOverlay returns the overlay directory used at boot.
func (m *Medium) ActiveOverlay(labels provision.Labels) string {
	return filepath.Join(m.Persistence, labels.Root)
}

// Installer copies the image, the ESP assets and the persistence skeleton.
type Installer struct {
	tree *mount.Tree
	opts Options
}

// NewInstaller returns an installer mounting into tree.
func NewInstaller(tree *mount.Tree, setters ...Option) *Installer {
	return &Installer{
		tree: tree,
		opts: NewDefaultOptions(setters...),
	}
}

// Mount mounts the image read-only and the three target filesystems.
func (i *Installer) Mount(image string, t Targets) (*Medium, error) {
	var (
		m   Medium
		err error
	)

	if m.Image, err = i.tree.MountLoop(image, ImageDir, "iso9660"); err != nil {
		return nil, err
	}

	if m.Descriptor, err = medium.Load(m.Image); err != nil {
		return nil, err
	}

	i.opts.Logger.Info("medium descriptor loaded", zap.Stringer("medium", m.Descriptor))

	fsType := t.PersistenceFS
	if fsType == "" {
		fsType = provision.FilesystemExt4
	}

	for _, mnt := range []struct {
		dest   *string
		source string
		name   string
		fstype string
	}{
		{&m.Live, t.Live, LiveDir, "ext4"},
		{&m.ESP, t.ESP, ESPDir, "vfat"},
		{&m.Persistence, t.Persistence, PersistenceDir, string(fsType)},
	} {
		if *mnt.dest, err = i.tree.Mount(mnt.source, mnt.name, mnt.fstype, 0, ""); err != nil {
			return nil, err
		}
	}

	return &m, nil
}

// CopyImage copies the whole image tree onto the live partition.
func (i *Installer) CopyImage(ctx context.Context, m *Medium) error {
	i.opts.Printf("copying image to the live partition")

	return i.copyTree(ctx, m.Image, m.Live, "--archive")
}

// InstallESP copies the ESP assets and substitutes the boot templates.
func (i *Installer) InstallESP(ctx context.Context, m *Medium, labels provision.Labels) error {
	i.opts.Printf("installing boot assets")

	// FAT has no ownership or permissions to preserve
	if err := i.copyTree(ctx, filepath.Join(m.Image, m.Descriptor.ESPDir), m.ESP, "--recursive"); err != nil {
		return err
	}

	sub := bootcfg.Substitution{
		Tokens:      m.Descriptor.TokenValues(labels),
		ImageLabel:  m.Descriptor.Label,
		TargetLabel: labels.Root,
	}

	return substitute(m.ESP, m.Descriptor.BootTemplates, sub)
}

// ConfigurePersistence installs the active and the pristine copy of the overlay skeleton.
func (i *Installer) ConfigurePersistence(ctx context.Context, m *Medium, labels provision.Labels) error {
	i.opts.Printf("configuring persistence")

	skeleton := filepath.Join(m.Image, m.Descriptor.PersistenceDir, m.Descriptor.Label)

	if _, err := os.Stat(skeleton); err != nil {
		return fmt.Errorf("persistence skeleton not found: %w", err)
	}

	active := m.ActiveOverlay(labels)

	for _, dest := range []string{active, active + OriginSuffix} {
		if err := i.copyTree(ctx, skeleton, dest, "--archive"); err != nil {
			return err
		}
	}

	sub := bootcfg.Substitution{}

	if token := m.Descriptor.Tokens.ESPLabel; token != "" {
		sub.Tokens = map[string]string{token: labels.ESP}
	}

	return substitute(active, m.Descriptor.PersistenceTemplates, sub)
}

// RegenerateInitramfs rebuilds the boot images with the encrypt hook inside an overlay of the live root filesystem.
//
// The overlay uses the active persistence directories, so the hook survives in the persistent upper layer.
// Everything mounted here is released before returning.
func (i *Installer) RegenerateInitramfs(ctx context.Context, m *Medium, labels provision.Labels) (err error) {
	i.opts.Printf("regenerating initramfs")

	mark := i.tree.Mark()

	defer func() {
		if releaseErr := i.tree.ReleaseTo(ctx, mark); releaseErr != nil && err == nil {
			err = releaseErr
		}
	}()

	rootfs, err := i.tree.MountLoop(filepath.Join(m.Live, m.Descriptor.RootfsImage), RootfsDir, "squashfs")
	if err != nil {
		return err
	}

	active := m.ActiveOverlay(labels)

	overlay, err := i.tree.Overlay(rootfs, filepath.Join(active, medium.UpperDir), filepath.Join(active, medium.WorkDir), OverlayDir)
	if err != nil {
		return err
	}

	for _, dir := range i.opts.HostDirs {
		target := filepath.Join(overlay, dir)

		if err = os.MkdirAll(target, 0o755); err != nil {
			return err
		}

		if err = i.tree.Bind(dir, target); err != nil {
			return err
		}
	}

	if err = bootcfg.AddHookFile(filepath.Join(overlay, "etc", "mkinitcpio.conf"), bootcfg.EncryptHook); err != nil {
		return fmt.Errorf("error adding %s hook: %w", bootcfg.EncryptHook, err)
	}

	if _, err = i.opts.Runner.Run(ctx, "chroot", overlay, "mkinitcpio", "-P"); err != nil {
		return err
	}

	for _, c := range m.Descriptor.Initramfs {
		target := filepath.Join(m.ESP, c.Target)

		if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		if _, err = i.opts.Runner.Run(ctx, "cp", "--force", filepath.Join(overlay, c.Source), target); err != nil {
			return err
		}
	}

	return nil
}

func (i *Installer) copyTree(ctx context.Context, src, dest, mode string) error {
	i.opts.Logger.Debug("copying tree", zap.String("source", src), zap.String("destination", dest))

	_, err := i.opts.Runner.Run(ctx, "cp", mode, "--no-target-directory", src, dest)

	return err
}

func substitute(root string, templates []string, sub bootcfg.Substitution) error {
	for _, template := range templates {
		if err := bootcfg.SubstituteFile(filepath.Join(root, template), sub); err != nil {
			return fmt.Errorf("error substituting %s: %w", template, err)
		}
	}

	return nil
}
