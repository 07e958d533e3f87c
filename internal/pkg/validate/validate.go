// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package validate checks the target device and the source image before anything is written.
package validate

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/siderolabs/liveusb/internal/pkg/medium"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// Target is the validated pair of image and device.
type Target struct {
	Image     string
	ImageSize uint64
	Device    DeviceInfo

	// Descriptor of the medium, nil in raw mode.
	Descriptor *medium.Descriptor
}

// Options for the Validator.
type Options struct {
	SysfsRoot string
	Geteuid   func() int
	LookPath  func(string) (string, error)
	Mounts    MountsFunc
	Probe     ProbeFunc
	Stat      StatFunc
}

// Option configures the Validator.
type Option func(*Options)

// WithSysfsRoot overrides the sysfs mount point.
func WithSysfsRoot(root string) Option {
	return func(o *Options) { o.SysfsRoot = root }
}

// WithGeteuid overrides the effective uid lookup.
func WithGeteuid(f func() int) Option {
	return func(o *Options) { o.Geteuid = f }
}

// WithLookPath overrides the executable lookup.
func WithLookPath(f func(string) (string, error)) Option {
	return func(o *Options) { o.LookPath = f }
}

// WithMounts overrides the mount table source.
func WithMounts(f MountsFunc) Option {
	return func(o *Options) { o.Mounts = f }
}

// WithStat overrides os.Stat for the device node.
func WithStat(f StatFunc) Option {
	return func(o *Options) { o.Stat = f }
}

// WithProbe overrides the device probe.
func WithProbe(f ProbeFunc) Option {
	return func(o *Options) { o.Probe = f }
}

// Validator runs the read-only checks.
type Validator struct {
	opts  Options
	sysfs sysfs
}

// New returns a Validator probing the host.
func New(setters ...Option) *Validator {
	opts := Options{
		SysfsRoot: "/sys",
		Geteuid:   os.Geteuid,
		LookPath:  exec.LookPath,
		Mounts:    HostMounts,
		Probe:     BlkidProbe,
		Stat:      os.Stat,
	}

	for _, s := range setters {
		s(&opts)
	}

	return &Validator{opts: opts, sysfs: sysfs{root: opts.SysfsRoot}}
}

// RequiredTools lists the external tools the request needs.
func RequiredTools(req provision.Request) []string {
	if req.Raw {
		return nil
	}

	tools := []string{"setsid", "wipefs", "sgdisk", "partprobe", "mkfs.ext4", "mkfs.fat", "cp", "syslinux"}

	if req.DisableJournal {
		tools = append(tools, "tune2fs")
	}

	if req.Filesystem == provision.FilesystemF2FS {
		tools = append(tools, "mkfs.f2fs")
	}

	if req.Encrypt {
		tools = append(tools, "cryptsetup", "chroot")
	}

	return tools
}

// Validate runs every check, the first failure is returned.
func (v *Validator) Validate(req provision.Request) (Target, error) {
	if err := req.Validate(); err != nil {
		return Target{}, err
	}

	if uid := v.opts.Geteuid(); uid != 0 {
		return Target{}, provision.Invalidf("root privileges are required (running as uid %d)", uid)
	}

	device, err := v.validateDevice(req.DevicePath)
	if err != nil {
		return Target{}, err
	}

	image, err := ProbeImage(req.ImagePath, !req.Raw)
	if err != nil {
		if provision.IsValidation(err) {
			return Target{}, provision.Invalidf("%s is not a supported live image: %w", req.ImagePath, err)
		}

		return Target{}, provision.Invalidf("%s is not a bootable image: %v", req.ImagePath, err)
	}

	var missing []string

	for _, tool := range RequiredTools(req) {
		if _, err = v.opts.LookPath(tool); err != nil {
			missing = append(missing, tool)
		}
	}

	if len(missing) > 0 {
		return Target{}, provision.Invalidf("required tools not found: %s", strings.Join(missing, ", "))
	}

	return Target{
		Image:      req.ImagePath,
		ImageSize:  image.Size,
		Device:     device,
		Descriptor: image.Descriptor,
	}, nil
}

func (v *Validator) validateDevice(device string) (DeviceInfo, error) {
	st, err := v.opts.Stat(device)
	if err != nil {
		return DeviceInfo{}, provision.Invalidf("cannot access %q: %v", device, err)
	}

	if !IsBlockDevice(st) {
		return DeviceInfo{}, provision.Invalidf("%s is not a block device", device)
	}

	if !v.sysfs.exists(device) {
		return DeviceInfo{}, provision.Invalidf("%s is not known to sysfs", device)
	}

	if v.sysfs.isPartition(device) {
		return DeviceInfo{}, provision.Invalidf("%s is a partition, a whole device is required", device)
	}

	if !v.sysfs.removable(device) {
		return DeviceInfo{}, provision.Invalidf("%s is not a removable device", device)
	}

	if !v.sysfs.usb(device) {
		return DeviceInfo{}, provision.Invalidf("%s is not attached over USB", device)
	}

	mounts, err := v.opts.Mounts()
	if err != nil {
		return DeviceInfo{}, fmt.Errorf("failed to read mount table: %w", err)
	}

	if points := mountedFrom(mounts, device); len(points) > 0 {
		return DeviceInfo{}, provision.Invalidf("%s is mounted at %s", device, strings.Join(points, ", "))
	}

	size, sectorSize, err := v.opts.Probe(device)
	if err != nil {
		return DeviceInfo{}, provision.Invalidf("failed to probe %s: %v", device, err)
	}

	return DeviceInfo{
		Path:       device,
		Size:       size,
		SectorSize: sectorSize,
		Vendor:     v.sysfs.attr(device, "device", "vendor"),
		Model:      v.sysfs.attr(device, "device", "model"),
	}, nil
}
