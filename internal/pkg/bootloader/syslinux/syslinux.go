// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package syslinux installs the legacy BIOS boot loader.
package syslinux

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"

	"github.com/siderolabs/liveusb/internal/pkg/partition"
	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

const (
	// StubName is the GPT-aware master boot record loader shipped with syslinux.
	StubName = "gptmbr.bin"
	// StubSize is the boot code area of the MBR, the partition table starts right after it.
	StubSize = 440

	// LegacyBootableAttribute is the GPT attribute bit marking a partition legacy-BIOS-bootable.
	LegacyBootableAttribute = 2
)

// DefaultStubDirs are searched in order for the MBR stub.
var DefaultStubDirs = []string{
	"/usr/lib/syslinux/bios",
	"/usr/lib/syslinux/mbr",
	"/usr/lib/syslinux",
	"/usr/share/syslinux",
	"/usr/lib/SYSLINUX",
}

// ErrStubNotFound is returned when no MBR stub could be located.
var ErrStubNotFound = errors.New(StubName + " not found")

// Options for the boot loader installer.
type Options struct {
	Runner   runner.Runner
	Locker   partition.Locker
	Printf   func(string, ...any)
	StubPath string
	StubDirs []string
}

// Option configures the installer.
type Option func(*Options)

// WithRunner sets the command runner.
func WithRunner(r runner.Runner) Option {
	return func(o *Options) {
		o.Runner = r
	}
}

// WithLocker sets the device locker.
func WithLocker(l partition.Locker) Option {
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

// WithStub uses the MBR stub at path instead of searching for it.
func WithStub(path string) Option {
	return func(o *Options) {
		o.StubPath = path
	}
}

// WithStubDirs overrides the directories searched for the MBR stub.
func WithStubDirs(dirs ...string) Option {
	return func(o *Options) {
		o.StubDirs = dirs
	}
}

// Installer installs syslinux on the ESP and the MBR stub on the device.
type Installer struct {
	opts Options
}

// New returns an Installer.
func New(setters ...Option) *Installer {
	opts := Options{
		Printf:   log.Printf,
		StubDirs: DefaultStubDirs,
	}

	for _, s := range setters {
		s(&opts)
	}

	if opts.Runner == nil {
		opts.Runner = runner.New(nil)
	}

	if opts.Locker == nil {
		opts.Locker = partition.BlockLocker{}
	}

	return &Installer{opts: opts}
}

// Install installs the boot loader into directory of the (unmounted) ESP partition,
// writes the MBR stub to device and marks the ESP legacy-BIOS-bootable.
func (i *Installer) Install(ctx context.Context, device, esp, directory string) error {
	i.opts.Printf("installing syslinux to %s", esp)

	if _, err := i.opts.Runner.Run(ctx, "syslinux", "--install", "--directory", directory, esp); err != nil {
		return err
	}

	stub, err := i.FindStub()
	if err != nil {
		return err
	}

	i.opts.Printf("writing %s to %s", filepath.Base(stub), device)

	if err = partition.WithLock(ctx, i.opts.Locker, device, func() error {
		return WriteStub(device, stub)
	}); err != nil {
		return err
	}

	attr := strconv.Itoa(partition.ESPIndex) + ":set:" + strconv.Itoa(LegacyBootableAttribute)

	return partition.WithLock(ctx, i.opts.Locker, device, func() error {
		_, err := i.opts.Runner.Run(ctx, "sgdisk", "--attributes="+attr, device)

		return err
	})
}

// FindStub returns the configured stub, or the first one found in the stub directories.
func (i *Installer) FindStub() (string, error) {
	if i.opts.StubPath != "" {
		return i.opts.StubPath, nil
	}

	for _, dir := range i.opts.StubDirs {
		path := filepath.Join(dir, StubName)

		if st, err := os.Stat(path); err == nil && st.Mode().IsRegular() {
			return path, nil
		}
	}

	return "", ErrStubNotFound
}

// WriteStub copies the boot code of stub over the first bytes of device.
//
// The partition table following the boot code is left untouched.
func WriteStub(device, stub string) error {
	in, err := os.Open(stub)
	if err != nil {
		return err
	}

	defer in.Close() //nolint:errcheck

	code := make([]byte, StubSize)

	n, err := io.ReadFull(in, code)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("error reading %s: %w", stub, err)
	}

	out, err := os.OpenFile(device, os.O_WRONLY, 0)
	if err != nil {
		return err
	}

	defer out.Close() //nolint:errcheck

	if _, err = out.WriteAt(code[:n], 0); err != nil {
		return fmt.Errorf("error writing boot code to %s: %w", device, err)
	}

	return out.Sync()
}
