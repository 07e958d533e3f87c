// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"context"
	"os"

	"github.com/freddierice/go-losetup/v2"
	"golang.org/x/sys/unix"
)

// Mounter performs mount and unmount system calls.
type Mounter interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(ctx context.Context, target string) error
}

// Loop is an attached loop device.
type Loop interface {
	Path() string
	Detach() error
}

// LoopAttacher binds files to loop devices.
type LoopAttacher interface {
	Attach(file string, readonly bool) (Loop, error)
}

// SystemMounter mounts using the host kernel.
type SystemMounter struct {
	Printf func(string, ...any)
}

// Mount implements Mounter.
func (m SystemMounter) Mount(source, target, fstype string, flags uintptr, data string) error {
	return os.NewSyscallError("mount", unix.Mount(source, target, fstype, flags, data))
}

// Unmount implements Mounter.
func (m SystemMounter) Unmount(ctx context.Context, target string) error {
	printf := m.Printf
	if printf == nil {
		printf = discard
	}

	return SafeUnmount(ctx, printf, target)
}

// SystemLoops attaches loop devices with losetup(4) ioctls.
type SystemLoops struct{}

type loopDevice struct {
	losetup.Device
}

// Attach implements LoopAttacher.
func (SystemLoops) Attach(file string, readonly bool) (Loop, error) {
	dev, err := losetup.Attach(file, 0, readonly)
	if err != nil {
		return nil, err
	}

	return loopDevice{dev}, nil
}

func discard(string, ...any) {}
