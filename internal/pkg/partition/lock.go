// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/siderolabs/go-blockdevice/v2/block"
)

// Locker takes an exclusive advisory lock on a device node.
type Locker interface {
	Lock(ctx context.Context, devname string) (unlock func() error, err error)
}

// BlockLocker locks device nodes with flock(2), which udev honors before probing.
type BlockLocker struct {
	Timeout time.Duration
}

// Lock implements Locker.
func (l BlockLocker) Lock(ctx context.Context, devname string) (func() error, error) {
	timeout := l.Timeout
	if timeout == 0 {
		timeout = time.Minute
	}

	bd, err := block.NewFromPath(devname, block.OpenForWrite())
	if err != nil {
		return nil, fmt.Errorf("error opening block device %q: %w", devname, err)
	}

	if err = bd.RetryLockWithTimeout(ctx, true, timeout); err != nil {
		bd.Close() //nolint:errcheck

		return nil, fmt.Errorf("error locking block device %q: %w", devname, err)
	}

	return func() error {
		return errors.Join(bd.Unlock(), bd.Close())
	}, nil
}

// WithLock runs f while holding the exclusive lock on devname.
func WithLock(ctx context.Context, l Locker, devname string, f func() error) (err error) {
	unlock, err := l.Lock(ctx, devname)
	if err != nil {
		return err
	}

	defer func() {
		if unlockErr := unlock(); unlockErr != nil && err == nil {
			err = fmt.Errorf("error unlocking %q: %w", devname, unlockErr)
		}
	}()

	return f()
}
