// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package mount

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// Unmount timeouts.
const (
	UnmountTimeout       = 30 * time.Second
	UnmountDetachTimeout = 10 * time.Second
)

func syncMount(target string) error {
	fd, err := unix.Open(target, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %q: %w", target, err)
	}
	defer unix.Close(fd) //nolint:errcheck

	if err = unix.Syncfs(fd); err != nil {
		return fmt.Errorf("syncfs %q: %w", target, err)
	}

	return nil
}

func unmountLoop(ctx context.Context, printf func(string, ...any), target string, flags int, timeout time.Duration, extraMessage string) (bool, error) {
	errCh := make(chan error, 1)

	go func() {
		errCh <- unix.Unmount(target, flags)
	}()

	start := time.Now()

	progressTicker := time.NewTicker(timeout / 5)
	defer progressTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-errCh:
			return true, err
		case <-progressTicker.C:
			timeLeft := timeout - time.Since(start)

			if timeLeft <= 0 {
				return false, nil
			}

			printf("unmounting %s%s is taking longer than expected, still waiting for %s", target, extraMessage, timeLeft.Round(time.Second))
		}
	}
}

// SafeUnmount syncs and unmounts target, falling back to a lazy detach when the filesystem stays busy.
//
// A target which is not mounted is not an error.
func SafeUnmount(ctx context.Context, printf func(string, ...any), target string) error {
	if err := syncMount(target); err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil
		}

		printf("sync failed: %s", err)
	}

	ok, err := unmountLoop(ctx, printf, target, 0, UnmountTimeout, "")
	if ok && !errors.Is(err, unix.EBUSY) {
		return ignoreNotMounted(err)
	}

	printf("detaching busy mount %s", target)

	ok, err = unmountLoop(ctx, printf, target, unix.MNT_DETACH, UnmountDetachTimeout, " lazily")
	if ok {
		return ignoreNotMounted(err)
	}

	return fmt.Errorf("unmounting %s timed out", target)
}

func ignoreNotMounted(err error) error {
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		return nil
	}

	return err
}
