// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package rawcopy writes the source image byte for byte to the target device.
package rawcopy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"

	"github.com/siderolabs/liveusb/internal/pkg/partition"
)

const bufferSize = 4 * humanize.MiByte

// ErrImageTooLarge is returned when the image does not fit on the device.
var ErrImageTooLarge = errors.New("image is larger than the device")

// Options for the raw writer.
type Options struct {
	Locker   partition.Locker
	Progress io.Writer
	Capacity uint64
}

// Option configures the raw writer.
type Option func(*Options)

// WithLocker sets the device locker.
func WithLocker(l partition.Locker) Option {
	return func(o *Options) {
		o.Locker = l
	}
}

// WithProgress sets the progress bar output, nil disables it.
func WithProgress(w io.Writer) Option {
	return func(o *Options) {
		o.Progress = w
	}
}

// WithCapacity sets the device size checked before writing.
func WithCapacity(size uint64) Option {
	return func(o *Options) {
		o.Capacity = size
	}
}

// Write copies image over device while holding the device lock, returning the number of bytes written.
func Write(ctx context.Context, image, device string, setters ...Option) (written int64, err error) {
	opts := Options{
		Locker:   partition.BlockLocker{},
		Progress: os.Stderr,
	}

	for _, s := range setters {
		s(&opts)
	}

	in, err := os.Open(image)
	if err != nil {
		return 0, err
	}

	defer in.Close() //nolint:errcheck

	st, err := in.Stat()
	if err != nil {
		return 0, err
	}

	if opts.Capacity > 0 && uint64(st.Size()) > opts.Capacity {
		return 0, fmt.Errorf("%w: %s > %s", ErrImageTooLarge, humanize.IBytes(uint64(st.Size())), humanize.IBytes(opts.Capacity))
	}

	err = partition.WithLock(ctx, opts.Locker, device, func() error {
		out, err := os.OpenFile(device, os.O_WRONLY, 0)
		if err != nil {
			return err
		}

		defer out.Close() //nolint:errcheck

		var src io.Reader = in

		if opts.Progress != nil {
			bar := progressbar.NewOptions64(st.Size(),
				progressbar.OptionSetDescription("writing "+device),
				progressbar.OptionSetWriter(opts.Progress),
				progressbar.OptionShowBytes(true),
				progressbar.OptionShowCount(),
				progressbar.OptionThrottle(100*time.Millisecond),
				progressbar.OptionFullWidth(),
			)

			defer bar.Finish() //nolint:errcheck

			src = io.TeeReader(in, bar)
		}

		written, err = io.CopyBuffer(out, src, make([]byte, bufferSize))
		if err != nil {
			return fmt.Errorf("error writing %s: %w", device, err)
		}

		return out.Sync()
	})

	return written, err
}
