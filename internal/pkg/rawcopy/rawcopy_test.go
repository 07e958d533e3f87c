// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package rawcopy_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/liveusb/internal/pkg/rawcopy"
)

type fakeLocker struct {
	locked []string
	err    error
}

func (l *fakeLocker) Lock(_ context.Context, devname string) (func() error, error) {
	if l.err != nil {
		return nil, l.err
	}

	l.locked = append(l.locked, devname)

	return func() error { return nil }, nil
}

func files(t *testing.T, imageSize, deviceSize int) (string, string) {
	t.Helper()

	dir := t.TempDir()

	image := filepath.Join(dir, "image.iso")
	device := filepath.Join(dir, "device")

	data := make([]byte, imageSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	require.NoError(t, os.WriteFile(image, data, 0o644))
	require.NoError(t, os.WriteFile(device, bytes.Repeat([]byte{0xff}, deviceSize), 0o600))

	return image, device
}

func TestWrite(t *testing.T) {
	image, device := files(t, 3<<20+17, 8<<20)

	var (
		locker   fakeLocker
		progress bytes.Buffer
	)

	written, err := rawcopy.Write(t.Context(), image, device,
		rawcopy.WithLocker(&locker),
		rawcopy.WithProgress(&progress),
		rawcopy.WithCapacity(8<<20),
	)
	require.NoError(t, err)

	assert.EqualValues(t, 3<<20+17, written)
	assert.Equal(t, []string{device}, locker.locked)
	assert.NotEmpty(t, progress.String())

	src, err := os.ReadFile(image)
	require.NoError(t, err)

	dst, err := os.ReadFile(device)
	require.NoError(t, err)

	require.Len(t, dst, 8<<20)
	assert.Equal(t, src, dst[:len(src)])
	assert.Equal(t, byte(0xff), dst[len(src)])
}

func TestWriteTooLarge(t *testing.T) {
	image, device := files(t, 2048, 1024)

	var locker fakeLocker

	_, err := rawcopy.Write(t.Context(), image, device,
		rawcopy.WithLocker(&locker),
		rawcopy.WithProgress(nil),
		rawcopy.WithCapacity(1024),
	)
	require.ErrorIs(t, err, rawcopy.ErrImageTooLarge)
	assert.Empty(t, locker.locked)
}

func TestWriteLockFailure(t *testing.T) {
	image, device := files(t, 1024, 1024)

	lockErr := errors.New("device busy")

	_, err := rawcopy.Write(t.Context(), image, device,
		rawcopy.WithLocker(&fakeLocker{err: lockErr}),
		rawcopy.WithProgress(nil),
	)
	require.ErrorIs(t, err, lockErr)

	dst, err := os.ReadFile(device)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xff}, 1024), dst)
}
