// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package cli_test

import (
	"bytes"
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderolabs/liveusb/pkg/cli"
)

func TestWithContextReturnsResult(t *testing.T) {
	expected := errors.New("failed")

	err := cli.WithContext(t.Context(), &bytes.Buffer{}, func(ctx context.Context) error {
		assert.NoError(t, ctx.Err())

		return expected
	})

	assert.ErrorIs(t, err, expected)
}

func TestWithContextCancelsOnSignal(t *testing.T) {
	var out bytes.Buffer

	err := cli.WithContext(t.Context(), &out, func(ctx context.Context) error {
		require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return errors.New("context was not cancelled")
		}
	})

	assert.ErrorIs(t, err, context.Canceled)
}
