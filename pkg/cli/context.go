// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package cli contains helpers shared by the command line entrypoints.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// WithContext runs f with a context cancelled by the first ^C or SIGTERM.
//
// After the first signal the default handlers are restored, so a second one terminates the process.
func WithContext(ctx context.Context, out io.Writer, f func(context.Context) error) error {
	wrappedCtx, wrappedCtxCancel := context.WithCancel(ctx)
	defer wrappedCtxCancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	exited := make(chan struct{})
	defer close(exited)

	go func() {
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			wrappedCtxCancel()

			fmt.Fprintf(out, "%s received, finishing the current step and cleaning up, press Ctrl+C once again to abort immediately...\n", sig) //nolint:errcheck
		case <-wrappedCtx.Done():
		case <-exited:
		}
	}()

	return f(wrappedCtx)
}
