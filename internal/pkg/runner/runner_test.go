// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package runner_test

import (
	"context"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/siderolabs/liveusb/internal/pkg/runner"
)

func TestExecRun(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	r := runner.New(zap.New(core))

	out, err := r.Run(context.Background(), "echo", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "hello")

	assert.Equal(t, 1, logs.FilterMessage("executing").Len())
	assert.Equal(t, 1, logs.FilterMessage("command output").Len())
}

func TestExecRunFailure(t *testing.T) {
	t.Parallel()

	r := runner.New(nil)

	_, err := r.Run(context.Background(), "false")
	require.Error(t, err)

	var cmdErr *runner.CommandError

	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "false", cmdErr.Name)
	assert.Empty(t, cmdErr.Args)

	_, err = r.Run(context.Background(), "/nonexistent/liveusb-tool", "--flag")
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, []string{"--flag"}, cmdErr.Args)
	assert.Contains(t, err.Error(), "/nonexistent/liveusb-tool --flag")
}

func TestExecRunNewSession(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid is not available")
	}

	r := runner.New(nil, runner.WithNewSession())

	// pid and session id of the shell
	out, err := r.Run(context.Background(), "sh", "-c", `echo $$ $(cut -d' ' -f6 /proc/$$/stat)`)
	require.NoError(t, err)

	fields := strings.Fields(out)
	require.Len(t, fields, 2)
	assert.Equal(t, fields[0], fields[1], "command must lead its own session")

	_, err = r.Run(context.Background(), "false")

	var cmdErr *runner.CommandError

	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, "false", cmdErr.Name)
}
