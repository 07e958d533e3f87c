// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// UI asks the operator to confirm the destructive run.
type UI interface {
	Confirm(prompt string) (bool, error)
}

// StreamUI is a UI reading answers line by line.
type StreamUI struct {
	In  io.Reader
	Out io.Writer
}

// Confirm implements UI.
//
// Only "y" and "yes" confirm, end of input is a refusal.
func (u StreamUI) Confirm(prompt string) (bool, error) {
	fmt.Fprintf(u.Out, "%s (yes/no): ", prompt) //nolint:errcheck

	text, err := bufio.NewReader(u.In).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err
	}

	ans := strings.ToLower(strings.TrimSpace(text))

	return ans == "y" || ans == "yes", nil
}
