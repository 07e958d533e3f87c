// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package encryption

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// ErrPassphraseMismatch is returned when the confirmation differs from the passphrase.
var ErrPassphraseMismatch = errors.New("passphrases do not match")

// ErrEmptyPassphrase is returned for an empty passphrase.
var ErrEmptyPassphrase = errors.New("passphrase must not be empty")

// PassphraseReader prompts for a passphrase.
type PassphraseReader func(prompt string) ([]byte, error)

// TerminalPassphrase reads passphrases from the terminal without echo.
func TerminalPassphrase(in *os.File, out io.Writer) PassphraseReader {
	return func(prompt string) ([]byte, error) {
		fmt.Fprint(out, prompt) //nolint:errcheck

		passphrase, err := term.ReadPassword(int(in.Fd()))

		fmt.Fprintln(out) //nolint:errcheck

		if err != nil {
			return nil, fmt.Errorf("failed to read passphrase: %w", err)
		}

		return passphrase, nil
	}
}

func readPassphrase(read PassphraseReader, prompt string) ([]byte, error) {
	passphrase, err := read(prompt)
	if err != nil {
		return nil, err
	}

	if len(passphrase) == 0 {
		return nil, ErrEmptyPassphrase
	}

	return passphrase, nil
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
