// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootcfg

import (
	"bytes"
	"fmt"
	"os"
	"strings"
)

// splitLines splits data into lines without their terminators.
func splitLines(data []byte) []string {
	s := strings.ReplaceAll(string(data), "\r\n", "\n")
	s = strings.TrimSuffix(s, "\n")

	if s == "" {
		return nil
	}

	return strings.Split(s, "\n")
}

// cutField splits off the first whitespace separated field.
func cutField(s string) (string, string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}

	return s[:i], s[i+1:]
}

// rewriteFile replaces the contents of path with the result of f, keeping its mode.
func rewriteFile(path string, f func([]byte) ([]byte, error)) error {
	st, err := os.Stat(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	out, err := f(data)
	if err != nil {
		return err
	}

	if bytes.Equal(out, data) {
		return nil
	}

	if err = os.WriteFile(path, out, st.Mode().Perm()); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}
