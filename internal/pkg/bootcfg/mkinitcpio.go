// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package bootcfg

import (
	"errors"
	"slices"
	"strings"
)

// EncryptHook is the mkinitcpio hook unlocking cryptdevice at boot.
const EncryptHook = "encrypt"

var errNoHooks = errors.New("no HOOKS array found")

// AddHook appends hook to the HOOKS array of a mkinitcpio.conf unless it is already listed.
//
// Both HOOKS=(a b) and the legacy HOOKS="a b" forms are understood; the last assignment wins,
// as it does when the file is sourced.
func AddHook(data []byte, hook string) ([]byte, error) {
	lines := splitLines(data)

	idx := -1

	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "HOOKS=") {
			idx = i
		}
	}

	if idx < 0 {
		return nil, errNoHooks
	}

	line := strings.TrimSpace(lines[idx])
	value := strings.TrimPrefix(line, "HOOKS=")

	var open, closing string

	switch {
	case strings.HasPrefix(value, "(") && strings.HasSuffix(value, ")"):
		open, closing = "(", ")"
	case strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`) && len(value) >= 2:
		open, closing = `"`, `"`
	default:
		return nil, errors.New("unsupported HOOKS syntax: " + line)
	}

	hooks := strings.Fields(value[len(open) : len(value)-len(closing)])

	if slices.Contains(hooks, hook) {
		return data, nil
	}

	hooks = append(hooks, hook)
	lines[idx] = "HOOKS=" + open + strings.Join(hooks, " ") + closing

	return []byte(strings.Join(lines, "\n") + "\n"), nil
}

// AddHookFile applies AddHook to the file at path.
func AddHookFile(path, hook string) error {
	return rewriteFile(path, func(data []byte) ([]byte, error) {
		return AddHook(data, hook)
	})
}
