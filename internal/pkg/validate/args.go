// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package validate

import (
	"os"

	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// StatFunc is os.Stat.
type StatFunc func(string) (os.FileInfo, error)

// ClassifyArgs tells the image from the device in the two positional arguments.
//
// The arguments may come in either order: the one which is a block device is the device.
func ClassifyArgs(args []string, stat StatFunc) (image, device string, err error) {
	if stat == nil {
		stat = os.Stat
	}

	if len(args) != 2 {
		return "", "", provision.Invalidf("expected <image> <device>, got %d arguments", len(args))
	}

	blocks := make([]bool, len(args))

	for i, arg := range args {
		st, err := stat(arg)
		if err != nil {
			return "", "", provision.Invalidf("cannot access %q: %v", arg, err)
		}

		blocks[i] = IsBlockDevice(st)
	}

	switch {
	case blocks[0] && !blocks[1]:
		return args[1], args[0], nil
	case blocks[1] && !blocks[0]:
		return args[0], args[1], nil
	case blocks[0] && blocks[1]:
		return "", "", provision.Invalidf("both %q and %q are block devices", args[0], args[1])
	default:
		return "", "", provision.Invalidf("neither %q nor %q is a block device", args[0], args[1])
	}
}

// IsBlockDevice reports whether st describes a block device node.
func IsBlockDevice(st os.FileInfo) bool {
	mode := st.Mode()

	return mode&os.ModeDevice != 0 && mode&os.ModeCharDevice == 0
}
