// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"fmt"
)

// FilesystemTypeVFAT is the filesystem type for VFAT.
const FilesystemTypeVFAT = "vfat"

// VFAT creates a FAT32 filesystem on the specified partition.
func VFAT(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errMissingPartition
	}

	opts := NewDefaultOptions(setters...)

	args := []string{"-F", "32"}

	if opts.Label != "" {
		args = append(args, "-n", opts.Label)
	}

	args = append(args, partname)

	opts.Printf("creating vfat filesystem on %s with args: %v", partname, args)

	if err := run(ctx, opts, "mkfs.fat", args...); err != nil {
		return fmt.Errorf("failed to create vfat filesystem on %s: %w", partname, err)
	}

	return nil
}
