// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

const (
	// FilesystemTypeEXT4 is the filesystem type for EXT4.
	FilesystemTypeEXT4 = "ext4"

	// FeatureEncrypt enables fscrypt metadata support.
	FeatureEncrypt = "encrypt"
)

// Ext4 creates a ext4 filesystem on the specified partition.
func Ext4(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errMissingPartition
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Force {
		args = append(args, "-F")
	}

	if opts.Label != "" {
		args = append(args, "-L", opts.Label)
	}

	if len(opts.Features) > 0 {
		args = append(args, "-O", strings.Join(opts.Features, ","))
	}

	if opts.ReservedBlocks >= 0 {
		args = append(args, "-m", strconv.Itoa(opts.ReservedBlocks))
	}

	args = append(args, partname)

	opts.Printf("creating ext4 filesystem on %s with args: %v", partname, args)

	if err := run(ctx, opts, "mkfs.ext4", args...); err != nil {
		return fmt.Errorf("failed to create ext4 filesystem on %s: %w", partname, err)
	}

	return nil
}

// Ext4RemoveJournal drops the journal from an existing ext4 filesystem.
func Ext4RemoveJournal(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errMissingPartition
	}

	opts := NewDefaultOptions(setters...)

	opts.Printf("removing journal from %s", partname)

	if err := run(ctx, opts, "tune2fs", "-O", "^has_journal", partname); err != nil {
		return fmt.Errorf("failed to remove journal from %s: %w", partname, err)
	}

	return nil
}
