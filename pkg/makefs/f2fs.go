// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package makefs

import (
	"context"
	"fmt"
	"strings"
)

// FilesystemTypeF2FS is the filesystem type for F2FS.
const FilesystemTypeF2FS = "f2fs"

// F2FSPersistenceFeatures are the features required for compressed, encrypted persistence.
var F2FSPersistenceFeatures = []string{"extra_attr", "inode_checksum", "sb_checksum", "compression", FeatureEncrypt}

// F2FS creates a f2fs filesystem on the specified partition.
func F2FS(ctx context.Context, partname string, setters ...Option) error {
	if partname == "" {
		return errMissingPartition
	}

	opts := NewDefaultOptions(setters...)

	var args []string

	if opts.Force {
		args = append(args, "-f")
	}

	if opts.Label != "" {
		args = append(args, "-l", opts.Label)
	}

	if len(opts.Features) > 0 {
		args = append(args, "-O", strings.Join(opts.Features, ","))
	}

	args = append(args, partname)

	opts.Printf("creating f2fs filesystem on %s with args: %v", partname, args)

	if err := run(ctx, opts, "mkfs.f2fs", args...); err != nil {
		return fmt.Errorf("failed to create f2fs filesystem on %s: %w", partname, err)
	}

	return nil
}
