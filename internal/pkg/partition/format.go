// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"fmt"

	"github.com/siderolabs/liveusb/internal/pkg/provision"
	"github.com/siderolabs/liveusb/pkg/makefs"
)

// FormatOptions contains format parameters.
type FormatOptions struct {
	Label          string
	FileSystemType string
	Features       []string
	ReservedBlocks int
	DisableJournal bool
}

// LiveFormatOptions returns the options of partition #1.
func LiveFormatOptions(label string, disableJournal bool) *FormatOptions {
	return &FormatOptions{
		Label:          label,
		FileSystemType: makefs.FilesystemTypeEXT4,
		Features:       []string{makefs.FeatureEncrypt},
		ReservedBlocks: 0,
		DisableJournal: disableJournal,
	}
}

// ESPFormatOptions returns the options of partition #2.
func ESPFormatOptions(label string) *FormatOptions {
	return &FormatOptions{
		Label:          label,
		FileSystemType: makefs.FilesystemTypeVFAT,
		ReservedBlocks: -1,
	}
}

// PersistenceFormatOptions returns the options of the persistence device.
func PersistenceFormatOptions(fs provision.FilesystemType, label string, disableJournal bool) *FormatOptions {
	if fs == provision.FilesystemF2FS {
		return &FormatOptions{
			Label:          label,
			FileSystemType: makefs.FilesystemTypeF2FS,
			Features:       makefs.F2FSPersistenceFeatures,
			ReservedBlocks: -1,
		}
	}

	return LiveFormatOptions(label, disableJournal)
}

// Formatter creates filesystems while holding the device lock.
type Formatter struct {
	opts Options
}

// NewFormatter returns a Formatter.
func NewFormatter(setters ...Option) *Formatter {
	return &Formatter{opts: NewDefaultOptions(setters...)}
}

// Format formats devname using the filesystem type provided.
func (f *Formatter) Format(ctx context.Context, devname string, t *FormatOptions) error {
	f.opts.Printf("formatting %q as %q with label %q", devname, t.FileSystemType, t.Label)

	mkfsOpts := []makefs.Option{
		makefs.WithForce(true),
		makefs.WithLabel(t.Label),
		makefs.WithFeatures(t.Features...),
		makefs.WithReservedBlocks(t.ReservedBlocks),
		makefs.WithRunner(f.opts.Runner),
		makefs.WithPrintf(f.opts.Printf),
	}

	return WithLock(ctx, f.opts.Locker, devname, func() error {
		switch t.FileSystemType {
		case makefs.FilesystemTypeEXT4:
			if err := makefs.Ext4(ctx, devname, mkfsOpts...); err != nil {
				return err
			}

			if t.DisableJournal {
				return makefs.Ext4RemoveJournal(ctx, devname, mkfsOpts...)
			}

			return nil
		case makefs.FilesystemTypeVFAT:
			return makefs.VFAT(ctx, devname, mkfsOpts...)
		case makefs.FilesystemTypeF2FS:
			return makefs.F2FS(ctx, devname, mkfsOpts...)
		default:
			return fmt.Errorf("unsupported filesystem type: %q", t.FileSystemType)
		}
	})
}
