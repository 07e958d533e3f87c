// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package provision holds the request and error types shared by the provisioning pipeline.
package provision

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// FilesystemType is the filesystem used for the persistence partition.
type FilesystemType string

// Supported persistence filesystems.
const (
	FilesystemExt4 FilesystemType = "ext4"
	FilesystemF2FS FilesystemType = "f2fs"
)

// Label length limits enforced by the mkfs tools.
const (
	MaxFATLabel  = 11
	MaxExt4Label = 16
	MaxF2FSLabel = 512
)

// Labels are the filesystem labels written to the target device.
type Labels struct {
	Root        string
	ESP         string
	Persistence string
}

// Request is the validated provisioning configuration.
//
// Request is passed by value and never modified after Validate succeeds.
type Request struct {
	ImagePath  string
	DevicePath string

	Encrypt        bool
	DisableJournal bool
	Raw            bool
	Filesystem     FilesystemType

	// BootSize and PersistenceSize are in bytes, zero selects the default.
	BootSize        uint64
	PersistenceSize uint64

	Labels     Labels
	MapperName string
	Cipher     string
}

// Validate checks the request fields which do not depend on the host.
func (r Request) Validate() error {
	if r.ImagePath == "" || r.DevicePath == "" {
		return Invalidf("both an image and a device are required")
	}

	if r.Raw {
		return nil
	}

	switch r.Filesystem {
	case FilesystemExt4, FilesystemF2FS:
	default:
		return Invalidf("unsupported persistence filesystem %q", r.Filesystem)
	}

	if err := checkLabel("root", r.Labels.Root, MaxExt4Label); err != nil {
		return err
	}

	if err := checkLabel("ESP", r.Labels.ESP, MaxFATLabel); err != nil {
		return err
	}

	persistenceMax := MaxExt4Label
	if r.Filesystem == FilesystemF2FS {
		persistenceMax = MaxF2FSLabel
	}

	if err := checkLabel("persistence", r.Labels.Persistence, persistenceMax); err != nil {
		return err
	}

	if r.Encrypt {
		if r.MapperName == "" || r.MapperName != filepath.Base(r.MapperName) || strings.ContainsAny(r.MapperName, " /") {
			return Invalidf("invalid mapper name %q", r.MapperName)
		}
	}

	return nil
}

func checkLabel(kind, label string, maxLen int) error {
	switch {
	case label == "":
		return Invalidf("%s label must not be empty", kind)
	case len(label) > maxLen:
		return Invalidf("%s label %q is longer than %d characters", kind, label, maxLen)
	case strings.ContainsAny(label, " \t\n/="):
		return Invalidf("%s label %q contains forbidden characters", kind, label)
	}

	return nil
}

// ParseSize parses a partition size flag.
//
// A bare number is a count of GiB, anything else goes through humanize (e.g. "512MiB").
// Empty input means "not requested" and returns zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, Invalidf("size %q must be a positive number", s)
		}

		bytes := f * humanize.GiByte
		if bytes >= math.MaxUint64 {
			return 0, Invalidf("size %q is too large", s)
		}

		size := uint64(bytes)
		if size == 0 {
			return 0, Invalidf("size %q is smaller than a byte", s)
		}

		return size, nil
	}

	if strings.HasPrefix(s, "-") {
		return 0, Invalidf("size %q must be positive", s)
	}

	size, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, Invalidf("invalid size %q: %v", s, err)
	}

	if size == 0 {
		return 0, Invalidf("size %q must be positive", s)
	}

	return size, nil
}

// String implements fmt.Stringer.
func (r Request) String() string {
	mode := "persistent"
	if r.Raw {
		mode = "raw"
	}

	return fmt.Sprintf("%s -> %s (%s, fs=%s, encrypt=%v, journal=%v)", r.ImagePath, r.DevicePath, mode, r.Filesystem, r.Encrypt, !r.DisableJournal)
}
