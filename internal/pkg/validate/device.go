// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package validate

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/moby/sys/mountinfo"
	"github.com/siderolabs/go-blockdevice/v2/blkid"
)

// DeviceInfo describes the target device.
type DeviceInfo struct {
	Path       string
	Size       uint64
	SectorSize uint
	Vendor     string
	Model      string
}

// Identity is the vendor and model, as shown to the operator.
func (d DeviceInfo) Identity() string {
	identity := strings.TrimSpace(d.Vendor + " " + d.Model)
	if identity == "" {
		return "unknown device"
	}

	return identity
}

// ProbeFunc returns capacity and logical sector size of a block device.
type ProbeFunc func(device string) (size uint64, sectorSize uint, err error)

// BlkidProbe probes a block device with blkid.
func BlkidProbe(device string) (uint64, uint, error) {
	info, err := blkid.ProbePath(device, blkid.WithSkipLocking(true))
	if err != nil {
		return 0, 0, err
	}

	return info.Size, info.SectorSize, nil
}

// MountsFunc lists the mount table.
type MountsFunc func() ([]*mountinfo.Info, error)

// HostMounts reads the mount table of the current process.
func HostMounts() ([]*mountinfo.Info, error) {
	return mountinfo.GetMounts(nil)
}

// sysfs reads block device attributes.
type sysfs struct {
	root string
}

func (s sysfs) dir(device string) string {
	return filepath.Join(s.root, "class", "block", filepath.Base(device))
}

func (s sysfs) attr(device string, name ...string) string {
	data, err := os.ReadFile(filepath.Join(append([]string{s.dir(device)}, name...)...))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func (s sysfs) exists(device string) bool {
	_, err := os.Stat(s.dir(device))

	return err == nil
}

func (s sysfs) removable(device string) bool {
	return s.attr(device, "removable") == "1"
}

func (s sysfs) isPartition(device string) bool {
	return s.attr(device, "partition") != ""
}

func (s sysfs) usb(device string) bool {
	resolved, err := filepath.EvalSymlinks(s.dir(device))
	if err != nil {
		return false
	}

	return strings.Contains(filepath.ToSlash(resolved), "/usb")
}

var partitionSuffix = regexp.MustCompile(`^p?[0-9]+$`)

// mountedFrom returns the mount points whose source is device or one of its partitions.
func mountedFrom(mounts []*mountinfo.Info, device string) []string {
	var points []string

	for _, m := range mounts {
		if m.Source == device {
			points = append(points, m.Mountpoint)

			continue
		}

		if rest, ok := strings.CutPrefix(m.Source, device); ok && partitionSuffix.MatchString(rest) {
			points = append(points, m.Mountpoint)
		}
	}

	return points
}
