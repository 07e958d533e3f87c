// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package partition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/siderolabs/gen/xslices"
	"github.com/siderolabs/go-blockdevice/v2/partitioning"
	"github.com/siderolabs/go-retry/retry"

	"github.com/siderolabs/liveusb/internal/pkg/geometry"
	"github.com/siderolabs/liveusb/internal/pkg/provision"
)

// GPT partition type GUIDs.
const (
	LinuxFilesystem    = "0FC63DAF-8483-4772-8E79-3D69D8477DE4"
	MicrosoftBasicData = "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7"
)

// Partition numbers, roles are positional.
const (
	LiveIndex        = 1
	ESPIndex         = 2
	PersistenceIndex = 3
)

// Layout is the set of partition device nodes produced by the writer.
type Layout struct {
	Live        string
	ESP         string
	Persistence string
}

// Nodes returns the partition device nodes in on-disk order.
func (l Layout) Nodes() []string {
	return []string{l.Live, l.ESP, l.Persistence}
}

// LayoutFor returns the partition device nodes of device.
func LayoutFor(device string) Layout {
	return Layout{
		Live:        partitioning.DevName(device, LiveIndex),
		ESP:         partitioning.DevName(device, ESPIndex),
		Persistence: partitioning.DevName(device, PersistenceIndex),
	}
}

// Writer wipes the target device and writes the three partition GPT.
type Writer struct {
	opts Options
}

// NewWriter returns a partition table writer.
func NewWriter(setters ...Option) *Writer {
	return &Writer{opts: NewDefaultOptions(setters...)}
}

// Write replaces the partition table of device with the layout described by g.
//
// Any failure leaves the device in an indeterminate state.
func (w *Writer) Write(ctx context.Context, device string, g geometry.Geometry, labels provision.Labels) (Layout, error) {
	if err := w.wipe(ctx, device); err != nil {
		return Layout{}, err
	}

	w.opts.Printf("creating GPT on %s", device)

	if err := w.mutate(ctx, device, "sgdisk", "--clear", device); err != nil {
		return Layout{}, fmt.Errorf("failed to create partition table: %w", err)
	}

	parts := []struct {
		extent   geometry.Extent
		typeGUID string
		name     string
	}{
		{g.Live(), LinuxFilesystem, labels.Root},
		{g.Boot(), MicrosoftBasicData, labels.ESP},
		{g.Persistence(), LinuxFilesystem, labels.Persistence},
	}

	for i, p := range parts {
		idx := i + 1

		w.opts.Printf("partitioning %s - %s %q", device, p.name, humanize.IBytes(p.extent.Size))

		if err := w.mutate(ctx, device, "sgdisk",
			fmt.Sprintf("--new=%d:%d:%d", idx, p.extent.Start, p.extent.Last()),
			fmt.Sprintf("--typecode=%d:%s", idx, p.typeGUID),
			fmt.Sprintf("--change-name=%d:%s", idx, p.name),
			device,
		); err != nil {
			return Layout{}, fmt.Errorf("failed to create partition %d: %w", idx, err)
		}
	}

	layout := LayoutFor(device)

	if err := w.waitForNodes(ctx, layout.Nodes()); err != nil {
		return Layout{}, err
	}

	return layout, nil
}

func (w *Writer) wipe(ctx context.Context, device string) error {
	parts, err := ExistingPartitions(w.opts.SysfsRoot, device)
	if err != nil {
		return err
	}

	for _, part := range parts {
		w.opts.Printf("wiping signatures on %s", part)

		if _, err = w.opts.Runner.Run(ctx, "wipefs", "--all", "--force", part); err != nil {
			return fmt.Errorf("failed to wipe %s: %w", part, err)
		}
	}

	w.opts.Printf("wiping signatures on %s", device)

	if err = w.mutate(ctx, device, "wipefs", "--all", "--force", device); err != nil {
		return fmt.Errorf("failed to wipe %s: %w", device, err)
	}

	return nil
}

// mutate runs a partition table mutation under the device lock, then settles and re-probes.
func (w *Writer) mutate(ctx context.Context, device, name string, args ...string) error {
	if err := WithLock(ctx, w.opts.Locker, device, func() error {
		_, err := w.opts.Runner.Run(ctx, name, args...)

		return err
	}); err != nil {
		return err
	}

	return w.settle(ctx, device)
}

func (w *Writer) settle(ctx context.Context, device string) error {
	if w.opts.SettleDelay > 0 {
		timer := time.NewTimer(w.opts.SettleDelay)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	if _, err := w.opts.Runner.Run(ctx, "partprobe", device); err != nil {
		return fmt.Errorf("failed to re-read partition table: %w", err)
	}

	return nil
}

func (w *Writer) waitForNodes(ctx context.Context, nodes []string) error {
	return retry.Constant(w.opts.NodeTimeout, retry.WithUnits(100*time.Millisecond)).RetryWithContext(ctx, func(context.Context) error {
		for _, node := range nodes {
			if _, err := os.Stat(node); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return retry.ExpectedErrorf("partition %s has not appeared yet", node)
				}

				return retry.UnexpectedError(err)
			}
		}

		return nil
	})
}

// ExistingPartitions lists the partition device nodes of device found in sysfs.
func ExistingPartitions(sysfsRoot, device string) ([]string, error) {
	name := filepath.Base(device)
	base := filepath.Join(sysfsRoot, "class", "block", name)

	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to list partitions of %s: %w", device, err)
	}

	type part struct {
		node  string
		index int
	}

	var parts []part

	for _, entry := range entries {
		raw, err := os.ReadFile(filepath.Join(base, entry.Name(), "partition"))
		if err != nil {
			continue
		}

		index, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err != nil {
			continue
		}

		parts = append(parts, part{node: filepath.Join(filepath.Dir(device), entry.Name()), index: index})
	}

	sort.Slice(parts, func(i, j int) bool { return parts[i].index < parts[j].index })

	return xslices.Map(parts, func(p part) string { return p.node }), nil
}
