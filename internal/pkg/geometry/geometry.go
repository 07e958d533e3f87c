// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

// Package geometry computes the partition layout of the target device.
package geometry

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
)

// Layout constants.
const (
	AlignmentOffset = humanize.MiByte
	ImageOverhead   = 128 * humanize.MiByte
	DefaultBootSize = 512 * humanize.MiByte
	MinFreeSpace    = 1024 * humanize.MiByte

	// gptEntriesSize is the size of the partition entry array mirrored at the end of the disk.
	gptEntriesSize = 128 * 128
)

// ErrInsufficientCapacity is returned when the layout does not fit the device.
var ErrInsufficientCapacity = errors.New("insufficient device capacity")

// Input is what the layout is derived from.
type Input struct {
	// Capacity and ImageSize are in bytes.
	Capacity   uint64
	ImageSize  uint64
	SectorSize uint

	// BootSize and PersistenceSize are in bytes, zero selects the default.
	BootSize        uint64
	PersistenceSize uint64
}

// Extent is a contiguous range of sectors.
type Extent struct {
	Start   uint64
	Sectors uint64
	Size    uint64
}

// End returns the first sector after the extent.
func (e Extent) End() uint64 {
	return e.Start + e.Sectors
}

// Last returns the last sector of the extent.
func (e Extent) Last() uint64 {
	return e.End() - 1
}

// Geometry is the computed device layout, partitions are in on-disk order.
type Geometry struct {
	SectorSize  uint
	StartSector uint64
	Capacity    uint64
	Partitions  [3]Extent
}

// Live is partition #1, the live image copy.
func (g Geometry) Live() Extent { return g.Partitions[0] }

// Boot is partition #2, the ESP.
func (g Geometry) Boot() Extent { return g.Partitions[1] }

// Persistence is partition #3.
func (g Geometry) Persistence() Extent { return g.Partitions[2] }

// Unallocated returns the number of bytes left free between the last partition and the end of the device.
func (g Geometry) Unallocated() uint64 {
	used := g.Persistence().End() * uint64(g.SectorSize)
	if used >= g.Capacity {
		return 0
	}

	return g.Capacity - used
}

// Compute derives the layout.
func Compute(in Input) (Geometry, error) {
	if in.SectorSize < 512 || in.SectorSize > AlignmentOffset || in.SectorSize&(in.SectorSize-1) != 0 {
		return Geometry{}, fmt.Errorf("invalid logical sector size %d", in.SectorSize)
	}

	if in.ImageSize == 0 {
		return Geometry{}, errors.New("image is empty")
	}

	if in.Capacity <= in.ImageSize+MinFreeSpace {
		return Geometry{}, fmt.Errorf("%w: device has %s, image needs %s plus %s of free space",
			ErrInsufficientCapacity, humanize.IBytes(in.Capacity), humanize.IBytes(in.ImageSize), humanize.IBytes(MinFreeSpace))
	}

	sector := uint64(in.SectorSize)

	bootSize := in.BootSize
	if bootSize == 0 {
		bootSize = DefaultBootSize
	}

	totalSectors := in.Capacity / sector
	backupSectors := 1 + divRoundUp(gptEntriesSize, sector)
	usableEnd := totalSectors - backupSectors
	alignment := AlignmentOffset / sector

	g := Geometry{
		SectorSize:  in.SectorSize,
		StartSector: AlignmentOffset / sector,
		Capacity:    in.Capacity,
	}

	// partitioning tools move unaligned starts, so every partition starts on a 1 MiB boundary
	g.Partitions[0] = extent(g.StartSector, in.ImageSize+ImageOverhead, sector, alignment)
	g.Partitions[1] = extent(g.Partitions[0].End(), bootSize, sector, alignment)

	if g.Partitions[1].End() >= usableEnd {
		return Geometry{}, fmt.Errorf("%w: no room left for persistence after live and boot partitions", ErrInsufficientCapacity)
	}

	if in.PersistenceSize != 0 {
		g.Partitions[2] = extent(g.Partitions[1].End(), in.PersistenceSize, sector, 1)

		if g.Partitions[2].End() > usableEnd {
			return Geometry{}, fmt.Errorf("%w: persistence of %s requested, %s available",
				ErrInsufficientCapacity, humanize.IBytes(in.PersistenceSize), humanize.IBytes((usableEnd-g.Partitions[1].End())*sector))
		}
	} else {
		start := g.Partitions[1].End()
		g.Partitions[2] = Extent{Start: start, Sectors: usableEnd - start, Size: (usableEnd - start) * sector}
	}

	var total uint64 = AlignmentOffset

	for _, p := range g.Partitions {
		total += p.Size
	}

	if total > in.Capacity {
		return Geometry{}, fmt.Errorf("%w: layout needs %s, device has %s", ErrInsufficientCapacity, humanize.IBytes(total), humanize.IBytes(in.Capacity))
	}

	return g, nil
}

// extent covers size bytes from start, rounded up to a multiple of granularity sectors.
func extent(start, size, sector, granularity uint64) Extent {
	sectors := divRoundUp(divRoundUp(size, sector), granularity) * granularity

	return Extent{Start: start, Sectors: sectors, Size: sectors * sector}
}

func divRoundUp(a, b uint64) uint64 {
	return (a + b - 1) / b
}
