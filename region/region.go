// Copyright (C) 2022 Sneller, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package region defines the fixed, block-aligned on-disk regions that
// the layout carves out of the NV-cache and base devices:
// superblock, L2P, per-band metadata, per-chunk metadata, P2L checkpoints,
// and the raw data regions. MD objects (package md) bind to a Region to
// persist, restore, and clear it.
package region

import (
	"fmt"

	"github.com/ftl-project/ftl/bdev"
)

// Align is the block alignment every region's offset and length must
// satisfy.
const Align = 32

// Type names a region's role. It doubles as the MirrorType sentinel:
// the empty Type means "no mirror".
type Type string

const (
	Superblock   Type = "sb"
	Layout       Type = "layout"
	L2P          Type = "l2p"
	BandMD       Type = "band_md"
	NVCacheMD    Type = "nvc_md"
	P2LCkpt0     Type = "p2l_0"
	P2LCkpt1     Type = "p2l_1"
	P2LCkpt2     Type = "p2l_2"
	DataNVC      Type = "data_nvc"
	DataBTM      Type = "data_btm"
	NoMirror     Type = ""
)

// Region is a named, block-aligned span on one backing device.
type Region struct {
	Name          string
	Type          Type
	Dev           bdev.Device
	Ch            *bdev.Channel
	OffsetBlocks  uint64
	LengthBlocks  uint64
	Version       uint32
	EntrySize     uint32 // for persist_entry/read_entry; 0 if unused
	VSSBlockSize  uint32 // 0 if the region carries no per-block VSS
	MirrorType    Type   // NoMirror if unmirrored
}

// Blocks returns the region's length in blocks.
func (r *Region) Blocks() uint64 { return r.LengthBlocks }

// HasVSS reports whether this region's I/O carries per-block VSS
// metadata.
func (r *Region) HasVSS() bool { return r.VSSBlockSize > 0 }

// ValidateAlignment checks that r starts and ends on a 32-block boundary.
func ValidateAlignment(r *Region) error {
	if r.OffsetBlocks%Align != 0 {
		return fmt.Errorf("region %q: offset %d not %d-block aligned", r.Name, r.OffsetBlocks, Align)
	}
	if r.LengthBlocks%Align != 0 {
		return fmt.Errorf("region %q: length %d not %d-block aligned", r.Name, r.LengthBlocks, Align)
	}
	return nil
}

// Overlaps reports whether a and b occupy intersecting block ranges on
// the same device. Two regions on different devices never overlap.
func Overlaps(a, b *Region) bool {
	if a.Dev != b.Dev {
		return false
	}
	aEnd := a.OffsetBlocks + a.LengthBlocks
	bEnd := b.OffsetBlocks + b.LengthBlocks
	return a.OffsetBlocks < bEnd && b.OffsetBlocks < aEnd
}

// ValidateNoOverlap checks every pair in regions for intersection on
// the same device.
func ValidateNoOverlap(regions []*Region) error {
	for i := range regions {
		if err := ValidateAlignment(regions[i]); err != nil {
			return err
		}
		for j := i + 1; j < len(regions); j++ {
			if Overlaps(regions[i], regions[j]) {
				return fmt.Errorf("region %q overlaps region %q", regions[i].Name, regions[j].Name)
			}
		}
	}
	return nil
}
