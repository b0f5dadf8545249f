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

// Package layout carves the NV-cache and base devices into the named,
// block-aligned regions the rest of the FTL core binds MD objects to.
// Setup() computes region geometry once, at format time; Open()
// recomputes it and cross-checks num_lbas against whatever a prior
// format persisted.
package layout

import (
	"fmt"

	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/region"
)

// L2PGeometry is the address-width math derived from device capacity:
// addr_length = ceil(log2(btm+nvc)) + 1.
type L2PGeometry struct {
	AddrLength  uint32 // bits needed to represent any physical address, +1 for the cached flag
	AddrSize    uint32 // 4 or 8 bytes per L2P entry
	LBAsInPage  uint32 // addr_size-sized entries per NV-cache device block
}

// Config names the two backing devices and the tunables that shape
// region sizing; it plays the role db.GCConfig plays for garbage
// collection: a small, mostly-zero-value-safe struct of knobs plus an
// optional logging hook.
type Config struct {
	NVC bdev.Device
	BTM bdev.Device

	// LBAReservePercent reserves this percentage of base-device
	// capacity from the logical address space: num_lbas =
	// floor(btm.total_blocks * (100-lba_rsvd) / 100).
	LBAReservePercent uint64

	// ChunkBlocks is the NVC chunk size used to size nvc_md entries;
	// 0 lets Setup pick a default.
	ChunkBlocks uint64

	// Mirror, if true, allocates a mirror slot immediately following
	// every mirrorable region (band_md, nvc_md, l2p).
	Mirror bool

	// Logf, if non-nil, receives human-readable notices about the
	// computed geometry: one line of device capacities and one of
	// num_lbas, addr_size and lbas_in_page.
	Logf func(f string, args ...interface{})
}

func (c *Config) logf(f string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(f, args...)
	}
}

// Layout is the full set of regions computed for one device pair, plus
// the derived L2P and LBA geometry needed by every other component.
type Layout struct {
	NumLBAs uint64
	L2P     L2PGeometry

	// NumBands, BlocksPerBand, NumChunks and ChunkBlocks are the band
	// and NV-cache chunk geometry Setup derived; package device binds
	// band.New and nvcache.New to these exact values so a restored
	// device's geometry always matches what Format originally computed.
	NumBands      uint64
	BlocksPerBand uint64
	NumChunks     uint64
	ChunkBlocks   uint64

	Superblock *region.Region
	LayoutMD   *region.Region
	L2PRegion  *region.Region
	BandMD     *region.Region
	NVCacheMD  *region.Region
	P2LCkpt    [3]*region.Region
	DataNVC    *region.Region
	DataBTM    *region.Region

	byName map[string]*region.Region
}

const defaultChunkBlocks = 4096

// blocksForBytes rounds bytes up to region.Align-block granularity and
// returns the block count.
func blocksForBytes(dev bdev.Device, bytes uint64) uint64 {
	blockSize := uint64(dev.BlockSize())
	blocks := (bytes + blockSize - 1) / blockSize
	return alignUp(blocks)
}

func alignUp(blocks uint64) uint64 {
	rem := blocks % region.Align
	if rem == 0 {
		return blocks
	}
	return blocks + (region.Align - rem)
}

func addrLengthBits(totalBlocks uint64) uint32 {
	var bits uint32
	for (uint64(1) << bits) < totalBlocks {
		bits++
	}
	return bits + 1
}

func computeL2PGeometry(nvcBlocks, btmBlocks uint64, blockSize uint32) L2PGeometry {
	addrLength := addrLengthBits(nvcBlocks + btmBlocks)
	addrSize := uint32(4)
	if addrLength > 32 {
		addrSize = 8
	}
	return L2PGeometry{
		AddrLength: addrLength,
		AddrSize:   addrSize,
		LBAsInPage: blockSize / addrSize,
	}
}

func numLBAs(btmBlocks, rsvdPercent uint64) uint64 {
	return btmBlocks * (100 - rsvdPercent) / 100
}

// Setup computes a fresh layout for a newly formatted device pair.
func Setup(c *Config) (*Layout, error) {
	if c.NVC == nil || c.BTM == nil {
		return nil, fmt.Errorf("layout: both nvc and btm devices are required")
	}
	nvcBlocks := c.NVC.NumBlocks()
	btmBlocks := c.BTM.NumBlocks()
	chunkBlocks := c.ChunkBlocks
	if chunkBlocks == 0 {
		chunkBlocks = defaultChunkBlocks
	}

	l := &Layout{
		NumLBAs: numLBAs(btmBlocks, c.LBAReservePercent),
		L2P:     computeL2PGeometry(nvcBlocks, btmBlocks, c.NVC.BlockSize()),
		byName:  make(map[string]*region.Region),
	}

	nvcOff := uint64(0)
	addMeta := func(dst **region.Region, name string, typ region.Type, dev bdev.Device, bytes uint64, entrySize uint32, vssBlockSize uint32, mirrorable bool) error {
		blocks := blocksForBytes(dev, bytes)
		r := &region.Region{
			Name:         name,
			Type:         typ,
			Dev:          dev,
			Ch:           dev.OpenChannel(),
			OffsetBlocks: nvcOff,
			LengthBlocks: blocks,
			Version:      0,
			EntrySize:    entrySize,
			VSSBlockSize: vssBlockSize,
		}
		nvcOff += blocks
		if nvcOff > nvcBlocks {
			return fmt.Errorf("layout: insufficient nv cache capacity to preserve metadata (need %d blocks past %d, have %d)", blocks, r.OffsetBlocks, nvcBlocks)
		}
		*dst = r
		l.byName[name] = r
		if mirrorable && c.Mirror {
			m := &region.Region{
				Name:         name + "_mirror",
				Type:         typ,
				Dev:          dev,
				Ch:           dev.OpenChannel(),
				OffsetBlocks: nvcOff,
				LengthBlocks: blocks,
				Version:      0,
				EntrySize:    entrySize,
				VSSBlockSize: vssBlockSize,
			}
			nvcOff += blocks
			if nvcOff > nvcBlocks {
				return fmt.Errorf("layout: insufficient nv cache capacity for mirror of %q", name)
			}
			l.byName[m.Name] = m
			r.MirrorType = typ
		}
		return nil
	}

	sbBytes := uint64(region.Align) * uint64(c.NVC.BlockSize())
	if err := addMeta(&l.Superblock, "superblock", region.Superblock, c.NVC, sbBytes, 0, 0, false); err != nil {
		return nil, err
	}
	if err := addMeta(&l.LayoutMD, "layout", region.Layout, c.NVC, sbBytes, 0, 0, false); err != nil {
		return nil, err
	}
	l2pBytes := l.NumLBAs * uint64(l.L2P.AddrSize)
	// EntrySize is sized so EntrySize*blockSize == 4096 (one L1 page),
	// the unit l2p/cache.Cache's PersistEntry/ReadEntry address pages
	// in; l2p/flat never looks at EntrySize, so this is harmless for
	// that backend.
	l2pEntryBlocks := uint32((4096 + uint64(c.NVC.BlockSize()) - 1) / uint64(c.NVC.BlockSize()))
	if err := addMeta(&l.L2PRegion, "l2p", region.L2P, c.NVC, l2pBytes, l2pEntryBlocks, 0, true); err != nil {
		return nil, err
	}
	numBands, blocksPerBand := numBandsFor(c.BTM)
	l.NumBands = numBands
	l.BlocksPerBand = blocksPerBand
	bandMDBytes := numBands * uint64(c.NVC.BlockSize())
	// EntrySize is in blocks (one block per band's md record), not bytes.
	if err := addMeta(&l.BandMD, "band_md", region.BandMD, c.NVC, bandMDBytes, 1, 0, true); err != nil {
		return nil, err
	}
	// One checkpoint slot holds one band's full P2L map: an 8-byte seq-id
	// header plus a 16-byte (LBA, seq id) entry per band block.
	p2lBytes := 8 + blocksPerBand*16
	p2lTypes := [3]region.Type{region.P2LCkpt0, region.P2LCkpt1, region.P2LCkpt2}
	for i, typ := range p2lTypes {
		name := fmt.Sprintf("p2l_ckpt_%d", i)
		if err := addMeta(&l.P2LCkpt[i], name, typ, c.NVC, p2lBytes, 0, 0, false); err != nil {
			return nil, err
		}
	}

	// numChunks is sized against whatever NV-cache capacity remains
	// after every other metadata region above, not the raw device size:
	// chunk data and nvc_md both live on the NVC device, so sizing
	// numChunks off the full device would let data_nvc's chunk span run
	// past the device once the other regions' blocks are accounted for.
	// nvc_md's own footprint is one block per chunk, rounded up to
	// region.Align blocks, negligible
	// next to chunkBlocks, but the loop below still backs numChunks off
	// exactly rather than assuming that.
	remaining := nvcBlocks - nvcOff
	numChunks := remaining / chunkBlocks
	if numChunks == 0 {
		numChunks = 1
	}
	for {
		nvcMDBytes := numChunks * uint64(c.NVC.BlockSize())
		nvcMDBlocks := blocksForBytes(c.NVC, nvcMDBytes)
		if c.Mirror {
			nvcMDBlocks *= 2
		}
		if nvcMDBlocks+numChunks*chunkBlocks <= remaining || numChunks <= 1 {
			break
		}
		numChunks--
	}
	l.NumChunks = numChunks
	l.ChunkBlocks = chunkBlocks
	nvcMDBytes := numChunks * uint64(c.NVC.BlockSize())
	if err := addMeta(&l.NVCacheMD, "nvc_md", region.NVCacheMD, c.NVC, nvcMDBytes, 1, 0, true); err != nil {
		return nil, err
	}

	// data_nvc spans whatever remains on the cache device after the
	// metadata regions above.
	l.DataNVC = &region.Region{
		Name:         "data_nvc",
		Type:         region.DataNVC,
		Dev:          c.NVC,
		Ch:           c.NVC.OpenChannel(),
		OffsetBlocks: nvcOff,
		LengthBlocks: nvcBlocks - nvcOff,
		VSSBlockSize: uint32(bdev.VSSSize),
	}
	l.byName[l.DataNVC.Name] = l.DataNVC

	// data_btm spans the entire base device.
	l.DataBTM = &region.Region{
		Name:         "data_btm",
		Type:         region.DataBTM,
		Dev:          c.BTM,
		Ch:           c.BTM.OpenChannel(),
		OffsetBlocks: 0,
		LengthBlocks: btmBlocks,
	}
	l.byName[l.DataBTM.Name] = l.DataBTM

	if err := region.ValidateNoOverlap(l.allRegions()); err != nil {
		return nil, err
	}

	c.logf("layout: nv cache capacity %d blocks, base capacity %d blocks", nvcBlocks, btmBlocks)
	c.logf("layout: num_lbas=%d addr_size=%d lbas_in_page=%d", l.NumLBAs, l.L2P.AddrSize, l.L2P.LBAsInPage)
	return l, nil
}

// Open recomputes the layout for an existing device pair and checks
// the derived num_lbas against persistedNumLBAs.
func Open(c *Config, persistedNumLBAs uint64) (*Layout, error) {
	l, err := Setup(c)
	if err != nil {
		return nil, err
	}
	if l.NumLBAs != persistedNumLBAs {
		return nil, fmt.Errorf("layout: mismatched num_lbas: computed %d, persisted %d", l.NumLBAs, persistedNumLBAs)
	}
	return l, nil
}

// numBandsFor returns both the band count and each band's block span
// (zoneSize * the number of zones a band groups together), so callers
// that build a band.Manager can reproduce the exact geometry Setup used
// without re-deriving it from device properties a second time.
func numBandsFor(btm bdev.Device) (bands, blocksPerBand uint64) {
	zoneSize := btm.ZoneSize()
	if zoneSize == 0 {
		zoneSize = btm.NumBlocks()
	}
	punits := uint64(btm.OptimalOpenZones())
	if punits == 0 {
		punits = 1
	}
	numZones := btm.NumBlocks() / zoneSize
	bands = numZones / punits
	if bands == 0 {
		bands = 1
	}
	blocksPerBand = btm.NumBlocks() / bands
	return bands, blocksPerBand
}

func (l *Layout) allRegions() []*region.Region {
	regions := make([]*region.Region, 0, len(l.byName))
	for _, r := range l.byName {
		regions = append(regions, r)
	}
	return regions
}

// Region looks up a region by name (including "<name>_mirror" slots),
// the way the band and recovery packages address layout output without
// needing every field spelled out on Layout itself.
func (l *Layout) Region(name string) (*region.Region, bool) {
	r, ok := l.byName[name]
	return r, ok
}
