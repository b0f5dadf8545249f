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

package device

import (
	"fmt"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/l2p/cache"
	"github.com/ftl-project/ftl/nvcache"
)

// Write appends data (a whole number of blocks) to the current open
// NV-cache chunk and maps lba..lba+numBlocks to it. Returns ftlerr.Busy when no chunk has enough
// remaining room; the caller is expected to retry after Process runs
// (this mirrors the bdev queue_io_wait flow-control convention used
// throughout this tree rather than blocking here).
func (d *Device) Write(lba uint64, data []byte, cb func(error)) {
	blockSize := uint64(d.cfg.NVC.BlockSize())
	if blockSize == 0 || len(data) == 0 || uint64(len(data))%blockSize != 0 {
		cb(fmt.Errorf("%w: write length %d is not a multiple of the block size", ftlerr.InvalidArgument, len(data)))
		return
	}
	numBlocks := uint64(len(data)) / blockSize
	if lba+numBlocks > d.layout.NumLBAs {
		cb(fmt.Errorf("%w: lba range [%d,%d) exceeds num_lbas %d", ftlerr.InvalidArgument, lba, lba+numBlocks, d.layout.NumLBAs))
		return
	}

	open := d.nvc.OpenChunks()
	if len(open) == 0 {
		cb(ftlerr.Busy)
		return
	}
	ch := open[0]
	if d.nvc.FreeSpace(ch) < numBlocks {
		cb(ftlerr.Busy)
		return
	}
	phys := ch.OffsetBlocks + ch.WritePointer

	d.l2p.Pin(lba, numBlocks, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		vss := make([]byte, int(numBlocks)*bdev.VSSSize)
		nvcache.FillMD(vss, lba, int(numBlocks))
		d.submitPayloadWrite(data, vss, phys, numBlocks, func(err error) {
			if err != nil {
				d.l2p.Unpin(lba, numBlocks)
				cb(err)
				return
			}
			// Map each block to its new address, and with it stamp the
			// owning chunk's tail LBA map, before advancing the write
			// pointer: AdvanceBlocks may close the chunk and flush that
			// map to disk as its very next step, so the map has to be
			// complete first.
			werr := d.installCachedRange(lba, numBlocks, phys)
			d.nvc.AdvanceBlocks(ch, numBlocks, func(err error) {
				d.l2p.Unpin(lba, numBlocks)
				if err != nil {
					cb(err)
					return
				}
				cb(werr)
			})
		})
	})
}

// submitPayloadWrite issues one WriteBlocksWithMD call, resubmitting
// through bdev.QueueIOWait on ErrNoMem exactly like md/entry.go's
// persistEntry does for MD writes.
func (d *Device) submitPayloadWrite(data, vss []byte, phys, numBlocks uint64, cb func(error)) {
	var submit func()
	submit = func() {
		err := d.cfg.NVC.WriteBlocksWithMD(d.nvcCh, data, vss, phys, numBlocks, func(err error) {
			if err != nil {
				cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
				return
			}
			cb(nil)
		})
		if err == nil {
			return
		}
		if err == bdev.ErrNoMem {
			d.cfg.NVC.QueueIOWait(d.nvcCh, &bdev.WaitEntry{Resubmit: submit})
			return
		}
		cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
	}
	submit()
}

// installCachedRange maps each written lba to its new Cached address.
// With the paged backend this goes through UpdateCached's documented
// fixed ordering and chunk-tie-break rule; the flat
// backend has no such hooks, so each lba is simply overwritten with
// the new address (a narrower but correct behavior, since flat never
// models NV-cache compaction races to begin with).
func (d *Device) installCachedRange(lba, numBlocks, phys uint64) error {
	c, isCache := d.l2p.(*cache.Cache)
	for i := uint64(0); i < numBlocks; i++ {
		newAddr := addr.Cached(phys + i)
		if isCache {
			if err := c.UpdateCached(lba+i, newAddr, addr.Invalid); err != nil {
				return err
			}
			continue
		}
		d.nvc.SetAddr(lba+i, newAddr)
		if err := d.l2p.Set(lba+i, newAddr); err != nil {
			return err
		}
	}
	return nil
}

// Compact relocates lba's current block off the NV cache and onto the
// open band, then remaps lba via the paged L2P backend's compaction
// write path (l2p/cache.Cache.Update), which only installs the new
// address if lba still points at the block read here; otherwise the
// background writer already won the race: lba keeps its newer mapping,
// the stale cached block is still counted as compacted, and the band
// block written here is still consumed. Returns ftlerr.Busy when no band has room, same flow-control
// convention as Write. Only meaningful with the cached L2P backend:
// the flat backend has no NV cache/band split to compact between.
func (d *Device) Compact(lba uint64, cb func(error)) {
	c, ok := d.l2p.(*cache.Cache)
	if !ok {
		cb(fmt.Errorf("%w: compaction requires the cached l2p backend", ftlerr.InvalidArgument))
		return
	}
	if d.bands.OpenBandCount() == 0 {
		cb(ftlerr.Busy)
		return
	}
	b := d.bands.OpenBand(0)
	if d.bands.FreeSpace(b) == 0 {
		cb(ftlerr.Busy)
		return
	}

	d.l2p.Pin(lba, 1, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		weakAddr, err := d.l2p.Get(lba)
		if err != nil {
			d.l2p.Unpin(lba, 1)
			cb(err)
			return
		}
		if !weakAddr.IsCached() {
			// already relocated, invalidated, or never written: nothing
			// to compact.
			d.l2p.Unpin(lba, 1)
			cb(nil)
			return
		}
		buf := make([]byte, d.cfg.NVC.BlockSize())
		err = d.cfg.NVC.ReadBlocks(d.nvcCh, buf, weakAddr.Offset(), 1, func(err error) {
			if err != nil {
				d.l2p.Unpin(lba, 1)
				cb(fmt.Errorf("%w: compact read: %v", ftlerr.IoError, err))
				return
			}
			phys := b.OffsetBlocks + b.WritePointer
			err := d.cfg.BTM.WriteBlocks(d.btmCh, buf, phys, 1, func(err error) {
				if err != nil {
					d.l2p.Unpin(lba, 1)
					cb(fmt.Errorf("%w: compact write: %v", ftlerr.IoError, err))
					return
				}
				// Update's BandSetAddr call must land before AdvanceBlocks
				// can close the band, same ordering requirement as
				// installCachedRange/AdvanceBlocks above.
				uerr := c.Update(lba, addr.Flash(phys), weakAddr)
				d.bands.AdvanceBlocks(b, 1, func(err error) {
					d.l2p.Unpin(lba, 1)
					if err != nil {
						cb(err)
						return
					}
					cb(uerr)
				})
			})
			if err != nil {
				d.l2p.Unpin(lba, 1)
				cb(fmt.Errorf("%w: compact write: %v", ftlerr.IoError, err))
			}
		})
		if err != nil {
			d.l2p.Unpin(lba, 1)
			cb(fmt.Errorf("%w: compact read: %v", ftlerr.IoError, err))
		}
	})
}

// Read looks up lba's current address and copies its block into buf,
// from the NV cache for a Cached address or from the base device for
// a Flash one. buf must be exactly one block.
func (d *Device) Read(lba uint64, buf []byte, cb func(error)) {
	blockSize := uint64(d.cfg.NVC.BlockSize())
	if uint64(len(buf)) != blockSize {
		cb(fmt.Errorf("%w: read buffer length %d != block size %d", ftlerr.InvalidArgument, len(buf), blockSize))
		return
	}
	if lba >= d.layout.NumLBAs {
		cb(fmt.Errorf("%w: lba %d out of range", ftlerr.InvalidArgument, lba))
		return
	}

	d.l2p.Pin(lba, 1, func(err error) {
		if err != nil {
			cb(err)
			return
		}
		a, err := d.l2p.Get(lba)
		if err != nil {
			d.l2p.Unpin(lba, 1)
			cb(err)
			return
		}
		if a.IsInvalid() {
			d.l2p.Unpin(lba, 1)
			for i := range buf {
				buf[i] = 0
			}
			cb(nil)
			return
		}
		dev, ch, off := d.cfg.NVC, d.nvcCh, a.Offset()
		if !a.IsCached() {
			dev, ch = d.cfg.BTM, d.btmCh
		}
		err = dev.ReadBlocks(ch, buf, off, 1, func(err error) {
			d.l2p.Unpin(lba, 1)
			if err != nil {
				cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
				return
			}
			cb(nil)
		})
		if err != nil {
			d.l2p.Unpin(lba, 1)
			cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
		}
	})
}
