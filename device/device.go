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

// Package device wires layout, md, band, nvcache and the two l2p
// backends into the top-level FTL engine: Format lays a fresh device pair out and persists a clean
// superblock; Open restores an existing one, replaying P2L into the
// L2P map when the prior shutdown wasn't clean; Write and Read (in
// io.go) are the data-plane entry points every other package exists
// to serve.
package device

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/band"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/core"
	"github.com/ftl-project/ftl/l2p/cache"
	"github.com/ftl-project/ftl/l2p/flat"
	"github.com/ftl-project/ftl/layout"
	"github.com/ftl-project/ftl/md"
	"github.com/ftl-project/ftl/nvcache"
	"github.com/ftl-project/ftl/recovery"
	"github.com/ftl-project/ftl/region"
)

// zeroPattern clears band_md/nvc_md/p2l_ckpt regions to all-zero
// records: every State enum in this tree treats zero as Free/unwritten,
// so a single zero byte (Clear repeats it to fill each transfer) is
// the correct "nothing here yet" record for all three.
var zeroPattern = []byte{0}

// L2P is the address-map backend a Device wires in: either l2p/flat's
// monolithic array or l2p/cache's paged, LRU-evicted array. Both
// satisfy it unmodified.
type L2P interface {
	Get(lba uint64) (addr.Addr, error)
	Set(lba uint64, a addr.Addr) error
	Pin(lba, count uint64, cb func(error))
	Unpin(lba, count uint64)
	Clear(cb md.CompletionFunc)
	Persist(cb md.CompletionFunc)
	Halt()
	IsHalted() bool
}

// Config names the two backing devices and every Format/Open tunable.
type Config struct {
	NVC bdev.Device
	BTM bdev.Device

	LBAReservePercent uint64
	ChunkBlocks       uint64
	Mirror            bool

	// UseCachedL2P selects the paged l2p/cache backend instead of the
	// default monolithic l2p/flat backend.
	UseCachedL2P bool

	// DRAMLimitBytes bounds l2p/cache's resident page pool; 0 defaults
	// to a quarter of core.DRAMTotal, or 16MiB if that can't be read.
	DRAMLimitBytes uint64

	// RecoveryMemLimitBytes bounds recovery's per-iteration working set
	//; 0 defaults to a sixteenth of core.DRAMTotal, or 1MiB.
	RecoveryMemLimitBytes uint64

	// Thread is the core thread the device's state belongs to; nil
	// creates a private one (id 0).
	Thread *core.Thread

	Logf func(f string, args ...interface{})
}

func (c *Config) logf(f string, args ...interface{}) {
	if c.Logf != nil {
		c.Logf(f, args...)
	}
}

func (c *Config) layoutConfig() *layout.Config {
	return &layout.Config{
		NVC:               c.NVC,
		BTM:               c.BTM,
		LBAReservePercent: c.LBAReservePercent,
		ChunkBlocks:       c.ChunkBlocks,
		Mirror:            c.Mirror,
		Logf:              c.Logf,
	}
}

func (c *Config) dramLimit() uint64 {
	if c.DRAMLimitBytes > 0 {
		return c.DRAMLimitBytes
	}
	if total := core.DRAMTotal(); total > 0 {
		return uint64(total) / 4
	}
	return 16 << 20
}

func (c *Config) recoveryMemLimit() uint64 {
	if c.RecoveryMemLimitBytes > 0 {
		return c.RecoveryMemLimitBytes
	}
	if total := core.DRAMTotal(); total > 0 {
		return uint64(total) / 16
	}
	return 1 << 20
}

// Device is the top-level FTL engine: one core thread owns the L2P
// map, the NV cache, the band array, and every MD object bound to
// them.
type Device struct {
	cfg    *Config
	thread *core.Thread
	layout *layout.Layout
	codec  addr.Codec
	uuid   string

	sb        *md.Object
	nextSeqID uint64

	bandMDObj *md.Object
	ckptObjs  [band.NumP2LCkpt]*md.Object
	nvcMDObj  *md.Object

	bands *band.Manager
	nvc   *nvcache.Cache
	l2p   L2P

	nvcCh *bdev.Channel
	btmCh *bdev.Channel

	halted bool
}

// Thread returns the core thread that owns this device's state.
func (d *Device) Thread() *core.Thread { return d.thread }

// NumLBAs is the device's logical address-space size.
func (d *Device) NumLBAs() uint64 { return d.layout.NumLBAs }

// UUID is the device's persisted identity, stamped fresh at Format
// time and carried unchanged across every subsequent Open.
func (d *Device) UUID() string { return d.uuid }

func newDevice(cfg *Config, lay *layout.Layout) *Device {
	th := cfg.Thread
	if th == nil {
		th = core.NewThread(0)
	}
	return &Device{
		cfg:    cfg,
		thread: th,
		layout: lay,
		codec:  addr.NewCodec(cfg.BTM.NumBlocks(), cfg.NVC.NumBlocks()),
		nvcCh:  cfg.NVC.OpenChannel(),
		btmCh:  cfg.BTM.OpenChannel(),
	}
}

// runSeq runs each step in order, short-circuiting on the first error,
// the same sequential step-closure chaining every other package in
// this tree uses for multi-stage async work.
func runSeq(steps []func(func(error)), cb func(error)) {
	var run func(i int)
	run = func(i int) {
		if i == len(steps) {
			cb(nil)
			return
		}
		steps[i](func(err error) {
			if err != nil {
				cb(err)
				return
			}
			run(i + 1)
		})
	}
	run(0)
}

// bindObject allocates a heap-backed md.Object over r and attaches its
// mirror region, if configured and present under "<r.Name>_mirror".
func (d *Device) bindObject(r *region.Region, name string) (*md.Object, error) {
	return d.bindObjectFlags(r, name, md.FlagHeap)
}

// bindCachePagedL2P binds a no-buffer md.Object to the L2P region:
// l2p/cache never touches Object.Data(), only PersistEntry/ReadEntry
// with caller-supplied page buffers, so a resident buffer
// the size of the whole map would be wasted memory defeating the point
// of the paged backend.
func (d *Device) bindCachePagedL2P(r *region.Region) (*md.Object, error) {
	return d.bindObjectFlags(r, "l2p", md.FlagNoMem)
}

func (d *Device) bindObjectFlags(r *region.Region, name string, flags md.Flags) (*md.Object, error) {
	obj, err := md.New(r.Dev, r.LengthBlocks, r.VSSBlockSize, name, d.uuid, flags, d.thread)
	if err != nil {
		return nil, err
	}
	if err := obj.SetRegion(r); err != nil {
		return nil, err
	}
	if d.cfg.Mirror {
		if mr, ok := d.layout.Region(r.Name + "_mirror"); ok {
			obj.SetMirror(mr)
		}
	}
	return obj, nil
}

func (d *Device) bindCommonRegions() error {
	var err error
	if d.bandMDObj, err = d.bindObject(d.layout.BandMD, "band_md"); err != nil {
		return err
	}
	if d.nvcMDObj, err = d.bindObject(d.layout.NVCacheMD, "nvc_md"); err != nil {
		return err
	}
	for i, r := range d.layout.P2LCkpt {
		obj, err := d.bindObject(r, fmt.Sprintf("p2l_ckpt_%d", i))
		if err != nil {
			return err
		}
		d.ckptObjs[i] = obj
	}
	return nil
}

func (d *Device) buildRuntime() {
	d.bands = band.New(d.cfg.BTM, d.layout.NumBands, d.layout.BlocksPerBand, int(d.layout.L2P.AddrSize), d.bandMDObj, d.ckptObjs)
	d.nvc = nvcache.New(d.cfg.NVC, d.layout.DataNVC.OffsetBlocks, d.layout.ChunkBlocks, d.layout.NumChunks, int(d.layout.L2P.AddrSize), d.nvcMDObj)
}

// buildL2P constructs the configured L2P backend over l2pObj, which
// must already hold (in memory, for flat, or durably on disk, for
// cache) the map's correct current contents.
func (d *Device) buildL2P(l2pObj *md.Object) (L2P, error) {
	if !d.cfg.UseCachedL2P {
		return flat.New(d.codec, d.layout.NumLBAs, l2pObj, nil)
	}
	c := cache.New(d.codec, d.layout.NumLBAs, l2pObj, d.cfg.dramLimit())
	d.wireCacheHooks(c)
	return c, nil
}

// wireCacheHooks connects l2p/cache's NVC/band update hooks to this
// device's runtime state.
func (d *Device) wireCacheHooks(c *cache.Cache) {
	c.NVCacheSetAddr = d.nvc.SetAddr
	c.BandSetAddr = d.bands.SetAddr
	c.Invalidate = func(a addr.Addr) {
		if a.IsCached() {
			if ch, err := d.nvc.GetChunkFromAddr(a.Offset()); err == nil {
				ch.BlocksCompacted++
			}
		}
	}
	c.SameChunk = func(a, b addr.Addr) bool {
		if !a.IsCached() || !b.IsCached() {
			return false
		}
		ca, errA := d.nvc.GetChunkFromAddr(a.Offset())
		chb, errB := d.nvc.GetChunkFromAddr(b.Offset())
		return errA == nil && errB == nil && ca.Index == chb.Index
	}
}

// Format lays out a fresh device pair, zeroes every metadata region,
// stamps a brand-new UUID, and persists a clean superblock.
func Format(cfg *Config, cb func(*Device, error)) {
	lay, err := layout.Setup(cfg.layoutConfig())
	if err != nil {
		cb(nil, err)
		return
	}
	d := newDevice(cfg, lay)
	d.uuid = uuid.New().String()
	d.nextSeqID = 1

	sbObj, err := md.New(lay.Superblock.Dev, lay.Superblock.LengthBlocks, lay.Superblock.VSSBlockSize, "superblock", d.uuid, md.FlagHeap, d.thread)
	if err != nil {
		cb(nil, err)
		return
	}
	if err := sbObj.SetRegion(lay.Superblock); err != nil {
		cb(nil, err)
		return
	}
	d.sb = sbObj

	if err := d.bindCommonRegions(); err != nil {
		cb(nil, err)
		return
	}
	d.buildRuntime()

	var l2pObj *md.Object
	if cfg.UseCachedL2P {
		l2pObj, err = d.bindCachePagedL2P(lay.L2PRegion)
	} else {
		l2pObj, err = d.bindObject(lay.L2PRegion, "l2p")
	}
	if err != nil {
		cb(nil, err)
		return
	}
	l2pBackend, err := d.buildL2P(l2pObj)
	if err != nil {
		cb(nil, err)
		return
	}
	d.l2p = l2pBackend

	steps := []func(func(error)){
		func(done func(error)) { d.bandMDObj.Clear(zeroPattern, nil, done) },
		func(done func(error)) { d.nvcMDObj.Clear(zeroPattern, nil, done) },
		func(done func(error)) {
			var ckptDone func(i int)
			ckptDone = func(i int) {
				if i == len(d.ckptObjs) {
					done(nil)
					return
				}
				d.ckptObjs[i].Clear(zeroPattern, nil, func(err error) {
					if err != nil {
						done(err)
						return
					}
					ckptDone(i + 1)
				})
			}
			ckptDone(0)
		},
		func(done func(error)) { d.l2p.Clear(done) },
		func(done func(error)) {
			copy(sbObj.Data(), marshalSuperblock(true, lay.NumLBAs, d.nextSeqID, 1, d.uuid))
			sbObj.Persist(done)
		},
	}
	runSeq(steps, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		cfg.logf("device: formatted uuid=%s num_lbas=%d num_bands=%d num_chunks=%d", d.uuid, lay.NumLBAs, lay.NumBands, lay.NumChunks)
		cb(d, nil)
	})
}

// Open restores an existing device pair, replaying P2L into the L2P
// map when the prior shutdown left the superblock unclean.
func Open(cfg *Config, cb func(*Device, error)) {
	lay, err := layout.Setup(cfg.layoutConfig())
	if err != nil {
		cb(nil, err)
		return
	}
	d := newDevice(cfg, lay)

	sbObj, err := md.New(lay.Superblock.Dev, lay.Superblock.LengthBlocks, lay.Superblock.VSSBlockSize, "superblock", "", md.FlagHeap, d.thread)
	if err != nil {
		cb(nil, err)
		return
	}
	if err := sbObj.SetRegion(lay.Superblock); err != nil {
		cb(nil, err)
		return
	}
	d.sb = sbObj

	sbObj.Restore(true, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		sb := unmarshalSuperblock(sbObj.Data())
		if lay.NumLBAs != sb.numLBAs {
			cb(nil, fmt.Errorf("device: mismatched num_lbas: computed %d, persisted %d", lay.NumLBAs, sb.numLBAs))
			return
		}
		d.uuid = sb.uuid
		d.nextSeqID = sb.nextSeqID
		d.openAfterSuperblock(lay, sb, cb)
	})
}

func (d *Device) openAfterSuperblock(lay *layout.Layout, sb superblock, cb func(*Device, error)) {
	if err := d.bindCommonRegions(); err != nil {
		cb(nil, err)
		return
	}
	d.buildRuntime()

	steps := []func(func(error)){
		func(done func(error)) { d.bands.RestoreBandState(sb.clean, done) },
		func(done func(error)) { d.bands.RestoreCheckpoints(sb.clean, done) },
		func(done func(error)) {
			d.bands.RestoreOpenBandsP2L()
			done(nil)
		},
		func(done func(error)) { d.bands.RestoreClosedBandTailMD(done) },
		func(done func(error)) { d.nvc.RestoreChunkState(sb.clean, done) },
		func(done func(error)) { d.nvc.RestoreClosedChunkTailMD(done) },
	}
	runSeq(steps, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		d.recoverAndBuildL2P(lay, sb, cb)
	})
}

// recoverAndBuildL2P always restores the l2p region into a throwaway,
// fully-resident md.Object first: recovery.Manager only knows how to
// merge P2L into a monolithic buffer, while l2p/cache pages
// entries on demand and never wants a whole-region restore. Running
// recovery here, against that one buffer, and persisting it back to
// disk before either backend is constructed lets both backends share
// the exact same recovery path without either needing to know about
// the other.
func (d *Device) recoverAndBuildL2P(lay *layout.Layout, sb superblock, cb func(*Device, error)) {
	l2pObj, err := d.bindObject(lay.L2PRegion, "l2p")
	if err != nil {
		cb(nil, err)
		return
	}
	l2pObj.Restore(sb.clean, func(err error) {
		if err != nil {
			cb(nil, err)
			return
		}
		finish := func() {
			backend, err := d.finalizeL2P(lay, l2pObj)
			if err != nil {
				cb(nil, err)
				return
			}
			d.l2p = backend
			d.logf("device: opened uuid=%s num_lbas=%d clean=%v", d.uuid, lay.NumLBAs, sb.clean)
			cb(d, nil)
		}
		if sb.clean {
			finish()
			return
		}
		rec := recovery.New(l2pObj, d.codec, lay.NumLBAs, d.cfg.recoveryMemLimit(), d.bands, recovery.Logf(d.cfg.Logf))
		rec.Run(func(err error) {
			if err != nil {
				cb(nil, err)
				return
			}
			l2pObj.Persist(func(err error) {
				if err != nil {
					cb(nil, err)
					return
				}
				finish()
			})
		})
	})
}

func (d *Device) logf(f string, args ...interface{}) {
	if d.cfg.Logf != nil {
		d.cfg.Logf(f, args...)
	}
}

// finalizeL2P builds the configured backend. l2pObj (already restored
// and, if recovery ran, already re-persisted) is reused directly for
// the flat backend; the cache backend rebinds a fresh object instead,
// since it never wants the whole buffer resident and must page lazily
// from the now-correct on-disk region.
func (d *Device) finalizeL2P(lay *layout.Layout, l2pObj *md.Object) (L2P, error) {
	if !d.cfg.UseCachedL2P {
		return flat.New(d.codec, lay.NumLBAs, l2pObj, nil)
	}
	cacheObj, err := d.bindCachePagedL2P(lay.L2PRegion)
	if err != nil {
		return nil, err
	}
	c := cache.New(d.codec, lay.NumLBAs, cacheObj, d.cfg.dramLimit())
	d.wireCacheHooks(c)
	return c, nil
}

// Halt flushes the L2P map and the NV cache's open chunks, in that
// order, and stamps a clean superblock so the next Open skips recovery.
func (d *Device) Halt(cb func(error)) {
	if d.halted {
		cb(nil)
		return
	}
	steps := []func(func(error)){
		func(done func(error)) { d.l2p.Persist(done) },
		func(done func(error)) { d.nvc.Halt(done) },
		func(done func(error)) { d.bands.Halt(done) },
		func(done func(error)) {
			copy(d.sb.Data(), marshalSuperblock(true, d.layout.NumLBAs, d.nextSeqID, 1, d.uuid))
			d.sb.Persist(done)
		},
	}
	runSeq(steps, func(err error) {
		if err == nil {
			d.halted = true
			d.l2p.Halt()
		}
		cb(err)
	})
}

// IsHalted reports whether Halt has completed.
func (d *Device) IsHalted() bool { return d.halted }

// Process drains the NV cache's open-chunk replenishment queue, the
// band manager's open-band replenishment queue, and (for the cached
// L2P backend) one deferred pinner; meant to be registered on the
// owning core.Thread via AddPoller.
func (d *Device) Process() {
	d.nvc.Process(func(error) {})
	d.bands.Process(func(error) {})
	if c, ok := d.l2p.(*cache.Cache); ok {
		c.Process()
	}
}
