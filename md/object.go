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

// Package md implements the FTL metadata object: a region-bound buffer
// with persist/restore/clear operations, optional mirroring, and an
// optional shared-memory backing for the fast-recovery path.
package md

import (
	"encoding/binary"
	"fmt"

	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/core"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/region"
)

// Flags selects how an Object's data buffer is backed.
type Flags uint32

const (
	// FlagHeap backs the object with a plain Go byte slice.
	FlagHeap Flags = 1 << iota
	// FlagSHM backs it with a POSIX shared-memory mapping.
	FlagSHM
	// FlagSHMNew truncates/initializes the shared-memory mapping
	// rather than attaching to an existing one.
	FlagSHMNew
	// FlagSHMHuge places the mapping on hugetlbfs and (conceptually)
	// registers it with the I/O allocator.
	FlagSHMHuge
	// FlagNoMem creates a handle with no data buffer at all; used for
	// objects that only ever call PersistEntry/ReadEntry with
	// caller-owned buffers.
	FlagNoMem
)

// CompletionFunc is the async result of an MD operation.
type CompletionFunc func(err error)

// Object is one metadata object bound to a region.
type Object struct {
	name          string
	uuid          string
	flags         Flags
	blockSize     uint32
	dataBlocks    uint64
	vssBlockSize  uint32
	dataBuf       []byte
	vssBuf        []byte
	shm           *shmRegion
	region        *region.Region
	mirror        *region.Region
	thread        *core.Thread
	valid         bool

	// DebugValidateVSS enables the VSS-version check on restore. Off by
	// default; set true in tests that want the stricter check.
	DebugValidateVSS bool
}

// New creates a metadata object able to hold blocks blocks of dev's
// block size, with vssBlockSize bytes of VSS per block (0 if unused).
// uuid names the device for shared-memory object naming; th is the
// object's owning core thread, used only to deliver the handle's
// invalidated-use panic onto the owning thread instead of the caller's.
func New(dev bdev.Device, blocks uint64, vssBlockSize uint32, name, uuid string, flags Flags, th *core.Thread) (*Object, error) {
	o := &Object{
		name:         name,
		uuid:         uuid,
		flags:        flags,
		blockSize:    dev.BlockSize(),
		dataBlocks:   blocks,
		vssBlockSize: vssBlockSize,
		thread:       th,
		valid:        true,
	}
	size := int(blocks * uint64(dev.BlockSize()))
	switch {
	case flags&FlagNoMem != 0:
		// no data buffer at all
	case flags&FlagSHM != 0:
		s, err := openSHM(uuid, name, size, flags&FlagSHMNew != 0, flags&FlagSHMHuge != 0)
		if err != nil {
			return nil, err
		}
		o.shm = s
		o.dataBuf = s.mem
	default: // FlagHeap or unset
		o.dataBuf = make([]byte, size)
	}
	if vssBlockSize > 0 && flags&FlagNoMem == 0 {
		o.vssBuf = make([]byte, int(blocks)*int(vssBlockSize))
	}
	return o, nil
}

// Data returns the object's primary data buffer (nil if created with
// FlagNoMem).
func (o *Object) Data() []byte { return o.dataBuf }

// VSS returns the object's per-block VSS buffer, or nil.
func (o *Object) VSS() []byte { return o.vssBuf }

// Destroy releases any shared-memory backing (closing and unlinking it)
// and invalidates the handle. Further calls on o after Destroy fail
// their callback with ftlerr.InvalidArgument and, when o has an owning
// thread, post a panic onto that thread, matching the "use after free
// is a programming error, not a runtime condition" stance the rest of
// the FTL core takes for single-owner objects.
func (o *Object) Destroy() error {
	o.valid = false
	return o.shm.destroy()
}

func (o *Object) checkValid() error {
	if o.valid {
		return nil
	}
	// A destroyed object posts a panic onto its own owning thread and
	// fails the callback with InvalidArgument.
	if o.thread != nil {
		o.thread.Send(func() {
			panic(fmt.Sprintf("md: use of destroyed object %q", o.name))
		})
	}
	return fmt.Errorf("%w: md object %q destroyed", ftlerr.InvalidArgument, o.name)
}

// SetRegion binds o to a physical region. region.Blocks() must not
// exceed o's data-block capacity.
func (o *Object) SetRegion(r *region.Region) error {
	if r.Blocks() > o.dataBlocks {
		return fmt.Errorf("%w: region %q needs %d blocks, object has %d", ftlerr.InvalidArgument, r.Name, r.Blocks(), o.dataBlocks)
	}
	o.region = r
	return nil
}

// SetMirror binds a mirror region, enabling the mirrored persist/
// restore/entry paths.
func (o *Object) SetMirror(r *region.Region) { o.mirror = r }

// Region returns the bound primary region, or nil.
func (o *Object) Region() *region.Region { return o.region }

func xferBlocks(dev bdev.Device) uint64 {
	n := dev.XferSizeBlocks()
	if n <= 0 {
		n = 1
	}
	return 4 * uint64(n)
}

// vssStamp writes the region version into the high 8 bytes of every
// VSS block in vss.
func vssStamp(vss []byte, version uint32) {
	for off := 0; off+bdev.VSSSize <= len(vss); off += bdev.VSSSize {
		binary.LittleEndian.PutUint64(vss[off+56:off+64], uint64(version))
	}
}

// vssVersion reads the version stamped by vssStamp out of a single VSS
// block at vss[off:off+VSSSize].
func vssVersion(vss []byte, off int) uint32 {
	return uint32(binary.LittleEndian.Uint64(vss[off+56 : off+64]))
}

// validateVSS checks every VSS block's stamped version against the
// bound region's version, but only when DebugValidateVSS is set. A
// mismatch indicates the region was overwritten with stale or foreign
// data.
func (o *Object) validateVSS() error {
	if !o.DebugValidateVSS || o.vssBuf == nil {
		return nil
	}
	for off := 0; off+bdev.VSSSize <= len(o.vssBuf); off += bdev.VSSSize {
		if v := vssVersion(o.vssBuf, off); v != o.region.Version {
			return fmt.Errorf("%w: md object %q vss version %d != region version %d", ftlerr.CorruptedMetadata, o.name, v, o.region.Version)
		}
	}
	return nil
}

// writeRegion writes buf (and vssBuf, if r carries VSS) to r in
// xferBlocks-sized chunks, requeueing via QueueIOWait on ErrNoMem and
// failing with ftlerr.IoError on any other error.
func writeRegion(r *region.Region, buf, vssBuf []byte, blockSize uint32, cb CompletionFunc) {
	xfer := xferBlocks(r.Dev)
	var step func(off uint64)
	step = func(off uint64) {
		if off >= r.LengthBlocks {
			cb(nil)
			return
		}
		n := xfer
		if off+n > r.LengthBlocks {
			n = r.LengthBlocks - off
		}
		start := off * uint64(blockSize)
		end := (off + n) * uint64(blockSize)
		chunk := buf[start:end]

		submit := func() error {
			if r.HasVSS() && vssBuf != nil {
				vstart := off * uint64(bdev.VSSSize)
				vend := (off + n) * uint64(bdev.VSSSize)
				return r.Dev.WriteBlocksWithMD(r.Ch, chunk, vssBuf[vstart:vend], r.OffsetBlocks+off, n, func(err error) {
					if err != nil {
						cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
						return
					}
					step(off + n)
				})
			}
			return r.Dev.WriteBlocks(r.Ch, chunk, r.OffsetBlocks+off, n, func(err error) {
				if err != nil {
					cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
					return
				}
				step(off + n)
			})
		}
		err := submit()
		if err == nil {
			return
		}
		if err == bdev.ErrNoMem {
			r.Dev.QueueIOWait(r.Ch, &bdev.WaitEntry{Resubmit: func() { step(off) }})
			return
		}
		cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
	}
	step(0)
}

// readRegion is writeRegion's mirror image for restore.
func readRegion(r *region.Region, buf, vssBuf []byte, blockSize uint32, cb CompletionFunc) {
	xfer := xferBlocks(r.Dev)
	var step func(off uint64)
	step = func(off uint64) {
		if off >= r.LengthBlocks {
			cb(nil)
			return
		}
		n := xfer
		if off+n > r.LengthBlocks {
			n = r.LengthBlocks - off
		}
		start := off * uint64(blockSize)
		end := (off + n) * uint64(blockSize)
		chunk := buf[start:end]

		submit := func() error {
			if r.HasVSS() && vssBuf != nil {
				vstart := off * uint64(bdev.VSSSize)
				vend := (off + n) * uint64(bdev.VSSSize)
				return r.Dev.ReadBlocksWithMD(r.Ch, chunk, vssBuf[vstart:vend], r.OffsetBlocks+off, n, func(err error) {
					if err != nil {
						cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
						return
					}
					step(off + n)
				})
			}
			return r.Dev.ReadBlocks(r.Ch, chunk, r.OffsetBlocks+off, n, func(err error) {
				if err != nil {
					cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
					return
				}
				step(off + n)
			})
		}
		err := submit()
		if err == nil {
			return
		}
		if err == bdev.ErrNoMem {
			r.Dev.QueueIOWait(r.Ch, &bdev.WaitEntry{Resubmit: func() { step(off) }})
			return
		}
		cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
	}
	step(0)
}

// Persist writes o's data buffer (and VSS buffer, if present) to its
// bound region. If a mirror region is set, the mirror is written and
// its completion awaited before the primary write is even submitted: a
// mirror failure means the primary is never written at all.
func (o *Object) Persist(cb CompletionFunc) {
	if err := o.checkValid(); err != nil {
		cb(err)
		return
	}
	if o.region == nil {
		cb(fmt.Errorf("%w: md object %q has no region", ftlerr.InvalidArgument, o.name))
		return
	}
	if o.vssBuf != nil {
		vssStamp(o.vssBuf, o.region.Version)
	}
	finishPrimary := func() {
		writeRegion(o.region, o.dataBuf, o.vssBuf, o.blockSize, cb)
	}
	if o.mirror != nil && o.region.MirrorType != region.NoMirror {
		writeRegion(o.mirror, o.dataBuf, o.vssBuf, o.blockSize, func(err error) {
			if err != nil {
				cb(fmt.Errorf("mirror persist failed, primary not written: %w", err))
				return
			}
			finishPrimary()
		})
		return
	}
	finishPrimary()
}

// Restore reads o's bound region into its data buffer. On a primary
// failure with a mirror present, restore retries from the mirror, then
// resynchronizes the primary with a full persist before the caller's
// callback fires. If sbClean is false (the superblock recorded a dirty
// shutdown) a successful primary restore still triggers a mirror
// resync, since the mirror may be stale relative to the primary's last
// partial write.
func (o *Object) Restore(sbClean bool, cb CompletionFunc) {
	if err := o.checkValid(); err != nil {
		cb(err)
		return
	}
	if o.region == nil {
		cb(fmt.Errorf("%w: md object %q has no region", ftlerr.InvalidArgument, o.name))
		return
	}
	readRegion(o.region, o.dataBuf, o.vssBuf, o.blockSize, func(err error) {
		if err == nil {
			err = o.validateVSS()
		}
		if err != nil {
			if o.mirror == nil {
				cb(err)
				return
			}
			readRegion(o.mirror, o.dataBuf, o.vssBuf, o.blockSize, func(err2 error) {
				if err2 == nil {
					err2 = o.validateVSS()
				}
				if err2 != nil {
					cb(fmt.Errorf("%w: primary and mirror restore both failed", ftlerr.IoError))
					return
				}
				// resync the primary from the now-loaded mirror data
				writeRegion(o.region, o.dataBuf, o.vssBuf, o.blockSize, cb)
			})
			return
		}
		if !sbClean && o.mirror != nil {
			writeRegion(o.mirror, o.dataBuf, o.vssBuf, o.blockSize, cb)
			return
		}
		cb(nil)
	})
}

// Clear writes pattern (repeated) across the whole region. pattern's
// length must evenly divide the per-transfer byte size; vssPattern, if
// non-nil, is stamped into every VSS block instead of a zeroed VSS
// carrying just the region version.
func (o *Object) Clear(pattern []byte, vssPattern []byte, cb CompletionFunc) {
	if err := o.checkValid(); err != nil {
		cb(err)
		return
	}
	if o.region == nil {
		cb(fmt.Errorf("%w: md object %q has no region", ftlerr.InvalidArgument, o.name))
		return
	}
	xfer := xferBlocks(o.region.Dev)
	bytesPerXfer := int(xfer) * int(o.blockSize)
	if len(pattern) == 0 || bytesPerXfer%len(pattern) != 0 {
		cb(fmt.Errorf("%w: pattern size %d does not divide transfer size %d", ftlerr.InvalidArgument, len(pattern), bytesPerXfer))
		return
	}
	buf := make([]byte, bytesPerXfer)
	for i := 0; i < len(buf); i += len(pattern) {
		copy(buf[i:], pattern)
	}
	var vssBuf []byte
	if o.region.HasVSS() {
		vssBuf = make([]byte, int(xfer)*bdev.VSSSize)
		if vssPattern != nil {
			for i := 0; i < len(vssBuf); i += len(vssPattern) {
				copy(vssBuf[i:], vssPattern)
			}
		} else {
			vssStamp(vssBuf, o.region.Version)
		}
	}
	// writeRegion expects buffers sized to the full region; build a
	// repeating view by writing chunk-at-a-time instead of allocating
	// LengthBlocks*blockSize bytes up front.
	writeClearChunks(o.region, buf, vssBuf, xfer, o.blockSize, cb)
}

func writeClearChunks(r *region.Region, chunkBuf, vssChunk []byte, xfer uint64, blockSize uint32, cb CompletionFunc) {
	var step func(off uint64)
	step = func(off uint64) {
		if off >= r.LengthBlocks {
			cb(nil)
			return
		}
		n := xfer
		if off+n > r.LengthBlocks {
			n = r.LengthBlocks - off
		}
		buf := chunkBuf
		vss := vssChunk
		if n != xfer {
			buf = chunkBuf[:n*uint64(blockSize)]
			if vss != nil {
				vss = vssChunk[:n*uint64(bdev.VSSSize)]
			}
		}
		submit := func() error {
			if vss != nil {
				return r.Dev.WriteBlocksWithMD(r.Ch, buf, vss, r.OffsetBlocks+off, n, func(err error) {
					if err != nil {
						cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
						return
					}
					step(off + n)
				})
			}
			return r.Dev.WriteBlocks(r.Ch, buf, r.OffsetBlocks+off, n, func(err error) {
				if err != nil {
					cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
					return
				}
				step(off + n)
			})
		}
		err := submit()
		if err == nil {
			return
		}
		if err == bdev.ErrNoMem {
			r.Dev.QueueIOWait(r.Ch, &bdev.WaitEntry{Resubmit: func() { step(off) }})
			return
		}
		cb(fmt.Errorf("%w: %v", ftlerr.IoError, err))
	}
	step(0)
}
