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

package bdev

import (
	"fmt"
)

// Fake is an in-memory Device used by every other package's tests. It
// has no real asynchrony (there is no disk to wait on), but it defers
// every completion to an explicit Poll() call so tests can exercise
// code that assumes submit and completion are separate events, and can
// inject faults between them.
type Fake struct {
	blockSize  uint32
	numBlocks  uint64
	zoneSize   uint64
	openZones  int
	data       []byte
	vss        []byte // VSSSize bytes per block, nil if no MD support
	xferSize   int

	pending []func()
	waiters []*WaitEntry

	// InjectNoMem, if > 0, makes the next N submit calls return
	// ErrNoMem instead of completing; decremented on each such call.
	InjectNoMem int

	// InjectReadErr, if non-nil, is delivered as the completion status
	// of the next read (ReadBlocks or ReadBlocksWithMD) instead of a
	// successful read, then cleared. Used to simulate a primary MD
	// region that has gone bad so tests can exercise mirror fallback.
	InjectReadErr error

	// Corrupt, if set, is invoked on the destination buffer right
	// before a completion fires for a read, letting tests simulate
	// bit rot / CRC mismatches without touching the "real" data.
	Corrupt func(offBlocks, numBlocks uint64, buf []byte)
}

// NewFake builds an in-memory device of the given geometry. withMD
// allocates a parallel VSS region; pass false for devices that never
// use *_with_md calls.
func NewFake(numBlocks uint64, blockSize uint32, zoneSize uint64, optimalOpenZones int, withMD bool) *Fake {
	f := &Fake{
		blockSize: blockSize,
		numBlocks: numBlocks,
		zoneSize:  zoneSize,
		openZones: optimalOpenZones,
		xferSize:  8,
		data:      make([]byte, numBlocks*uint64(blockSize)),
	}
	if withMD {
		f.vss = make([]byte, numBlocks*VSSSize)
	}
	return f
}

func (f *Fake) NumBlocks() uint64     { return f.numBlocks }
func (f *Fake) BlockSize() uint32     { return f.blockSize }
func (f *Fake) ZoneSize() uint64      { return f.zoneSize }
func (f *Fake) OptimalOpenZones() int { return f.openZones }
func (f *Fake) XferSizeBlocks() int   { return f.xferSize }

// SetXferSizeBlocks overrides the transfer-unit size used to size
// MD.persist/restore/clear chunks; tests use this to exercise
// multi-chunk transfers without allocating huge fake devices.
func (f *Fake) SetXferSizeBlocks(n int) { f.xferSize = n }

func (f *Fake) OpenChannel() *Channel { return newChannel(f, "fake") }

func (f *Fake) checkRange(offBlocks, numBlocks uint64) error {
	if offBlocks+numBlocks > f.numBlocks {
		return fmt.Errorf("bdev: range [%d,%d) exceeds device size %d", offBlocks, offBlocks+numBlocks, f.numBlocks)
	}
	return nil
}

func (f *Fake) submit(fn func()) error {
	if f.InjectNoMem > 0 {
		f.InjectNoMem--
		return ErrNoMem
	}
	f.pending = append(f.pending, fn)
	return nil
}

func (f *Fake) ReadBlocks(ch *Channel, buf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error {
	if err := f.checkRange(offBlocks, numBlocks); err != nil {
		return err
	}
	return f.submit(func() {
		if f.InjectReadErr != nil {
			err := f.InjectReadErr
			f.InjectReadErr = nil
			cb(err)
			return
		}
		start := offBlocks * uint64(f.blockSize)
		n := numBlocks * uint64(f.blockSize)
		copy(buf, f.data[start:start+n])
		if f.Corrupt != nil {
			f.Corrupt(offBlocks, numBlocks, buf[:n])
		}
		cb(nil)
	})
}

func (f *Fake) WriteBlocks(ch *Channel, buf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error {
	if err := f.checkRange(offBlocks, numBlocks); err != nil {
		return err
	}
	return f.submit(func() {
		start := offBlocks * uint64(f.blockSize)
		n := numBlocks * uint64(f.blockSize)
		copy(f.data[start:start+n], buf[:n])
		cb(nil)
	})
}

func (f *Fake) ReadBlocksWithMD(ch *Channel, buf, mdBuf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error {
	if err := f.checkRange(offBlocks, numBlocks); err != nil {
		return err
	}
	return f.submit(func() {
		if f.InjectReadErr != nil {
			err := f.InjectReadErr
			f.InjectReadErr = nil
			cb(err)
			return
		}
		start := offBlocks * uint64(f.blockSize)
		n := numBlocks * uint64(f.blockSize)
		copy(buf, f.data[start:start+n])
		if f.vss != nil && mdBuf != nil {
			vstart := offBlocks * VSSSize
			vn := numBlocks * VSSSize
			copy(mdBuf, f.vss[vstart:vstart+vn])
		}
		if f.Corrupt != nil {
			f.Corrupt(offBlocks, numBlocks, buf[:n])
		}
		cb(nil)
	})
}

func (f *Fake) WriteBlocksWithMD(ch *Channel, buf, mdBuf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error {
	if err := f.checkRange(offBlocks, numBlocks); err != nil {
		return err
	}
	return f.submit(func() {
		start := offBlocks * uint64(f.blockSize)
		n := numBlocks * uint64(f.blockSize)
		copy(f.data[start:start+n], buf[:n])
		if f.vss != nil && mdBuf != nil {
			vstart := offBlocks * VSSSize
			vn := numBlocks * VSSSize
			copy(f.vss[vstart:vstart+vn], mdBuf[:vn])
		}
		cb(nil)
	})
}

func (f *Fake) QueueIOWait(ch *Channel, entry *WaitEntry) {
	f.waiters = append(f.waiters, entry)
}

// Poll runs every completion and retry that is currently due. Tests
// call it after submitting I/O to simulate the reactor's completion
// pass; it returns the number of callbacks it ran.
func (f *Fake) Poll() int {
	ran := 0
	for len(f.pending) > 0 {
		batch := f.pending
		f.pending = nil
		for _, fn := range batch {
			fn()
			ran++
		}
	}
	if len(f.waiters) > 0 {
		w := f.waiters
		f.waiters = nil
		for _, e := range w {
			e.Resubmit()
		}
		ran += f.Poll()
	}
	return ran
}

// RawBlocks exposes the backing store for test assertions; it is not
// part of the Device contract.
func (f *Fake) RawBlocks(offBlocks, numBlocks uint64) []byte {
	start := offBlocks * uint64(f.blockSize)
	n := numBlocks * uint64(f.blockSize)
	return f.data[start : start+n]
}
