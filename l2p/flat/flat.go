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

// Package flat is the simplest L2P backend: the whole map lives in one
// contiguous buffer, always resident, with no pinning or eviction.
// pin/unpin are no-ops; every entry is always available.
package flat

import (
	"fmt"
	"io"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/md"
)

// CompletionFunc matches md.CompletionFunc so flat's persist/clear can
// be wired straight to an MD object without an adapter.
type CompletionFunc = md.CompletionFunc

// L2P is a flat, fully-resident logical-to-physical map.
type L2P struct {
	codec   addr.Codec
	numLBAs uint64
	buf     []byte
	obj     *md.Object

	// pmem, if non-nil, receives a WriteAt for every Set call: when
	// backed by pmem, every set flushes addr_size bytes at
	// lba*addr_size. No real pmem library exists in this corpus, so
	// the persistent-memory path is modeled as any io.WriterAt the
	// caller wants to keep byte-durable synchronously with Set —
	// typically a memory-mapped file opened outside this package.
	pmem io.WriterAt

	halted bool
}

// New builds a flat L2P over numLBAs entries using codec's wire width.
// obj must already be bound to the l2p region and sized to
// hold numLBAs*codec.Size() bytes; pmem may be nil for a DRAM-only map.
func New(codec addr.Codec, numLBAs uint64, obj *md.Object, pmem io.WriterAt) (*L2P, error) {
	need := numLBAs * uint64(codec.Size())
	if uint64(len(obj.Data())) < need {
		return nil, fmt.Errorf("l2p/flat: backing object has %d bytes, need %d for %d lbas", len(obj.Data()), need, numLBAs)
	}
	return &L2P{codec: codec, numLBAs: numLBAs, buf: obj.Data(), obj: obj, pmem: pmem}, nil
}

func (l *L2P) checkLBA(lba uint64) error {
	if lba >= l.numLBAs {
		return fmt.Errorf("l2p/flat: lba %d out of range [0,%d)", lba, l.numLBAs)
	}
	return nil
}

// Get returns the address currently mapped to lba.
func (l *L2P) Get(lba uint64) (addr.Addr, error) {
	if err := l.checkLBA(lba); err != nil {
		return addr.Invalid, err
	}
	return l.codec.Load(l.buf, int(lba)*l.codec.Size()), nil
}

// Set maps lba to a, flushing to pmem immediately if configured.
func (l *L2P) Set(lba uint64, a addr.Addr) error {
	if err := l.checkLBA(lba); err != nil {
		return err
	}
	off := int(lba) * l.codec.Size()
	l.codec.Store(l.buf, off, a)
	if l.pmem != nil {
		if _, err := l.pmem.WriteAt(l.buf[off:off+l.codec.Size()], int64(off)); err != nil {
			return fmt.Errorf("l2p/flat: pmem flush for lba %d: %w", lba, err)
		}
	}
	return nil
}

// Pin and Unpin are no-ops: every entry in a flat L2P is always
// resident.
func (l *L2P) Pin(lba, count uint64, cb func(error))  { cb(nil) }
func (l *L2P) Unpin(lba, count uint64)                {}

// Clear fills the entire map with addr.Invalid and persists it. When
// backed by pmem the fill is synchronous and cb fires immediately,
// since there is no backing bdev round trip to wait on.
func (l *L2P) Clear(cb CompletionFunc) {
	for off := 0; off+l.codec.Size() <= len(l.buf); off += l.codec.Size() {
		l.codec.Store(l.buf, off, addr.Invalid)
	}
	if l.pmem != nil {
		if _, err := l.pmem.WriteAt(l.buf, 0); err != nil {
			cb(fmt.Errorf("l2p/flat: pmem clear: %w", err))
			return
		}
		cb(nil)
		return
	}
	l.obj.Persist(cb)
}

// Persist writes the map to its backing region. A pmem-backed map is
// already durable after every Set, so Persist is a no-op completion.
func (l *L2P) Persist(cb CompletionFunc) {
	if l.pmem != nil {
		cb(nil)
		return
	}
	l.obj.Persist(cb)
}

// Halt marks the map halted; a flat L2P has nothing in-flight to
// drain, so it completes instantly. Later Get and Set calls are not
// rejected.
func (l *L2P) Halt() { l.halted = true }

// IsHalted reports whether Halt has been called.
func (l *L2P) IsHalted() bool { return l.halted }
