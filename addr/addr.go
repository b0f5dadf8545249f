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

// Package addr implements the FTL physical address representation:
// a tagged union of "invalid", "cached" (nv-cache offset), and "flash"
// (base-device offset), plus a packed wire encoding chosen once at
// format time.
package addr

import (
	"encoding/binary"
	"math/bits"
)

// cachedBit marks an Addr as living in the NV cache rather than on the
// base device. It is the high bit of the 64-bit offset space, so a
// cached offset is limited to 63 bits.
const cachedBit = uint64(1) << 63

// Invalid is the all-ones sentinel: no valid address can ever collide
// with it because both the cached and flash offset spaces reserve their
// top bit (cachedBit) or are bounded well below 2^64-1 in practice.
const invalidBits = ^uint64(0)

// PackedInvalid is the 32-bit all-ones sentinel used by the packed wire
// format.
const PackedInvalid = ^uint32(0)

// Addr is a physical address: either Invalid, a Cached offset into the
// NV cache, or a Flash offset on the base device.
type Addr struct {
	bits uint64
}

// Invalid is the zero-value-free canonical invalid address.
var Invalid = Addr{bits: invalidBits}

// Cached constructs an address pointing at the given NV-cache offset.
// off must fit in 63 bits; callers never pass more than the NV cache's
// total block count, which is always far smaller.
func Cached(off uint64) Addr {
	return Addr{bits: cachedBit | (off &^ cachedBit)}
}

// Flash constructs an address pointing at the given base-device offset.
func Flash(off uint64) Addr {
	return Addr{bits: off &^ cachedBit}
}

// IsInvalid reports whether a is the invalid sentinel.
func (a Addr) IsInvalid() bool { return a.bits == invalidBits }

// IsCached reports whether a refers to the NV cache. False for both
// Flash addresses and Invalid.
func (a Addr) IsCached() bool { return !a.IsInvalid() && a.bits&cachedBit != 0 }

// Offset returns the offset component of a (NV-cache offset if cached,
// base-device offset otherwise). Calling it on Invalid returns 0; check
// IsInvalid first.
func (a Addr) Offset() uint64 {
	if a.IsInvalid() {
		return 0
	}
	return a.bits &^ cachedBit
}

// Less orders two addresses by raw offset, ignoring the cached bit. It
// implements the "oldest-block survival" tie-break rule:
// among two cached addresses in the same chunk, the lower offset wins.
func Less(a, b Addr) bool { return a.Offset() < b.Offset() }

// Equal reports whether a and b denote the same address.
func Equal(a, b Addr) bool { return a.bits == b.bits }

// Codec packs and unpacks addresses to/from a fixed-width wire form
// chosen once at format time: 8 bytes when the
// combined base+NV-cache block count needs more than 31 bits of offset,
// 4 bytes otherwise.
type Codec struct {
	// Wide selects the 8-byte wire form. Pick with NewCodec.
	Wide bool
}

// NewCodec chooses the packed representation for a device with the
// given total NV-cache and base-device block counts:
// addr_length = ceil(log2(total_blocks)) + 1; addr_size = 8 if
// addr_length > 32 else 4.
func NewCodec(baseBlocks, nvcBlocks uint64) Codec {
	total := baseBlocks + nvcBlocks
	addrLength := bits.Len64(total-1) + 1
	if total == 0 {
		addrLength = 1
	}
	return Codec{Wide: addrLength > 32}
}

// Size returns the on-disk size in bytes of a packed address under this
// codec: 8 or 4.
func (c Codec) Size() int {
	if c.Wide {
		return 8
	}
	return 4
}

// Pack encodes a into the codec's wire width. Packing is lossless for
// every representable address (cached or flash) whose offset fits the
// chosen width; Invalid always packs to the all-ones sentinel of that
// width. Pack is a total function: it never fails.
func (c Codec) Pack(a Addr) uint64 {
	if a.IsInvalid() {
		if c.Wide {
			return invalidBits
		}
		return uint64(PackedInvalid)
	}
	if c.Wide {
		return a.bits
	}
	// 32-bit packed form: same cached-bit-in-top-position layout,
	// just narrower.
	off := a.Offset()
	packed := uint32(off) &^ uint32(1<<31)
	if a.IsCached() {
		packed |= 1 << 31
	}
	return uint64(packed)
}

// Unpack decodes a packed value produced by Pack under the same codec.
// Unpack(Pack(a)) == a for every representable a.
func (c Codec) Unpack(packed uint64) Addr {
	if c.Wide {
		if packed == invalidBits {
			return Invalid
		}
		return Addr{bits: packed}
	}
	p := uint32(packed)
	if p == PackedInvalid {
		return Invalid
	}
	off := uint64(p &^ (1 << 31))
	if p&(1<<31) != 0 {
		return Cached(off)
	}
	return Flash(off)
}

// Load reads a packed address out of buf at byte offset off, using the
// codec's width.
func (c Codec) Load(buf []byte, off int) Addr {
	if c.Wide {
		return c.Unpack(binary.LittleEndian.Uint64(buf[off:]))
	}
	return c.Unpack(uint64(binary.LittleEndian.Uint32(buf[off:])))
}

// Store writes a's packed form into buf at byte offset off, using the
// codec's width. Load(Store(buf, off, a), off) == a.
func (c Codec) Store(buf []byte, off int, a Addr) {
	packed := c.Pack(a)
	if c.Wide {
		binary.LittleEndian.PutUint64(buf[off:], packed)
		return
	}
	binary.LittleEndian.PutUint32(buf[off:], uint32(packed))
}
