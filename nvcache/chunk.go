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

package nvcache

import "encoding/binary"

// ChunkState is one position in the FREE -> OPEN -> CLOSED -> FREE
// cycle.
type ChunkState uint32

const (
	Free ChunkState = iota
	Open
	Closed
)

func (s ChunkState) String() string {
	switch s {
	case Free:
		return "free"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// chunkMDSize is the on-disk chunk-MD record size: one packed struct
// per chunk, well under a 512-byte block.
const chunkMDSize = 64

// Chunk is one NVC chunk's runtime state.
type Chunk struct {
	Index uint64

	// OffsetBlocks is this chunk's position within the data_nvc region.
	OffsetBlocks uint64

	SeqID           uint64
	CloseSeqID      uint64
	WritePointer    uint64
	BlocksWritten   uint64
	BlocksSkipped   uint64
	ReadPointer     uint64
	BlocksCompacted uint64
	State           ChunkState
	LBAMapChecksum  uint32

	// lbaMap is the tail-MD buffer: one packed address per block this
	// chunk can hold, built fresh on open and written out on close.
	lbaMap []byte
}

// marshalMD packs a chunk's metadata fields into a chunkMDSize-byte
// record, the payload persisted to the nvc_md region.
func (c *Chunk) marshalMD() []byte {
	buf := make([]byte, chunkMDSize)
	binary.LittleEndian.PutUint64(buf[0:8], c.SeqID)
	binary.LittleEndian.PutUint64(buf[8:16], c.CloseSeqID)
	binary.LittleEndian.PutUint64(buf[16:24], c.WritePointer)
	binary.LittleEndian.PutUint64(buf[24:32], c.BlocksWritten)
	binary.LittleEndian.PutUint64(buf[32:40], c.BlocksSkipped)
	binary.LittleEndian.PutUint64(buf[40:48], c.ReadPointer)
	binary.LittleEndian.PutUint64(buf[48:56], c.BlocksCompacted)
	binary.LittleEndian.PutUint32(buf[56:60], uint32(c.State))
	binary.LittleEndian.PutUint32(buf[60:64], c.LBAMapChecksum)
	return buf
}

// unmarshalMD is marshalMD's inverse, used when restoring chunk state
// from the nvc_md region at mount.
func unmarshalMD(buf []byte) Chunk {
	var c Chunk
	c.SeqID = binary.LittleEndian.Uint64(buf[0:8])
	c.CloseSeqID = binary.LittleEndian.Uint64(buf[8:16])
	c.WritePointer = binary.LittleEndian.Uint64(buf[16:24])
	c.BlocksWritten = binary.LittleEndian.Uint64(buf[24:32])
	c.BlocksSkipped = binary.LittleEndian.Uint64(buf[32:40])
	c.ReadPointer = binary.LittleEndian.Uint64(buf[40:48])
	c.BlocksCompacted = binary.LittleEndian.Uint64(buf[48:56])
	c.State = ChunkState(binary.LittleEndian.Uint32(buf[56:60]))
	c.LBAMapChecksum = binary.LittleEndian.Uint32(buf[60:64])
	return c
}

// zero resets every MD field to match a FREE chunk.
func (c *Chunk) zero() {
	c.SeqID = 0
	c.CloseSeqID = 0
	c.WritePointer = 0
	c.BlocksWritten = 0
	c.BlocksSkipped = 0
	c.ReadPointer = 0
	c.BlocksCompacted = 0
	c.State = Free
	c.LBAMapChecksum = 0
	c.lbaMap = nil
}
