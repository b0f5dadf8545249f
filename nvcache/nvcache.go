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

// Package nvcache implements the NV-cache: a fixed array of
// sequentially-written chunks, each with a write pointer, a tail LBA
// map, and CRC32C-checked chunk metadata. Open-chunk replenishment,
// close, and halt use an open/free/full index-list shape (package
// region for the static nvc_md binding, package md for the
// persist/restore primitive underneath it).
package nvcache

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/md"
)

// MaxOpenChunks bounds how many chunks Process keeps open at once.
const MaxOpenChunks = 2

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Cache is the runtime NV-cache: a data region sliced into
// chunk-blocks-sized chunks, backed by one md.Object bound to the
// nvc_md region (one chunkMDSize record per chunk, per chunk index).
type Cache struct {
	dev         bdev.Device
	ch          *bdev.Channel
	dataOffset  uint64 // first block of the data_nvc region
	chunkBlocks uint64
	tailBlocks  uint64
	addrSize    int

	chunkMD           *md.Object // bound to nvc_md
	chunkMDEntryBytes int        // region.EntrySize (blocks) * blockSize

	chunks    []*Chunk
	freeList  []uint64 // chunk indices, FIFO
	openList  []uint64
	fullList  []uint64

	halt bool
}

// New builds a Cache over numChunks chunks of chunkBlocks blocks each,
// starting at dataOffsetBlocks on dev. chunkMD must be bound to the
// nvc_md region with EntrySize sized to chunkMDSize (rounded up to a
// whole block). addrSize is the packed address width (4 or 8) used to
// size the tail LBA map.
func New(dev bdev.Device, dataOffsetBlocks, chunkBlocks uint64, numChunks uint64, addrSize int, chunkMD *md.Object) *Cache {
	blockSize := uint64(dev.BlockSize())
	tailBytes := chunkBlocks * uint64(addrSize)
	tailBlocks := (tailBytes + blockSize - 1) / blockSize

	r := chunkMD.Region()
	entryBytes := chunkMDSize
	if r != nil {
		entryBytes = int(uint64(r.EntrySize) * uint64(r.Dev.BlockSize()))
	}

	c := &Cache{
		dev:               dev,
		ch:                dev.OpenChannel(),
		dataOffset:        dataOffsetBlocks,
		chunkBlocks:       chunkBlocks,
		tailBlocks:        tailBlocks,
		addrSize:          addrSize,
		chunkMD:           chunkMD,
		chunkMDEntryBytes: entryBytes,
		chunks:            make([]*Chunk, numChunks),
	}
	for i := uint64(0); i < numChunks; i++ {
		ch := &Chunk{Index: i, OffsetBlocks: dataOffsetBlocks + i*chunkBlocks, State: Free}
		c.chunks[i] = ch
		c.freeList = append(c.freeList, i)
	}
	return c
}

// freeSpace returns the blocks still available for payload writes in
// chunk.
func (c *Cache) freeSpace(ch *Chunk) uint64 {
	return c.chunkBlocks - ch.WritePointer - c.tailBlocks
}

// FreeSpace is the exported form of freeSpace, used by package device
// to decide how many blocks of a write land in the current open chunk
// before it needs to roll over to the next one.
func (c *Cache) FreeSpace(ch *Chunk) uint64 { return c.freeSpace(ch) }

// OpenChunks returns the chunks currently in OPEN state, in open
// order.
func (c *Cache) OpenChunks() []*Chunk {
	out := make([]*Chunk, len(c.openList))
	for i, idx := range c.openList {
		out[i] = c.chunks[idx]
	}
	return out
}

// tailOffset is the block offset, relative to the chunk's start, where
// the tail LBA map begins.
func (c *Cache) tailOffset() uint64 { return c.chunkBlocks - c.tailBlocks }

// ChunkOpenCount is the number of chunks currently in OPEN state.
func (c *Cache) ChunkOpenCount() int { return len(c.openList) }

// IsHalted reports whether every chunk has finished closing after Halt.
func (c *Cache) IsHalted() bool { return c.halt && len(c.openList) == 0 }

// Process is the open-chunk replenishment poll: while fewer
// than MaxOpenChunks chunks are open and the cache is not halting, pop
// a FREE chunk and open it.
func (c *Cache) Process(cb func(err error)) {
	if c.halt {
		return
	}
	for len(c.openList) < MaxOpenChunks && len(c.freeList) > 0 {
		idx := c.freeList[0]
		c.freeList = c.freeList[1:]
		c.openList = append(c.openList, idx)
		c.openChunk(c.chunks[idx], cb)
	}
}

func (c *Cache) openChunk(ch *Chunk, cb func(err error)) {
	ch.lbaMap = make([]byte, c.tailBlocks*uint64(c.dev.BlockSize()))
	for i := range ch.lbaMap {
		ch.lbaMap[i] = 0xFF // all-ones: FTL_LBA_INVALID sentinel
	}
	ch.State = Open
	ch.LBAMapChecksum = 0

	c.persistChunkMD(ch, func(err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (c *Cache) persistChunkMD(ch *Chunk, cb func(error)) {
	rec := ch.marshalMD()
	buf := make([]byte, c.chunkMDEntryBytes)
	copy(buf, rec)
	c.chunkMD.PersistEntry(ch.Index, buf, nil, func(err error) {
		if err != nil {
			cb(fmt.Errorf("chunk %d md persist: %w", ch.Index, err))
			return
		}
		cb(nil)
	})
}

// FillMD stamps the per-block VSS side-channel with the LBA each block
// in an in-flight write carries. vss must be len(numBlocks)*bdev.VSSSize bytes.
func FillMD(vss []byte, startLBA uint64, numBlocks int) {
	for i := 0; i < numBlocks; i++ {
		off := i * bdev.VSSSize
		binary.LittleEndian.PutUint64(vss[off:off+8], startLBA+uint64(i))
	}
}

// AdvanceBlocks records that n blocks were just written to chunk's
// payload area, closing it automatically once the tail map would
// exactly fill the remaining space.
func (c *Cache) AdvanceBlocks(ch *Chunk, n uint64, cb func(error)) {
	ch.BlocksWritten += n
	ch.WritePointer += n
	if ch.WritePointer+c.tailBlocks == c.chunkBlocks {
		c.closeChunk(ch, cb)
		return
	}
	if cb != nil {
		cb(nil)
	}
}

// closeChunk writes the tail LBA map, computes its CRC32C, persists the
// CLOSED chunk-MD record, and moves the chunk onto the full list.
func (c *Cache) closeChunk(ch *Chunk, cb func(error)) {
	tailAddr := ch.OffsetBlocks + c.tailOffset()
	submit := func() error {
		return c.dev.WriteBlocks(c.ch, ch.lbaMap, tailAddr, c.tailBlocks, func(err error) {
			if err != nil {
				// reissue the tail-md write, matching chunk_map_write_cb's
				// failure branch.
				c.closeChunk(ch, cb)
				return
			}
			ch.LBAMapChecksum = crc32.Checksum(ch.lbaMap, crc32cTable)
			ch.State = Closed
			c.persistChunkMD(ch, func(perr error) {
				if perr != nil {
					if cb != nil {
						cb(perr)
					}
					return
				}
				c.removeFromOpenList(ch.Index)
				c.fullList = append(c.fullList, ch.Index)
				ch.lbaMap = nil
				if cb != nil {
					cb(nil)
				}
			})
		})
	}
	if err := submit(); err != nil {
		if err == bdev.ErrNoMem {
			c.dev.QueueIOWait(c.ch, &bdev.WaitEntry{Resubmit: func() { c.closeChunk(ch, cb) }})
			return
		}
		if cb != nil {
			cb(fmt.Errorf("%w: chunk %d tail md write: %v", ftlerr.IoError, ch.Index, err))
		}
	}
}

func (c *Cache) removeFromOpenList(idx uint64) {
	for i, v := range c.openList {
		if v == idx {
			c.openList = append(c.openList[:i], c.openList[i+1:]...)
			return
		}
	}
}

// Halt stops new chunk opens, resets any OPEN-but-untouched chunks back
// to FREE, and force-closes the chunk currently being filled by
// marking its unused tail as skipped.
func (c *Cache) Halt(cb func(error)) {
	c.halt = true
	open := append([]uint64(nil), c.openList...)
	if len(open) == 0 {
		if cb != nil {
			cb(nil)
		}
		return
	}
	remaining := len(open)
	done := func(err error) {
		remaining--
		if remaining == 0 && cb != nil {
			cb(err)
		}
	}
	for _, idx := range open {
		ch := c.chunks[idx]
		if ch.BlocksWritten == 0 {
			c.removeFromOpenList(idx)
			ch.zero()
			c.freeList = append(c.freeList, idx)
			done(nil)
			continue
		}
		free := c.freeSpace(ch)
		ch.BlocksSkipped += free
		ch.BlocksWritten += free
		ch.WritePointer += free
		c.closeChunk(ch, done)
	}
}

// RestoreChunkState runs the nvc_md analogue of a band-state restore:
// read every chunk's MD record and classify it. FREE
// chunks are zeroed and parked on the free list; OPEN chunks get a
// fresh all-invalid tail map (nothing was durably written for a chunk
// that was never closed) and are parked on the open list; CLOSED
// chunks are parked on the full list pending a tail-MD CRC check.
func (c *Cache) RestoreChunkState(sbClean bool, cb func(error)) {
	c.chunkMD.Restore(sbClean, func(err error) {
		if err != nil {
			cb(fmt.Errorf("nvc chunk state restore: %w", err))
			return
		}
		buf := c.chunkMD.Data()
		c.freeList, c.openList, c.fullList = nil, nil, nil
		for _, ch := range c.chunks {
			off := int(ch.Index) * c.chunkMDEntryBytes
			if off+chunkMDSize > len(buf) {
				cb(fmt.Errorf("%w: nvc_md region too small for %d chunks", ftlerr.CorruptedMetadata, len(c.chunks)))
				return
			}
			rec := unmarshalMD(buf[off : off+c.chunkMDEntryBytes])
			*ch = Chunk{Index: ch.Index, OffsetBlocks: ch.OffsetBlocks,
				SeqID: rec.SeqID, CloseSeqID: rec.CloseSeqID, WritePointer: rec.WritePointer,
				BlocksWritten: rec.BlocksWritten, BlocksSkipped: rec.BlocksSkipped,
				ReadPointer: rec.ReadPointer, BlocksCompacted: rec.BlocksCompacted,
				State: rec.State, LBAMapChecksum: rec.LBAMapChecksum,
			}
			switch ch.State {
			case Free:
				ch.zero()
				c.freeList = append(c.freeList, ch.Index)
			case Open:
				ch.lbaMap = make([]byte, c.tailBlocks*uint64(c.dev.BlockSize()))
				for i := range ch.lbaMap {
					ch.lbaMap[i] = 0xFF
				}
				c.openList = append(c.openList, ch.Index)
			case Closed:
				c.fullList = append(c.fullList, ch.Index)
			default:
				cb(fmt.Errorf("%w: chunk %d has unknown state %d", ftlerr.CorruptedMetadata, ch.Index, ch.State))
				return
			}
		}
		cb(nil)
	})
}

// RestoreClosedChunkTailMD runs the nvc_md analogue of
// band.RestoreClosedBandTailMD: for every CLOSED chunk, read its tail
// LBA map and verify the stored CRC32C, aborting mount on mismatch.
func (c *Cache) RestoreClosedChunkTailMD(cb func(error)) {
	closed := append([]uint64(nil), c.fullList...)
	var step func(i int)
	step = func(i int) {
		if i == len(closed) {
			cb(nil)
			return
		}
		ch := c.chunks[closed[i]]
		buf := make([]byte, c.tailBlocks*uint64(c.dev.BlockSize()))
		tailAddr := ch.OffsetBlocks + c.tailOffset()
		err := c.dev.ReadBlocks(c.ch, buf, tailAddr, c.tailBlocks, func(err error) {
			if err != nil {
				cb(fmt.Errorf("%w: chunk %d tail md read: %v", ftlerr.IoError, ch.Index, err))
				return
			}
			got := crc32.Checksum(buf, crc32cTable)
			if ch.LBAMapChecksum != 0 && got != ch.LBAMapChecksum {
				cb(fmt.Errorf("%w: chunk %d tail md crc mismatch: got %x want %x", ftlerr.CorruptedMetadata, ch.Index, got, ch.LBAMapChecksum))
				return
			}
			ch.lbaMap = buf
			step(i + 1)
		})
		if err != nil {
			cb(fmt.Errorf("%w: chunk %d tail md read: %v", ftlerr.IoError, ch.Index, err))
		}
	}
	step(0)
}

// ChunkTailMap returns the raw tail LBA map bytes recovered for chunk
// idx (nil until RestoreClosedChunkTailMD or openChunk has run).
func (c *Cache) ChunkTailMap(idx uint64) []byte { return c.chunks[idx].lbaMap }

// SetAddr records lba as the current occupant of the block a refers
// to, by writing it into the owning chunk's tail LBA map at that
// block's slot. Called for every block of a write before the chunk's
// write pointer is advanced, so a chunk that closes as a direct result
// of that write already has a complete map to flush. A no-op if a
// doesn't land in a chunk with a live map (not cached, or the chunk
// already closed), which should never happen on the normal write path.
func (c *Cache) SetAddr(lba uint64, a addr.Addr) {
	if !a.IsCached() {
		return
	}
	ch, err := c.GetChunkFromAddr(a.Offset())
	if err != nil || ch.lbaMap == nil {
		return
	}
	off := int(a.Offset()-ch.OffsetBlocks) * c.addrSize
	if off < 0 || off+c.addrSize > len(ch.lbaMap) {
		return
	}
	if c.addrSize == 8 {
		binary.LittleEndian.PutUint64(ch.lbaMap[off:off+8], lba)
	} else {
		binary.LittleEndian.PutUint32(ch.lbaMap[off:off+4], uint32(lba))
	}
}

// GetChunkFromAddr returns the chunk owning a cache offset.
func (c *Cache) GetChunkFromAddr(cacheOffset uint64) (*Chunk, error) {
	if cacheOffset < c.dataOffset {
		return nil, fmt.Errorf("%w: cache offset %d precedes data_nvc region", ftlerr.InvalidArgument, cacheOffset)
	}
	rel := cacheOffset - c.dataOffset
	idx := rel / c.chunkBlocks
	if idx >= uint64(len(c.chunks)) {
		return nil, fmt.Errorf("%w: cache offset %d out of range", ftlerr.InvalidArgument, cacheOffset)
	}
	return c.chunks[idx], nil
}

// Chunks exposes the full chunk array for read-only inspection by the
// recovery and band packages.
func (c *Cache) Chunks() []*Chunk { return c.chunks }
