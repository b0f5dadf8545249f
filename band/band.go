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

// Package band implements the base-device band layout: per-band state
// (band_md), the per-band physical-to-logical reverse map persisted in
// the band's tail MD, and the rotating P2L checkpoint regions used to
// recover an open band's map without replaying the whole band.
package band

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/md"
)

// State is one position in a band's FREE -> OPEN -> FULL/CLOSED cycle.
type State uint32

const (
	Free State = iota
	Open
	Full
	Closed
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Open:
		return "open"
	case Full:
		return "full"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// bandMDSize is the on-disk band-MD record size.
const bandMDSize = 48

// P2LEntry is one physical-to-logical reverse-map slot: which LBA (if
// any) currently owns a block, and the seq id it was written with.
type P2LEntry struct {
	LBA   uint64
	SeqID uint64
}

const p2lEntrySize = 16 // 8-byte LBA + 8-byte seq id, packed LE

// LBAInvalid marks a P2LEntry slot that has never been written.
const LBAInvalid = ^uint64(0)

// Band is one band's runtime state.
type Band struct {
	Index uint64

	// OffsetBlocks is this band's first block on the base device.
	OffsetBlocks uint64

	State          State
	SeqID          uint64
	CloseSeqID     uint64
	WritePointer   uint64
	LBAMapChecksum uint32

	// P2LCkptRegion names which of the rotating checkpoint slots last
	// held this band's map, -1 if none.
	P2LCkptRegion int32

	// bandMap is populated by openBand, RestoreClosedBandTailMD (closed
	// bands) or RestoreOpenBandsP2L (open bands matched to a
	// checkpoint); nil otherwise.
	bandMap []P2LEntry
}

func (b *Band) marshalMD() []byte {
	buf := make([]byte, bandMDSize)
	binary.LittleEndian.PutUint64(buf[0:8], b.SeqID)
	binary.LittleEndian.PutUint64(buf[8:16], b.CloseSeqID)
	binary.LittleEndian.PutUint64(buf[16:24], b.WritePointer)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(b.State))
	binary.LittleEndian.PutUint32(buf[28:32], b.LBAMapChecksum)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(b.P2LCkptRegion))
	return buf
}

func unmarshalBandMD(buf []byte) Band {
	var b Band
	b.SeqID = binary.LittleEndian.Uint64(buf[0:8])
	b.CloseSeqID = binary.LittleEndian.Uint64(buf[8:16])
	b.WritePointer = binary.LittleEndian.Uint64(buf[16:24])
	b.State = State(binary.LittleEndian.Uint32(buf[24:28]))
	b.LBAMapChecksum = binary.LittleEndian.Uint32(buf[28:32])
	b.P2LCkptRegion = int32(binary.LittleEndian.Uint32(buf[32:36]))
	return b
}

func (b *Band) zero() {
	b.SeqID, b.CloseSeqID, b.WritePointer = 0, 0, 0
	b.LBAMapChecksum = 0
	b.P2LCkptRegion = -1
	b.State = Free
	b.bandMap = nil
}

// NumP2LCkpt is the number of rotating P2L checkpoint regions.
const NumP2LCkpt = 3

// MaxOpenBands bounds how many bands are kept open for writing at
// once: unlike the NV cache's double-buffered chunks, there is only
// ever one compaction/GC destination band at a time.
const MaxOpenBands = 1

// Manager owns every band on the base device plus the rotating P2L
// checkpoint slots used to recover an in-flight band's map cheaply.
type Manager struct {
	dev           bdev.Device
	ch            *bdev.Channel
	bandMD        *md.Object
	ckpts         [NumP2LCkpt]*md.Object
	blocksPerBand uint64
	tailMDBlocks  uint64
	addrSize      int

	bands       []*Band
	freeBands   []uint64
	openBands   []uint64
	closedBands []uint64

	halt bool
}

// New builds a Manager over numBands bands of blocksPerBand blocks
// each. bandMD must be bound to the band_md region with one
// bandMDSize-rounded-to-a-block record per band (EntrySize in blocks).
// ckpts are the NumP2LCkpt rotating regions, each sized to hold one
// band's full P2L map plus an 8-byte seq-id header.
func New(dev bdev.Device, numBands, blocksPerBand uint64, addrSize int, bandMD *md.Object, ckpts [NumP2LCkpt]*md.Object) *Manager {
	// Each data block gets one p2lEntrySize tail-map record (LBA + seq
	// id), not one addrSize-wide packed address: same overestimate
	// shape as NVC's tail map sizing (blocksPerBand, not dataBlocks,
	// since the latter isn't known until tailMDBlocks itself is), but
	// keyed to the record width the write/restore paths actually use.
	tailBytes := blocksPerBand * uint64(p2lEntrySize)
	blockSize := uint64(dev.BlockSize())
	tailBlocks := (tailBytes + blockSize - 1) / blockSize

	m := &Manager{
		dev:           dev,
		ch:            dev.OpenChannel(),
		bandMD:        bandMD,
		ckpts:         ckpts,
		blocksPerBand: blocksPerBand,
		tailMDBlocks:  tailBlocks,
		addrSize:      addrSize,
		bands:         make([]*Band, numBands),
	}
	for i := uint64(0); i < numBands; i++ {
		m.bands[i] = &Band{Index: i, OffsetBlocks: i * blocksPerBand, P2LCkptRegion: -1, State: Free}
		m.freeBands = append(m.freeBands, i)
	}
	return m
}

func (m *Manager) bandMDEntryBytes() int {
	r := m.bandMD.Region()
	if r == nil {
		return bandMDSize
	}
	return int(uint64(r.EntrySize) * uint64(r.Dev.BlockSize()))
}

// RestoreBandState reads every band's MD record at mount and classifies
// it. FREE bands go on the free list (a "force CLOSED then reset to
// FREE" TAILQ dance collapses to this in a slice-backed free list).
// OPEN bands are parked for P2L recovery. CLOSED bands are left as-is
// pending a tail-MD CRC check.
func (m *Manager) RestoreBandState(sbClean bool, cb func(error)) {
	m.bandMD.Restore(sbClean, func(err error) {
		if err != nil {
			cb(fmt.Errorf("band state restore: %w", err))
			return
		}
		entryBytes := m.bandMDEntryBytes()
		buf := m.bandMD.Data()
		m.freeBands, m.openBands = nil, nil
		for i, band := range m.bands {
			off := i * entryBytes
			if off+bandMDSize > len(buf) {
				cb(fmt.Errorf("%w: band_md region too small for %d bands", ftlerr.CorruptedMetadata, len(m.bands)))
				return
			}
			rec := unmarshalBandMD(buf[off : off+entryBytes])
			band.SeqID, band.CloseSeqID, band.WritePointer = rec.SeqID, rec.CloseSeqID, rec.WritePointer
			band.LBAMapChecksum = rec.LBAMapChecksum
			band.P2LCkptRegion = rec.P2LCkptRegion
			band.State = rec.State

			switch band.State {
			case Free:
				band.zero()
				m.freeBands = append(m.freeBands, band.Index)
			case Open:
				m.openBands = append(m.openBands, band.Index)
			case Closed, Full:
				// left as-is; tail MD CRC checked separately.
			default:
				cb(fmt.Errorf("%w: band %d has unknown state %d", ftlerr.CorruptedMetadata, band.Index, band.State))
				return
			}
		}
		cb(nil)
	})
}

// RestoreCheckpoints restores all NumP2LCkpt checkpoint regions one
// after another, each started from the previous one's callback.
func (m *Manager) RestoreCheckpoints(sbClean bool, cb func(error)) {
	var step func(i int)
	step = func(i int) {
		if i == NumP2LCkpt {
			cb(nil)
			return
		}
		if m.ckpts[i] == nil {
			step(i + 1)
			return
		}
		m.ckpts[i].Restore(sbClean, func(err error) {
			if err != nil {
				cb(fmt.Errorf("p2l checkpoint %d restore: %w", i, err))
				return
			}
			step(i + 1)
		})
	}
	step(0)
}

func (m *Manager) ckptSeqID(i int) uint64 {
	obj := m.ckpts[i]
	if obj == nil || len(obj.Data()) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(obj.Data()[0:8])
}

func (m *Manager) ckptMap(i int) []P2LEntry {
	obj := m.ckpts[i]
	buf := obj.Data()
	entries := make([]P2LEntry, m.blocksPerBand)
	for b := uint64(0); b < m.blocksPerBand; b++ {
		off := 8 + int(b)*p2lEntrySize
		entries[b] = P2LEntry{
			LBA:   binary.LittleEndian.Uint64(buf[off : off+8]),
			SeqID: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
	}
	return entries
}

// MatchCheckpoint selects which rotating P2L checkpoint region holds
// the band's map: the highest checkpoint seq id not exceeding
// bandSeqID, ties broken by the lower region index. A checkpoint whose stamped seq id is 0 is
// only a candidate when bandSeqID is also 0: on every other device, a
// seq id of 0 means the slot was never written, not that it legitimately
// checkpointed generation zero. Returns -1 if no checkpoint qualifies.
func MatchCheckpoint(seqIDs [NumP2LCkpt]uint64, present [NumP2LCkpt]bool, bandSeqID uint64) int {
	best := -1
	var bestSeq uint64
	for i, seq := range seqIDs {
		if !present[i] || seq > bandSeqID {
			continue
		}
		if seq == 0 && bandSeqID != 0 {
			continue
		}
		if best == -1 || seq > bestSeq {
			best = i
			bestSeq = seq
		}
	}
	return best
}

// RestoreOpenBandsP2L rebuilds P2L state for each parked open band:
// find the checkpoint region that best covers the band's seq id via
// MatchCheckpoint and replay its map; bands with no match have their
// write pointer reset to zero (nothing was durably checkpointed for
// them).
func (m *Manager) RestoreOpenBandsP2L() {
	seqIDs := [NumP2LCkpt]uint64{}
	present := [NumP2LCkpt]bool{}
	for i := range m.ckpts {
		if m.ckpts[i] != nil {
			seqIDs[i] = m.ckptSeqID(i)
			present[i] = true
		}
	}
	for _, idx := range m.openBands {
		band := m.bands[idx]
		if i := MatchCheckpoint(seqIDs, present, band.SeqID); i >= 0 {
			band.bandMap = m.ckptMap(i)
			band.P2LCkptRegion = int32(i)
			continue
		}
		band.WritePointer = 0
		band.bandMap = nil
	}
}

// dataBlocks is the number of payload blocks a band can hold, excluding
// its own tail MD region.
func (m *Manager) dataBlocks() uint64 { return m.blocksPerBand - m.tailMDBlocks }

// freeSpace returns the payload blocks still available in b.
func (m *Manager) freeSpace(b *Band) uint64 { return m.dataBlocks() - b.WritePointer }

// FreeSpace is the exported form of freeSpace, used by package device
// to decide how many blocks of a compaction write land in the current
// open band before it needs to roll over to the next one.
func (m *Manager) FreeSpace(b *Band) uint64 { return m.freeSpace(b) }

// Process is the open-band replenishment poll: while fewer than
// MaxOpenBands bands are open and the manager is not halting, pop a
// FREE band and open it.
func (m *Manager) Process(cb func(err error)) {
	if m.halt {
		return
	}
	for len(m.openBands) < MaxOpenBands && len(m.freeBands) > 0 {
		idx := m.freeBands[0]
		m.freeBands = m.freeBands[1:]
		m.openBands = append(m.openBands, idx)
		m.openBand(m.bands[idx], cb)
	}
}

func (m *Manager) openBand(b *Band, cb func(err error)) {
	b.bandMap = make([]P2LEntry, m.dataBlocks())
	for i := range b.bandMap {
		b.bandMap[i].LBA = LBAInvalid
	}
	b.State = Open
	b.LBAMapChecksum = 0
	m.persistBandMD(b, func(err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (m *Manager) persistBandMD(b *Band, cb func(error)) {
	rec := b.marshalMD()
	buf := make([]byte, m.bandMDEntryBytes())
	copy(buf, rec)
	m.bandMD.PersistEntry(b.Index, buf, nil, func(err error) {
		if err != nil {
			cb(fmt.Errorf("band %d md persist: %w", b.Index, err))
			return
		}
		cb(nil)
	})
}

// OpenBand returns the band at openBands index i (0 is always the
// current compaction/GC destination, since MaxOpenBands is 1).
func (m *Manager) OpenBand(i int) *Band { return m.bands[m.openBands[i]] }

// OpenBandCount is the number of bands currently in OPEN state.
func (m *Manager) OpenBandCount() int { return len(m.openBands) }

// GetBandFromAddr returns the band owning a base-device block offset.
func (m *Manager) GetBandFromAddr(offset uint64) (*Band, error) {
	idx := offset / m.blocksPerBand
	if idx >= uint64(len(m.bands)) {
		return nil, fmt.Errorf("%w: base-device offset %d out of range", ftlerr.InvalidArgument, offset)
	}
	return m.bands[idx], nil
}

// SetAddr records lba as the current occupant of the block a refers
// to, writing it into the owning band's write-side P2L map at that
// block's data-relative slot. Called for every relocated block before
// the band's write pointer advances past it, so a band that
// transitions to FULL as a direct result of that advance already has a
// complete map to flush. A no-op if a doesn't land in a band with a
// live map, which should never happen on the compaction write path.
func (m *Manager) SetAddr(lba uint64, a addr.Addr) {
	if a.IsInvalid() || a.IsCached() {
		return
	}
	b, err := m.GetBandFromAddr(a.Offset())
	if err != nil || b.bandMap == nil {
		return
	}
	off := a.Offset() - b.OffsetBlocks
	if off >= uint64(len(b.bandMap)) {
		return
	}
	b.bandMap[off] = P2LEntry{LBA: lba, SeqID: b.SeqID}
}

// AdvanceBlocks records that n blocks were just written to b's payload
// area. Reaching the tail boundary moves b to FULL immediately (a
// crash-safe marker that it no longer accepts writes) and starts the
// FULL -> CLOSED tail-MD write.
func (m *Manager) AdvanceBlocks(b *Band, n uint64, cb func(error)) {
	b.WritePointer += n
	if b.WritePointer < m.dataBlocks() {
		if cb != nil {
			cb(nil)
		}
		return
	}
	b.State = Full
	m.persistBandMD(b, func(err error) {
		if err != nil {
			if cb != nil {
				cb(err)
			}
			return
		}
		m.closeBand(b, cb)
	})
}

func (m *Manager) encodeTailMD(b *Band) []byte {
	buf := make([]byte, m.tailMDBlocks*uint64(m.dev.BlockSize()))
	for i, e := range b.bandMap {
		off := i * p2lEntrySize
		if off+p2lEntrySize > len(buf) {
			break
		}
		binary.LittleEndian.PutUint64(buf[off:off+8], e.LBA)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.SeqID)
	}
	return buf
}

// closeBand writes the tail P2L map, computes its CRC32C, persists the
// CLOSED band-MD record, and moves the band onto the closed list.
func (m *Manager) closeBand(b *Band, cb func(error)) {
	tailAddr := b.OffsetBlocks + m.tailOffset()
	buf := m.encodeTailMD(b)
	submit := func() error {
		return m.dev.WriteBlocks(m.ch, buf, tailAddr, m.tailMDBlocks, func(err error) {
			if err != nil {
				m.closeBand(b, cb)
				return
			}
			b.LBAMapChecksum = crc32.Checksum(buf, crc32cTable)
			b.State = Closed
			m.persistBandMD(b, func(perr error) {
				if perr != nil {
					if cb != nil {
						cb(perr)
					}
					return
				}
				m.removeFromOpenBands(b.Index)
				m.closedBands = append(m.closedBands, b.Index)
				b.bandMap = nil
				if cb != nil {
					cb(nil)
				}
			})
		})
	}
	if err := submit(); err != nil {
		if err == bdev.ErrNoMem {
			m.dev.QueueIOWait(m.ch, &bdev.WaitEntry{Resubmit: func() { m.closeBand(b, cb) }})
			return
		}
		if cb != nil {
			cb(fmt.Errorf("%w: band %d tail md write: %v", ftlerr.IoError, b.Index, err))
		}
	}
}

func (m *Manager) removeFromOpenBands(idx uint64) {
	for i, v := range m.openBands {
		if v == idx {
			m.openBands = append(m.openBands[:i], m.openBands[i+1:]...)
			return
		}
	}
}

// Halt stops new band opens and force-closes whatever band is
// currently being filled, same shape as nvcache.Cache.Halt: untouched
// bands just revert to FREE, written-but-not-full bands have their
// write pointer jumped to the tail boundary before closing.
func (m *Manager) Halt(cb func(error)) {
	m.halt = true
	open := append([]uint64(nil), m.openBands...)
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
		b := m.bands[idx]
		if b.WritePointer == 0 {
			m.removeFromOpenBands(idx)
			b.zero()
			m.freeBands = append(m.freeBands, idx)
			done(nil)
			continue
		}
		b.WritePointer = m.dataBlocks()
		b.State = Full
		m.persistBandMD(b, func(err error) {
			if err != nil {
				done(err)
				return
			}
			m.closeBand(b, done)
		})
	}
}

// tailOffset is the block offset, relative to a band's start, where its
// tail LBA map begins.
func (m *Manager) tailOffset() uint64 { return m.blocksPerBand - m.tailMDBlocks }

// RestoreClosedBandTailMD reads, for every CLOSED band, its tail MD and
// verifies the stored CRC32C, aborting mount on mismatch.
func (m *Manager) RestoreClosedBandTailMD(cb func(error)) {
	closed := make([]uint64, 0, len(m.bands))
	for _, band := range m.bands {
		if band.State == Closed || band.State == Full {
			closed = append(closed, band.Index)
		}
	}
	var step func(i int)
	step = func(i int) {
		if i == len(closed) {
			cb(nil)
			return
		}
		band := m.bands[closed[i]]
		buf := make([]byte, m.tailMDBlocks*uint64(m.dev.BlockSize()))
		addr := band.OffsetBlocks + m.tailOffset()
		err := m.dev.ReadBlocks(m.ch, buf, addr, m.tailMDBlocks, func(err error) {
			if err != nil {
				cb(fmt.Errorf("%w: band %d tail md read: %v", ftlerr.IoError, band.Index, err))
				return
			}
			got := crc32.Checksum(buf, crc32cTable)
			if band.LBAMapChecksum != 0 && got != band.LBAMapChecksum {
				cb(fmt.Errorf("%w: band %d tail md crc mismatch: got %x want %x", ftlerr.CorruptedMetadata, band.Index, got, band.LBAMapChecksum))
				return
			}
			band.bandMap = decodeTailMD(buf, m.blocksPerBand-m.tailMDBlocks)
			step(i + 1)
		})
		if err != nil {
			cb(fmt.Errorf("%w: band %d tail md read: %v", ftlerr.IoError, band.Index, err))
		}
	}
	step(0)
}

func decodeTailMD(buf []byte, numEntries uint64) []P2LEntry {
	entries := make([]P2LEntry, numEntries)
	for i := uint64(0); i < numEntries; i++ {
		off := int(i) * p2lEntrySize
		if off+p2lEntrySize > len(buf) {
			break
		}
		entries[i] = P2LEntry{
			LBA:   binary.LittleEndian.Uint64(buf[off : off+8]),
			SeqID: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		}
	}
	return entries
}

// BandMap returns the reverse map recovered for band idx (nil if it
// hasn't been populated by a restore pass yet).
func (m *Manager) BandMap(idx uint64) []P2LEntry { return m.bands[idx].bandMap }

// Bands exposes every band for read access by the recovery package.
func (m *Manager) Bands() []*Band { return m.bands }

// OpenBands returns the indices parked during RestoreBandState.
func (m *Manager) OpenBands() []uint64 { return m.openBands }

// FreeBands returns the indices classified FREE during RestoreBandState.
func (m *Manager) FreeBands() []uint64 { return m.freeBands }

// ClosedBands returns the indices of bands that finished the
// OPEN->FULL->CLOSED write-side sequence during this runtime session.
func (m *Manager) ClosedBands() []uint64 { return m.closedBands }
