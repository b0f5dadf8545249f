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

// Package recovery replays the on-disk P2L maps into the L2P map at
// mount in bounded-memory windows. It assumes band.Manager
// has already completed RestoreBandState, RestoreOpenBandsP2L, and
// RestoreClosedBandTailMD: every non-free band's map is available via
// band.Manager.BandMap before Run is called. Grounded on
// ftl_mngt_recovery.c's iteration loop (ftl_mngt_recovery_init,
// recovery_iter_advance, restore_band_l2p_cb).
package recovery

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/band"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/md"
)

// Logf receives one line per iteration; nil means no logging.
type Logf func(format string, args ...interface{})

// owner records which band and which P2L slot currently holds the
// winning mapping for an LBA within the window being processed.
type owner struct {
	b   *band.Band
	idx int
}

// Manager drives the iteration-based L2P recovery pass.
type Manager struct {
	l2p      *md.Object
	codec    addr.Codec
	numLBAs  uint64
	addrSize int

	bands *band.Manager
	logf  Logf

	// window is the number of LBAs advanced per iteration: lba_limit
	// itself, not rounded up to a whole block of L2P entries.
	window uint64

	// validMap is a bitmap, one bit per LBA, set for every address that
	// is neither Invalid nor Cached.
	validMap []byte
}

// New builds a Manager. memLimitBytes bounds the per-iteration working
// set: lba_limit = mem_limit / (8 + addr_size) (the 8 is the per-LBA
// seq_id buffer entry). l2pObj must already be restored (its Data()
// holds the on-disk L2P map).
func New(l2pObj *md.Object, codec addr.Codec, numLBAs, memLimitBytes uint64, bands *band.Manager, logf Logf) *Manager {
	addrSize := uint64(codec.Size())
	lbaLimit := memLimitBytes / (8 + addrSize)
	if lbaLimit == 0 {
		lbaLimit = 1
	}
	window := lbaLimit
	return &Manager{
		l2p:      l2pObj,
		codec:    codec,
		numLBAs:  numLBAs,
		addrSize: int(addrSize),
		bands:    bands,
		logf:     logf,
		window:   window,
		validMap: make([]byte, (numLBAs+7)/8),
	}
}

func (m *Manager) log(format string, args ...interface{}) {
	if m.logf != nil {
		m.logf(format, args...)
	}
}

// nonFreeBands returns every band.Manager band not in the Free state,
// sorted by seq id (ties broken by band index), matching
// ftl_mngt_recovery.c's deterministic replay order.
func (m *Manager) nonFreeBands() []*band.Band {
	var out []*band.Band
	for _, b := range m.bands.Bands() {
		if b.State != band.Free {
			out = append(out, b)
		}
	}
	slices.SortFunc(out, func(a, b *band.Band) bool {
		if a.SeqID != b.SeqID {
			return a.SeqID < b.SeqID
		}
		return a.Index < b.Index
	})
	return out
}

// Run replays every non-free band's P2L map into the L2P map, window
// by window, then persists the merged map back to its region. Loading
// the band states beforehand is the caller's responsibility via
// band.Manager.
func (m *Manager) Run(cb func(error)) {
	buf := m.l2p.Data()
	need := m.numLBAs * uint64(m.addrSize)
	if uint64(len(buf)) < need {
		cb(fmt.Errorf("%w: l2p region has %d bytes, need %d for %d lbas", ftlerr.InvalidArgument, len(buf), need, m.numLBAs))
		return
	}

	bands := m.nonFreeBands()
	var lbaFirst uint64
	for lbaFirst < m.numLBAs {
		lbaLast := lbaFirst + m.window
		if lbaLast > m.numLBAs {
			lbaLast = m.numLBAs
		}
		if err := m.applyWindow(bands, lbaFirst, lbaLast, buf); err != nil {
			cb(err)
			return
		}
		m.rebuildValidMap(lbaFirst, lbaLast, buf)
		m.log("recovery: replayed lbas [%d, %d) of %d", lbaFirst, lbaLast, m.numLBAs)
		lbaFirst = lbaLast
	}

	m.l2p.Persist(func(err error) {
		if err != nil {
			cb(fmt.Errorf("recovery: l2p persist: %w", err))
			return
		}
		cb(nil)
	})
}

// applyWindow runs the seq_id[] merge for one iteration's LBA range.
func (m *Manager) applyWindow(bands []*band.Band, lbaFirst, lbaLast uint64, buf []byte) error {
	n := lbaLast - lbaFirst
	seqIDs := make([]uint64, n)
	seen := make([]bool, n)
	winners := make([]owner, n)

	for _, b := range bands {
		bm := m.bands.BandMap(b.Index)
		for i := range bm {
			entry := &bm[i]
			lba := entry.LBA
			if lba == band.LBAInvalid || lba < lbaFirst || lba >= lbaLast {
				continue
			}
			if lba >= m.numLBAs {
				return fmt.Errorf("%w: band %d p2l slot %d maps out-of-range lba %d", ftlerr.CorruptedMetadata, b.Index, i, lba)
			}
			off := lba - lbaFirst
			newAddr := addr.Flash(b.OffsetBlocks + uint64(i))

			if !seen[off] {
				seen[off] = true
				seqIDs[off] = entry.SeqID
				winners[off] = owner{b, i}
				m.codec.Store(buf, int(lba)*m.addrSize, newAddr)
				continue
			}

			cur := seqIDs[off]
			switch {
			case entry.SeqID < cur:
				// older write for this lba: skip, leave the current
				// winner in place.
			case entry.SeqID > cur:
				seqIDs[off] = entry.SeqID
				winners[off] = owner{b, i}
				m.codec.Store(buf, int(lba)*m.addrSize, newAddr)
			default:
				w := winners[off]
				curAddr := addr.Flash(w.b.OffsetBlocks + uint64(w.idx))
				if addr.Equal(curAddr, newAddr) {
					continue
				}
				// same seq id, different mapping: the lower physical
				// offset survives, the other's P2L entry is invalidated.
				if addr.Less(newAddr, curAddr) {
					wbm := m.bands.BandMap(w.b.Index)
					wbm[w.idx].LBA = band.LBAInvalid
					winners[off] = owner{b, i}
					m.codec.Store(buf, int(lba)*m.addrSize, newAddr)
				} else {
					entry.LBA = band.LBAInvalid
				}
			}
		}
	}
	return nil
}

// rebuildValidMap marks every non-free LBA in one iteration's range.
func (m *Manager) rebuildValidMap(lbaFirst, lbaLast uint64, buf []byte) {
	for lba := lbaFirst; lba < lbaLast; lba++ {
		a := m.codec.Load(buf, int(lba)*m.addrSize)
		if !a.IsInvalid() && !a.IsCached() {
			m.setValid(lba)
		} else {
			m.clearValid(lba)
		}
	}
}

func (m *Manager) setValid(lba uint64)   { m.validMap[lba/8] |= 1 << (lba % 8) }
func (m *Manager) clearValid(lba uint64) { m.validMap[lba/8] &^= 1 << (lba % 8) }

// IsValid reports whether lba currently holds a non-invalid,
// non-cached mapping, per the rebuilt valid map.
func (m *Manager) IsValid(lba uint64) bool {
	return m.validMap[lba/8]&(1<<(lba%8)) != 0
}

// ValidMap exposes the rebuilt bitmap for the caller to hand off to
// whatever runtime valid-map consumer (GC, defrag) needs it.
func (m *Manager) ValidMap() []byte { return m.validMap }
