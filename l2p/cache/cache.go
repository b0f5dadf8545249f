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

// Package cache is the paged L2P backend: a fixed pool of resident
// pages, LRU-evicted under DRAM pressure, with pin/unpin and deferred
// pinners for pages that must be faulted in from the backing region
// before a caller can touch them.
package cache

import (
	"fmt"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/ftlerr"
	"github.com/ftl-project/ftl/md"
)

// CompletionFunc matches md.CompletionFunc.
type CompletionFunc = md.CompletionFunc

// State is a page's position in the residency/flush state machine.
type State int

const (
	Init State = iota
	Ready
	InFlush
	InPersist
	InClear
	Corrupted
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Ready:
		return "ready"
	case InFlush:
		return "in_flush"
	case InPersist:
		return "in_persist"
	case InClear:
		return "in_clear"
	case Corrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// page is one resident L1 page's bookkeeping. Eviction uses an
// intrusive doubly-linked LRU instead of a container/list or a third
// library: pages are linked through their own prev/next pointers, and a
// page that is pinned is unlinked from the ring and simply carries no
// prev/next.
type page struct {
	no         uint64
	state      State
	pinRefCnt  uint32
	updates    uint64
	buf        []byte
	prev, next *page
}

func (p *page) resident() bool { return p.state == Ready && p.buf != nil }

// pinWait is a deferred Pin call waiting on one or more pages to become
// resident.
type pinWait struct {
	lba, count uint64
	cb         func(error)
}

// Cache is a paged, LRU-evicted L2P map over one md.Object bound to the
// L2P region, with EntrySize set to one page's worth of blocks.
type Cache struct {
	codec      addr.Codec
	obj        *md.Object
	numLBAs    uint64
	lbasInPage uint64
	pageBytes  int
	numPages   uint64

	pages map[uint64]*page

	lruHead, lruTail *page

	pgsResidentMax uint32
	evictKeep      uint32

	deferred []*pinWait

	halted     bool
	inShutdown bool

	// NVCacheSetAddr, BandSetAddr and Invalidate are hooks into the
	// NVC and band layers, wired by package device; UpdateCached and
	// Update call them in the documented fixed order.
	NVCacheSetAddr func(lba uint64, a addr.Addr)
	BandSetAddr    func(lba uint64, a addr.Addr)
	Invalidate     func(a addr.Addr)

	// SameChunk reports whether two cached addresses land in the same
	// NV-cache chunk, needed by UpdateCached's write-after-write
	// tie-break. A nil SameChunk always answers false, which is safe
	// (it just means the tie-break never triggers).
	SameChunk func(a, b addr.Addr) bool
}

// DefaultEvictKeepMax is FTL_L2P_CACHE_PAGE_AVAIL_MAX, the cap New
// places on evictKeep. It is a package constant; a Cache has no
// per-instance override.
const DefaultEvictKeepMax = 16384

const pageBytes = 1 << 12 // one L1 page per 4096 bytes of L2P

// New builds a paged L2P cache over numLBAs entries, keeping at most
// dramLimitBytes of page data resident at once. obj must be bound to
// the L2P region with region.EntrySize (in blocks) sized so that
// EntrySize*blockSize == pageBytes (4096), since PersistEntry/ReadEntry
// address one L1 page per "entry".
func New(codec addr.Codec, numLBAs uint64, obj *md.Object, dramLimitBytes uint64) *Cache {
	lbasInPage := uint64(pageBytes) / uint64(codec.Size())
	numPages := (numLBAs + lbasInPage - 1) / lbasInPage
	maxResident := dramLimitBytes / uint64(pageBytes)
	if maxResident > numPages {
		maxResident = numPages
	}
	if maxResident == 0 {
		maxResident = 1
	}
	evictKeep := (uint64(maxResident)*5 + 99) / 100
	if evictKeep > DefaultEvictKeepMax {
		evictKeep = DefaultEvictKeepMax
	}
	if evictKeep == 0 {
		evictKeep = 1
	}
	return &Cache{
		codec:          codec,
		obj:            obj,
		numLBAs:        numLBAs,
		lbasInPage:     lbasInPage,
		pageBytes:      pageBytes,
		numPages:       numPages,
		pages:          make(map[uint64]*page),
		pgsResidentMax: uint32(maxResident),
		evictKeep:      uint32(evictKeep),
	}
}

func (c *Cache) pageNo(lba uint64) uint64    { return lba / c.lbasInPage }
func (c *Cache) offsetInPage(lba uint64) int { return int(lba%c.lbasInPage) * c.codec.Size() }

func (c *Cache) pagesFor(lba, count uint64) []uint64 {
	first := c.pageNo(lba)
	last := c.pageNo(lba + count - 1)
	out := make([]uint64, 0, last-first+1)
	for p := first; p <= last; p++ {
		out = append(out, p)
	}
	return out
}

// availPages is the number of resident-pool slots not currently
// occupied by any tracked page, floored at zero: len(pages) can reach
// pgsResidentMax exactly (every slot full) without ever exceeding it,
// but the comparison is kept explicit rather than relying on that to
// hold under future changes to the fault-in path.
func (c *Cache) availPages() uint32 {
	if uint32(len(c.pages)) >= c.pgsResidentMax {
		return 0
	}
	return c.pgsResidentMax - uint32(len(c.pages))
}

func (c *Cache) lruUnlink(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else if c.lruHead == p {
		c.lruHead = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else if c.lruTail == p {
		c.lruTail = p.prev
	}
	p.prev, p.next = nil, nil
}

func (c *Cache) lruPushTail(p *page) {
	p.prev, p.next = c.lruTail, nil
	if c.lruTail != nil {
		c.lruTail.next = p
	} else {
		c.lruHead = p
	}
	c.lruTail = p
}

func (c *Cache) lruPopHead() *page {
	p := c.lruHead
	if p != nil {
		c.lruUnlink(p)
	}
	return p
}

func (c *Cache) onLRU(p *page) bool {
	return c.lruHead == p || c.lruTail == p || p.prev != nil || p.next != nil
}

// loadPage starts (or no-ops onto) a fault-in of page no. Completion
// inserts it, unpinned, at the LRU tail and retries deferred pinners.
// Callers must have already reserved a resident-pool slot for no via
// reserveSlot; loadPage itself never evicts.
func (c *Cache) loadPage(no uint64) {
	if _, ok := c.pages[no]; ok {
		return
	}
	p := &page{no: no, state: Init}
	c.pages[no] = p
	buf := make([]byte, c.pageBytes)
	c.obj.ReadEntry(no, buf, nil, func(err error) {
		if err != nil {
			p.state = Corrupted
			c.drainDeferred()
			return
		}
		p.buf = buf
		p.state = Ready
		c.lruPushTail(p)
		c.drainDeferred()
	})
}

// reserveSlot reports whether the resident pool has room for one more
// tracked page, evicting the LRU-head (the least-recently-unpinned,
// hence lowest-priority) page first if it doesn't. A clean page (no
// pending updates) frees its slot immediately; a dirty one is flushed
// first, which frees the slot only once PersistEntry completes, so
// reserveSlot reports false for this call and relies on that
// completion's drainDeferred to retry. Returns false with no eviction
// started if every resident page is currently pinned.
func (c *Cache) reserveSlot() bool {
	if c.availPages() > 0 {
		return true
	}
	p := c.lruPopHead()
	if p == nil {
		return false
	}
	if p.updates == 0 {
		c.freePage(p)
		return true
	}
	p.state = InFlush
	buf := p.buf
	c.obj.PersistEntry(p.no, buf, nil, func(err error) {
		c.freePage(p)
		if err == nil {
			c.drainDeferred()
		}
	})
	return false
}

// faultInReady reports whether every page in nos is resident. For any
// that are neither tracked nor already loading, it reserves a
// resident-pool slot (evicting if necessary) before starting a
// fault-in; if the pool has no evictable page to offer, that page is
// left untracked and the caller must retry later via Process.
func (c *Cache) faultInReady(nos []uint64) bool {
	ready := true
	for _, no := range nos {
		p, ok := c.pages[no]
		if !ok {
			ready = false
			if c.reserveSlot() {
				c.loadPage(no)
			}
			continue
		}
		if !p.resident() {
			ready = false
		}
	}
	return ready
}

// Pin marks the count L2P entries starting at lba resident and
// pinned, invoking cb once they are available. If any covering page is
// not yet resident, or the resident pool has no room to fault one in,
// the request is deferred and retried by Process.
func (c *Cache) Pin(lba, count uint64, cb func(error)) {
	if lba+count > c.numLBAs {
		cb(fmt.Errorf("%w: l2p/cache: pin range [%d,%d) exceeds %d lbas", ftlerr.InvalidArgument, lba, lba+count, c.numLBAs))
		return
	}
	nos := c.pagesFor(lba, count)
	for _, no := range nos {
		if p, ok := c.pages[no]; ok && p.state == Corrupted {
			cb(fmt.Errorf("%w: l2p/cache: page %d corrupted", ftlerr.IoError, no))
			return
		}
	}
	if !c.faultInReady(nos) {
		c.deferred = append(c.deferred, &pinWait{lba: lba, count: count, cb: cb})
		return
	}
	for _, no := range nos {
		c.pinPage(c.pages[no])
	}
	cb(nil)
}

func (c *Cache) pinPage(p *page) {
	if p.pinRefCnt == 0 && c.onLRU(p) {
		c.lruUnlink(p)
	}
	p.pinRefCnt++
}

// Unpin decrements the pin count on every page covering [lba,lba+count);
// pages reaching zero become eligible for eviction again.
func (c *Cache) Unpin(lba, count uint64) {
	for _, no := range c.pagesFor(lba, count) {
		p, ok := c.pages[no]
		if !ok || p.pinRefCnt == 0 {
			continue
		}
		p.pinRefCnt--
		if p.pinRefCnt == 0 {
			c.lruPushTail(p)
			c.maybeEvict()
		}
	}
}

func (c *Cache) coveringPage(lba uint64) (*page, error) {
	if lba >= c.numLBAs {
		return nil, fmt.Errorf("%w: l2p/cache: lba %d out of range", ftlerr.InvalidArgument, lba)
	}
	p, ok := c.pages[c.pageNo(lba)]
	if !ok || !p.resident() {
		return nil, fmt.Errorf("%w: l2p/cache: lba %d page not resident", ftlerr.Busy, lba)
	}
	if p.pinRefCnt == 0 {
		return nil, fmt.Errorf("%w: l2p/cache: lba %d page not pinned", ftlerr.InvalidArgument, lba)
	}
	return p, nil
}

// Get returns the address mapped to lba; the covering page must already
// be resident and pinned.
func (c *Cache) Get(lba uint64) (addr.Addr, error) {
	p, err := c.coveringPage(lba)
	if err != nil {
		return addr.Invalid, err
	}
	return c.codec.Load(p.buf, c.offsetInPage(lba)), nil
}

// Set maps lba to a; like Get, the covering page must be resident and
// pinned. Bumps the page's update counter so eviction knows to flush it.
func (c *Cache) Set(lba uint64, a addr.Addr) error {
	p, err := c.coveringPage(lba)
	if err != nil {
		return err
	}
	c.codec.Store(p.buf, c.offsetInPage(lba), a)
	p.updates++
	return nil
}

// UpdateCached implements the nv-cache write path's fixed ordering: set
// the chunk's tail LBA map entry, then the L2P entry, then invalidate
// the prior address, except when newAddr and the current cached
// address share an NV-cache chunk, in which case the lower (older)
// address wins and this call is a no-op.
func (c *Cache) UpdateCached(lba uint64, newAddr, prevAddr addr.Addr) error {
	cur, err := c.Get(lba)
	if err != nil {
		return err
	}
	if !cur.IsInvalid() && cur.IsCached() && c.SameChunk != nil && c.SameChunk(cur, newAddr) && addr.Less(cur, newAddr) {
		return nil
	}
	if c.NVCacheSetAddr != nil {
		c.NVCacheSetAddr(lba, newAddr)
	}
	if err := c.Set(lba, newAddr); err != nil {
		return err
	}
	if !cur.IsInvalid() && c.Invalidate != nil {
		c.Invalidate(cur)
	}
	return nil
}

// Update implements the compaction/GC write path: if the
// L2P still points at weakAddr, install newAddr via band.set_addr then
// l2p_set then invalidate weakAddr; otherwise compaction lost the race
// and both addresses are invalidated.
func (c *Cache) Update(lba uint64, newAddr, weakAddr addr.Addr) error {
	cur, err := c.Get(lba)
	if err != nil {
		return err
	}
	if addr.Equal(cur, weakAddr) {
		if c.BandSetAddr != nil {
			c.BandSetAddr(lba, newAddr)
		}
		if err := c.Set(lba, newAddr); err != nil {
			return err
		}
		if c.Invalidate != nil {
			c.Invalidate(weakAddr)
		}
		return nil
	}
	if c.Invalidate != nil {
		c.Invalidate(weakAddr)
		c.Invalidate(newAddr)
	}
	return nil
}

func (c *Cache) freePage(p *page) {
	delete(c.pages, p.no)
	if c.inShutdown && c.evictionsSettled() {
		c.halted = true
	}
}

// maybeEvict flushes and frees LRU-tail pages (lowest-priority first:
// the head of the ring, since the tail is where freshly-unpinned pages
// land) until availPages clears evictKeep, or the ring runs dry.
func (c *Cache) maybeEvict() {
	for c.availPages() < c.evictKeep {
		p := c.lruPopHead()
		if p == nil {
			return
		}
		if p.updates == 0 {
			c.freePage(p)
			continue
		}
		p.state = InFlush
		buf := p.buf
		c.obj.PersistEntry(p.no, buf, nil, func(err error) {
			c.freePage(p)
			if err == nil {
				c.maybeEvict()
			}
		})
	}
}

// Clear writes addr.Invalid across the whole L2P region via the
// backing MD object's clear path, then resets every resident page's
// in-memory contents and update counters to match.
func (c *Cache) Clear(cb CompletionFunc) {
	pattern := make([]byte, c.codec.Size())
	c.codec.Store(pattern, 0, addr.Invalid)
	for _, p := range c.pages {
		p.state = InClear
	}
	c.obj.Clear(pattern, nil, func(err error) {
		if err == nil {
			for _, p := range c.pages {
				for off := 0; off+c.codec.Size() <= len(p.buf); off += c.codec.Size() {
					c.codec.Store(p.buf, off, addr.Invalid)
				}
				p.updates = 0
				p.state = Ready
			}
		}
		cb(err)
	})
}

// Persist flushes every resident page carrying pending updates to
// disk, without evicting it: the same single-page write maybeEvict
// issues under memory pressure, run here over the whole resident set
// so a clean shutdown can make the L2P map durable before the
// superblock is stamped clean.
func (c *Cache) Persist(cb CompletionFunc) {
	dirty := make([]*page, 0, len(c.pages))
	for _, p := range c.pages {
		if p.updates > 0 && p.resident() {
			dirty = append(dirty, p)
		}
	}
	var step func(i int)
	step = func(i int) {
		if i == len(dirty) {
			cb(nil)
			return
		}
		p := dirty[i]
		p.state = InPersist
		c.obj.PersistEntry(p.no, p.buf, nil, func(err error) {
			if err != nil {
				cb(err)
				return
			}
			p.updates = 0
			p.state = Ready
			step(i + 1)
		})
	}
	step(0)
}

// Process drains one ready deferred pinner per call, kicking off a
// fault-in for any of its pages that couldn't claim a resident-pool
// slot when it was first deferred.
func (c *Cache) Process() {
	if len(c.deferred) == 0 {
		return
	}
	pw := c.deferred[0]
	nos := c.pagesFor(pw.lba, pw.count)
	for _, no := range nos {
		if p, ok := c.pages[no]; ok && p.state == Corrupted {
			c.deferred = c.deferred[1:]
			pw.cb(fmt.Errorf("%w: l2p/cache: page %d corrupted", ftlerr.IoError, no))
			return
		}
	}
	if !c.faultInReady(nos) {
		return
	}
	c.deferred = c.deferred[1:]
	for _, no := range nos {
		c.pinPage(c.pages[no])
	}
	pw.cb(nil)
}

func (c *Cache) drainDeferred() {
	for {
		before := len(c.deferred)
		c.Process()
		if len(c.deferred) == before {
			return
		}
	}
}

// Halt marks the cache as shutting down; IsHalted reports true once no
// eviction flush is in flight (at once if none is). Halt does not
// reject later Pin, Set or Update calls.
func (c *Cache) Halt() {
	c.inShutdown = true
	if len(c.pages) == 0 || c.evictionsSettled() {
		c.halted = true
	}
}

func (c *Cache) evictionsSettled() bool {
	for _, p := range c.pages {
		if p.state == InFlush {
			return false
		}
	}
	return true
}

// IsHalted reports whether Halt has fully drained in-flight work.
func (c *Cache) IsHalted() bool { return c.halted }
