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

package cache

import (
	"testing"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/md"
	"github.com/ftl-project/ftl/region"
)

// blockSize is chosen so pageBytes (4096) divides evenly into whole
// blocks: entrySize (in blocks) = pageBytes / blockSize.
const testBlockSize = 512

func newTestCache(t *testing.T, numLBAs uint64, dramLimitBytes uint64) (*Cache, *bdev.Fake) {
	t.Helper()
	codec := addr.NewCodec(1<<20, 1<<16)
	lbasInPage := uint64(pageBytes) / uint64(codec.Size())
	numPages := (numLBAs + lbasInPage - 1) / lbasInPage
	entryBlocks := uint32(pageBytes / testBlockSize)
	regionBlocks := numPages * uint64(entryBlocks)
	if regionBlocks < 32 {
		regionBlocks = 32
	}
	f := bdev.NewFake(regionBlocks+1024, testBlockSize, 512, 4, false)
	obj, err := md.New(f, regionBlocks, 0, "l2p", "uuid-1", md.FlagHeap, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := &region.Region{Name: "l2p", Type: region.L2P, Dev: f, Ch: f.OpenChannel(), OffsetBlocks: 0, LengthBlocks: regionBlocks, EntrySize: entryBlocks}
	if err := obj.SetRegion(r); err != nil {
		t.Fatal(err)
	}
	// Stamp every backing page with all-ones (Invalid) so a fresh Pin's
	// ReadEntry round trip observes the expected default state.
	data := f.RawBlocks(r.OffsetBlocks, regionBlocks)
	for i := range data {
		data[i] = 0xFF
	}
	c := New(codec, numLBAs, obj, dramLimitBytes)
	return c, f
}

func TestPinLoadsAndCompletes(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	var done bool
	var gotErr error
	c.Pin(0, 1, func(err error) {
		done = true
		gotErr = err
	})
	if done {
		t.Fatal("pin on a cold page should defer until the read completes")
	}
	f.Poll()
	if !done {
		t.Fatal("pin should complete once the backing read finishes")
	}
	if gotErr != nil {
		t.Fatal(gotErr)
	}
}

func TestSetGetRequiresPin(t *testing.T) {
	c, _ := newTestCache(t, 1<<16, 1<<20)
	if _, err := c.Get(0); err == nil {
		t.Fatal("expected an error reading an unpinned lba")
	}
}

func TestSetGetRoundTripAfterPin(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	want := addr.Flash(99)
	if err := c.Set(0, want); err != nil {
		t.Fatal(err)
	}
	got, err := c.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Equal(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestUnpinMakesPageEvictable(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Unpin(0, 1)
	if _, err := c.Get(0); err == nil {
		t.Fatal("expected error reading after unpin (no longer pinned)")
	}
}

func TestDeferredPinRetriesOnProcess(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	var done bool
	c.Pin(0, 1, func(error) { done = true })
	c.Process() // page still loading; should be a no-op
	if done {
		t.Fatal("Process should not complete a pin before its page loads")
	}
	f.Poll()
	if !done {
		t.Fatal("pin should auto-complete once its page's read callback fires")
	}
}

func TestUpdateCachedFixedOrdering(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Set(0, addr.Cached(10))

	var order []string
	c.NVCacheSetAddr = func(lba uint64, a addr.Addr) { order = append(order, "nvc") }
	c.Invalidate = func(a addr.Addr) { order = append(order, "invalidate") }

	if err := c.UpdateCached(0, addr.Cached(20), addr.Cached(10)); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "nvc" || order[1] != "invalidate" {
		t.Fatalf("got order %v, want [nvc invalidate]", order)
	}
	got, _ := c.Get(0)
	if !addr.Equal(got, addr.Cached(20)) {
		t.Fatal("l2p should now point at the new address")
	}
}

func TestUpdateCachedSameChunkLowerWins(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Set(0, addr.Cached(5))
	c.SameChunk = func(a, b addr.Addr) bool { return true }

	called := false
	c.NVCacheSetAddr = func(lba uint64, a addr.Addr) { called = true }
	if err := c.UpdateCached(0, addr.Cached(50), addr.Cached(5)); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Fatal("same-chunk lower-address tie-break should skip the update entirely")
	}
	got, _ := c.Get(0)
	if !addr.Equal(got, addr.Cached(5)) {
		t.Fatal("l2p should still point at the lower (surviving) address")
	}
}

func TestUpdateWinsRace(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Set(0, addr.Cached(7))

	var invalidated []addr.Addr
	c.Invalidate = func(a addr.Addr) { invalidated = append(invalidated, a) }
	if err := c.Update(0, addr.Flash(100), addr.Cached(7)); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Get(0)
	if !addr.Equal(got, addr.Flash(100)) {
		t.Fatal("update should install new_addr when weak_addr still matches")
	}
	if len(invalidated) != 1 || !addr.Equal(invalidated[0], addr.Cached(7)) {
		t.Fatalf("expected weak_addr invalidated once, got %v", invalidated)
	}
}

func TestUpdateLosesRace(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Set(0, addr.Flash(1)) // current value no longer equals weakAddr

	var invalidated []addr.Addr
	c.Invalidate = func(a addr.Addr) { invalidated = append(invalidated, a) }
	if err := c.Update(0, addr.Flash(100), addr.Cached(7)); err != nil {
		t.Fatal(err)
	}
	got, _ := c.Get(0)
	if !addr.Equal(got, addr.Flash(1)) {
		t.Fatal("losing the race must leave the existing l2p entry untouched")
	}
	if len(invalidated) != 2 {
		t.Fatalf("expected both addresses invalidated, got %v", invalidated)
	}
}

func TestEvictionKeepFloor(t *testing.T) {
	// A tiny resident pool forces eviction as soon as more distinct
	// pages are touched than the pool can hold.
	c, f := newTestCache(t, 1<<20, uint64(4*pageBytes))
	for i := uint64(0); i < 12; i++ {
		lba := i * c.lbasInPage
		c.Pin(lba, 1, func(error) {})
		f.Poll()
		c.Unpin(lba, 1)
	}
	if c.availPages() < c.evictKeep {
		t.Fatalf("availPages=%d should be >= evictKeep=%d", c.availPages(), c.evictKeep)
	}
}

func TestClearResetsResidentPages(t *testing.T) {
	c, f := newTestCache(t, 1<<16, 1<<20)
	c.Pin(0, 1, func(error) {})
	f.Poll()
	c.Set(0, addr.Flash(55))

	var cerr error
	c.Clear(func(err error) { cerr = err })
	f.Poll()
	if cerr != nil {
		t.Fatal(cerr)
	}
	got, err := c.Get(0)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsInvalid() {
		t.Fatal("clear should reset resident pages to Invalid")
	}
}

func TestPinDefersWhenPoolFullAndNothingEvictable(t *testing.T) {
	// A one-page pool with its only page pinned has nothing reserveSlot
	// can evict: a second page's pin must defer, not be granted anyway.
	c, f := newTestCache(t, 1<<16, uint64(pageBytes))
	c.Pin(0, 1, func(error) {})
	f.Poll()

	var done bool
	c.Pin(c.lbasInPage, 1, func(error) { done = true })
	if done {
		t.Fatal("pin should defer when the resident pool is full and the only page is pinned")
	}
	if len(c.deferred) != 1 {
		t.Fatalf("expected one deferred pin, got %d", len(c.deferred))
	}
	if _, tracked := c.pages[1]; tracked {
		t.Fatal("a page reserveSlot couldn't make room for must stay untracked, not partially loaded")
	}
}

func TestDeferredPinRetriesAfterEvictionFreesSlot(t *testing.T) {
	c, f := newTestCache(t, 1<<16, uint64(pageBytes))
	c.Pin(0, 1, func(error) {})
	f.Poll()

	var done bool
	c.Pin(c.lbasInPage, 1, func(error) { done = true })
	if done {
		t.Fatal("pin should still be deferred before the first page is unpinned")
	}

	c.Unpin(0, 1) // page 0 has no pending updates: maybeEvict frees it synchronously
	c.Process()
	f.Poll()
	c.Process()
	if !done {
		t.Fatal("freeing a slot should let the deferred pin fault in and complete")
	}
}

func TestReserveSlotFlushesDirtyPageBeforeEvicting(t *testing.T) {
	c, f := newTestCache(t, 1<<16, uint64(pageBytes))
	c.Pin(0, 1, func(error) {})
	f.Poll()
	if err := c.Set(0, addr.Flash(1)); err != nil {
		t.Fatal(err)
	}
	c.Unpin(0, 1) // dirty: stays resident until flushed, not freed immediately

	var done bool
	c.Pin(c.lbasInPage, 1, func(error) { done = true })
	if done {
		t.Fatal("pin should defer while the evicted page's flush is still in flight")
	}
	f.Poll() // completes the PersistEntry that frees page 0's slot
	c.Process()
	f.Poll() // completes the new page's ReadEntry
	c.Process()
	if !done {
		t.Fatal("pin should complete once the dirty page's flush frees a slot")
	}
}

func TestAvailPagesNeverUnderflowsAtCapacity(t *testing.T) {
	c, f := newTestCache(t, 1<<16, uint64(pageBytes))
	c.Pin(0, 1, func(error) {})
	f.Poll()
	if got := c.availPages(); got != 0 {
		t.Fatalf("availPages() = %d, want 0 at capacity", got)
	}
}

func TestHaltSettlesWithNoEvictionsInFlight(t *testing.T) {
	c, _ := newTestCache(t, 1<<16, 1<<20)
	c.Halt()
	if !c.IsHalted() {
		t.Fatal("halt with nothing resident should settle immediately")
	}
}
