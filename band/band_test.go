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

package band

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/md"
	"github.com/ftl-project/ftl/region"
)

const (
	testBlockSize     = 512
	testNumBands      = 4
	testBlocksPerBand = 64
	testAddrSize      = 4
)

type testFixture struct {
	m     *Manager
	data  *bdev.Fake
	mdDev *bdev.Fake
}

func newTestManager(t *testing.T) *testFixture {
	t.Helper()
	dataDev := bdev.NewFake(testBlocksPerBand*testNumBands, testBlockSize, testBlocksPerBand, testNumBands, false)

	mdDev := bdev.NewFake(4096, testBlockSize, 512, 4, false)
	bandMDObj, err := md.New(mdDev, testNumBands, 0, "band_md", "uuid-1", md.FlagHeap, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := &region.Region{Name: "band_md", Type: region.BandMD, Dev: mdDev, Ch: mdDev.OpenChannel(), OffsetBlocks: 0, LengthBlocks: testNumBands, EntrySize: 1}
	if err := bandMDObj.SetRegion(r); err != nil {
		t.Fatal(err)
	}

	ckptRecBytes := 8 + testBlocksPerBand*p2lEntrySize
	ckptRecBlocks := (uint64(ckptRecBytes) + testBlockSize - 1) / testBlockSize

	var ckpts [NumP2LCkpt]*md.Object
	for i := range ckpts {
		obj, err := md.New(mdDev, ckptRecBlocks, 0, "p2l_ckpt", "uuid-1", md.FlagHeap, nil)
		if err != nil {
			t.Fatal(err)
		}
		cr := &region.Region{Name: "p2l_ckpt", Type: region.P2LCkpt0, Dev: mdDev, Ch: mdDev.OpenChannel(), OffsetBlocks: uint64(100 + i*10), LengthBlocks: ckptRecBlocks}
		if err := obj.SetRegion(cr); err != nil {
			t.Fatal(err)
		}
		ckpts[i] = obj
	}

	m := New(dataDev, testNumBands, testBlocksPerBand, testAddrSize, bandMDObj, ckpts)
	return &testFixture{m: m, data: dataDev, mdDev: mdDev}
}

// poll drains both the band data device (tail-md writes) and the
// band-md device (band-md persists) until both are quiescent.
func (f *testFixture) poll() {
	for f.data.Poll()+f.mdDev.Poll() > 0 {
	}
}

// persistBandRecord stamps a band record directly into the backing
// fake device, at the offset RestoreBandState's Restore call will read
// from (Restore overwrites the object's in-memory buffer from the
// device, so writing to Object.Data() directly would just be clobbered
// before the test assertion ever runs).
func (f *testFixture) persistBandRecord(t *testing.T, idx uint64, b Band) {
	t.Helper()
	r := f.m.bandMD.Region()
	entryBlocks := uint64(r.EntrySize)
	entryBytes := f.m.bandMDEntryBytes()
	blocks := f.mdDev.RawBlocks(r.OffsetBlocks+idx*entryBlocks, entryBlocks)
	copy(blocks[:entryBytes], b.marshalMD())
}

func TestBandMDRoundTrip(t *testing.T) {
	b := Band{SeqID: 5, CloseSeqID: 6, WritePointer: 10, State: Closed, LBAMapChecksum: 0xABCD, P2LCkptRegion: 2}
	buf := b.marshalMD()
	got := unmarshalBandMD(buf)
	if got.SeqID != 5 || got.CloseSeqID != 6 || got.WritePointer != 10 || got.State != Closed ||
		got.LBAMapChecksum != 0xABCD || got.P2LCkptRegion != 2 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRestoreBandStateClassifiesBands(t *testing.T) {
	f := newTestManager(t)
	f.persistBandRecord(t, 0, Band{State: Free})
	f.persistBandRecord(t, 1, Band{State: Open, SeqID: 42, WritePointer: 7})
	f.persistBandRecord(t, 2, Band{State: Closed, LBAMapChecksum: 1})
	f.persistBandRecord(t, 3, Band{State: Free})

	var rerr error
	f.m.RestoreBandState(true, func(err error) { rerr = err })
	f.mdDev.Poll()
	if rerr != nil {
		t.Fatal(rerr)
	}

	if len(f.m.FreeBands()) != 2 {
		t.Fatalf("got %d free bands, want 2", len(f.m.FreeBands()))
	}
	if len(f.m.OpenBands()) != 1 || f.m.OpenBands()[0] != 1 {
		t.Fatalf("got open bands %v, want [1]", f.m.OpenBands())
	}
	if f.m.bands[2].State != Closed {
		t.Fatal("closed band should be left untouched")
	}
}

func TestRestoreOpenBandsP2LMatchesCheckpoint(t *testing.T) {
	f := newTestManager(t)
	f.persistBandRecord(t, 1, Band{State: Open, SeqID: 99})

	var rerr error
	f.m.RestoreBandState(true, func(err error) { rerr = err })
	f.mdDev.Poll()
	if rerr != nil {
		t.Fatal(rerr)
	}

	// Stamp checkpoint slot 1 with seq id 99 and one entry.
	ck := f.m.ckpts[1].Data()
	binary.LittleEndian.PutUint64(ck[0:8], 99)
	binary.LittleEndian.PutUint64(ck[8:16], 1234) // block 0 lba
	binary.LittleEndian.PutUint64(ck[16:24], 99)  // block 0 seq id

	f.m.RestoreOpenBandsP2L()

	band := f.m.bands[1]
	if band.P2LCkptRegion != 1 {
		t.Fatalf("expected checkpoint match at slot 1, got %d", band.P2LCkptRegion)
	}
	bm := f.m.BandMap(1)
	if bm == nil || bm[0].LBA != 1234 || bm[0].SeqID != 99 {
		t.Fatalf("unexpected band map: %+v", bm)
	}
}

func TestRestoreOpenBandsP2LResetsOnNoMatch(t *testing.T) {
	f := newTestManager(t)
	f.persistBandRecord(t, 1, Band{State: Open, SeqID: 7, WritePointer: 20})
	var rerr error
	f.m.RestoreBandState(true, func(err error) { rerr = err })
	f.mdDev.Poll()
	if rerr != nil {
		t.Fatal(rerr)
	}
	f.m.RestoreOpenBandsP2L()
	if f.m.bands[1].WritePointer != 0 {
		t.Fatalf("unmatched open band should reset write pointer to 0, got %d", f.m.bands[1].WritePointer)
	}
}

func TestMatchCheckpointPicksHighestNotExceeding(t *testing.T) {
	seqIDs := [NumP2LCkpt]uint64{10, 30, 20}
	present := [NumP2LCkpt]bool{true, true, true}
	if got := MatchCheckpoint(seqIDs, present, 25); got != 2 {
		t.Fatalf("got slot %d, want 2 (seq 20 is highest <= 25)", got)
	}
	if got := MatchCheckpoint(seqIDs, present, 30); got != 1 {
		t.Fatalf("got slot %d, want 1 (exact match)", got)
	}
	if got := MatchCheckpoint(seqIDs, present, 5); got != -1 {
		t.Fatalf("got slot %d, want -1 (nothing qualifies below 10)", got)
	}
}

func TestMatchCheckpointTiesBreakByLowerIndex(t *testing.T) {
	seqIDs := [NumP2LCkpt]uint64{15, 15, 15}
	present := [NumP2LCkpt]bool{true, true, true}
	if got := MatchCheckpoint(seqIDs, present, 15); got != 0 {
		t.Fatalf("got slot %d, want 0 (three-way tie breaks to lowest index)", got)
	}
}

func TestMatchCheckpointZeroSeqOnlyCandidateWhenBandSeqZero(t *testing.T) {
	seqIDs := [NumP2LCkpt]uint64{0, 0, 0}
	present := [NumP2LCkpt]bool{true, true, true}
	if got := MatchCheckpoint(seqIDs, present, 7); got != -1 {
		t.Fatalf("got slot %d, want -1 (unwritten zero-seq slots never match a nonzero band seq)", got)
	}
	if got := MatchCheckpoint(seqIDs, present, 0); got != 0 {
		t.Fatalf("got slot %d, want 0 (band genuinely at seq 0 matches a zero-seq slot)", got)
	}
}

func TestProcessOpensUpToMaxOpenBands(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()
	if f.m.OpenBandCount() != MaxOpenBands {
		t.Fatalf("got %d open bands, want %d", f.m.OpenBandCount(), MaxOpenBands)
	}
	b := f.m.OpenBand(0)
	if b.State != Open {
		t.Fatalf("band state = %v, want Open", b.State)
	}
	if len(b.bandMap) != int(f.m.dataBlocks()) {
		t.Fatalf("band map len = %d, want %d", len(b.bandMap), f.m.dataBlocks())
	}
	for _, e := range b.bandMap {
		if e.LBA != LBAInvalid {
			t.Fatal("freshly opened band map must be all-invalid")
		}
	}
}

func TestSetAddrStampsP2LEntry(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()
	b := f.m.OpenBand(0)
	b.SeqID = 7

	f.m.SetAddr(555, addr.Flash(b.OffsetBlocks+3))
	if b.bandMap[3].LBA != 555 || b.bandMap[3].SeqID != 7 {
		t.Fatalf("band map slot 3 = %+v, want {555 7}", b.bandMap[3])
	}
	if b.bandMap[0].LBA != LBAInvalid {
		t.Fatal("SetAddr touched a slot it shouldn't have")
	}
}

func TestSetAddrIgnoresInvalidAndCachedAddr(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()
	b := f.m.OpenBand(0)

	f.m.SetAddr(1, addr.Invalid)
	f.m.SetAddr(1, addr.Cached(0))
	for _, e := range b.bandMap {
		if e.LBA != LBAInvalid {
			t.Fatal("SetAddr should ignore non-flash addresses")
		}
	}
}

func TestAdvanceBlocksAutoClosesAtBoundary(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()
	b := f.m.OpenBand(0)

	fill := f.m.dataBlocks()
	for i := uint64(0); i < fill; i++ {
		f.m.SetAddr(200+i, addr.Flash(b.OffsetBlocks+i))
	}
	var closeErr error
	f.m.AdvanceBlocks(b, fill, func(err error) { closeErr = err })
	f.poll()
	if closeErr != nil {
		t.Fatal(closeErr)
	}
	if b.State != Closed {
		t.Fatalf("band state = %v, want Closed", b.State)
	}
	if b.LBAMapChecksum == 0 {
		t.Fatal("closed band must have a non-zero lba map checksum")
	}
	found := false
	for _, idx := range f.m.ClosedBands() {
		if idx == b.Index {
			found = true
		}
	}
	if !found {
		t.Fatal("closed band should be on the closed list")
	}

	var trerr error
	f.m.RestoreClosedBandTailMD(func(err error) { trerr = err })
	f.poll()
	if trerr != nil {
		t.Fatal(trerr)
	}
	bm := f.m.BandMap(b.Index)
	if bm[0].LBA != 200 {
		t.Fatalf("restored band map slot 0 lba = %d, want 200", bm[0].LBA)
	}
}

func TestHaltForceClosesPartiallyFilledBand(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()
	b := f.m.OpenBand(0)

	var advErr error
	f.m.AdvanceBlocks(b, 3, func(err error) { advErr = err })
	f.poll()
	if advErr != nil {
		t.Fatal(advErr)
	}

	var haltErr error
	f.m.Halt(func(err error) { haltErr = err })
	f.poll()
	if haltErr != nil {
		t.Fatal(haltErr)
	}
	if b.State != Closed {
		t.Fatalf("state = %v, want Closed", b.State)
	}
	if b.WritePointer != f.m.dataBlocks() {
		t.Fatalf("write pointer = %d, want %d", b.WritePointer, f.m.dataBlocks())
	}
	if b.LBAMapChecksum == 0 {
		t.Fatal("force-closed band must have a non-zero checksum")
	}
}

func TestHaltResetsUntouchedOpenBandToFree(t *testing.T) {
	f := newTestManager(t)
	f.m.Process(func(error) {})
	f.poll()

	var haltErr error
	f.m.Halt(func(err error) { haltErr = err })
	f.poll()
	if haltErr != nil {
		t.Fatal(haltErr)
	}
	if f.m.bands[0].State != Free {
		t.Fatalf("untouched open band should reset to Free, got %v", f.m.bands[0].State)
	}
	if f.m.OpenBandCount() != 0 {
		t.Fatal("expected no open bands after halt")
	}
}

func TestRestoreClosedBandTailMDDetectsCRCMismatch(t *testing.T) {
	f := newTestManager(t)
	f.persistBandRecord(t, 0, Band{State: Closed, LBAMapChecksum: 0xDEADBEEF})
	var rerr error
	f.m.RestoreBandState(true, func(err error) { rerr = err })
	f.mdDev.Poll()
	if rerr != nil {
		t.Fatal(rerr)
	}

	var restoreErr error
	f.m.RestoreClosedBandTailMD(func(err error) { restoreErr = err })
	f.data.Poll()
	if restoreErr == nil {
		t.Fatal("expected a CRC mismatch error for a garbage checksum")
	}
}

func TestRestoreClosedBandTailMDAcceptsMatchingCRC(t *testing.T) {
	f := newTestManager(t)
	tailBlocks := f.m.tailMDBlocks
	addr := f.m.bands[0].OffsetBlocks + f.m.tailOffset()
	tailBuf := make([]byte, tailBlocks*testBlockSize)
	for i := range tailBuf {
		tailBuf[i] = byte(i)
	}
	copy(f.data.RawBlocks(addr, tailBlocks), tailBuf)
	checksum := crc32.Checksum(tailBuf, crc32cTable)

	f.persistBandRecord(t, 0, Band{State: Closed, LBAMapChecksum: checksum})
	var rerr error
	f.m.RestoreBandState(true, func(err error) { rerr = err })
	f.mdDev.Poll()
	if rerr != nil {
		t.Fatal(rerr)
	}

	var restoreErr error
	f.m.RestoreClosedBandTailMD(func(err error) { restoreErr = err })
	f.data.Poll()
	if restoreErr != nil {
		t.Fatal(restoreErr)
	}
}
