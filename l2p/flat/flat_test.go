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

package flat

import (
	"testing"

	"github.com/ftl-project/ftl/addr"
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/md"
	"github.com/ftl-project/ftl/region"
)

func newTestL2P(t *testing.T, numLBAs uint64) (*L2P, *bdev.Fake) {
	t.Helper()
	codec := addr.NewCodec(1<<20, 1<<16)
	f := bdev.NewFake(4096, 512, 512, 4, false)
	blocks := (numLBAs*uint64(codec.Size()) + 511) / 512
	if blocks < 32 {
		blocks = 32
	}
	obj, err := md.New(f, blocks, 0, "l2p", "uuid-1", md.FlagHeap, nil)
	if err != nil {
		t.Fatal(err)
	}
	r := &region.Region{Name: "l2p", Type: region.L2P, Dev: f, Ch: f.OpenChannel(), OffsetBlocks: 0, LengthBlocks: blocks}
	if err := obj.SetRegion(r); err != nil {
		t.Fatal(err)
	}
	l, err := New(codec, numLBAs, obj, nil)
	if err != nil {
		t.Fatal(err)
	}
	return l, f
}

func TestSetGetRoundTrip(t *testing.T) {
	l, _ := newTestL2P(t, 1024)
	want := addr.Flash(42)
	if err := l.Set(7, want); err != nil {
		t.Fatal(err)
	}
	got, err := l.Get(7)
	if err != nil {
		t.Fatal(err)
	}
	if !addr.Equal(got, want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestGetDefaultsToInvalid(t *testing.T) {
	l, _ := newTestL2P(t, 1024)
	got, err := l.Get(3)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsInvalid() {
		t.Fatal("unset lba should read back Invalid")
	}
}

func TestSetOutOfRangeLBA(t *testing.T) {
	l, _ := newTestL2P(t, 16)
	if err := l.Set(16, addr.Flash(1)); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestClearFillsInvalidAndPersists(t *testing.T) {
	l, f := newTestL2P(t, 1024)
	l.Set(5, addr.Flash(9))
	var cerr error
	l.Clear(func(err error) { cerr = err })
	f.Poll()
	if cerr != nil {
		t.Fatal(cerr)
	}
	got, _ := l.Get(5)
	if !got.IsInvalid() {
		t.Fatal("clear should reset every lba to Invalid")
	}
}

func TestPinUnpinAreNoOps(t *testing.T) {
	l, _ := newTestL2P(t, 1024)
	var called bool
	l.Pin(0, 10, func(err error) {
		called = true
		if err != nil {
			t.Fatal(err)
		}
	})
	if !called {
		t.Fatal("Pin should invoke its callback synchronously")
	}
	l.Unpin(0, 10) // must not panic
}

func TestHaltIsHalted(t *testing.T) {
	l, _ := newTestL2P(t, 1024)
	if l.IsHalted() {
		t.Fatal("should not start halted")
	}
	l.Halt()
	if !l.IsHalted() {
		t.Fatal("Halt should mark IsHalted true")
	}
}

type fakeWriterAt struct {
	writes int
}

func (w *fakeWriterAt) WriteAt(p []byte, off int64) (int, error) {
	w.writes++
	return len(p), nil
}

func TestPmemBackedSetFlushesSynchronously(t *testing.T) {
	codec := addr.NewCodec(1<<20, 1<<16)
	f := bdev.NewFake(4096, 512, 512, 4, false)
	obj, _ := md.New(f, 32, 0, "l2p", "uuid-1", md.FlagHeap, nil)
	r := &region.Region{Name: "l2p", Type: region.L2P, Dev: f, Ch: f.OpenChannel(), OffsetBlocks: 0, LengthBlocks: 32}
	obj.SetRegion(r)
	w := &fakeWriterAt{}
	l, err := New(codec, 16, obj, w)
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Set(1, addr.Flash(1)); err != nil {
		t.Fatal(err)
	}
	if w.writes != 1 {
		t.Fatalf("expected one pmem flush, got %d", w.writes)
	}
	var pdone bool
	l.Persist(func(error) { pdone = true })
	if !pdone {
		t.Fatal("pmem-backed Persist should complete synchronously")
	}
}
