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

package layout

import (
	"testing"

	"github.com/ftl-project/ftl/bdev"
)

func testConfig() (*Config, bdev.Device, bdev.Device) {
	nvc := bdev.NewFake(1<<16, 512, 2048, 4, true)
	btm := bdev.NewFake(1<<20, 512, 4096, 8, false)
	c := &Config{
		NVC:               nvc,
		BTM:               btm,
		LBAReservePercent: 10,
		ChunkBlocks:       2048,
	}
	return c, nvc, btm
}

func TestSetupComputesNumLBAs(t *testing.T) {
	c, _, btm := testConfig()
	l, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	want := btm.NumBlocks() * 90 / 100
	if l.NumLBAs != want {
		t.Fatalf("num_lbas = %d, want %d", l.NumLBAs, want)
	}
}

func TestSetupRegionsDoNotOverlap(t *testing.T) {
	c, _, _ := testConfig()
	l, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	if l.DataNVC.OffsetBlocks == 0 {
		t.Fatal("data_nvc should start after metadata regions")
	}
	if l.DataBTM.OffsetBlocks != 0 || l.DataBTM.LengthBlocks != l.DataBTM.Dev.NumBlocks() {
		t.Fatal("data_btm must span the whole base device")
	}
}

func TestOpenRejectsMismatchedNumLBAs(t *testing.T) {
	c, _, _ := testConfig()
	if _, err := Open(c, 123); err == nil {
		t.Fatal("expected num_lbas mismatch error")
	}
}

func TestOpenAcceptsMatchingNumLBAs(t *testing.T) {
	c, _, _ := testConfig()
	l, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Open(c, l.NumLBAs); err != nil {
		t.Fatalf("open: %v", err)
	}
}

func TestAddrSizeWidensAtLargeCapacity(t *testing.T) {
	// 1<<34 base blocks forces addr_length > 32. The geometry is computed
	// directly: a bdev.Fake of that size cannot be held in memory, and a
	// 1<<10-block NV cache is too small for Setup to place its metadata.
	g := computeL2PGeometry(1<<10, 1<<34, 512)
	if g.AddrLength <= 32 {
		t.Fatalf("addr_length = %d, want > 32", g.AddrLength)
	}
	if g.AddrSize != 8 {
		t.Fatalf("addr_size = %d, want 8 for a >32-bit address space", g.AddrSize)
	}
}

func TestMirrorDoublesMetadataFootprint(t *testing.T) {
	c, _, _ := testConfig()
	c.Mirror = false
	l1, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	c2, _, _ := testConfig()
	c2.Mirror = true
	l2, err := Setup(c2)
	if err != nil {
		t.Fatal(err)
	}
	if l2.DataNVC.OffsetBlocks <= l1.DataNVC.OffsetBlocks {
		t.Fatal("mirrored layout should consume more nv cache capacity before data_nvc begins")
	}
}

func TestRegionLookup(t *testing.T) {
	c, _, _ := testConfig()
	l, err := Setup(c)
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := l.Region("l2p"); !ok || r != l.L2PRegion {
		t.Fatal("Region(\"l2p\") should return the l2p region")
	}
	if _, ok := l.Region("does_not_exist"); ok {
		t.Fatal("Region should report false for unknown names")
	}
}
