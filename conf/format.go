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

package conf

import (
	"github.com/ftl-project/ftl/bdev"
	"github.com/ftl-project/ftl/device"
)

// BuildDevices constructs the pair of bdev.Fake devices a FormatRequest
// describes. Kept separate from ConfigFor so a caller can hold on to
// the returned pair, pass it to ConfigFor, and keep polling it.
func (r *FormatRequest) BuildDevices() (nvc, btm *bdev.Fake) {
	nvc = bdev.NewFake(r.NVC.NumBlocks, r.NVC.BlockSize, r.NVC.ZoneSize, r.NVC.OptimalOpenZones, r.NVC.WithMD)
	btm = bdev.NewFake(r.BTM.NumBlocks, r.BTM.BlockSize, r.BTM.ZoneSize, r.BTM.OptimalOpenZones, r.BTM.WithMD)
	return nvc, btm
}

// ConfigFor turns a parsed FormatRequest into a device.Config bound to
// an already-built nvc/btm device pair, typically the one returned by
// BuildDevices. Split from BuildDevices so a caller driving bdev.Fake's
// poll loop (nothing else advances a Fake's completions) keeps the
// same *bdev.Fake values it configured device.Format with.
func (r *FormatRequest) ConfigFor(nvc, btm *bdev.Fake, logf func(string, ...interface{})) *device.Config {
	return &device.Config{
		NVC: nvc,
		BTM: btm,

		LBAReservePercent: r.LBAReservePercent,
		ChunkBlocks:       r.ChunkBlocks,
		Mirror:            r.Mirror,

		UseCachedL2P: r.UseCachedL2P,

		DRAMLimitBytes:        r.DRAMLimitBytes,
		RecoveryMemLimitBytes: r.RecoveryMemLimitBytes,

		Logf: logf,
	}
}

// Config is ConfigFor over a freshly built device pair; use it only
// when the caller has no need to reach the underlying bdev.Fake values
// again (e.g. they will never call Poll on them themselves).
func (r *FormatRequest) Config(logf func(string, ...interface{})) *device.Config {
	nvc, btm := r.BuildDevices()
	return r.ConfigFor(nvc, btm, logf)
}
