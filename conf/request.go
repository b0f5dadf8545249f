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

// Package conf defines the on-disk and operator-facing document shapes
// for formatting an FTL device pair, decoded two ways: JSON-tagged
// structs through sigs.k8s.io/yaml for anything an operator hand-writes,
// and yaml.v2-tagged structs for fixtures loaded straight off disk.
package conf

import (
	"fmt"

	"sigs.k8s.io/yaml"
)

// DeviceGeometry describes one bdev.Fake to stand up for a format run.
// There is no real SPDK bdev backend in this module, so FormatRequest's two devices
// are always built from geometry rather than an OS device path.
type DeviceGeometry struct {
	NumBlocks        uint64 `json:"num_blocks"`
	BlockSize        uint32 `json:"block_size"`
	ZoneSize         uint64 `json:"zone_size"`
	OptimalOpenZones int    `json:"optimal_open_zones"`
	WithMD           bool   `json:"with_md"`
}

func (g DeviceGeometry) validate(name string) error {
	if g.NumBlocks == 0 {
		return fmt.Errorf("conf: %s.num_blocks must be > 0", name)
	}
	if g.BlockSize == 0 {
		return fmt.Errorf("conf: %s.block_size must be > 0", name)
	}
	if g.ZoneSize == 0 {
		return fmt.Errorf("conf: %s.zone_size must be > 0", name)
	}
	if g.OptimalOpenZones <= 0 {
		return fmt.Errorf("conf: %s.optimal_open_zones must be > 0", name)
	}
	return nil
}

// FormatRequest is the operator-facing document for `ftlformat`: the
// geometry of the two backing devices plus the same knobs
// device.Config exposes, decoded with JSON-tag semantics via
// sigs.k8s.io/yaml so the same file reads as either YAML or JSON.
type FormatRequest struct {
	NVC DeviceGeometry `json:"nvc"`
	BTM DeviceGeometry `json:"btm"`

	ChunkBlocks       uint64 `json:"chunk_blocks,omitempty"`
	LBAReservePercent uint64 `json:"lba_reserve_percent,omitempty"`
	Mirror            bool   `json:"mirror,omitempty"`

	UseCachedL2P          bool   `json:"use_cached_l2p,omitempty"`
	DRAMLimitBytes        uint64 `json:"dram_limit_bytes,omitempty"`
	RecoveryMemLimitBytes uint64 `json:"recovery_mem_limit_bytes,omitempty"`
}

// ParseFormatRequest decodes a FormatRequest document. The document may
// be written as YAML or JSON; sigs.k8s.io/yaml accepts both since it
// converts YAML to JSON before unmarshaling.
func ParseFormatRequest(data []byte) (*FormatRequest, error) {
	var req FormatRequest
	if err := yaml.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("conf: parsing format request: %w", err)
	}
	if err := req.NVC.validate("nvc"); err != nil {
		return nil, err
	}
	if err := req.BTM.validate("btm"); err != nil {
		return nil, err
	}
	if req.ChunkBlocks == 0 {
		req.ChunkBlocks = req.NVC.ZoneSize
	}
	return &req, nil
}
