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
	"fmt"

	"gopkg.in/yaml.v2"
)

// SuperblockFixture mirrors device's on-disk superblock record for
// tests that need to seed or assert on one without going through a
// full Format/Open round trip (db/sync.go's style of direct
// yaml.v2-tagged structs for fixtures it reads straight off disk).
type SuperblockFixture struct {
	Clean         bool   `yaml:"clean"`
	NumLBAs       uint64 `yaml:"num_lbas"`
	NextSeqID     uint64 `yaml:"next_seq_id"`
	LayoutVersion uint32 `yaml:"layout_version"`
	UUID          string `yaml:"uuid"`
}

// ParseSuperblockFixture decodes a SuperblockFixture document.
func ParseSuperblockFixture(data []byte) (*SuperblockFixture, error) {
	var f SuperblockFixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("conf: parsing superblock fixture: %w", err)
	}
	return &f, nil
}
