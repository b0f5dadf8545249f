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

package device

import "encoding/binary"

// superblockSize is the fixed on-disk superblock record: a clean flag,
// the next seq id to hand out, num_lbas, a layout version, and a
// fixed-width UUID.
const superblockSize = 64

const sbUUIDLen = 36 // canonical "xxxxxxxx-xxxx-..." string form

func marshalSuperblock(clean bool, numLBAs, nextSeqID uint64, layoutVersion uint32, uuid string) []byte {
	buf := make([]byte, superblockSize)
	if clean {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[8:16], numLBAs)
	binary.LittleEndian.PutUint64(buf[16:24], nextSeqID)
	binary.LittleEndian.PutUint32(buf[24:28], layoutVersion)
	copy(buf[28:28+sbUUIDLen], uuid)
	return buf
}

type superblock struct {
	clean         bool
	numLBAs       uint64
	nextSeqID     uint64
	layoutVersion uint32
	uuid          string
}

func unmarshalSuperblock(buf []byte) superblock {
	var sb superblock
	sb.clean = buf[0] != 0
	sb.numLBAs = binary.LittleEndian.Uint64(buf[8:16])
	sb.nextSeqID = binary.LittleEndian.Uint64(buf[16:24])
	sb.layoutVersion = binary.LittleEndian.Uint32(buf[24:28])
	end := 28 + sbUUIDLen
	raw := buf[28:end]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	sb.uuid = string(raw[:n])
	return sb
}
