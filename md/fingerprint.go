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

package md

import "golang.org/x/crypto/blake2b"

// Fingerprint returns a strong content digest of o's data buffer (and
// VSS buffer, if present). It is never consulted by the mandatory
// tail-MD/chunk-MD integrity check; it exists purely for test harnesses
// and debug tooling that want to assert two MD regions are
// bitwise-identical without diffing the raw bytes.
func (o *Object) Fingerprint() [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write(o.dataBuf)
	if o.vssBuf != nil {
		h.Write(o.vssBuf)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
