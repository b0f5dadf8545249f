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

package core

import (
	"encoding/binary"

	"github.com/dchest/siphash"
)

// Pool is a fixed set of core threads, one per configured CPU. Most FTL
// devices pin all of their state to a single thread, but the
// pool exists for the multi-core case: cross-thread messages (e.g. a
// hot LBA range migrating to a less busy core) need a stable way to
// pick a destination thread for a given key without a coordination
// round-trip.
//
// Routing uses a siphash-keyed hash to spread keys across a fixed peer
// list: deterministic for a given (k0, k1) pair, but not predictable to
// an external workload trying to force hot-spotting onto one core.
type Pool struct {
	threads []*Thread
	k0, k1  uint64
}

// NewPool builds a pool of n threads keyed by (k0, k1). The keys should
// be generated once at device format time and persisted in the
// superblock so routing is stable across restarts.
func NewPool(n int, k0, k1 uint64) *Pool {
	p := &Pool{k0: k0, k1: k1}
	for i := 0; i < n; i++ {
		p.threads = append(p.threads, NewThread(i))
	}
	return p
}

// Threads returns every thread in the pool, in index order.
func (p *Pool) Threads() []*Thread { return p.threads }

// Thread returns the i'th thread directly; used when a component is
// statically pinned to one core rather than routed dynamically.
func (p *Pool) Thread(i int) *Thread { return p.threads[i] }

// Route picks the thread that owns key (an LBA, chunk id, or band id),
// stable for the lifetime of the pool.
func (p *Pool) Route(key uint64) *Thread {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], key)
	h := siphash.Hash(p.k0, p.k1, buf[:])
	return p.threads[h%uint64(len(p.threads))]
}

// Start starts every thread's reactor loop.
func (p *Pool) Start() {
	for _, t := range p.threads {
		t.Start()
	}
}

// Stop stops every thread and waits for its loop to exit.
func (p *Pool) Stop() {
	for _, t := range p.threads {
		t.Stop()
	}
}
