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

// Package bdev defines the block-device collaborator contract the FTL
// core is written against, and a Fake implementation used by every
// other package's tests. Everything iSCSI/NVMe/AHCI-shaped that would
// normally implement Device is out of scope for this module: real
// backends are somebody else's problem.
package bdev

import (
	"errors"
	"fmt"
)

// CompletionFunc is invoked exactly once per submitted I/O, with a nil
// status on success. It always runs on the calling core thread: Device
// implementations must never invoke it from another goroutine.
type CompletionFunc func(status error)

// ErrNoMem is returned by a submit call when the device has no spare
// request slots; the caller must requeue the request with QueueIOWait
// rather than treating it as a hard failure.
var ErrNoMem = errors.New("bdev: no memory for request")

// WaitEntry is a queued retry registered via QueueIOWait. Resubmit is
// called by the device once a slot frees up; it must attempt the exact
// I/O that originally returned ErrNoMem.
type WaitEntry struct {
	Resubmit func()
}

// Channel is an opaque per-thread I/O channel, obtained once per FTL
// core thread via OpenChannel.
type Channel struct {
	dev  Device
	name string
}

// Device is the contract the FTL core requires of a block device. All
// read/write calls return nil if the request was submitted (the real
// result arrives via cb), ErrNoMem if the caller should retry via
// QueueIOWait, or any other error as an immediate failure.
type Device interface {
	NumBlocks() uint64
	BlockSize() uint32
	ZoneSize() uint64
	OptimalOpenZones() int
	// XferSizeBlocks is the device's preferred I/O transfer unit, in
	// blocks. MD persist/restore/clear issue I/O in chunks of
	// 4*XferSizeBlocks.
	XferSizeBlocks() int

	OpenChannel() *Channel

	ReadBlocks(ch *Channel, buf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error
	WriteBlocks(ch *Channel, buf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error
	ReadBlocksWithMD(ch *Channel, buf, mdBuf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error
	WriteBlocksWithMD(ch *Channel, buf, mdBuf []byte, offBlocks, numBlocks uint64, cb CompletionFunc) error

	// QueueIOWait parks entry until a request slot is available, then
	// calls entry.Resubmit. Mirrors spdk_bdev_queue_io_wait.
	QueueIOWait(ch *Channel, entry *WaitEntry)
}

// VSSSize is the per-block side-channel metadata size: 64
// bytes, high 8 carry the region version, low 56 carry payload-specific
// fields.
const VSSSize = 64

func newChannel(dev Device, name string) *Channel {
	return &Channel{dev: dev, name: name}
}

func (c *Channel) String() string {
	return fmt.Sprintf("bdev.Channel(%s)", c.name)
}
