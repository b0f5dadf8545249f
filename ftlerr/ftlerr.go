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

// Package ftlerr defines the error-kind sentinels shared by every FTL
// core subsystem. Callers use errors.Is against these
// sentinels; subsystem-specific detail is added with fmt.Errorf("...: %w").
package ftlerr

import "errors"

var (
	// InvalidArgument marks a bad region, an out-of-range LBA, or a
	// mis-sized pattern.
	InvalidArgument = errors.New("ftl: invalid argument")

	// OutOfMemory marks pool or allocator exhaustion. Fatal on
	// control-plane paths (chunk/band open); retried via bdev
	// queue_io_wait on data-plane paths.
	OutOfMemory = errors.New("ftl: out of memory")

	// IoError marks a non-retriable bdev error or a CRC/version
	// mismatch.
	IoError = errors.New("ftl: io error")

	// Busy marks a temporary condition the caller should retry, e.g.
	// a pin that must be deferred until a page is evicted.
	Busy = errors.New("ftl: busy")

	// Aborted marks a request that raced with a device halt.
	Aborted = errors.New("ftl: aborted")

	// CorruptedMetadata is raised only during recovery; it is fatal
	// to mount and never surfaces on a live device.
	CorruptedMetadata = errors.New("ftl: corrupted metadata")
)
