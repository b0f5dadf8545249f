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

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// shmRegion is a POSIX (or hugetlbfs) shared-memory mapping backing an
// MD object's data buffer, enabling the zero-copy fast-recovery path.
// Non-huge objects live under /dev/shm; SHM_HUGE objects live on an
// already-mounted hugetlbfs.
type shmRegion struct {
	path string
	fd   int
	mem  []byte
}

// shmName builds the object's backing path: "/dev/shm/ftl_<uuid>_<label>"
// (the file behind the POSIX shm name "/ftl_<uuid>_<label>"), or
// "/dev/hugepages/ftl_<uuid>_<label>" for hugetlbfs.
func shmName(uuid, label string, huge bool) string {
	base := fmt.Sprintf("ftl_%s_%s", uuid, label)
	if huge {
		return "/dev/hugepages/" + base
	}
	return "/dev/shm/" + base
}

func pageRoundUp(n, page int) int {
	if page <= 0 {
		page = os.Getpagesize()
	}
	return (n + page - 1) / page * page
}

// openSHM creates or opens the shared-memory backing for size bytes.
// truncate forces a fresh zeroed region (SHM_NEW); huge selects the
// hugetlbfs path (SHM_HUGE). The mapping is mlock'd on a best-effort
// basis: if locking fails, the region is returned unlocked.
func openSHM(uuid, label string, size int, truncate, huge bool) (*shmRegion, error) {
	path := shmName(uuid, label, huge)
	flags := unix.O_RDWR | unix.O_CREAT
	if truncate {
		flags |= unix.O_TRUNC
	}
	fd, err := unix.Open(path, flags, 0600)
	if err != nil {
		return nil, fmt.Errorf("md: shm open %s: %w", path, err)
	}
	sz := size
	if !huge {
		sz = pageRoundUp(size, os.Getpagesize())
	}
	if truncate || size > 0 {
		if err := unix.Ftruncate(fd, int64(sz)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("md: shm ftruncate %s: %w", path, err)
		}
	}
	mem, err := unix.Mmap(fd, 0, sz, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("md: shm mmap %s: %w", path, err)
	}
	if err := unix.Mlock(mem); err != nil {
		// Locking is best-effort: a host without CAP_IPC_LOCK or with
		// a tight RLIMIT_MEMLOCK still gets a working (if swappable)
		// mapping rather than a hard failure.
		_ = err
	}
	return &shmRegion{path: path, fd: fd, mem: mem[:size]}, nil
}

// close unmaps and closes the backing fd but leaves the name in place
// (used when another process may still be attached).
func (s *shmRegion) close() error {
	if s == nil {
		return nil
	}
	var first error
	if err := unix.Munmap(s.mem); err != nil && first == nil {
		first = err
	}
	if err := unix.Close(s.fd); err != nil && first == nil {
		first = err
	}
	return first
}

// destroy closes and unlinks the backing object.
func (s *shmRegion) destroy() error {
	if s == nil {
		return nil
	}
	err := s.close()
	if uerr := unix.Unlink(s.path); uerr != nil && err == nil {
		err = uerr
	}
	return err
}
