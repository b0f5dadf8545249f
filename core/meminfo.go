// Copyright 2023 Sneller, Inc.
//
//  Licensed under the Apache License, Version 2.0 (the "License");
//  you may not use this file except in compliance with the License.
//  You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
//  Unless required by applicable law or agreed to in writing, software
//  distributed under the License is distributed on an "AS IS" BASIS,
//  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//  See the License for the specific language governing permissions and
//  limitations under the License.

package core

import (
	"fmt"
	"os"
	"runtime"
	"sync"
)

var (
	memOnce  sync.Once
	memTotal int64
)

// DRAMTotal returns the host's total usable DRAM in bytes, read once
// from /proc/meminfo. On non-Linux systems, or if /proc/meminfo can't
// be read, it returns 0; callers (the L2P cache's resident-page budget,
// recovery's per-iteration memory limit) must treat 0 as "unknown" and
// fall back to an explicit caller-supplied limit rather than dividing
// by it.
func DRAMTotal() int64 {
	memOnce.Do(func() {
		if runtime.GOOS != "linux" {
			return
		}
		f, err := os.Open("/proc/meminfo")
		if err != nil {
			return
		}
		defer f.Close()
		var kb int64
		if n, err := fmt.Fscanf(f, "MemTotal: %d kB\n", &kb); err == nil && n > 0 {
			memTotal = kb * 1024
		}
	})
	return memTotal
}
