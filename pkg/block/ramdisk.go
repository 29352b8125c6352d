// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package block

import (
	"svsm.dev/svsm/pkg/sync"
)

// RamDisk is a Device backed by memory.
type RamDisk struct {
	mu   sync.RWMutex
	data []byte
}

var _ Device = (*RamDisk)(nil)

// NewRamDisk returns a zeroed RAM disk of size bytes.
func NewRamDisk(size uint64) *RamDisk {
	return &RamDisk{data: make([]byte, size)}
}

// NewRamDiskFromContent returns a RAM disk holding a copy of b.
func NewRamDiskFromContent(b []byte) *RamDisk {
	return &RamDisk{data: append([]byte(nil), b...)}
}

// Read implements Device.Read.
func (r *RamDisk) Read(buf []byte, off uint64) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := clamp(off, len(buf), uint64(len(r.data)))
	if n == 0 {
		return 0, nil
	}
	return copy(buf[:n], r.data[off:]), nil
}

// Write implements Device.Write.
func (r *RamDisk) Write(buf []byte, off uint64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := clamp(off, len(buf), uint64(len(r.data)))
	if n == 0 {
		return 0, nil
	}
	return copy(r.data[off:], buf[:n]), nil
}

// Size implements Device.Size.
func (r *RamDisk) Size() uint64 {
	return uint64(len(r.data))
}
