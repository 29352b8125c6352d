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

// Package memutil provides utilities for working with host memory mappings.
package memutil

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// CreateMemFD creates a memfd file of the given size and returns its file
// descriptor.
func CreateMemFD(name string, size int64) (int, error) {
	fd, err := unix.MemfdCreate(name, unix.MFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("memfd_create(%q): %w", name, err)
	}
	if err := unix.Ftruncate(fd, size); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("ftruncate(%q, %d): %w", name, size, err)
	}
	return fd, nil
}

// MapSlice maps size bytes of fd at offset as a shared read/write mapping
// and returns it as a slice.
func MapSlice(fd int, offset int64, size int) ([]byte, error) {
	b, err := unix.Mmap(fd, offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(fd=%d, off=%#x, size=%#x): %w", fd, offset, size, err)
	}
	return b, nil
}

// UnmapSlice unmaps a mapping returned by MapSlice.
func UnmapSlice(slice []byte) error {
	return unix.Munmap(slice)
}

// SliceAddr returns the host address of the first byte of slice. It is used
// only to check that two slices alias the same memory.
func SliceAddr(slice []byte) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(slice)))
}
