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

// Package block defines the byte-addressed block device contract and its
// implementations: a RAM disk, the memory-mapped flash driver and the
// virtio block driver.
//
// All implementations follow the same range rules. An access starting at
// or beyond Size transfers nothing and succeeds. An access that starts
// inside the device but runs past its end is truncated to the device end
// and succeeds with the reduced count. Device and transport failures are
// reported as errors wrapping svsmerr.ErrDevice and are never confused with
// truncation.
package block

// Device is a byte-addressed block device.
type Device interface {
	// Read reads into buf from offset off and returns the number of bytes
	// read.
	Read(buf []byte, off uint64) (int, error)

	// Write writes buf at offset off and returns the number of bytes
	// written. Write must not be called concurrently on one device.
	Write(buf []byte, off uint64) (int, error)

	// Size returns the size of the device in bytes.
	Size() uint64
}

// Driver is a device addressed in whole blocks.
type Driver interface {
	// ReadBlocks reads len(buf) bytes starting at block. len(buf) must be a
	// multiple of the block size.
	ReadBlocks(block uint64, buf []byte) error

	// WriteBlocks writes buf starting at block. len(buf) must be a
	// multiple of the block size.
	WriteBlocks(block uint64, buf []byte) error

	// BlockSizeLog2 returns the base 2 logarithm of the block size.
	BlockSizeLog2() uint8

	// Size returns the size of the device in bytes.
	Size() uint64
}

// clamp returns the number of bytes of an n byte access at off that lie
// within a device of size bytes.
func clamp(off uint64, n int, size uint64) int {
	if off >= size {
		return 0
	}
	return int(min(uint64(n), size-off))
}
