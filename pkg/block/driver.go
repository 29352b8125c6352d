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
	"fmt"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/sync"
)

// driverDevice adapts a Driver to the Device contract.
type driverDevice struct {
	d     Driver
	shift uint8

	// mu serializes read-modify-write cycles of partial blocks.
	mu sync.Mutex
}

// NewDriverDevice exposes d as a byte-addressed Device. Accesses that do
// not cover whole blocks are performed as block-sized read-modify-write
// cycles.
func NewDriverDevice(d Driver) Device {
	return &driverDevice{d: d, shift: d.BlockSizeLog2()}
}

// Size implements Device.Size.
func (dd *driverDevice) Size() uint64 {
	return dd.d.Size()
}

func (dd *driverDevice) blockSize() uint64 {
	return 1 << dd.shift
}

// Read implements Device.Read.
func (dd *driverDevice) Read(buf []byte, off uint64) (int, error) {
	n := clamp(off, len(buf), dd.d.Size())
	if n == 0 {
		return 0, nil
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return dd.rangeLocked(off, n, func(blk uint64, boff uint64, pos, length int, scratch []byte) error {
		if scratch == nil {
			return dd.d.ReadBlocks(blk, buf[pos:pos+length])
		}
		if err := dd.d.ReadBlocks(blk, scratch); err != nil {
			return err
		}
		copy(buf[pos:pos+length], scratch[boff:])
		return nil
	})
}

// Write implements Device.Write.
func (dd *driverDevice) Write(buf []byte, off uint64) (int, error) {
	n := clamp(off, len(buf), dd.d.Size())
	if n == 0 {
		return 0, nil
	}
	dd.mu.Lock()
	defer dd.mu.Unlock()
	return dd.rangeLocked(off, n, func(blk uint64, boff uint64, pos, length int, scratch []byte) error {
		if scratch == nil {
			return dd.d.WriteBlocks(blk, buf[pos:pos+length])
		}
		if err := dd.d.ReadBlocks(blk, scratch); err != nil {
			return err
		}
		copy(scratch[boff:], buf[pos:pos+length])
		return dd.d.WriteBlocks(blk, scratch)
	})
}

// rangeLocked splits [off, off+n) into a partial head block, a run of
// whole blocks and a partial tail block, and calls fn for each. Partial
// blocks are given a block-sized scratch buffer; the run of whole blocks
// is passed with a nil scratch buffer.
//
// Preconditions: dd.mu is locked.
func (dd *driverDevice) rangeLocked(off uint64, n int, fn func(blk, boff uint64, pos, length int, scratch []byte) error) (int, error) {
	bs := dd.blockSize()
	var scratch []byte
	done := 0
	for done < n {
		cur := off + uint64(done)
		blk, boff := cur>>dd.shift, cur&(bs-1)
		var (
			length int
			s      []byte
		)
		if boff != 0 || uint64(n-done) < bs {
			if scratch == nil {
				scratch = make([]byte, bs)
			}
			length = int(min(uint64(n-done), bs-boff))
			s = scratch
		} else {
			length = int(uint64(n-done) &^ (bs - 1))
		}
		if err := fn(blk, boff, done, length, s); err != nil {
			if svsmerr.HasSentinel(err) {
				err = fmt.Errorf("block %d: %w", blk, err)
			} else {
				err = fmt.Errorf("%w: block %d: %v", svsmerr.ErrDevice, blk, err)
			}
			return done, err
		}
		done += length
	}
	return done, nil
}
