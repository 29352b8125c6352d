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

// Package bitmap provides a fixed-size bitmap used to track page frames.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap is a fixed-size set of bits.
type Bitmap struct {
	// size is the number of bits.
	size uint64

	// numOnes is the number of set bits.
	numOnes uint64

	// blocks holds the bits, 64 per block.
	blocks []uint64
}

// New creates a new Bitmap of size bits, all clear.
func New(size uint64) Bitmap {
	return Bitmap{
		size:   size,
		blocks: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of bits in the bitmap.
func (b *Bitmap) Size() uint64 {
	return b.size
}

// GetNumOnes returns the number of set bits.
func (b *Bitmap) GetNumOnes() uint64 {
	return b.numOnes
}

// IsEmpty returns true if no bit is set.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

func (b *Bitmap) checkRange(begin, end uint64) {
	if begin > end || end > b.size {
		panic(fmt.Sprintf("bitmap range [%d, %d) out of bounds [0, %d)", begin, end, b.size))
	}
}

// IsSet returns true if bit i is set.
func (b *Bitmap) IsSet(i uint64) bool {
	b.checkRange(i, i+1)
	return b.blocks[i/64]&(1<<(i%64)) != 0
}

// Add sets bit i.
func (b *Bitmap) Add(i uint64) {
	b.SetRange(i, i+1)
}

// Remove clears bit i.
func (b *Bitmap) Remove(i uint64) {
	b.ClearRange(i, i+1)
}

// rangeMask returns the mask of bits [begin, end) within block blk.
func rangeMask(blk, begin, end uint64) uint64 {
	lo, hi := blk*64, blk*64+64
	if begin > lo {
		lo = begin
	}
	if end < hi {
		hi = end
	}
	n := hi - lo
	if n == 64 {
		return ^uint64(0)
	}
	return ((1 << n) - 1) << (lo % 64)
}

// SetRange sets the bits in [begin, end).
func (b *Bitmap) SetRange(begin, end uint64) {
	b.checkRange(begin, end)
	if begin == end {
		return
	}
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes += uint64(bits.OnesCount64(m &^ b.blocks[blk]))
		b.blocks[blk] |= m
	}
}

// ClearRange clears the bits in [begin, end).
func (b *Bitmap) ClearRange(begin, end uint64) {
	b.checkRange(begin, end)
	if begin == end {
		return
	}
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		m := rangeMask(blk, begin, end)
		b.numOnes -= uint64(bits.OnesCount64(m & b.blocks[blk]))
		b.blocks[blk] &^= m
	}
}

// AllClear returns true if every bit in [begin, end) is clear.
func (b *Bitmap) AllClear(begin, end uint64) bool {
	b.checkRange(begin, end)
	if begin == end {
		return true
	}
	for blk := begin / 64; blk <= (end-1)/64; blk++ {
		if b.blocks[blk]&rangeMask(blk, begin, end) != 0 {
			return false
		}
	}
	return true
}

// FirstZero returns the first clear bit in [start, Size()).
func (b *Bitmap) FirstZero(start uint64) (uint64, bool) {
	for i := start / 64; i < uint64(len(b.blocks)); i++ {
		w := b.blocks[i]
		if i == start/64 {
			w |= (1 << (start % 64)) - 1
		}
		if w != ^uint64(0) {
			bit := i*64 + uint64(bits.TrailingZeros64(^w))
			if bit >= b.size {
				return 0, false
			}
			return bit, true
		}
	}
	return 0, false
}

// FirstOne returns the first set bit in [start, Size()).
func (b *Bitmap) FirstOne(start uint64) (uint64, bool) {
	for i := start / 64; i < uint64(len(b.blocks)); i++ {
		w := b.blocks[i]
		if i == start/64 {
			w &= ^uint64(0) << (start % 64)
		}
		if w != 0 {
			return i*64 + uint64(bits.TrailingZeros64(w)), true
		}
	}
	return 0, false
}

// FindZeroRun returns the first bit of the lowest run of n clear bits.
func (b *Bitmap) FindZeroRun(n uint64) (uint64, bool) {
	if n == 0 {
		return 0, false
	}
	start := uint64(0)
	for {
		first, ok := b.FirstZero(start)
		if !ok || first+n > b.size {
			return 0, false
		}
		one, ok := b.FirstOne(first)
		if !ok || one >= first+n {
			return first, true
		}
		start = one + 1
	}
}
