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

package shmem

import (
	"fmt"

	"github.com/google/btree"
	"svsm.dev/svsm/pkg/cleanup"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/sync"
)

// DefaultHeapSize is the size of the heap region when none is given.
const DefaultHeapSize = 64 << 10

// heapGranule is the minimum allocation size and alignment.
const heapGranule = 8

// span is a free range [start, end) of region offsets.
type span struct {
	start, end uint64
}

func spanLess(a, b span) bool {
	return a.start < b.start
}

// Heap is the heap backend: a region shared once at creation, with
// allocations carved out of it first fit. Freed blocks are coalesced with
// their free neighbours.
type Heap struct {
	p platform.Platform

	// The region. These fields are immutable.
	va   hostarch.Addr
	pa   hostarch.PhysAddr
	size uint64
	buf  []byte

	// mu protects the fields below.
	mu sync.Mutex

	// free holds the free spans, keyed by start offset. Spans never touch
	// or overlap.
	free *btree.BTreeG[span]

	// live holds the live allocations by address.
	live map[hostarch.PhysAddr]*SharedPage

	destroyed bool

	counters
}

var _ Allocator = (*Heap)(nil)

// NewHeap allocates size bytes of contiguous private memory and shares every
// page of it exactly once. A size of zero selects DefaultHeapSize.
func NewHeap(p platform.Platform, size uint64) (*Heap, error) {
	if size == 0 {
		size = DefaultHeapSize
	}
	if size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("%w: heap size %#x is not a page multiple", svsmerr.ErrInvalidArgument, size)
	}
	pages := int(size >> hostarch.PageShift)
	va, err := p.AllocPages(pages)
	if err != nil {
		return nil, fmt.Errorf("allocating %d heap pages: %w", pages, err)
	}
	pa, err := p.VirtToPhys(va)
	if err != nil {
		p.FreePages(va, pages)
		return nil, err
	}
	h := &Heap{
		p:    p,
		va:   va,
		pa:   pa,
		size: size,
		free: btree.NewG(8, spanLess),
		live: make(map[hostarch.PhysAddr]*SharedPage),
	}

	shared := 0
	cu := cleanup.Make(func() {
		h.unshare(shared)
	})
	defer cu.Clean()
	for ; shared < pages; shared++ {
		off := uint64(shared) * hostarch.PageSize
		if err := p.MakeShared(va+hostarch.Addr(off), pa.Add(off)); err != nil {
			return nil, fmt.Errorf("sharing heap page %d: %w", shared, err)
		}
	}
	if h.buf, err = p.Bytes(va, size); err != nil {
		return nil, err
	}
	cu.Release()

	h.free.ReplaceOrInsert(span{start: 0, end: size})
	h.sharedBytes.Add(int64(size))
	log.Debugf("Shared heap of %#x bytes at %v", size, pa)
	return h, nil
}

// unshare makes the first n pages of the region private and frees the
// region. If a page cannot be made private the whole region is leaked.
func (h *Heap) unshare(n int) {
	for i := 0; i < n; i++ {
		off := uint64(i) * hostarch.PageSize
		if err := h.p.MakePrivate(h.va+hostarch.Addr(off), h.pa.Add(off)); err != nil {
			log.Warningf("Leaking heap region at %v: %v", h.pa, err)
			return
		}
	}
	h.p.FreePages(h.va, int(h.size>>hostarch.PageShift))
}

func roundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// Allocate implements Allocator.Allocate.
func (h *Heap) Allocate(size uint64) (*SharedPage, error) {
	return h.AllocateAligned(size, heapGranule)
}

// AllocateAligned implements Allocator.AllocateAligned.
func (h *Heap) AllocateAligned(size, align uint64) (*SharedPage, error) {
	if err := checkAlign(align); err != nil {
		return nil, err
	}
	align = max(align, heapGranule)
	alloc := roundUp(max(size, 1), heapGranule)
	if alloc < size {
		return nil, fmt.Errorf("%w: %d bytes", svsmerr.ErrUnsupportedSize, size)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.destroyed {
		panic("allocation from a destroyed heap")
	}

	var (
		found bool
		fit   span
		start uint64
	)
	h.free.Ascend(func(s span) bool {
		// Alignment is relative to the physical address.
		aligned := roundUp(uint64(h.pa)+s.start, align) - uint64(h.pa)
		if aligned < s.end && s.end-aligned >= alloc {
			found, fit, start = true, s, aligned
			return false
		}
		return true
	})
	if !found {
		return nil, fmt.Errorf("%w: no free block of %d bytes aligned to %d", svsmerr.ErrNoMemory, size, align)
	}
	h.free.Delete(fit)
	if fit.start < start {
		h.free.ReplaceOrInsert(span{start: fit.start, end: start})
	}
	if start+alloc < fit.end {
		h.free.ReplaceOrInsert(span{start: start + alloc, end: fit.end})
	}

	clear(h.buf[start : start+alloc])
	sp := &SharedPage{
		pa:    h.pa.Add(start),
		va:    h.va + hostarch.Addr(start),
		size:  size,
		alloc: alloc,
		buf:   h.buf[start : start+size : start+size],
		owner: h,
	}
	h.live[sp.pa] = sp
	h.allocated(size)
	return sp, nil
}

// Deallocate returns the block of size bytes at pa to the free list. size
// must be the size the block was allocated with. Returning memory outside
// the region or memory that is already free is a caller bug.
func (h *Heap) Deallocate(pa hostarch.PhysAddr, size uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sp, ok := h.live[pa]; ok && sp.size == size {
		delete(h.live, pa)
		sp.released.Store(true)
		h.released(size)
	}
	h.deallocateLocked(pa, roundUp(max(size, 1), heapGranule))
}

// deallocateLocked inserts [pa, pa+alloc) into the free list.
//
// Preconditions: h.mu is locked.
func (h *Heap) deallocateLocked(pa hostarch.PhysAddr, alloc uint64) {
	if pa < h.pa || uint64(pa-h.pa)+alloc > h.size || uint64(pa-h.pa)+alloc < uint64(pa-h.pa) {
		panic(fmt.Sprintf("deallocating [%v, +%#x) outside heap region [%v, +%#x)", pa, alloc, h.pa, h.size))
	}
	off := uint64(pa - h.pa)
	blk := span{start: off, end: off + alloc}

	var (
		prev, next       span
		hasPrev, hasNext bool
	)
	h.free.DescendLessOrEqual(blk, func(s span) bool {
		prev, hasPrev = s, true
		return false
	})
	h.free.AscendGreaterOrEqual(blk, func(s span) bool {
		next, hasNext = s, true
		return false
	})
	if (hasPrev && prev.end > blk.start) || (hasNext && next.start < blk.end) {
		panic(fmt.Sprintf("deallocating [%v, +%#x), which overlaps free memory", pa, alloc))
	}

	if hasPrev && prev.end == blk.start {
		h.free.Delete(prev)
		blk.start = prev.start
	}
	if hasNext && next.start == blk.end {
		h.free.Delete(next)
		blk.end = next.end
	}
	h.free.ReplaceOrInsert(blk)
}

func (h *Heap) release(sp *SharedPage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.live[sp.pa]; ok && cur == sp {
		delete(h.live, sp.pa)
	}
	h.deallocateLocked(sp.pa, sp.alloc)
	h.released(sp.size)
}

// Free implements Allocator.Free.
func (h *Heap) Free(pa hostarch.PhysAddr) (*SharedPage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.live[pa]
	if ok {
		delete(h.live, pa)
	}
	return sp, ok
}

// Lookup implements Allocator.Lookup.
func (h *Heap) Lookup(pa hostarch.PhysAddr) (*SharedPage, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sp, ok := h.live[pa]
	return sp, ok
}

// Stats implements Allocator.Stats.
func (h *Heap) Stats() Stats {
	return h.stats()
}

// FreeBytes returns the total size of the free list.
func (h *Heap) FreeBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var n uint64
	h.free.Ascend(func(s span) bool {
		n += s.end - s.start
		return true
	})
	return n
}

// Destroy makes the region private again and frees it. Destroying a heap
// with live allocations is a caller bug.
func (h *Heap) Destroy() {
	h.mu.Lock()
	if h.destroyed {
		h.mu.Unlock()
		panic("heap destroyed twice")
	}
	if n := h.outstanding.Load(); n != 0 {
		h.mu.Unlock()
		panic(fmt.Sprintf("destroying heap with %d live allocations", n))
	}
	h.destroyed = true
	h.mu.Unlock()

	h.unshare(int(h.size >> hostarch.PageShift))
	h.sharedBytes.Add(-int64(h.size))
}

// Close implements Allocator.Close.
func (h *Heap) Close() error {
	if n := h.outstanding.Load(); n != 0 {
		return fmt.Errorf("%w: %d heap allocations still live", svsmerr.ErrBusy, n)
	}
	h.Destroy()
	return nil
}
