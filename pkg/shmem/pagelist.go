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

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/sync"
)

// PageList is the list backend: each allocation is a whole page, shared on
// allocation and made private again on release. Allocations larger than a
// page are not supported.
type PageList struct {
	p platform.Platform

	// mu protects pages.
	mu sync.Mutex

	// pages holds the live pages in insertion order.
	pages []*SharedPage

	counters
}

var _ Allocator = (*PageList)(nil)

// NewPageList returns an empty page list for p.
func NewPageList(p platform.Platform) *PageList {
	return &PageList{p: p}
}

// indexLocked returns the index of the page at pa, or -1.
//
// Preconditions: l.mu is locked.
func (l *PageList) indexLocked(pa hostarch.PhysAddr) int {
	for i, sp := range l.pages {
		if sp.pa == pa {
			return i
		}
	}
	return -1
}

// Push records sp. A page already recorded at the same address is a caller
// bug.
func (l *PageList) Push(sp *SharedPage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.indexLocked(sp.pa) >= 0 {
		panic(fmt.Sprintf("page %v pushed twice", sp.pa))
	}
	l.pages = append(l.pages, sp)
}

// Pop removes the page at pa and returns it.
func (l *PageList) Pop(pa hostarch.PhysAddr) (*SharedPage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.popLocked(pa)
}

func (l *PageList) popLocked(pa hostarch.PhysAddr) (*SharedPage, bool) {
	i := l.indexLocked(pa)
	if i < 0 {
		return nil, false
	}
	sp := l.pages[i]
	l.pages = append(l.pages[:i], l.pages[i+1:]...)
	return sp, true
}

// Len returns the number of recorded pages.
func (l *PageList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pages)
}

// Allocate implements Allocator.Allocate.
func (l *PageList) Allocate(size uint64) (*SharedPage, error) {
	return l.AllocateAligned(size, 8)
}

// AllocateAligned implements Allocator.AllocateAligned. Pages are page
// aligned, so any alignment up to the page size is satisfied.
func (l *PageList) AllocateAligned(size, align uint64) (*SharedPage, error) {
	if err := checkAlign(align); err != nil {
		return nil, err
	}
	if size > hostarch.PageSize || align > hostarch.PageSize {
		return nil, fmt.Errorf("%w: %d bytes aligned to %d", svsmerr.ErrUnsupportedSize, size, align)
	}
	va, err := l.p.AllocPages(1)
	if err != nil {
		return nil, err
	}
	pa, err := l.p.VirtToPhys(va)
	if err != nil {
		l.p.FreePages(va, 1)
		return nil, err
	}
	if err := l.p.MakeShared(va, pa); err != nil {
		l.p.FreePages(va, 1)
		return nil, err
	}
	buf, err := l.p.Bytes(va, hostarch.PageSize)
	if err != nil {
		l.unshare(va, pa)
		return nil, err
	}
	sp := &SharedPage{
		pa:    pa,
		va:    va,
		size:  size,
		alloc: hostarch.PageSize,
		buf:   buf[:size:size],
		owner: l,
	}
	l.Push(sp)
	l.allocated(size)
	l.sharedBytes.Add(hostarch.PageSize)
	return sp, nil
}

// unshare makes the page private and frees it. A page that cannot be made
// private is leaked rather than returned to the allocator.
func (l *PageList) unshare(va hostarch.Addr, pa hostarch.PhysAddr) {
	if err := l.p.MakePrivate(va, pa); err != nil {
		log.Warningf("Leaking page %v: %v", pa, err)
		return
	}
	l.p.FreePages(va, 1)
}

func (l *PageList) release(sp *SharedPage) {
	l.mu.Lock()
	if i := l.indexLocked(sp.pa); i >= 0 && l.pages[i] == sp {
		l.popLocked(sp.pa)
	}
	l.mu.Unlock()

	l.unshare(sp.va, sp.pa)
	l.released(sp.size)
	l.sharedBytes.Add(-hostarch.PageSize)
}

// Free implements Allocator.Free.
func (l *PageList) Free(pa hostarch.PhysAddr) (*SharedPage, bool) {
	return l.Pop(pa)
}

// Lookup implements Allocator.Lookup.
func (l *PageList) Lookup(pa hostarch.PhysAddr) (*SharedPage, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := l.indexLocked(pa); i >= 0 {
		return l.pages[i], true
	}
	return nil, false
}

// Stats implements Allocator.Stats.
func (l *PageList) Stats() Stats {
	return l.stats()
}

// Close implements Allocator.Close.
func (l *PageList) Close() error {
	if n := l.Len(); n != 0 {
		return fmt.Errorf("%w: %d shared pages still recorded", svsmerr.ErrBusy, n)
	}
	return nil
}
