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

// Package shmem implements the shared page registry: the record of guest
// memory currently shared with the host on behalf of paravirtualized
// devices.
//
// Two backends are provided. PageList shares one freshly allocated page per
// allocation and unshares it on release. Heap shares a contiguous region
// once and carves allocations out of it, so allocation and release never
// change page visibility.
//
// Every allocation is represented by a *SharedPage, which owns the shared
// memory until Release returns it. Memory obtained from a SharedPage is
// visible to the host: anything read back from it is untrusted.
package shmem

import (
	"fmt"

	"svsm.dev/svsm/pkg/atomicbitops"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/sync"
)

// Allocator is a shared page registry.
type Allocator interface {
	// Allocate returns zeroed shared memory of size bytes, aligned to 8
	// bytes, and records it in the registry.
	Allocate(size uint64) (*SharedPage, error)

	// AllocateAligned is like Allocate with a caller chosen power of two
	// alignment.
	AllocateAligned(size, align uint64) (*SharedPage, error)

	// Free removes the allocation at pa from the registry and returns it.
	// The caller becomes responsible for releasing it. Free returns false
	// if nothing is recorded at pa.
	Free(pa hostarch.PhysAddr) (*SharedPage, bool)

	// Lookup returns the allocation at pa without removing it.
	Lookup(pa hostarch.PhysAddr) (*SharedPage, bool)

	// Stats returns the registry's counters.
	Stats() Stats

	// Close releases the registry. No allocations may be live.
	Close() error
}

// Stats are registry counters.
type Stats struct {
	// Live is the number of allocations not yet released.
	Live uint64

	// LiveBytes is the total size of live allocations.
	LiveBytes uint64

	// SharedBytes is the amount of memory currently shared with the host
	// by the registry.
	SharedBytes uint64

	// Allocs and Frees count allocations and releases since creation.
	Allocs uint64
	Frees  uint64
}

type counters struct {
	outstanding      atomicbitops.Int64
	outstandingBytes atomicbitops.Int64
	sharedBytes      atomicbitops.Int64
	allocs           atomicbitops.Uint64
	frees            atomicbitops.Uint64
}

func (c *counters) allocated(size uint64) {
	c.outstanding.Add(1)
	c.outstandingBytes.Add(int64(size))
	c.allocs.Add(1)
}

func (c *counters) released(size uint64) {
	c.outstanding.Add(-1)
	c.outstandingBytes.Add(-int64(size))
	c.frees.Add(1)
}

func (c *counters) stats() Stats {
	return Stats{
		Live:        uint64(c.outstanding.Load()),
		LiveBytes:   uint64(c.outstandingBytes.Load()),
		SharedBytes: uint64(c.sharedBytes.Load()),
		Allocs:      c.allocs.Load(),
		Frees:       c.frees.Load(),
	}
}

// owner is the backend a SharedPage returns its memory to.
type owner interface {
	release(sp *SharedPage)
}

// SharedPage is an owning handle to shared memory. It must not be copied,
// and it must be released exactly once.
type SharedPage struct {
	_ sync.NoCopy

	pa   hostarch.PhysAddr
	va   hostarch.Addr
	size uint64

	// alloc is the amount of memory reserved for the allocation, which may
	// exceed size.
	alloc uint64

	buf      []byte
	owner    owner
	released atomicbitops.Bool
}

// PhysAddr returns the guest physical address of the memory.
func (sp *SharedPage) PhysAddr() hostarch.PhysAddr {
	return sp.pa
}

// Addr returns the guest virtual address of the memory.
func (sp *SharedPage) Addr() hostarch.Addr {
	return sp.va
}

// Len returns the size of the allocation.
func (sp *SharedPage) Len() uint64 {
	return sp.size
}

// Bytes returns the memory. It is shared with the host.
func (sp *SharedPage) Bytes() []byte {
	return sp.buf
}

// Release returns the memory to its backend. For the page list backend this
// is the only path by which the page becomes private again. A second
// Release panics.
func (sp *SharedPage) Release() {
	if sp.released.Swap(true) {
		panic(fmt.Sprintf("shared memory at %v released twice", sp.pa))
	}
	sp.owner.release(sp)
}

// Backend names accepted by New.
const (
	BackendPageList = "pagelist"
	BackendHeap     = "heap"
)

// Opts configures New.
type Opts struct {
	// Backend is BackendPageList or BackendHeap. The default is
	// BackendPageList.
	Backend string

	// HeapSize is the size of the heap region. Zero selects
	// DefaultHeapSize.
	HeapSize uint64
}

// New creates the registry for platform p.
func New(p platform.Platform, opts Opts) (Allocator, error) {
	switch opts.Backend {
	case "", BackendPageList:
		return NewPageList(p), nil
	case BackendHeap:
		return NewHeap(p, opts.HeapSize)
	default:
		return nil, fmt.Errorf("%w: unknown shared memory backend %q", svsmerr.ErrInvalidArgument, opts.Backend)
	}
}

func checkAlign(align uint64) error {
	if align == 0 || align&(align-1) != 0 {
		return fmt.Errorf("%w: alignment %d is not a power of two", svsmerr.ErrInvalidArgument, align)
	}
	return nil
}
