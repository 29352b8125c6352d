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
	"testing"

	"golang.org/x/sync/errgroup"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/platform/emulated"
)

func newTestPlatform(t *testing.T) *emulated.Platform {
	t.Helper()
	p, err := emulated.New(platform.Opts{RAMSize: 2 << 20})
	if err != nil {
		t.Fatalf("emulated.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func wantState(t *testing.T, p *emulated.Platform, pa hostarch.PhysAddr, want platform.PageState) {
	t.Helper()
	got, err := p.PageState(pa)
	if err != nil {
		t.Fatalf("PageState(%v): %v", pa, err)
	}
	if got != want {
		t.Errorf("PageState(%v) = %v, want %v", pa, got, want)
	}
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}

func TestPageListAllocate(t *testing.T) {
	p := newTestPlatform(t)
	l := NewPageList(p)

	sp, err := l.Allocate(100)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if sp.Len() != 100 || len(sp.Bytes()) != 100 {
		t.Errorf("Len() = %d, len(Bytes()) = %d, want 100", sp.Len(), len(sp.Bytes()))
	}
	if !sp.PhysAddr().IsPageAligned() {
		t.Errorf("PhysAddr() = %v, want page aligned", sp.PhysAddr())
	}
	wantState(t, p, sp.PhysAddr(), platform.Shared)

	if err := p.HostMemory().WriteAt(sp.PhysAddr(), []byte{1, 2, 3}); err != nil {
		t.Fatalf("host write: %v", err)
	}
	if got := sp.Bytes()[:3]; got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("guest sees %v, want [1 2 3]", got)
	}

	if got, ok := l.Lookup(sp.PhysAddr()); !ok || got != sp {
		t.Errorf("Lookup did not find the page")
	}
	got, ok := l.Free(sp.PhysAddr())
	if !ok || got != sp {
		t.Fatalf("Free(%v) = %v, %t, want the allocated page", sp.PhysAddr(), got, ok)
	}
	if _, ok := l.Free(sp.PhysAddr()); ok {
		t.Errorf("second Free found the page")
	}
	got.Release()
	wantState(t, p, sp.PhysAddr(), platform.Private)

	want := Stats{Allocs: 1, Frees: 1}
	if s := l.Stats(); s != want {
		t.Errorf("Stats() = %+v, want %+v", s, want)
	}
	if err := l.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestPageListPushPop(t *testing.T) {
	p := newTestPlatform(t)
	l := NewPageList(p)
	a, err := l.Allocate(hostarch.PageSize)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	b, err := l.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if l.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", l.Len())
	}
	expectPanic(t, "duplicate Push", func() { l.Push(a) })

	if got, ok := l.Pop(b.PhysAddr()); !ok || got != b {
		t.Errorf("Pop(b) = %v, %t", got, ok)
	}
	if _, ok := l.Pop(b.PhysAddr()); ok {
		t.Errorf("Pop of a popped page succeeded")
	}
	if err := l.Close(); !svsmerr.Equals(svsmerr.ErrBusy, err) {
		t.Errorf("Close with a recorded page got err %v, want ErrBusy", err)
	}
	b.Release()

	// Releasing without popping first also removes the page.
	a.Release()
	if l.Len() != 0 {
		t.Errorf("Len() = %d after releasing every page, want 0", l.Len())
	}
	expectPanic(t, "second Release", a.Release)
}

func TestPageListUnsupportedSize(t *testing.T) {
	p := newTestPlatform(t)
	l := NewPageList(p)
	if _, err := l.Allocate(hostarch.PageSize + 1); !svsmerr.Equals(svsmerr.ErrUnsupportedSize, err) {
		t.Errorf("Allocate(PageSize+1) got err %v, want ErrUnsupportedSize", err)
	}
	if _, err := l.AllocateAligned(8, 3); !svsmerr.Equals(svsmerr.ErrInvalidArgument, err) {
		t.Errorf("AllocateAligned(8, 3) got err %v, want ErrInvalidArgument", err)
	}
	if got := p.Stats().SharedPages; got != 1 {
		t.Errorf("SharedPages = %d, want 1 (the GHCB)", got)
	}
}

func TestHeapAllocate(t *testing.T) {
	p := newTestPlatform(t)
	h, err := NewHeap(p, 0)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	if got := p.Stats().SharedPages; got != DefaultHeapSize/hostarch.PageSize+1 {
		t.Errorf("SharedPages = %d, want %d", got, DefaultHeapSize/hostarch.PageSize+1)
	}
	exits := p.GHCB().Exits()

	var blocks []*SharedPage
	seen := make(map[hostarch.PhysAddr]bool)
	for _, size := range []uint64{1, 8, 13, 100, 4096, 0} {
		sp, err := h.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate(%d): %v", size, err)
		}
		if sp.PhysAddr()%heapGranule != 0 {
			t.Errorf("Allocate(%d) = %v, not %d byte aligned", size, sp.PhysAddr(), heapGranule)
		}
		if seen[sp.PhysAddr()] {
			t.Errorf("Allocate(%d) returned %v twice", size, sp.PhysAddr())
		}
		seen[sp.PhysAddr()] = true
		if uint64(len(sp.Bytes())) != size {
			t.Errorf("len(Bytes()) = %d, want %d", len(sp.Bytes()), size)
		}
		for i := range sp.Bytes() {
			sp.Bytes()[i] = 0xaa
		}
		blocks = append(blocks, sp)
	}
	aligned, err := h.AllocateAligned(64, hostarch.PageSize)
	if err != nil {
		t.Fatalf("AllocateAligned: %v", err)
	}
	if !aligned.PhysAddr().IsPageAligned() {
		t.Errorf("AllocateAligned(64, PageSize) = %v, not page aligned", aligned.PhysAddr())
	}
	blocks = append(blocks, aligned)

	if got := p.GHCB().Exits(); got != exits {
		t.Errorf("heap allocation issued %d exits, want none", got-exits)
	}
	if got := h.Stats().Live; got != uint64(len(blocks)) {
		t.Errorf("Live = %d, want %d", got, len(blocks))
	}

	// Release in an order that exercises merging on both sides.
	for _, i := range []int{1, 3, 0, 2, 6, 5, 4} {
		blocks[i].Release()
	}
	if got := h.FreeBytes(); got != DefaultHeapSize {
		t.Errorf("FreeBytes() = %d after releasing everything, want %d", got, DefaultHeapSize)
	}
	whole, err := h.Allocate(DefaultHeapSize)
	if err != nil {
		t.Fatalf("Allocate(whole region) after coalescing: %v", err)
	}
	for _, b := range whole.Bytes() {
		if b != 0 {
			t.Fatalf("allocated heap memory is not zeroed")
		}
	}
	if _, err := h.Allocate(1); !svsmerr.Equals(svsmerr.ErrNoMemory, err) {
		t.Errorf("Allocate on a full heap got err %v, want ErrNoMemory", err)
	}
	whole.Release()
}

func TestHeapFreeAndLookup(t *testing.T) {
	p := newTestPlatform(t)
	h, err := NewHeap(p, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	sp, err := h.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if got, ok := h.Lookup(sp.PhysAddr()); !ok || got != sp {
		t.Errorf("Lookup did not find the block")
	}
	if _, ok := h.Free(sp.PhysAddr() + 8); ok {
		t.Errorf("Free of an interior address succeeded")
	}
	got, ok := h.Free(sp.PhysAddr())
	if !ok || got != sp {
		t.Fatalf("Free = %v, %t", got, ok)
	}
	got.Release()

	sp, err = h.Allocate(24)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	h.Deallocate(sp.PhysAddr(), 24)
	expectPanic(t, "Release after Deallocate", sp.Release)
	if got := h.Stats().Live; got != 0 {
		t.Errorf("Live = %d, want 0", got)
	}
}

func TestHeapContractViolations(t *testing.T) {
	p := newTestPlatform(t)
	h, err := NewHeap(p, hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	sp, err := h.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	expectPanic(t, "Deallocate of free memory", func() { h.Deallocate(sp.PhysAddr()+64, 16) })
	expectPanic(t, "Deallocate outside the region", func() { h.Deallocate(sp.PhysAddr()+hostarch.PageSize, 8) })
	expectPanic(t, "Deallocate below the region", func() { h.Deallocate(sp.PhysAddr()-8, 8) })
	expectPanic(t, "Destroy with a live block", h.Destroy)
	sp.Release()
}

func TestHeapDestroy(t *testing.T) {
	p := newTestPlatform(t)
	h, err := NewHeap(p, 4*hostarch.PageSize)
	if err != nil {
		t.Fatalf("NewHeap: %v", err)
	}
	sp, err := h.Allocate(8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	pa := sp.PhysAddr()
	wantState(t, p, pa, platform.Shared)
	sp.Release()
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wantState(t, p, pa, platform.Private)
	if got := h.Stats().SharedBytes; got != 0 {
		t.Errorf("SharedBytes = %d after Destroy, want 0", got)
	}
	expectPanic(t, "Allocate after Destroy", func() { h.Allocate(8) })
}

func TestNewHeapErrors(t *testing.T) {
	p := newTestPlatform(t)
	if _, err := NewHeap(p, 100); !svsmerr.Equals(svsmerr.ErrInvalidArgument, err) {
		t.Errorf("NewHeap(100) got err %v, want ErrInvalidArgument", err)
	}
	if _, err := NewHeap(p, 64<<20); !svsmerr.Equals(svsmerr.ErrNoMemory, err) {
		t.Errorf("NewHeap larger than RAM got err %v, want ErrNoMemory", err)
	}
}

func TestNew(t *testing.T) {
	p := newTestPlatform(t)
	for _, tc := range []struct {
		backend string
		want    string
	}{
		{backend: "", want: "*shmem.PageList"},
		{backend: BackendPageList, want: "*shmem.PageList"},
		{backend: BackendHeap, want: "*shmem.Heap"},
	} {
		a, err := New(p, Opts{Backend: tc.backend, HeapSize: hostarch.PageSize})
		if err != nil {
			t.Fatalf("New(%q): %v", tc.backend, err)
		}
		if got := fmt.Sprintf("%T", a); got != tc.want {
			t.Errorf("New(%q) = %s, want %s", tc.backend, got, tc.want)
		}
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
	if _, err := New(p, Opts{Backend: "slab"}); !svsmerr.Equals(svsmerr.ErrInvalidArgument, err) {
		t.Errorf("New(slab) got err %v, want ErrInvalidArgument", err)
	}
}

func TestConcurrentAllocations(t *testing.T) {
	for _, backend := range []string{BackendPageList, BackendHeap} {
		t.Run(backend, func(t *testing.T) {
			p := newTestPlatform(t)
			a, err := New(p, Opts{Backend: backend})
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			var g errgroup.Group
			for w := 0; w < 8; w++ {
				w := w
				g.Go(func() error {
					for i := 0; i < 20; i++ {
						sp, err := a.Allocate(uint64(64 + w))
						if err != nil {
							return err
						}
						for j := range sp.Bytes() {
							sp.Bytes()[j] = byte(w)
						}
						got, ok := a.Free(sp.PhysAddr())
						if !ok || got != sp {
							return fmt.Errorf("worker %d lost allocation %v", w, sp.PhysAddr())
						}
						for _, b := range got.Bytes() {
							if b != byte(w) {
								return fmt.Errorf("worker %d: allocation %v overwritten", w, sp.PhysAddr())
							}
						}
						got.Release()
					}
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				t.Fatal(err)
			}
			if s := a.Stats(); s.Live != 0 || s.Allocs != 160 || s.Frees != 160 {
				t.Errorf("Stats() = %+v, want 160 allocations, all released", s)
			}
			if err := a.Close(); err != nil {
				t.Errorf("Close: %v", err)
			}
		})
	}
}
