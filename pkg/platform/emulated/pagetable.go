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

package emulated

import (
	"fmt"

	"svsm.dev/svsm/pkg/atomicbitops"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/platform"
)

const (
	// DirectMapBase is the virtual address at which all guest physical
	// memory is mapped: va = DirectMapBase + pa.
	DirectMapBase hostarch.Addr = 0xffff_8000_0000_0000

	// WindowBase is the base of the per-CPU temporary mapping window.
	WindowBase hostarch.Addr = 0xffff_ff00_0000_0000

	// WindowSlots is the number of pages in the mapping window.
	WindowSlots = 64
)

// pte is a leaf page table entry.
type pte struct {
	pa hostarch.PhysAddr

	// encrypted is the C-bit. Guest accesses through an encrypted mapping
	// require a private page; accesses through an unencrypted mapping
	// require a shared page.
	encrypted bool
}

// directMapLocked returns the default direct map entry for the page at va.
//
// Preconditions: p.mu is locked.
func (p *Platform) directMapLocked(va hostarch.Addr) (pte, bool) {
	if va < DirectMapBase {
		return pte{}, false
	}
	pa := hostarch.PhysAddr(va - DirectMapBase).PageAlign()
	if pa >= p.mem.max() || p.mem.find(pa) == nil {
		return pte{}, false
	}
	return pte{pa: pa, encrypted: true}, true
}

// translateLocked walks the page tables for va.
//
// Preconditions: p.mu is locked.
func (p *Platform) translateLocked(va hostarch.Addr) (pte, bool) {
	if e, ok := p.ptes[va.RoundDown()]; ok {
		return e, true
	}
	return p.directMapLocked(va.RoundDown())
}

// setPTELocked installs e for the page at va.
//
// Preconditions: p.mu is locked; va is page aligned.
func (p *Platform) setPTELocked(va hostarch.Addr, e pte) {
	if def, ok := p.directMapLocked(va); ok && def == e {
		delete(p.ptes, va)
		return
	}
	p.ptes[va] = e
}

// VirtToPhys implements platform.Platform.VirtToPhys.
func (p *Platform) VirtToPhys(va hostarch.Addr) (hostarch.PhysAddr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.translateLocked(va)
	if !ok {
		return 0, fmt.Errorf("%w: %v is not mapped", svsmerr.ErrInvalidAddress, va)
	}
	return e.pa.Add(va.PageOffset()), nil
}

// PhysToVirt implements platform.Platform.PhysToVirt.
func (p *Platform) PhysToVirt(pa hostarch.PhysAddr) (hostarch.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.mem.find(pa) == nil {
		return 0, fmt.Errorf("%w: %v is not guest memory", svsmerr.ErrInvalidAddress, pa)
	}
	return DirectMapBase + hostarch.Addr(pa), nil
}

// accessOK returns true if a guest access through e is permitted for a page
// in state s.
func accessOK(e pte, s platform.PageState) bool {
	if e.encrypted {
		return s == platform.Private
	}
	return s == platform.Shared
}

// Bytes implements platform.Platform.Bytes.
func (p *Platform) Bytes(va hostarch.Addr, length uint64) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	end, ok := va.AddLength(length)
	if !ok {
		return nil, fmt.Errorf("%w: range %v+%#x overflows", svsmerr.ErrInvalidArgument, va, length)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	var (
		first  hostarch.PhysAddr
		region *region
	)
	for page := va.RoundDown(); page < end; page += hostarch.PageSize {
		e, ok := p.translateLocked(page)
		if !ok {
			return nil, fmt.Errorf("%w: %v is not mapped", svsmerr.ErrInvalidAddress, page)
		}
		r := p.mem.find(e.pa)
		if r == nil || r.mem == nil {
			return nil, fmt.Errorf("%w: %v maps %v, which has no backing memory", svsmerr.ErrInvalidAddress, page, e.pa)
		}
		if region == nil {
			first, region = e.pa, r
		} else if r != region || e.pa != first.Add(uint64(page-va.RoundDown())) {
			return nil, fmt.Errorf("%w: %v+%#x is not physically contiguous", svsmerr.ErrInvalidArgument, va, length)
		}
		s, _ := p.stateLocked(e.pa)
		if !accessOK(e, s) {
			p.guestFaults.Add(1)
			return nil, fmt.Errorf("%w: access to %v page %v through mapping %v with encrypted=%t", svsmerr.ErrInvalidAddress, s, e.pa, page, e.encrypted)
		}
	}
	return region.slice(first.Add(va.PageOffset()), length), nil
}

// mapping is a temporary mapping in the per-CPU window.
type mapping struct {
	p        *Platform
	slot     uint64
	pa       hostarch.PhysAddr
	prior    platform.PageState
	released atomicbitops.Bool
}

// Addr implements platform.Mapping.Addr.
func (m *mapping) Addr() hostarch.Addr {
	return WindowBase + hostarch.Addr(m.slot*hostarch.PageSize)
}

// PhysAddr implements platform.Mapping.PhysAddr.
func (m *mapping) PhysAddr() hostarch.PhysAddr {
	return m.pa
}

// Release implements platform.Mapping.Release.
func (m *mapping) Release() {
	if m.released.Swap(true) {
		panic(fmt.Sprintf("mapping of %v released twice", m.pa))
	}
	if err := m.p.restore(m.pa, m.prior); err != nil {
		panic(fmt.Sprintf("restoring page %v to %v: %v", m.pa, m.prior, err))
	}
	p := m.p
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.ptes, m.Addr())
	p.window.Remove(m.slot)
}

// MapAndValidate implements platform.Platform.MapAndValidate.
func (p *Platform) MapAndValidate(pa hostarch.PhysAddr) (platform.Mapping, error) {
	if !pa.IsPageAligned() {
		return nil, fmt.Errorf("%w: %v is not page aligned", svsmerr.ErrInvalidArgument, pa)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	r := p.mem.find(pa)
	if r == nil || r.mem == nil {
		return nil, fmt.Errorf("%w: %v has no backing memory", svsmerr.ErrInvalidAddress, pa)
	}
	slot, ok := p.window.FirstZero(0)
	if !ok {
		return nil, fmt.Errorf("%w: mapping window is full", svsmerr.ErrBusy)
	}
	prior, err := p.stateLocked(pa)
	if err != nil {
		return nil, err
	}
	if prior == platform.Unvalidated {
		if err := p.pvalidateLocked(pa, true); err != nil {
			return nil, err
		}
	}
	p.window.Add(slot)
	m := &mapping{p: p, slot: slot, pa: pa, prior: prior}
	p.ptes[m.Addr()] = pte{pa: pa, encrypted: prior != platform.Shared}
	return m, nil
}
