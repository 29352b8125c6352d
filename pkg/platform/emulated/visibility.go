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

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
)

// checkMappingLocked verifies that va is a page-aligned mapping of pa.
//
// Preconditions: p.mu is locked.
func (p *Platform) checkMappingLocked(va hostarch.Addr, pa hostarch.PhysAddr) error {
	if !va.IsPageAligned() || !pa.IsPageAligned() {
		return fmt.Errorf("%w: %v -> %v is not page aligned", svsmerr.ErrInvalidArgument, va, pa)
	}
	e, ok := p.translateLocked(va)
	if !ok || e.pa != pa {
		return fmt.Errorf("%w: %v does not map %v", svsmerr.ErrInvalidAddress, va, pa)
	}
	return nil
}

// MakeShared implements platform.Platform.MakeShared.
func (p *Platform) MakeShared(va hostarch.Addr, pa hostarch.PhysAddr) error {
	p.mu.Lock()
	if err := p.checkMappingLocked(va, pa); err != nil {
		p.mu.Unlock()
		return err
	}
	if s, _ := p.stateLocked(pa); s != platform.Private {
		p.mu.Unlock()
		return fmt.Errorf("%w: sharing %v page %v", svsmerr.ErrInvalidArgument, s, pa)
	}
	if err := p.pvalidateLocked(pa, false); err != nil {
		p.mu.Unlock()
		return err
	}
	p.mu.Unlock()

	if err := p.ghcb.PageStateChangeOne(pa, ghcb.PSCShared); err != nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		if s, _ := p.stateLocked(pa); s == platform.Unvalidated {
			if verr := p.pvalidateLocked(pa, true); verr != nil {
				log.Warningf("Failed to revalidate %v after failed page state change: %v", pa, verr)
			}
		}
		return fmt.Errorf("sharing page %v: %w", pa, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.setPTELocked(va, pte{pa: pa, encrypted: false})
	log.Debugf("Page %v mapped at %v is now shared", pa, va)
	return nil
}

// MakePrivate implements platform.Platform.MakePrivate.
func (p *Platform) MakePrivate(va hostarch.Addr, pa hostarch.PhysAddr) error {
	p.mu.Lock()
	if err := p.checkMappingLocked(va, pa); err != nil {
		p.mu.Unlock()
		return err
	}
	if s, _ := p.stateLocked(pa); s != platform.Shared {
		p.mu.Unlock()
		return fmt.Errorf("%w: unsharing %v page %v", svsmerr.ErrInvalidArgument, s, pa)
	}
	p.mu.Unlock()

	if err := p.ghcb.PageStateChangeOne(pa, ghcb.PSCPrivate); err != nil {
		return fmt.Errorf("unsharing page %v: %w", pa, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pvalidateLocked(pa, true); err != nil {
		return err
	}
	p.setPTELocked(va, pte{pa: pa, encrypted: true})
	log.Debugf("Page %v mapped at %v is now private", pa, va)
	return nil
}

// restore returns page pa to state prior.
func (p *Platform) restore(pa hostarch.PhysAddr, prior platform.PageState) error {
	p.mu.Lock()
	cur, err := p.stateLocked(pa)
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if cur == platform.Shared && prior != platform.Shared {
		if err := p.ghcb.PageStateChangeOne(pa, ghcb.PSCPrivate); err != nil {
			return err
		}
		cur = platform.Unvalidated
	}

	p.mu.Lock()
	switch {
	case cur == prior:
	case cur == platform.Unvalidated && prior == platform.Private:
		err = p.pvalidateLocked(pa, true)
	case cur == platform.Private && prior != platform.Private:
		err = p.pvalidateLocked(pa, false)
		cur = platform.Unvalidated
	}
	p.mu.Unlock()
	if err != nil {
		return err
	}

	if prior == platform.Shared && cur != platform.Shared {
		return p.ghcb.PageStateChangeOne(pa, ghcb.PSCShared)
	}
	return nil
}

// AllocPages implements platform.Platform.AllocPages.
func (p *Platform) AllocPages(n int) (hostarch.Addr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("%w: allocation of %d pages", svsmerr.ErrInvalidArgument, n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	first, ok := p.frames.FindZeroRun(uint64(n))
	if !ok {
		return 0, fmt.Errorf("%w: no run of %d free pages", svsmerr.ErrNoMemory, n)
	}
	p.frames.SetRange(first, first+uint64(n))
	pa := hostarch.PhysAddr(first << hostarch.PageShift)
	clear(p.ram.slice(pa, uint64(n)*hostarch.PageSize))
	return DirectMapBase + hostarch.Addr(pa), nil
}

// FreePages implements platform.Platform.FreePages.
func (p *Platform) FreePages(va hostarch.Addr, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pa := hostarch.PhysAddr(va - DirectMapBase)
	if va < DirectMapBase || !va.IsPageAligned() || !p.ram.r.IsSupersetOf(hostarch.PhysRangeOf(pa, uint64(n)*hostarch.PageSize)) {
		panic(fmt.Sprintf("FreePages(%v, %d): not a direct map address of RAM", va, n))
	}
	for i := 0; i < n; i++ {
		page := pa.Add(uint64(i) * hostarch.PageSize)
		if !p.frames.IsSet(page.PFN()) {
			panic(fmt.Sprintf("FreePages(%v, %d): page %v is not allocated", va, n, page))
		}
		if s, _ := p.stateLocked(page); s != platform.Private {
			panic(fmt.Sprintf("FreePages(%v, %d): page %v is %v", va, n, page, s))
		}
		if _, ok := p.ptes[va+hostarch.Addr(i*hostarch.PageSize)]; ok {
			panic(fmt.Sprintf("FreePages(%v, %d): page %v is still remapped", va, n, page))
		}
	}
	p.frames.ClearRange(pa.PFN(), pa.PFN()+uint64(n))
}
