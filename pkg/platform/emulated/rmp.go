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
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/platform"
)

// rmp is the reverse map table: the visibility state of every guest page.
// Pages without an entry are in their region's initial state.
type rmp map[uint64]platform.PageState

// initialState returns the state of a page of r that was never changed.
func initialState(r *region) platform.PageState {
	if r.typ == RegionRAM {
		return platform.Private
	}
	return platform.Unvalidated
}

// stateLocked returns the state of page pa.
//
// Preconditions: p.mu is locked.
func (p *Platform) stateLocked(pa hostarch.PhysAddr) (platform.PageState, error) {
	r := p.mem.find(pa)
	if r == nil {
		return 0, fmt.Errorf("%w: page %v is not guest memory", svsmerr.ErrInvalidAddress, pa)
	}
	if s, ok := p.rmp[pa.PFN()]; ok {
		return s, nil
	}
	return initialState(r), nil
}

// setStateLocked records the state of page pa.
//
// Preconditions: p.mu is locked; pa is guest memory.
func (p *Platform) setStateLocked(pa hostarch.PhysAddr, s platform.PageState) {
	r := p.mem.find(pa)
	if s == initialState(r) {
		delete(p.rmp, pa.PFN())
		return
	}
	p.rmp[pa.PFN()] = s
}

// pvalidateLocked validates or rescinds validation of page pa, as the
// PVALIDATE instruction does. Only unvalidated pages can be validated and
// only private pages can be rescinded.
//
// Preconditions: p.mu is locked.
func (p *Platform) pvalidateLocked(pa hostarch.PhysAddr, validate bool) error {
	r := p.mem.find(pa)
	if r == nil || r.mem == nil {
		return fmt.Errorf("%w: pvalidate of %v outside backed memory", svsmerr.ErrInvalidAddress, pa)
	}
	s, _ := p.stateLocked(pa)
	switch {
	case validate && s == platform.Unvalidated:
		p.setStateLocked(pa, platform.Private)
	case !validate && s == platform.Private:
		p.setStateLocked(pa, platform.Unvalidated)
	default:
		return fmt.Errorf("%w: pvalidate(%v, %t) of %v page", svsmerr.ErrInvalidArgument, pa, validate, s)
	}
	p.pvalidates.Add(1)
	return nil
}

// PageState returns the visibility state of page pa.
func (p *Platform) PageState(pa hostarch.PhysAddr) (platform.PageState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stateLocked(pa.PageAlign())
}
