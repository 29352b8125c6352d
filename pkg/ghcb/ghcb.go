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

// Package ghcb implements the guest side of the Guest-Hypervisor
// Communication Block protocol used by SEV-ES and SEV-SNP guests to request
// hypervisor assistance: mediated MMIO accesses and page state changes.
//
// The GHCB is a single shared page. The guest fills in the exit code, the
// exit information fields and, for data-carrying exits, the shared buffer,
// marks the fields it wrote in the valid bitmap, and issues VMGEXIT. The
// hypervisor answers in the same page. Everything read back from the page
// was written by the host.
package ghcb

import (
	"encoding/binary"
	"fmt"

	"svsm.dev/svsm/pkg/atomicbitops"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/sync"
)

// Offsets of the GHCB save area fields used by this package.
const (
	OffsetRAX             = 0x1f8
	OffsetSwExitCode      = 0x390
	OffsetSwExitInfo1     = 0x398
	OffsetSwExitInfo2     = 0x3a0
	OffsetSwScratch       = 0x3a8
	OffsetValidBitmap     = 0x3f0
	OffsetSharedBuffer    = 0x800
	SharedBufferSize      = 0x7f0
	OffsetProtocolVersion = 0xffa
	OffsetUsage           = 0xffc

	validBitmapSize = 16
)

// ProtocolVersion is the GHCB protocol version spoken by this package.
const ProtocolVersion = 2

// Exit codes.
const (
	ExitMMIORead  = 0x80000001
	ExitMMIOWrite = 0x80000002
	ExitPSC       = 0x80000010
)

// Hypervisor issues VMGEXIT for the GHCB located at pa. It returns once the
// hypervisor has written its response into the GHCB page.
type Hypervisor interface {
	VMGExit(pa hostarch.PhysAddr) error
}

// Page is a view of a GHCB page. It is used by both sides of the protocol.
type Page []byte

// Get returns the quadword field at off.
func (p Page) Get(off int) uint64 {
	return binary.LittleEndian.Uint64(p[off:])
}

// Set stores v into the quadword field at off and marks it valid.
func (p Page) Set(off int, v uint64) {
	binary.LittleEndian.PutUint64(p[off:], v)
	p.markValid(off)
}

// IsValid returns true if the quadword field at off is marked valid.
func (p Page) IsValid(off int) bool {
	bit := off / 8
	return p[OffsetValidBitmap+bit/8]&(1<<(bit%8)) != 0
}

func (p Page) markValid(off int) {
	bit := off / 8
	p[OffsetValidBitmap+bit/8] |= 1 << (bit % 8)
}

// ClearValid clears the valid bitmap.
func (p Page) ClearValid() {
	clear(p[OffsetValidBitmap : OffsetValidBitmap+validBitmapSize])
}

// SharedBuffer returns the shared buffer area of the page.
func (p Page) SharedBuffer() []byte {
	return p[OffsetSharedBuffer : OffsetSharedBuffer+SharedBufferSize]
}

// SetResult stores the exit result: info1 carries the status (zero on
// success) and info2 the error detail. The hypervisor clears the valid bitmap
// after consuming the guest's inputs, so a valid info1 after the exit is the
// hypervisor's answer.
func (p Page) SetResult(info1, info2 uint64) {
	p.Set(OffsetSwExitInfo1, info1)
	p.Set(OffsetSwExitInfo2, info2)
}

// GHCB is one vCPU's GHCB. Exits through a GHCB are serialized.
type GHCB struct {
	// mu serializes use of the page.
	mu sync.Mutex

	// page is the guest's mapping of the GHCB page. It must be shared.
	page Page

	// pa is the physical address of the GHCB page. pa is immutable.
	pa hostarch.PhysAddr

	// hv is immutable.
	hv Hypervisor

	// exits counts VMGEXITs issued through this GHCB.
	exits atomicbitops.Uint64
}

// New returns a GHCB over page, which must be the guest mapping of the
// shared page at pa.
func New(page []byte, pa hostarch.PhysAddr, hv Hypervisor) *GHCB {
	if len(page) != hostarch.PageSize {
		panic(fmt.Sprintf("GHCB page has length %d, want %d", len(page), hostarch.PageSize))
	}
	if !pa.IsPageAligned() {
		panic(fmt.Sprintf("GHCB page %v is not page aligned", pa))
	}
	return &GHCB{
		page: Page(page),
		pa:   pa,
		hv:   hv,
	}
}

// PhysAddr returns the physical address of the GHCB page.
func (g *GHCB) PhysAddr() hostarch.PhysAddr {
	return g.pa
}

// Exits returns the number of VMGEXITs issued through g.
func (g *GHCB) Exits() uint64 {
	return g.exits.Load()
}

// exitLocked performs one VMGEXIT. The valid bitmap is reset first, so
// every field the exit carries, scratch included, is set here.
//
// Preconditions: g.mu is locked.
func (g *GHCB) exitLocked(code, info1, info2 uint64) error {
	g.page.ClearValid()
	g.page.Set(OffsetSwScratch, uint64(g.pa.Add(OffsetSharedBuffer)))
	g.page.Set(OffsetSwExitCode, code)
	g.page.Set(OffsetSwExitInfo1, info1)
	g.page.Set(OffsetSwExitInfo2, info2)
	binary.LittleEndian.PutUint16(g.page[OffsetProtocolVersion:], ProtocolVersion)
	binary.LittleEndian.PutUint32(g.page[OffsetUsage:], 0)
	g.exits.Add(1)
	if err := g.hv.VMGExit(g.pa); err != nil {
		return fmt.Errorf("%w: VMGEXIT %#x failed: %v", svsmerr.ErrDevice, code, err)
	}
	if !g.page.IsValid(OffsetSwExitInfo1) {
		return fmt.Errorf("%w: VMGEXIT %#x: hypervisor did not report a result", svsmerr.ErrDevice, code)
	}
	if status := uint32(g.page.Get(OffsetSwExitInfo1)); status != 0 {
		return fmt.Errorf("%w: VMGEXIT %#x: status %#x, info %#x", svsmerr.ErrDevice, code, status, g.page.Get(OffsetSwExitInfo2))
	}
	return nil
}
