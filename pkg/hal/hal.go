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

// Package hal implements the confidential hardware abstraction layer that
// a virtio transport uses to reach memory and registers in an SEV-SNP
// guest.
//
// DMA memory and bounce buffers come from the shared page registry, so the
// host only ever sees pages that were explicitly shared. Register accesses
// are never performed as plain loads and stores: they are forwarded to the
// hypervisor through the GHCB.
package hal

import (
	"fmt"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/memutil"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/shmem"
)

// Direction is the direction of a buffer transfer.
type Direction int

const (
	// DriverToDevice buffers are only read by the device.
	DriverToDevice Direction = iota

	// DeviceToDriver buffers are only written by the device.
	DeviceToDriver

	// Both buffers are read and written by the device.
	Both
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case DriverToDevice:
		return "DriverToDevice"
	case DeviceToDriver:
		return "DeviceToDriver"
	case Both:
		return "Both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

func (d Direction) toDevice() bool {
	return d == DriverToDevice || d == Both
}

func (d Direction) fromDevice() bool {
	return d == DeviceToDriver || d == Both
}

// Hal is the set of operations a virtio transport needs.
type Hal interface {
	// DMAAlloc allocates pages of zeroed memory shared with the device and
	// returns its physical address and a local view of it. Only single page
	// allocations are supported.
	DMAAlloc(pages int, dir Direction) (hostarch.PhysAddr, []byte, error)

	// DMADealloc returns memory obtained from DMAAlloc.
	DMADealloc(pa hostarch.PhysAddr, buf []byte, pages int)

	// MMIOPhysToVirt returns the virtual address of a device's registers.
	MMIOPhysToVirt(pa hostarch.PhysAddr, size uint64) (hostarch.Addr, error)

	// Share exposes buf to the device through a bounce page and returns the
	// physical address the device should use.
	Share(buf []byte, dir Direction) (hostarch.PhysAddr, error)

	// Unshare ends a Share, copying the device's data back into buf when
	// dir says the device wrote it.
	Unshare(pa hostarch.PhysAddr, buf []byte, dir Direction)

	// MMIORead reads a device register of width bytes at src.
	MMIORead(src hostarch.Addr, width int) (uint64, error)

	// MMIOWrite writes a device register of width bytes at dst.
	MMIOWrite(dst hostarch.Addr, width int, v uint64) error
}

// ConfidentialHal implements Hal over a platform and a shared page
// registry.
type ConfidentialHal struct {
	p   platform.Platform
	reg shmem.Allocator
}

var _ Hal = (*ConfidentialHal)(nil)

// New returns a Hal for p that takes shared memory from reg.
func New(p platform.Platform, reg shmem.Allocator) *ConfidentialHal {
	return &ConfidentialHal{p: p, reg: reg}
}

// Registry returns the registry h allocates from.
func (h *ConfidentialHal) Registry() shmem.Allocator {
	return h.reg
}

// DMAAlloc implements Hal.DMAAlloc.
func (h *ConfidentialHal) DMAAlloc(pages int, dir Direction) (hostarch.PhysAddr, []byte, error) {
	if pages != 1 {
		panic(fmt.Sprintf("DMAAlloc of %d pages, only single pages are supported", pages))
	}
	sp, err := h.reg.AllocateAligned(hostarch.PageSize, hostarch.PageSize)
	if err != nil {
		return 0, nil, fmt.Errorf("DMA allocation for %v: %w", dir, err)
	}
	return sp.PhysAddr(), sp.Bytes(), nil
}

// DMADealloc implements Hal.DMADealloc.
func (h *ConfidentialHal) DMADealloc(pa hostarch.PhysAddr, buf []byte, pages int) {
	if pages != 1 {
		panic(fmt.Sprintf("DMADealloc of %d pages, only single pages are supported", pages))
	}
	sp, ok := h.reg.Lookup(pa)
	if !ok {
		panic(fmt.Sprintf("DMADealloc(%v): no DMA memory allocated at this address", pa))
	}
	if len(buf) == 0 || len(sp.Bytes()) == 0 || memutil.SliceAddr(buf) != memutil.SliceAddr(sp.Bytes()) {
		panic(fmt.Sprintf("DMADealloc(%v): buffer does not belong to the allocation", pa))
	}
	if _, ok := h.reg.Free(pa); !ok {
		panic(fmt.Sprintf("DMADealloc(%v): allocation freed concurrently", pa))
	}
	sp.Release()
}

// MMIOPhysToVirt implements Hal.MMIOPhysToVirt.
func (h *ConfidentialHal) MMIOPhysToVirt(pa hostarch.PhysAddr, size uint64) (hostarch.Addr, error) {
	va, err := h.p.PhysToVirt(pa)
	if err != nil {
		return 0, fmt.Errorf("MMIO region [%v, +%#x): %w", pa, size, err)
	}
	return va, nil
}

// Share implements Hal.Share.
func (h *ConfidentialHal) Share(buf []byte, dir Direction) (hostarch.PhysAddr, error) {
	if len(buf) > hostarch.PageSize {
		panic(fmt.Sprintf("Share of %d bytes exceeds a page", len(buf)))
	}
	sp, err := h.reg.Allocate(uint64(len(buf)))
	if err != nil {
		return 0, fmt.Errorf("sharing %d byte %v buffer: %w", len(buf), dir, err)
	}
	if dir.toDevice() {
		copy(sp.Bytes(), buf)
	}
	return sp.PhysAddr(), nil
}

// Unshare implements Hal.Unshare.
func (h *ConfidentialHal) Unshare(pa hostarch.PhysAddr, buf []byte, dir Direction) {
	sp, ok := h.reg.Free(pa)
	if !ok {
		panic(fmt.Sprintf("Unshare(%v): address was not shared", pa))
	}
	if dir.fromDevice() {
		// The device may have written anything; only len(buf) bytes are
		// taken back.
		copy(buf, sp.Bytes())
	}
	sp.Release()
}

// MMIORead implements Hal.MMIORead.
func (h *ConfidentialHal) MMIORead(src hostarch.Addr, width int) (uint64, error) {
	pa, err := h.p.VirtToPhys(src)
	if err != nil {
		return 0, fmt.Errorf("%w: MMIO read at %v: %v", svsmerr.ErrDevice, src, err)
	}
	v, err := h.p.GHCB().MMIORead(pa, width)
	if err != nil {
		log.Debugf("MMIO read of %d bytes at %v failed: %v", width, pa, err)
		return 0, err
	}
	return v, nil
}

// MMIOWrite implements Hal.MMIOWrite.
func (h *ConfidentialHal) MMIOWrite(dst hostarch.Addr, width int, v uint64) error {
	pa, err := h.p.VirtToPhys(dst)
	if err != nil {
		return fmt.Errorf("%w: MMIO write at %v: %v", svsmerr.ErrDevice, dst, err)
	}
	if err := h.p.GHCB().MMIOWrite(pa, width, v); err != nil {
		log.Debugf("MMIO write of %d bytes at %v failed: %v", width, pa, err)
		return err
	}
	return nil
}
