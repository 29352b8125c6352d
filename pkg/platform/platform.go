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

// Package platform defines the contract between the confidential memory
// subsystem and the confidential-VM platform it runs on: private page
// allocation, address translation, the page visibility primitive and access
// to the current vCPU's GHCB.
package platform

import (
	"fmt"

	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
)

// PageState is the visibility state of a physical page.
type PageState int

// Page visibility states.
const (
	// Private pages are validated and accessible only to the guest.
	Private PageState = iota

	// Unvalidated pages are assigned to the guest but not validated. Guest
	// accesses to them fault. Device memory starts in this state.
	Unvalidated

	// Shared pages are accessible to the host.
	Shared
)

func (s PageState) String() string {
	switch s {
	case Private:
		return "private"
	case Unvalidated:
		return "unvalidated"
	case Shared:
		return "shared"
	default:
		return fmt.Sprintf("PageState(%d)", int(s))
	}
}

// Platform provides the memory primitives of a confidential VM.
//
// Every page is in exactly one visibility state at a time. Private pages are
// accessible only to the guest. Shared pages are accessible to the host, and
// anything read back from them must be treated as adversarial input.
type Platform interface {
	// AllocPages allocates n physically contiguous, zeroed, private and
	// validated pages and returns their address in the direct map.
	AllocPages(n int) (hostarch.Addr, error)

	// FreePages returns pages obtained from AllocPages. The pages must be
	// private again.
	FreePages(va hostarch.Addr, n int)

	// VirtToPhys translates va through the active page tables.
	VirtToPhys(va hostarch.Addr) (hostarch.PhysAddr, error)

	// PhysToVirt returns the direct map address of pa.
	PhysToVirt(pa hostarch.PhysAddr) (hostarch.Addr, error)

	// Bytes returns guest access to [va, va+length). It fails if any page in
	// the range is not mapped, is device memory without backing, or is
	// mapped with an encryption attribute that disagrees with the page's
	// visibility state.
	Bytes(va hostarch.Addr, length uint64) ([]byte, error)

	// MakeShared transitions the private page pa, mapped at va, to shared:
	// its validation is rescinded, its state is changed through the
	// hypervisor, and the mapping at va loses its encryption attribute.
	MakeShared(va hostarch.Addr, pa hostarch.PhysAddr) error

	// MakePrivate is the inverse of MakeShared. The page is validated again
	// before MakePrivate returns.
	MakePrivate(va hostarch.Addr, pa hostarch.PhysAddr) error

	// MapAndValidate maps pa into the current vCPU's temporary mapping
	// window and validates it. Releasing the mapping restores the page's
	// prior visibility state and protection.
	MapAndValidate(pa hostarch.PhysAddr) (Mapping, error)

	// GHCB returns the current vCPU's GHCB.
	GHCB() *ghcb.GHCB

	// Close releases all resources held by the platform.
	Close() error
}

// Mapping is a scoped mapping of one physical page.
type Mapping interface {
	// Addr returns the virtual address of the mapping.
	Addr() hostarch.Addr

	// PhysAddr returns the mapped physical page.
	PhysAddr() hostarch.PhysAddr

	// Release unmaps the page and restores its prior protection. A mapping
	// must be released exactly once.
	Release()
}

// MapShared maps pa, validates it and marks it shared with the host. This is
// the per-page mapping used by memory-mapped devices that read their array
// contents through ordinary memory accesses.
func MapShared(p Platform, pa hostarch.PhysAddr) (Mapping, error) {
	m, err := p.MapAndValidate(pa)
	if err != nil {
		return nil, err
	}
	if err := p.MakeShared(m.Addr(), pa); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// FlashOpts describes a memory-mapped flash device.
type FlashOpts struct {
	// Base is the page-aligned physical base of the device.
	Base hostarch.PhysAddr

	// Size is the size of the device, a multiple of the page size.
	Size uint64

	// Image, if set, names a file whose contents initialize the device.
	Image string
}

// VirtioBlkOpts describes a virtio-mmio block device.
type VirtioBlkOpts struct {
	// Base is the physical address of the device's register page.
	Base hostarch.PhysAddr

	// Image, if set, names the backing file. Otherwise the disk is backed by
	// anonymous memory of Size bytes.
	Image string

	// Size is the disk size in bytes when Image is not set.
	Size uint64

	// ReadOnly devices refuse writes.
	ReadOnly bool
}

// Opts describes the machine a platform is created for. A platform backed by
// real hardware discovers devices from firmware and ignores the device
// fields.
type Opts struct {
	// RAMSize is the size of guest RAM in bytes.
	RAMSize uint64

	// Flash describes the flash device, if any.
	Flash *FlashOpts

	// VirtioBlk describes the virtio-mmio block devices.
	VirtioBlk []VirtioBlkOpts
}

// Constructor represents a platform type.
type Constructor interface {
	// New returns a new platform instance.
	New(opts Opts) (Platform, error)
}

var platforms = map[string]Constructor{}

// Register registers a new platform type.
func Register(name string, platform Constructor) {
	if platform == nil {
		panic("Attempted to register nil Platform")
	}
	if _, dup := platforms[name]; dup {
		panic(fmt.Sprintf("Attempted to register Platform %s twice", name))
	}
	platforms[name] = platform
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	p, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return p, nil
}

// List lists available platforms.
func List() (available []string) {
	for name := range platforms {
		available = append(available, name)
	}
	return
}
