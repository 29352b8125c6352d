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

// Package emulated provides an in-process confidential VM platform.
//
// Guest physical memory is a set of memfd-backed regions. The package keeps
// an RMP recording the visibility state of every page, page tables with a
// C-bit per entry, a per-CPU temporary mapping window and a page frame
// allocator, and it plays the hypervisor's role for VMGEXITs issued through
// the GHCB: MMIO exits are dispatched to device models and page state
// changes update the RMP.
//
// The platform enforces the SEV-SNP access rules. Guest accesses must use a
// mapping whose C-bit agrees with the page's state, and the host (device
// models) can only reach pages the guest has shared.
package emulated

import (
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"svsm.dev/svsm/pkg/atomicbitops"
	"svsm.dev/svsm/pkg/bitmap"
	"svsm.dev/svsm/pkg/cleanup"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/hostdev/pflash"
	"svsm.dev/svsm/pkg/hostdev/virtioblk"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/memutil"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/sync"
)

// DefaultRAMSize is used when platform.Opts.RAMSize is zero.
const DefaultRAMSize = 16 << 20

// ExitHook is called for every VMGEXIT before it is handled. A non-nil error
// fails the exit.
type ExitHook func(code, info1 uint64) error

// Platform is an emulated confidential VM.
type Platform struct {
	// mu protects the fields below and the contents of the RMP.
	mu sync.Mutex

	mem  memoryMap
	ram  *region
	rmp  rmp
	ptes map[hostarch.Addr]pte

	// frames tracks allocated RAM pages by PFN.
	frames bitmap.Bitmap

	// window tracks used slots of the temporary mapping window.
	window bitmap.Bitmap

	exitHook ExitHook

	// ghcb is the only vCPU's GHCB. It is immutable.
	ghcb *ghcb.GHCB

	flash *pflash.Device
	blks  []*virtioblk.Device

	pvalidates  atomicbitops.Uint64
	guestFaults atomicbitops.Uint64
	hostFaults  atomicbitops.Uint64
}

var _ platform.Platform = (*Platform)(nil)

// New creates an emulated platform.
func New(opts platform.Opts) (*Platform, error) {
	if opts.RAMSize == 0 {
		opts.RAMSize = DefaultRAMSize
	}
	p := &Platform{
		rmp:    make(rmp),
		ptes:   make(map[hostarch.Addr]pte),
		window: bitmap.New(WindowSlots),
	}
	cu := cleanup.Make(func() { p.Close() })
	defer cu.Clean()

	ram, err := newBackedRegion(RegionRAM, "svsm-ram", 0, opts.RAMSize)
	if err != nil {
		return nil, fmt.Errorf("creating RAM: %w", err)
	}
	p.mem = memoryMap{ram}
	p.ram = ram
	p.frames = bitmap.New(opts.RAMSize >> hostarch.PageShift)
	// Page zero is never handed out.
	p.frames.Add(0)

	if f := opts.Flash; f != nil {
		if err := p.addFlash(f); err != nil {
			return nil, err
		}
	}
	for i, v := range opts.VirtioBlk {
		if err := p.addVirtioBlk(i, v); err != nil {
			return nil, err
		}
	}

	// The GHCB page is registered with the hypervisor through the MSR
	// protocol, which shares it without a GHCB.
	first, ok := p.frames.FirstZero(0)
	if !ok {
		return nil, fmt.Errorf("%w: no page for the GHCB", svsmerr.ErrNoMemory)
	}
	p.frames.Add(first)
	pa := hostarch.PhysAddr(first << hostarch.PageShift)
	p.setStateLocked(pa, platform.Shared)
	p.setPTELocked(DirectMapBase+hostarch.Addr(pa), pte{pa: pa, encrypted: false})
	p.ghcb = ghcb.New(ram.slice(pa, hostarch.PageSize), pa, &hypervisor{p: p})

	log.Infof("Emulated platform: %d MiB RAM, GHCB at %v, %d regions", opts.RAMSize>>20, pa, len(p.mem))
	cu.Release()
	return p, nil
}

func (p *Platform) addFlash(f *platform.FlashOpts) error {
	r, err := newBackedRegion(RegionFlash, "svsm-flash", f.Base, f.Size)
	if err != nil {
		return fmt.Errorf("creating flash: %w", err)
	}
	if err := p.mem.add(r); err != nil {
		r.release()
		return err
	}
	for i := range r.mem {
		r.mem[i] = 0xff
	}
	if f.Image != "" {
		img, err := os.ReadFile(f.Image)
		if err != nil {
			return fmt.Errorf("reading flash image: %w", err)
		}
		if uint64(len(img)) > f.Size {
			return fmt.Errorf("%w: flash image %q is %d bytes, device is %d", svsmerr.ErrInvalidArgument, f.Image, len(img), f.Size)
		}
		copy(r.mem, img)
	}
	p.flash = pflash.New(r.mem)
	r.dev = p.flash
	return nil
}

func (p *Platform) addVirtioBlk(i int, v platform.VirtioBlkOpts) error {
	if !v.Base.IsPageAligned() {
		return fmt.Errorf("%w: virtio-mmio base %v is not page aligned", svsmerr.ErrInvalidArgument, v.Base)
	}
	var (
		file *os.File
		size uint64
		lock *flock.Flock
	)
	if v.Image != "" {
		f, err := os.OpenFile(v.Image, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("opening disk image: %w", err)
		}
		st, err := f.Stat()
		if err != nil {
			f.Close()
			return fmt.Errorf("stat disk image: %w", err)
		}
		// Two writers of one image would corrupt it.
		lock = flock.NewFlock(v.Image)
		if ok, err := lock.TryLock(); err != nil || !ok {
			f.Close()
			if err == nil {
				err = svsmerr.ErrBusy
			}
			return fmt.Errorf("locking disk image %q: %w", v.Image, err)
		}
		file, size = f, uint64(st.Size())
	} else {
		if v.Size == 0 {
			return fmt.Errorf("%w: virtio-blk device %d has neither image nor size", svsmerr.ErrInvalidArgument, i)
		}
		fd, err := memutil.CreateMemFD(fmt.Sprintf("svsm-blk%d", i), int64(v.Size))
		if err != nil {
			return err
		}
		file, size = os.NewFile(uintptr(fd), fmt.Sprintf("svsm-blk%d", i)), v.Size
	}
	newDev := virtioblk.New
	if v.ReadOnly {
		newDev = virtioblk.NewReadOnly
	}
	dev := newDev(p.HostMemory(), file, size, fmt.Sprintf("svsm-blk%d", i))
	r := &region{
		typ:  RegionMMIO,
		r:    hostarch.PhysRangeOf(v.Base, hostarch.PageSize),
		fd:   -1,
		dev:  dev,
		file: file,
		lock: lock,
	}
	if err := p.mem.add(r); err != nil {
		r.release()
		return err
	}
	p.blks = append(p.blks, dev)
	return nil
}

// Close implements platform.Platform.Close.
func (p *Platform) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range p.mem {
		r.release()
	}
	p.mem = nil
	return nil
}

// GHCB implements platform.Platform.GHCB.
func (p *Platform) GHCB() *ghcb.GHCB {
	return p.ghcb
}

// Flash returns the flash device model, or nil.
func (p *Platform) Flash() *pflash.Device {
	return p.flash
}

// VirtioBlk returns the virtio-blk device models in configuration order.
func (p *Platform) VirtioBlk() []*virtioblk.Device {
	return p.blks
}

// SetExitHook installs f to intercept VMGEXITs. A nil f removes the hook.
func (p *Platform) SetExitHook(f ExitHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exitHook = f
}

// Stats counts platform events.
type Stats struct {
	// Exits is the number of VMGEXITs.
	Exits uint64

	// Pvalidates is the number of successful PVALIDATE operations.
	Pvalidates uint64

	// GuestFaults is the number of guest accesses refused because the
	// mapping disagreed with the page state.
	GuestFaults uint64

	// HostFaults is the number of host accesses to pages that were not
	// shared.
	HostFaults uint64

	// AllocatedPages is the number of allocated RAM pages, including the
	// GHCB and page zero.
	AllocatedPages uint64

	// SharedPages is the number of shared pages.
	SharedPages uint64
}

// Stats returns a snapshot of the platform's counters.
func (p *Platform) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := Stats{
		Exits:          p.ghcb.Exits(),
		Pvalidates:     p.pvalidates.Load(),
		GuestFaults:    p.guestFaults.Load(),
		HostFaults:     p.hostFaults.Load(),
		AllocatedPages: p.frames.GetNumOnes(),
	}
	for _, st := range p.rmp {
		if st == platform.Shared {
			s.SharedPages++
		}
	}
	return s
}

// constructor implements platform.Constructor.
type constructor struct{}

// New implements platform.Constructor.New.
func (*constructor) New(opts platform.Opts) (platform.Platform, error) {
	return New(opts)
}

func init() {
	platform.Register("emulated", &constructor{})
}
