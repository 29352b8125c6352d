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
	"encoding/binary"
	"fmt"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/hostdev"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
)

// Exit status values reported in sw_exit_info_1.
const (
	exitOK           = 0
	exitInvalidInput = 1
	exitFailed       = 2
)

// hostSliceLocked returns host access to [pa, pa+length), which must lie in
// backed memory in shared pages.
//
// Preconditions: p.mu is locked.
func (p *Platform) hostSliceLocked(pa hostarch.PhysAddr, length uint64) ([]byte, error) {
	r := p.mem.findRange(pa, length)
	if r == nil || r.mem == nil {
		return nil, fmt.Errorf("%w: host access to [%v, +%#x) outside backed memory", svsmerr.ErrInvalidAddress, pa, length)
	}
	end := pa.Add(length)
	for page := pa.PageAlign(); page < end; page = page.Add(hostarch.PageSize) {
		if s, _ := p.stateLocked(page); s != platform.Shared {
			p.hostFaults.Add(1)
			return nil, fmt.Errorf("%w: host access to %v page %v", svsmerr.ErrInvalidAddress, s, page)
		}
	}
	return r.slice(pa, length), nil
}

// hostMemory is the host's view of guest memory.
type hostMemory struct {
	p *Platform
}

// HostMemory returns the host's view of guest memory, as used by device
// models.
func (p *Platform) HostMemory() hostdev.GuestMemory {
	return hostMemory{p}
}

// ReadAt implements hostdev.GuestMemory.ReadAt.
func (h hostMemory) ReadAt(pa hostarch.PhysAddr, dst []byte) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	src, err := h.p.hostSliceLocked(pa, uint64(len(dst)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// WriteAt implements hostdev.GuestMemory.WriteAt.
func (h hostMemory) WriteAt(pa hostarch.PhysAddr, src []byte) error {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	dst, err := h.p.hostSliceLocked(pa, uint64(len(src)))
	if err != nil {
		return err
	}
	copy(dst, src)
	return nil
}

// hypervisor handles VMGEXITs for a Platform.
type hypervisor struct {
	p *Platform
}

// VMGExit implements ghcb.Hypervisor.VMGExit.
func (h *hypervisor) VMGExit(pa hostarch.PhysAddr) error {
	p := h.p
	p.mu.Lock()
	buf, err := p.hostSliceLocked(pa, hostarch.PageSize)
	hook := p.exitHook
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("GHCB at %v: %w", pa, err)
	}
	page := ghcb.Page(buf)

	if v := binary.LittleEndian.Uint16(page[ghcb.OffsetProtocolVersion:]); v != ghcb.ProtocolVersion {
		page.ClearValid()
		page.SetResult(exitInvalidInput, uint64(v))
		return nil
	}
	for _, off := range []int{ghcb.OffsetSwExitCode, ghcb.OffsetSwExitInfo1, ghcb.OffsetSwExitInfo2} {
		if !page.IsValid(off) {
			page.ClearValid()
			page.SetResult(exitInvalidInput, uint64(off))
			return nil
		}
	}
	code := page.Get(ghcb.OffsetSwExitCode)
	info1 := page.Get(ghcb.OffsetSwExitInfo1)
	info2 := page.Get(ghcb.OffsetSwExitInfo2)
	scratch, scratchValid := page.Get(ghcb.OffsetSwScratch), page.IsValid(ghcb.OffsetSwScratch)
	page.ClearValid()

	if hook != nil {
		if err := hook(code, info1); err != nil {
			log.Debugf("VMGEXIT %#x failed by hook: %v", code, err)
			page.SetResult(exitFailed, code)
			return nil
		}
	}
	if !scratchValid {
		page.SetResult(exitInvalidInput, ghcb.OffsetSwScratch)
		return nil
	}

	switch code {
	case ghcb.ExitMMIORead:
		err = h.mmioRead(hostarch.PhysAddr(info1), int(info2), hostarch.PhysAddr(scratch))
	case ghcb.ExitMMIOWrite:
		err = h.mmioWrite(hostarch.PhysAddr(info1), int(info2), hostarch.PhysAddr(scratch))
	case ghcb.ExitPSC:
		err = h.pageStateChange(hostarch.PhysAddr(scratch))
	default:
		err = fmt.Errorf("%w: exit code %#x", svsmerr.ErrNotSupported, code)
	}
	if err != nil {
		log.Debugf("VMGEXIT %#x(%#x, %#x) failed: %v", code, info1, info2, err)
		page.SetResult(exitFailed, code)
		return nil
	}
	page.SetResult(exitOK, 0)
	return nil
}

// device returns the device model for the MMIO access [pa, pa+size).
func (h *hypervisor) device(pa hostarch.PhysAddr, size int) (hostdev.Device, uint64, error) {
	if size != 1 && size != 2 && size != 4 && size != 8 {
		return nil, 0, fmt.Errorf("%w: MMIO access width %d", svsmerr.ErrInvalidArgument, size)
	}
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	r := h.p.mem.findRange(pa, uint64(size))
	if r == nil || r.dev == nil {
		return nil, 0, fmt.Errorf("%w: no device at %v", svsmerr.ErrNoDevice, pa)
	}
	return r.dev, uint64(pa - r.r.Start), nil
}

func (h *hypervisor) scratch(pa hostarch.PhysAddr) ([]byte, error) {
	h.p.mu.Lock()
	defer h.p.mu.Unlock()
	return h.p.hostSliceLocked(pa, 8)
}

func (h *hypervisor) mmioRead(pa hostarch.PhysAddr, size int, scratch hostarch.PhysAddr) error {
	dev, off, err := h.device(pa, size)
	if err != nil {
		return err
	}
	buf, err := h.scratch(scratch)
	if err != nil {
		return err
	}
	v, err := dev.MMIORead(off, size)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(buf, v)
	return nil
}

func (h *hypervisor) mmioWrite(pa hostarch.PhysAddr, size int, scratch hostarch.PhysAddr) error {
	dev, off, err := h.device(pa, size)
	if err != nil {
		return err
	}
	buf, err := h.scratch(scratch)
	if err != nil {
		return err
	}
	v := binary.LittleEndian.Uint64(buf)
	if size < 8 {
		v &= 1<<(8*size) - 1
	}
	return dev.MMIOWrite(off, size, v)
}

// pageStateChange processes the page state change request at scratch. It
// stops at the first invalid entry, leaving cur_entry pointing at it.
func (h *hypervisor) pageStateChange(scratch hostarch.PhysAddr) error {
	p := h.p
	p.mu.Lock()
	defer p.mu.Unlock()
	buf, err := p.hostSliceLocked(scratch, ghcb.SharedBufferSize)
	if err != nil {
		return err
	}
	cur, end := ghcb.PSCHeader(buf)
	if int(end) >= ghcb.MaxPSCEntries {
		return fmt.Errorf("%w: page state change with end entry %d", svsmerr.ErrInvalidArgument, end)
	}
	for ; cur <= end; cur++ {
		e := ghcb.PSCEntryAt(buf, int(cur))
		pa := hostarch.PhysAddr(e.GFN << hostarch.PageShift)
		r := p.mem.find(pa)
		if r == nil || r.mem == nil {
			ghcb.SetPSCCurrent(buf, cur)
			return fmt.Errorf("%w: page state change of %v", svsmerr.ErrInvalidAddress, pa)
		}
		switch e.Op {
		case ghcb.PSCShared:
			p.setStateLocked(pa, platform.Shared)
		case ghcb.PSCPrivate:
			p.setStateLocked(pa, platform.Unvalidated)
		default:
			ghcb.SetPSCCurrent(buf, cur)
			return fmt.Errorf("%w: page state change operation %v", svsmerr.ErrInvalidArgument, e.Op)
		}
	}
	ghcb.SetPSCCurrent(buf, cur)
	return nil
}
