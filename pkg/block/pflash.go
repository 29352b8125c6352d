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

package block

import (
	"fmt"
	"time"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
)

// Flash command codes.
const (
	// FlashWriteByte programs the next byte written to the same address.
	FlashWriteByte = 0x10

	// FlashReadArray returns the device to read-array mode.
	FlashReadArray = 0xff
)

var flashLog = log.BasicRateLimitedLogger(time.Second)

// Pflash is the driver for a memory-mapped NOR flash device. Reads copy
// from a shared mapping of the flash page. Writes program the device one
// byte at a time with mediated MMIO writes.
type Pflash struct {
	p platform.Platform
	g *ghcb.GHCB

	// These fields are immutable.
	base hostarch.PhysAddr
	size uint64
}

var _ Device = (*Pflash)(nil)

// NewPflash returns the driver for the flash device of size bytes at base.
// base must be page aligned and size a multiple of the page size.
func NewPflash(p platform.Platform, g *ghcb.GHCB, base hostarch.PhysAddr, size uint64) *Pflash {
	if !base.IsPageAligned() || size%hostarch.PageSize != 0 {
		panic(fmt.Sprintf("flash device [%v, +%#x) is not page aligned", base, size))
	}
	return &Pflash{p: p, g: g, base: base, size: size}
}

// Base returns the physical base address of the device.
func (f *Pflash) Base() hostarch.PhysAddr {
	return f.base
}

// Size implements Device.Size.
func (f *Pflash) Size() uint64 {
	return f.size
}

// segment calls fn for each page sized piece of the n byte range at off.
// fn receives the page, the offset within it and the piece's position in
// the range.
func (f *Pflash) segment(off uint64, n int, fn func(page hostarch.PhysAddr, poff uint64, pos, length int) error) (int, error) {
	done := 0
	for done < n {
		pa := f.base.Add(off + uint64(done))
		page := pa.PageAlign()
		poff := pa.PageOffset()
		length := int(min(uint64(n-done), hostarch.PageSize-poff))
		if err := fn(page, poff, done, length); err != nil {
			return done, err
		}
		done += length
	}
	return done, nil
}

// mapPage returns a shared mapping of page.
func (f *Pflash) mapPage(page hostarch.PhysAddr) (platform.Mapping, error) {
	m, err := platform.MapShared(f.p, page)
	if err != nil {
		return nil, fmt.Errorf("%w: mapping flash page %v: %v", svsmerr.ErrDevice, page, err)
	}
	return m, nil
}

// Read implements Device.Read.
func (f *Pflash) Read(buf []byte, off uint64) (int, error) {
	n := clamp(off, len(buf), f.size)
	return f.segment(off, n, func(page hostarch.PhysAddr, poff uint64, pos, length int) error {
		m, err := f.mapPage(page)
		if err != nil {
			return err
		}
		defer m.Release()
		src, err := f.p.Bytes(m.Addr()+hostarch.Addr(poff), uint64(length))
		if err != nil {
			return fmt.Errorf("%w: reading flash page %v: %v", svsmerr.ErrDevice, page, err)
		}
		copy(buf[pos:pos+length], src)
		return nil
	})
}

// Write implements Device.Write. Each byte is programmed with a write-byte
// command followed by the data, and the device is returned to read-array
// mode after every page.
func (f *Pflash) Write(buf []byte, off uint64) (int, error) {
	n := clamp(off, len(buf), f.size)
	return f.segment(off, n, func(page hostarch.PhysAddr, poff uint64, pos, length int) error {
		m, err := f.mapPage(page)
		if err != nil {
			return err
		}
		defer m.Release()
		for i := 0; i < length; i++ {
			pa := page.Add(poff + uint64(i))
			flashLog.Debugf("flash: program %v = %#02x", pa, buf[pos+i])
			if err := f.g.MMIOWriteByte(pa, FlashWriteByte); err != nil {
				return err
			}
			if err := f.g.MMIOWriteByte(pa, buf[pos+i]); err != nil {
				return err
			}
		}
		// The read-array command goes to the address following the
		// written bytes. A write ending at the device end is the one
		// exception: the command goes to the last byte instead, so it
		// never leaves the flash window. Keep this clamp.
		next := page.Add(poff + uint64(length))
		if uint64(next-f.base) >= f.size {
			next--
		}
		return f.g.MMIOWriteByte(next, FlashReadArray)
	})
}
