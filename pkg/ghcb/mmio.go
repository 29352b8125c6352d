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

package ghcb

import (
	"encoding/binary"
	"fmt"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
)

// validWidth returns true if size is a supported MMIO access width.
func validWidth(size int) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	default:
		return false
	}
}

// MMIORead performs a size-byte MMIO read of pa through the hypervisor.
func (g *GHCB) MMIORead(pa hostarch.PhysAddr, size int) (uint64, error) {
	if !validWidth(size) {
		return 0, fmt.Errorf("%w: MMIO read of %d bytes", svsmerr.ErrInvalidArgument, size)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := g.page.SharedBuffer()
	clear(buf[:8])
	if err := g.exitLocked(ExitMMIORead, uint64(pa), uint64(size)); err != nil {
		return 0, fmt.Errorf("MMIO read at %v: %w", pa, err)
	}
	return binary.LittleEndian.Uint64(buf[:8]) & widthMask(size), nil
}

// MMIOWrite performs a size-byte MMIO write of v to pa through the
// hypervisor.
func (g *GHCB) MMIOWrite(pa hostarch.PhysAddr, size int, v uint64) error {
	if !validWidth(size) {
		return fmt.Errorf("%w: MMIO write of %d bytes", svsmerr.ErrInvalidArgument, size)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := g.page.SharedBuffer()
	binary.LittleEndian.PutUint64(buf[:8], v&widthMask(size))
	if err := g.exitLocked(ExitMMIOWrite, uint64(pa), uint64(size)); err != nil {
		return fmt.Errorf("MMIO write at %v: %w", pa, err)
	}
	return nil
}

func widthMask(size int) uint64 {
	if size == 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

// MMIOReadByte reads one byte at pa.
func (g *GHCB) MMIOReadByte(pa hostarch.PhysAddr) (uint8, error) {
	v, err := g.MMIORead(pa, 1)
	return uint8(v), err
}

// MMIOReadWord reads a 16-bit word at pa.
func (g *GHCB) MMIOReadWord(pa hostarch.PhysAddr) (uint16, error) {
	v, err := g.MMIORead(pa, 2)
	return uint16(v), err
}

// MMIOReadDword reads a 32-bit word at pa.
func (g *GHCB) MMIOReadDword(pa hostarch.PhysAddr) (uint32, error) {
	v, err := g.MMIORead(pa, 4)
	return uint32(v), err
}

// MMIOWriteByte writes one byte to pa.
func (g *GHCB) MMIOWriteByte(pa hostarch.PhysAddr, v uint8) error {
	return g.MMIOWrite(pa, 1, uint64(v))
}

// MMIOWriteWord writes a 16-bit word to pa.
func (g *GHCB) MMIOWriteWord(pa hostarch.PhysAddr, v uint16) error {
	return g.MMIOWrite(pa, 2, uint64(v))
}

// MMIOWriteDword writes a 32-bit word to pa.
func (g *GHCB) MMIOWriteDword(pa hostarch.PhysAddr, v uint32) error {
	return g.MMIOWrite(pa, 4, uint64(v))
}
