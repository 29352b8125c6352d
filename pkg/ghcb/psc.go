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

// PSCOp is a page state change operation.
type PSCOp uint8

// Page state change operations.
const (
	PSCPrivate PSCOp = 1
	PSCShared  PSCOp = 2
)

func (op PSCOp) String() string {
	switch op {
	case PSCPrivate:
		return "private"
	case PSCShared:
		return "shared"
	default:
		return fmt.Sprintf("PSCOp(%d)", op)
	}
}

// PSCEntry is one entry of a page state change request.
type PSCEntry struct {
	GFN uint64
	Op  PSCOp
}

const (
	pscHeaderSize = 8
	pscEntrySize  = 8
	pscGFNShift   = 12
	pscGFNMask    = 1<<40 - 1
	pscOpShift    = 52

	// MaxPSCEntries is the number of entries that fit in one request.
	MaxPSCEntries = (SharedBufferSize - pscHeaderSize) / pscEntrySize
)

// EncodePSCEntry returns the wire form of e.
func EncodePSCEntry(e PSCEntry) uint64 {
	return (e.GFN&pscGFNMask)<<pscGFNShift | uint64(e.Op&0xf)<<pscOpShift
}

// DecodePSCEntry parses the wire form of an entry.
func DecodePSCEntry(v uint64) PSCEntry {
	return PSCEntry{
		GFN: (v >> pscGFNShift) & pscGFNMask,
		Op:  PSCOp((v >> pscOpShift) & 0xf),
	}
}

// PSCHeader returns the current and end entry indices of the request in buf.
func PSCHeader(buf []byte) (cur, end uint16) {
	return binary.LittleEndian.Uint16(buf[0:]), binary.LittleEndian.Uint16(buf[2:])
}

// SetPSCCurrent stores the index of the next entry to process.
func SetPSCCurrent(buf []byte, cur uint16) {
	binary.LittleEndian.PutUint16(buf[0:], cur)
}

// PSCEntryAt returns entry i of the request in buf.
func PSCEntryAt(buf []byte, i int) PSCEntry {
	return DecodePSCEntry(binary.LittleEndian.Uint64(buf[pscHeaderSize+i*pscEntrySize:]))
}

// PageStateChange asks the hypervisor to change the state of the given
// pages. Pages handed to the host must have had their validation rescinded
// first; pages taken back must be validated afterwards.
func (g *GHCB) PageStateChange(entries []PSCEntry) error {
	for len(entries) > 0 {
		n := min(len(entries), MaxPSCEntries)
		if err := g.pageStateChange(entries[:n]); err != nil {
			return err
		}
		entries = entries[n:]
	}
	return nil
}

func (g *GHCB) pageStateChange(entries []PSCEntry) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	buf := g.page.SharedBuffer()
	end := uint16(len(entries) - 1)
	SetPSCCurrent(buf, 0)
	binary.LittleEndian.PutUint16(buf[2:], end)
	binary.LittleEndian.PutUint32(buf[4:], 0)
	for i, e := range entries {
		binary.LittleEndian.PutUint64(buf[pscHeaderSize+i*pscEntrySize:], EncodePSCEntry(e))
	}

	// The hypervisor may process the request partially; repeat until it has
	// consumed every entry, and fail if it stops making progress.
	last := -1
	for {
		if err := g.exitLocked(ExitPSC, 0, 0); err != nil {
			return fmt.Errorf("page state change: %w", err)
		}
		cur, gotEnd := PSCHeader(buf)
		if gotEnd != end {
			return fmt.Errorf("%w: page state change: hypervisor rewrote end entry %d to %d", svsmerr.ErrDevice, end, gotEnd)
		}
		if cur > end {
			return nil
		}
		if int(cur) <= last {
			return fmt.Errorf("%w: page state change stalled at entry %d", svsmerr.ErrDevice, cur)
		}
		last = int(cur)
	}
}

// PageStateChangeOne changes the state of the single page pa.
func (g *GHCB) PageStateChangeOne(pa hostarch.PhysAddr, op PSCOp) error {
	return g.PageStateChange([]PSCEntry{{GFN: pa.PFN(), Op: op}})
}
