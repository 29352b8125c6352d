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

package hostarch

import "fmt"

// PhysAddr represents a guest physical address.
//
// Physical addresses are what the host and emulated devices understand; the
// guest itself only ever touches memory through an Addr.
type PhysAddr uint64

// Add returns pa + off.
func (pa PhysAddr) Add(off uint64) PhysAddr {
	return pa + PhysAddr(off)
}

// PageAlign returns pa rounded down to the nearest page boundary.
func (pa PhysAddr) PageAlign() PhysAddr {
	return pa &^ (PageSize - 1)
}

// PageOffset returns the offset of pa into its page.
func (pa PhysAddr) PageOffset() uint64 {
	return uint64(pa & (PageSize - 1))
}

// IsPageAligned returns true if pa.PageOffset() == 0.
func (pa PhysAddr) IsPageAligned() bool {
	return pa.PageOffset() == 0
}

// PFN returns the page frame number containing pa.
func (pa PhysAddr) PFN() uint64 {
	return uint64(pa) >> PageShift
}

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#016x", uint64(pa))
}

// PhysRange is a half-open range of physical addresses.
type PhysRange struct {
	Start PhysAddr
	End   PhysAddr
}

// PhysRangeOf returns the range [start, start+length).
func PhysRangeOf(start PhysAddr, length uint64) PhysRange {
	return PhysRange{Start: start, End: start.Add(length)}
}

// Length returns the length of the range.
func (r PhysRange) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains returns true if pa is in r.
func (r PhysRange) Contains(pa PhysAddr) bool {
	return r.Start <= pa && pa < r.End
}

// IsSupersetOf returns true if r contains every address in r2.
func (r PhysRange) IsSupersetOf(r2 PhysRange) bool {
	return r.Start <= r2.Start && r2.End <= r.End
}

// Overlaps returns true if r and r2 have at least one address in common.
func (r PhysRange) Overlaps(r2 PhysRange) bool {
	return r.Start < r2.End && r2.Start < r.End
}

// String implements fmt.Stringer.String.
func (r PhysRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
