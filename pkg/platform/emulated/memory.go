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
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/hostdev"
	"svsm.dev/svsm/pkg/memutil"
)

// RegionType is the type of a guest physical memory region.
type RegionType int

// Region types.
const (
	// RegionRAM is guest RAM. Its pages start private and validated.
	RegionRAM RegionType = iota

	// RegionFlash is memory-mapped flash. Its backing is directly readable
	// once mapped; writes are device commands delivered as MMIO exits.
	RegionFlash

	// RegionMMIO is a device register page with no backing memory.
	RegionMMIO
)

func (t RegionType) String() string {
	switch t {
	case RegionRAM:
		return "ram"
	case RegionFlash:
		return "flash"
	case RegionMMIO:
		return "mmio"
	default:
		return fmt.Sprintf("RegionType(%d)", int(t))
	}
}

// region is one entry of the guest physical memory map.
type region struct {
	typ RegionType
	r   hostarch.PhysRange

	// fd is the memfd backing mem, or -1.
	fd int

	// mem is the host mapping of the region, nil for MMIO regions.
	mem []byte

	// dev receives MMIO exits targeting the region, nil for RAM.
	dev hostdev.Device

	// file is the disk backing a virtio-blk device, if any.
	file *os.File

	// lock is held on file while the platform uses it.
	lock *flock.Flock
}

// newBackedRegion creates a region backed by a new memfd.
func newBackedRegion(typ RegionType, name string, start hostarch.PhysAddr, size uint64) (*region, error) {
	if !start.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("%w: %v region [%v, +%#x) is not page aligned", svsmerr.ErrInvalidArgument, typ, start, size)
	}
	fd, err := memutil.CreateMemFD(name, int64(size))
	if err != nil {
		return nil, err
	}
	mem, err := memutil.MapSlice(fd, 0, int(size))
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	return &region{
		typ: typ,
		r:   hostarch.PhysRangeOf(start, size),
		fd:  fd,
		mem: mem,
	}, nil
}

func (r *region) release() {
	if r.mem != nil {
		memutil.UnmapSlice(r.mem)
		r.mem = nil
	}
	if r.fd >= 0 {
		unix.Close(r.fd)
		r.fd = -1
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
	if r.lock != nil {
		r.lock.Unlock()
		r.lock = nil
	}
}

// slice returns the backing of [pa, pa+length), which must lie within r.
func (r *region) slice(pa hostarch.PhysAddr, length uint64) []byte {
	off := uint64(pa - r.r.Start)
	return r.mem[off : off+length : off+length]
}

// memoryMap is the guest physical memory map, sorted by address.
type memoryMap []*region

// add inserts r, failing if it overlaps an existing region.
func (m *memoryMap) add(r *region) error {
	for _, other := range *m {
		if other.r.Overlaps(r.r) {
			return fmt.Errorf("%w: %v region %v overlaps %v region %v", svsmerr.ErrInvalidArgument, r.typ, r.r, other.typ, other.r)
		}
	}
	i := 0
	for i < len(*m) && (*m)[i].r.Start < r.r.Start {
		i++
	}
	*m = append(*m, nil)
	copy((*m)[i+1:], (*m)[i:])
	(*m)[i] = r
	return nil
}

// find returns the region containing pa.
func (m memoryMap) find(pa hostarch.PhysAddr) *region {
	for _, r := range m {
		if r.r.Contains(pa) {
			return r
		}
	}
	return nil
}

// findRange returns the region containing all of [pa, pa+length).
func (m memoryMap) findRange(pa hostarch.PhysAddr, length uint64) *region {
	r := m.find(pa)
	if r == nil || !r.r.IsSupersetOf(hostarch.PhysRangeOf(pa, length)) {
		return nil
	}
	return r
}

// max returns the end of the highest region.
func (m memoryMap) max() hostarch.PhysAddr {
	if len(m) == 0 {
		return 0
	}
	return m[len(m)-1].r.End
}
