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

package virtioblk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
)

// flatMemory is guest memory in which only [shared, end) is accessible.
type flatMemory struct {
	buf    []byte
	shared uint64
}

func (m *flatMemory) check(pa hostarch.PhysAddr, n int) error {
	if uint64(pa) < m.shared || uint64(pa)+uint64(n) > uint64(len(m.buf)) {
		return errors.New("access to private memory")
	}
	return nil
}

func (m *flatMemory) ReadAt(pa hostarch.PhysAddr, dst []byte) error {
	if err := m.check(pa, len(dst)); err != nil {
		return err
	}
	copy(dst, m.buf[pa:])
	return nil
}

func (m *flatMemory) WriteAt(pa hostarch.PhysAddr, src []byte) error {
	if err := m.check(pa, len(src)); err != nil {
		return err
	}
	copy(m.buf[pa:], src)
	return nil
}

// memDisk is a Disk over a byte slice.
type memDisk struct {
	data   []byte
	syncs  int
	failIO bool
}

func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	if d.failIO {
		return 0, errors.New("injected")
	}
	if off >= int64(len(d.data)) {
		return 0, io.EOF
	}
	return copy(p, d.data[off:]), nil
}

func (d *memDisk) WriteAt(p []byte, off int64) (int, error) {
	if d.failIO {
		return 0, errors.New("injected")
	}
	return copy(d.data[off:], p), nil
}

func (d *memDisk) Sync() error {
	d.syncs++
	return nil
}

const (
	queueNum  = 8
	descAddr  = 0x1000
	availAddr = 0x1800
	usedAddr  = 0x2000
	hdrAddr   = 0x3000
	dataAddr  = 0x4000
	statAddr  = 0x5000
)

type harness struct {
	t    *testing.T
	mem  *flatMemory
	disk *memDisk
	dev  *Device
	next uint16
}

func newHarness(t *testing.T) *harness {
	mem := &flatMemory{buf: make([]byte, 0x8000), shared: 0x1000}
	disk := &memDisk{data: make([]byte, 8*virtio.SectorSize)}
	for i := range disk.data {
		disk.data[i] = byte(i / virtio.SectorSize)
	}
	return &harness{t: t, mem: mem, disk: disk, dev: New(mem, disk, uint64(len(disk.data)), "test-disk")}
}

func (h *harness) write(off uint64, v uint32) {
	h.t.Helper()
	if err := h.dev.MMIOWrite(off, 4, uint64(v)); err != nil {
		h.t.Fatalf("MMIOWrite(%#x, %#x): %v", off, v, err)
	}
}

func (h *harness) read(off uint64) uint32 {
	h.t.Helper()
	v, err := h.dev.MMIORead(off, 4)
	if err != nil {
		h.t.Fatalf("MMIORead(%#x): %v", off, err)
	}
	return uint32(v)
}

func (h *harness) setup() {
	h.t.Helper()
	h.write(virtio.VIRTIO_MMIO_STATUS, 0)
	h.write(virtio.VIRTIO_MMIO_STATUS, virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE|virtio.VIRTIO_CONFIG_S_DRIVER)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, 1)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES, 1)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES, 1<<virtio.VIRTIO_BLK_F_FLUSH)
	h.write(virtio.VIRTIO_MMIO_STATUS, virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE|virtio.VIRTIO_CONFIG_S_DRIVER|virtio.VIRTIO_CONFIG_S_FEATURES_OK)
	if h.read(virtio.VIRTIO_MMIO_STATUS)&virtio.VIRTIO_CONFIG_S_FEATURES_OK == 0 {
		h.t.Fatalf("device rejected features")
	}
	h.write(virtio.VIRTIO_MMIO_QUEUE_SEL, 0)
	h.write(virtio.VIRTIO_MMIO_QUEUE_NUM, queueNum)
	h.write(virtio.VIRTIO_MMIO_QUEUE_DESC_LOW, descAddr)
	h.write(virtio.VIRTIO_MMIO_QUEUE_AVAIL_LOW, availAddr)
	h.write(virtio.VIRTIO_MMIO_QUEUE_USED_LOW, usedAddr)
	h.write(virtio.VIRTIO_MMIO_QUEUE_READY, 1)
	h.write(virtio.VIRTIO_MMIO_STATUS, virtio.VIRTIO_CONFIG_S_ACKNOWLEDGE|virtio.VIRTIO_CONFIG_S_DRIVER|virtio.VIRTIO_CONFIG_S_FEATURES_OK|virtio.VIRTIO_CONFIG_S_DRIVER_OK)
}

func (h *harness) putDesc(i uint16, addr uint64, length uint32, flags, next uint16) {
	b := h.mem.buf[descAddr+int(i)*virtio.VringDescSize:]
	binary.LittleEndian.PutUint64(b[0:], addr)
	binary.LittleEndian.PutUint32(b[8:], length)
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)
}

// submit makes a three descriptor request available and notifies the
// device.
func (h *harness) submit(typ uint32, sector uint64, dataLen uint32, deviceWrites bool) error {
	hdr := h.mem.buf[hdrAddr:]
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint64(hdr[8:], sector)
	dataFlags := uint16(virtio.VRING_DESC_F_NEXT)
	if deviceWrites {
		dataFlags |= virtio.VRING_DESC_F_WRITE
	}
	h.putDesc(0, hdrAddr, virtio.VirtioBlkReqHeaderSize, virtio.VRING_DESC_F_NEXT, 1)
	h.putDesc(1, dataAddr, dataLen, dataFlags, 2)
	h.putDesc(2, statAddr, 1, virtio.VRING_DESC_F_WRITE, 0)
	binary.LittleEndian.PutUint16(h.mem.buf[availAddr+virtio.VringAvailHeaderSize+2*int(h.next%queueNum):], 0)
	h.next++
	binary.LittleEndian.PutUint16(h.mem.buf[availAddr+2:], h.next)
	return h.dev.MMIOWrite(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0)
}

func (h *harness) usedIdx() uint16 {
	return binary.LittleEndian.Uint16(h.mem.buf[usedAddr+2:])
}

func (h *harness) status() uint8 {
	return h.mem.buf[statAddr]
}

func TestIdentification(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		off  uint64
		want uint32
	}{
		{virtio.VIRTIO_MMIO_MAGIC_VALUE, virtio.VIRTIO_MMIO_MAGIC},
		{virtio.VIRTIO_MMIO_VERSION, virtio.VIRTIO_MMIO_MODERN},
		{virtio.VIRTIO_MMIO_DEVICE_ID, virtio.VIRTIO_ID_BLOCK},
		{virtio.VIRTIO_MMIO_QUEUE_NUM_MAX, QueueNumMax},
	} {
		if got := h.read(tc.off); got != tc.want {
			t.Errorf("register %#x = %#x, want %#x", tc.off, got, tc.want)
		}
	}
	capacity, err := h.dev.MMIORead(virtio.VIRTIO_MMIO_CONFIG+virtio.VirtioBlkConfigCapacity, 8)
	if err != nil {
		t.Fatalf("reading capacity: %v", err)
	}
	if capacity != 8 {
		t.Errorf("capacity = %d, want 8", capacity)
	}
	h.write(virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL, 1)
	if got := h.read(virtio.VIRTIO_MMIO_DEVICE_FEATURES); got&1 == 0 {
		t.Errorf("VIRTIO_F_VERSION_1 not offered: %#x", got)
	}
}

func TestRejectsLegacyDriver(t *testing.T) {
	h := newHarness(t)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL, 0)
	h.write(virtio.VIRTIO_MMIO_DRIVER_FEATURES, 1<<virtio.VIRTIO_BLK_F_FLUSH)
	h.write(virtio.VIRTIO_MMIO_STATUS, virtio.VIRTIO_CONFIG_S_FEATURES_OK)
	if h.read(virtio.VIRTIO_MMIO_STATUS)&virtio.VIRTIO_CONFIG_S_FEATURES_OK != 0 {
		t.Errorf("device accepted features without VIRTIO_F_VERSION_1")
	}
}

func TestReadWrite(t *testing.T) {
	h := newHarness(t)
	h.setup()

	if err := h.submit(virtio.VIRTIO_BLK_T_IN, 3, 2*virtio.SectorSize, true); err != nil {
		t.Fatalf("read request: %v", err)
	}
	if h.status() != virtio.VIRTIO_BLK_S_OK {
		t.Fatalf("read status = %d", h.status())
	}
	want := append(bytes.Repeat([]byte{3}, virtio.SectorSize), bytes.Repeat([]byte{4}, virtio.SectorSize)...)
	if diff := cmp.Diff(want, h.mem.buf[dataAddr:dataAddr+2*virtio.SectorSize]); diff != "" {
		t.Errorf("read data mismatch (-want +got):\n%s", diff)
	}
	usedLen := binary.LittleEndian.Uint32(h.mem.buf[usedAddr+virtio.VringUsedHeaderSize+4:])
	if usedLen != 2*virtio.SectorSize+1 {
		t.Errorf("used length = %d, want %d", usedLen, 2*virtio.SectorSize+1)
	}

	copy(h.mem.buf[dataAddr:], bytes.Repeat([]byte{0xab}, virtio.SectorSize))
	if err := h.submit(virtio.VIRTIO_BLK_T_OUT, 7, virtio.SectorSize, false); err != nil {
		t.Fatalf("write request: %v", err)
	}
	if h.status() != virtio.VIRTIO_BLK_S_OK {
		t.Fatalf("write status = %d", h.status())
	}
	if diff := cmp.Diff(bytes.Repeat([]byte{0xab}, virtio.SectorSize), h.disk.data[7*virtio.SectorSize:]); diff != "" {
		t.Errorf("disk mismatch (-want +got):\n%s", diff)
	}
	if got := h.usedIdx(); got != 2 {
		t.Errorf("used idx = %d, want 2", got)
	}
	if got := h.dev.Requests(); got != 2 {
		t.Errorf("Requests() = %d, want 2", got)
	}
	if got := h.read(virtio.VIRTIO_MMIO_INTERRUPT_STATUS); got&virtio.VIRTIO_INT_VRING == 0 {
		t.Errorf("interrupt status = %#x, want used buffer bit", got)
	}
}

func TestRequestStatus(t *testing.T) {
	for _, tc := range []struct {
		name   string
		typ    uint32
		sector uint64
		failIO bool
		want   uint8
	}{
		{name: "beyond capacity", typ: virtio.VIRTIO_BLK_T_IN, sector: 8, want: virtio.VIRTIO_BLK_S_IOERR},
		{name: "disk error", typ: virtio.VIRTIO_BLK_T_IN, failIO: true, want: virtio.VIRTIO_BLK_S_IOERR},
		{name: "unsupported", typ: 99, want: virtio.VIRTIO_BLK_S_UNSUPP},
		{name: "flush", typ: virtio.VIRTIO_BLK_T_FLUSH, want: virtio.VIRTIO_BLK_S_OK},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			h.setup()
			h.disk.failIO = tc.failIO
			h.mem.buf[statAddr] = 0xff
			if err := h.submit(tc.typ, tc.sector, virtio.SectorSize, true); err != nil {
				t.Fatalf("submit: %v", err)
			}
			if got := h.status(); got != tc.want {
				t.Errorf("status = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestReadOnly(t *testing.T) {
	h := newHarness(t)
	h.dev = NewReadOnly(h.mem, h.disk, uint64(len(h.disk.data)), "test-disk")
	if got := h.read(virtio.VIRTIO_MMIO_DEVICE_FEATURES); got&(1<<virtio.VIRTIO_BLK_F_RO) == 0 {
		t.Errorf("device features: got %#x, want VIRTIO_BLK_F_RO set", got)
	}
	h.setup()
	want := append([]byte(nil), h.disk.data...)
	for _, tc := range []struct {
		name string
		typ  uint32
		want uint8
	}{
		{name: "write", typ: virtio.VIRTIO_BLK_T_OUT, want: virtio.VIRTIO_BLK_S_IOERR},
		{name: "read", typ: virtio.VIRTIO_BLK_T_IN, want: virtio.VIRTIO_BLK_S_OK},
	} {
		h.mem.buf[statAddr] = 0xff
		if err := h.submit(tc.typ, 0, virtio.SectorSize, tc.typ == virtio.VIRTIO_BLK_T_IN); err != nil {
			t.Fatalf("%s: submit: %v", tc.name, err)
		}
		if got := h.status(); got != tc.want {
			t.Errorf("%s: status: got %d, want %d", tc.name, got, tc.want)
		}
	}
	if diff := cmp.Diff(want, h.disk.data); diff != "" {
		t.Errorf("disk changed (-want +got):\n%s", diff)
	}
}

func TestGetID(t *testing.T) {
	h := newHarness(t)
	h.setup()
	if err := h.submit(virtio.VIRTIO_BLK_T_GET_ID, 0, virtio.VIRTIO_BLK_ID_BYTES, true); err != nil {
		t.Fatalf("submit: %v", err)
	}
	got := string(bytes.TrimRight(h.mem.buf[dataAddr:dataAddr+virtio.VIRTIO_BLK_ID_BYTES], "\x00"))
	if got != "test-disk" {
		t.Errorf("id = %q, want %q", got, "test-disk")
	}
}

func TestPrivateBuffer(t *testing.T) {
	h := newHarness(t)
	h.setup()
	// Point the data descriptor at memory the guest has not shared.
	h.putDesc(1, 0x100, virtio.SectorSize, virtio.VRING_DESC_F_NEXT|virtio.VRING_DESC_F_WRITE, 2)
	hdr := h.mem.buf[hdrAddr:]
	binary.LittleEndian.PutUint32(hdr[0:], virtio.VIRTIO_BLK_T_IN)
	h.putDesc(0, hdrAddr, virtio.VirtioBlkReqHeaderSize, virtio.VRING_DESC_F_NEXT, 1)
	h.putDesc(2, statAddr, 1, virtio.VRING_DESC_F_WRITE, 0)
	binary.LittleEndian.PutUint16(h.mem.buf[availAddr+2:], 1)
	if err := h.dev.MMIOWrite(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0); err == nil {
		t.Fatalf("request into private memory succeeded")
	}
	if h.read(virtio.VIRTIO_MMIO_STATUS)&virtio.VIRTIO_CONFIG_S_NEEDS_RESET == 0 {
		t.Errorf("device does not request a reset after a failed request")
	}
}

func TestNotifyBeforeReady(t *testing.T) {
	h := newHarness(t)
	err := h.dev.MMIOWrite(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0)
	if !svsmerr.Equals(svsmerr.ErrBusy, err) {
		t.Errorf("notify before ready got err %v, want ErrBusy", err)
	}
}

func TestLoopingChain(t *testing.T) {
	h := newHarness(t)
	h.setup()
	h.putDesc(0, hdrAddr, virtio.VirtioBlkReqHeaderSize, virtio.VRING_DESC_F_NEXT, 1)
	h.putDesc(1, dataAddr, virtio.SectorSize, virtio.VRING_DESC_F_NEXT, 0)
	binary.LittleEndian.PutUint16(h.mem.buf[availAddr+2:], 1)
	err := h.dev.MMIOWrite(virtio.VIRTIO_MMIO_QUEUE_NOTIFY, 4, 0)
	if !svsmerr.Equals(svsmerr.ErrInvalidArgument, err) {
		t.Errorf("looping chain got err %v, want ErrInvalidArgument", err)
	}
}
