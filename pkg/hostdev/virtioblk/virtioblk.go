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

// Package virtioblk models a virtio block device behind a virtio-mmio
// (version 2) register page. Requests are processed synchronously when the
// driver notifies the queue. The device reaches guest memory only through
// hostdev.GuestMemory, so every ring and buffer must live in shared pages.
package virtioblk

import (
	"encoding/binary"
	"fmt"
	"io"

	"svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/bits"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/hostdev"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/sync"
)

// QueueNumMax is the maximum size of the request queue.
const QueueNumMax = 256

// Features offered by the device.
const Features = 1<<virtio.VIRTIO_F_VERSION_1 |
	1<<virtio.VIRTIO_BLK_F_FLUSH |
	1<<virtio.VIRTIO_BLK_F_BLK_SIZE |
	1<<virtio.VIRTIO_BLK_F_SEG_MAX

// Disk is the backing store of the device.
type Disk interface {
	io.ReaderAt
	io.WriterAt
	Sync() error
}

type queue struct {
	num       uint32
	ready     bool
	desc      uint64
	avail     uint64
	used      uint64
	lastAvail uint16
	usedIdx   uint16
}

// Device is a virtio-blk device model.
type Device struct {
	mem  hostdev.GuestMemory
	disk Disk

	// capacity is the disk size in sectors. capacity is immutable.
	capacity uint64

	// id is returned by VIRTIO_BLK_T_GET_ID. id is immutable.
	id string

	// readOnly devices offer VIRTIO_BLK_F_RO and fail writes. readOnly is
	// immutable.
	readOnly bool

	mu              sync.Mutex
	status          uint32
	deviceFeatSel   uint32
	driverFeatSel   uint32
	driverFeatures  uint64
	queueSel        uint32
	queue           queue
	interruptStatus uint32
	requests        uint64
}

// New returns a device serving size bytes of disk. size is rounded down to
// a whole number of sectors.
func New(mem hostdev.GuestMemory, disk Disk, size uint64, id string) *Device {
	return &Device{
		mem:      mem,
		disk:     disk,
		capacity: size >> virtio.SectorShift,
		id:       id,
	}
}

// NewReadOnly is like New, but the device refuses writes.
func NewReadOnly(mem hostdev.GuestMemory, disk Disk, size uint64, id string) *Device {
	d := New(mem, disk, size, id)
	d.readOnly = true
	return d
}

func (d *Device) features() uint64 {
	if d.readOnly {
		return Features | 1<<virtio.VIRTIO_BLK_F_RO
	}
	return Features
}

// Requests returns the number of requests completed by the device.
func (d *Device) Requests() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.requests
}

func (d *Device) config() []byte {
	var cfg [virtio.VirtioBlkConfigSize]byte
	binary.LittleEndian.PutUint64(cfg[virtio.VirtioBlkConfigCapacity:], d.capacity)
	binary.LittleEndian.PutUint32(cfg[virtio.VirtioBlkConfigSegMax:], QueueNumMax-2)
	binary.LittleEndian.PutUint32(cfg[virtio.VirtioBlkConfigBlkSize:], virtio.SectorSize)
	return cfg[:]
}

// MMIORead implements hostdev.Device.MMIORead.
func (d *Device) MMIORead(off uint64, size int) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if off >= virtio.VIRTIO_MMIO_CONFIG {
		cfg := d.config()
		coff := off - virtio.VIRTIO_MMIO_CONFIG
		if coff+uint64(size) > uint64(len(cfg)) {
			return 0, fmt.Errorf("%w: config read [%#x, +%d) out of range", svsmerr.ErrInvalidAddress, coff, size)
		}
		var b [8]byte
		copy(b[:], cfg[coff:coff+uint64(size)])
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	if size != 4 {
		return 0, fmt.Errorf("%w: register %#x read with width %d", svsmerr.ErrInvalidArgument, off, size)
	}

	switch off {
	case virtio.VIRTIO_MMIO_MAGIC_VALUE:
		return virtio.VIRTIO_MMIO_MAGIC, nil
	case virtio.VIRTIO_MMIO_VERSION:
		return virtio.VIRTIO_MMIO_MODERN, nil
	case virtio.VIRTIO_MMIO_DEVICE_ID:
		return virtio.VIRTIO_ID_BLOCK, nil
	case virtio.VIRTIO_MMIO_VENDOR_ID:
		return virtio.VIRTIO_VENDOR_QEMU, nil
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES:
		switch d.deviceFeatSel {
		case 0:
			return d.features() & 0xffffffff, nil
		case 1:
			return d.features() >> 32, nil
		default:
			return 0, nil
		}
	case virtio.VIRTIO_MMIO_QUEUE_NUM_MAX:
		if d.queueSel != 0 {
			return 0, nil
		}
		return QueueNumMax, nil
	case virtio.VIRTIO_MMIO_QUEUE_READY:
		if d.queueSel == 0 && d.queue.ready {
			return 1, nil
		}
		return 0, nil
	case virtio.VIRTIO_MMIO_INTERRUPT_STATUS:
		return uint64(d.interruptStatus), nil
	case virtio.VIRTIO_MMIO_STATUS:
		return uint64(d.status), nil
	case virtio.VIRTIO_MMIO_CONFIG_GENERATION:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: read of register %#x", svsmerr.ErrInvalidAddress, off)
	}
}

// MMIOWrite implements hostdev.Device.MMIOWrite.
func (d *Device) MMIOWrite(off uint64, size int, v uint64) error {
	if size != 4 {
		return fmt.Errorf("%w: register %#x written with width %d", svsmerr.ErrInvalidArgument, off, size)
	}
	val := uint32(v)

	d.mu.Lock()
	defer d.mu.Unlock()

	q := &d.queue
	queueReg := func() bool { return d.queueSel == 0 && !q.ready }

	switch off {
	case virtio.VIRTIO_MMIO_DEVICE_FEATURES_SEL:
		d.deviceFeatSel = val
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES:
		switch d.driverFeatSel {
		case 0:
			d.driverFeatures = d.driverFeatures&^0xffffffff | uint64(val)
		case 1:
			d.driverFeatures = d.driverFeatures&0xffffffff | uint64(val)<<32
		}
	case virtio.VIRTIO_MMIO_DRIVER_FEATURES_SEL:
		d.driverFeatSel = val
	case virtio.VIRTIO_MMIO_QUEUE_SEL:
		d.queueSel = val
	case virtio.VIRTIO_MMIO_QUEUE_NUM:
		if queueReg() {
			q.num = val
		}
	case virtio.VIRTIO_MMIO_QUEUE_READY:
		if d.queueSel != 0 {
			break
		}
		if val == 0 {
			q.ready = false
			break
		}
		if q.num == 0 || q.num > QueueNumMax || q.num&(q.num-1) != 0 {
			return fmt.Errorf("%w: invalid queue size %d", svsmerr.ErrInvalidArgument, q.num)
		}
		q.ready = true
	case virtio.VIRTIO_MMIO_QUEUE_DESC_LOW:
		if queueReg() {
			q.desc = q.desc&^0xffffffff | uint64(val)
		}
	case virtio.VIRTIO_MMIO_QUEUE_DESC_HIGH:
		if queueReg() {
			q.desc = q.desc&0xffffffff | uint64(val)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_LOW:
		if queueReg() {
			q.avail = q.avail&^0xffffffff | uint64(val)
		}
	case virtio.VIRTIO_MMIO_QUEUE_AVAIL_HIGH:
		if queueReg() {
			q.avail = q.avail&0xffffffff | uint64(val)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_USED_LOW:
		if queueReg() {
			q.used = q.used&^0xffffffff | uint64(val)
		}
	case virtio.VIRTIO_MMIO_QUEUE_USED_HIGH:
		if queueReg() {
			q.used = q.used&0xffffffff | uint64(val)<<32
		}
	case virtio.VIRTIO_MMIO_QUEUE_NOTIFY:
		if val != 0 {
			return fmt.Errorf("%w: notify of queue %d", svsmerr.ErrInvalidArgument, val)
		}
		if err := d.processLocked(); err != nil {
			d.status |= virtio.VIRTIO_CONFIG_S_NEEDS_RESET
			return err
		}
	case virtio.VIRTIO_MMIO_INTERRUPT_ACK:
		d.interruptStatus &^= val
	case virtio.VIRTIO_MMIO_STATUS:
		d.setStatusLocked(val)
	default:
		return fmt.Errorf("%w: write of register %#x", svsmerr.ErrInvalidAddress, off)
	}
	return nil
}

func (d *Device) setStatusLocked(val uint32) {
	if val == 0 {
		log.Debugf("virtio-blk: reset")
		d.status = 0
		d.driverFeatures = 0
		d.deviceFeatSel = 0
		d.driverFeatSel = 0
		d.queueSel = 0
		d.queue = queue{}
		d.interruptStatus = 0
		return
	}
	if bits.IsOn(val, virtio.VIRTIO_CONFIG_S_FEATURES_OK) && !bits.IsOn(d.status, virtio.VIRTIO_CONFIG_S_FEATURES_OK) {
		if !bits.IsOn(d.features(), d.driverFeatures) || !bits.IsOn(d.driverFeatures, bits.MaskOf[uint64](virtio.VIRTIO_F_VERSION_1)) {
			log.Debugf("virtio-blk: rejecting driver features %#x", d.driverFeatures)
			val &^= virtio.VIRTIO_CONFIG_S_FEATURES_OK
		}
	}
	d.status = val
}

func (d *Device) readU16(pa uint64) (uint16, error) {
	var b [2]byte
	if err := d.mem.ReadAt(hostarch.PhysAddr(pa), b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (d *Device) writeU16(pa uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	return d.mem.WriteAt(hostarch.PhysAddr(pa), b[:])
}

type desc struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

func (d *Device) readDesc(q *queue, i uint16) (desc, error) {
	var b [virtio.VringDescSize]byte
	if err := d.mem.ReadAt(hostarch.PhysAddr(q.desc+uint64(i)*virtio.VringDescSize), b[:]); err != nil {
		return desc{}, err
	}
	return desc{
		addr:  binary.LittleEndian.Uint64(b[0:]),
		len:   binary.LittleEndian.Uint32(b[8:]),
		flags: binary.LittleEndian.Uint16(b[12:]),
		next:  binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

// chain returns the descriptor chain starting at head.
func (d *Device) chain(q *queue, head uint16) ([]desc, error) {
	var descs []desc
	i := head
	for {
		if uint32(i) >= q.num {
			return nil, fmt.Errorf("%w: descriptor index %d out of range", svsmerr.ErrInvalidArgument, i)
		}
		if uint32(len(descs)) == q.num {
			return nil, fmt.Errorf("%w: descriptor chain at %d loops", svsmerr.ErrInvalidArgument, head)
		}
		dsc, err := d.readDesc(q, i)
		if err != nil {
			return nil, err
		}
		descs = append(descs, dsc)
		if dsc.flags&virtio.VRING_DESC_F_NEXT == 0 {
			return descs, nil
		}
		i = dsc.next
	}
}

// processLocked completes every request the driver has made available.
//
// Preconditions: d.mu is locked.
func (d *Device) processLocked() error {
	q := &d.queue
	if d.status&virtio.VIRTIO_CONFIG_S_DRIVER_OK == 0 || !q.ready {
		return fmt.Errorf("%w: queue notified before the driver is ready", svsmerr.ErrBusy)
	}
	availIdx, err := d.readU16(q.avail + 2)
	if err != nil {
		return err
	}
	for q.lastAvail != availIdx {
		slot := uint64(uint32(q.lastAvail) % q.num)
		head, err := d.readU16(q.avail + virtio.VringAvailHeaderSize + 2*slot)
		if err != nil {
			return err
		}
		written, err := d.request(q, head)
		if err != nil {
			return err
		}
		var elem [virtio.VringUsedElemSize]byte
		binary.LittleEndian.PutUint32(elem[0:], uint32(head))
		binary.LittleEndian.PutUint32(elem[4:], written)
		uslot := uint64(uint32(q.usedIdx) % q.num)
		if err := d.mem.WriteAt(hostarch.PhysAddr(q.used+virtio.VringUsedHeaderSize+uslot*virtio.VringUsedElemSize), elem[:]); err != nil {
			return err
		}
		q.usedIdx++
		if err := d.writeU16(q.used+2, q.usedIdx); err != nil {
			return err
		}
		q.lastAvail++
		d.requests++
	}
	d.interruptStatus |= virtio.VIRTIO_INT_VRING
	return nil
}

// request performs one request and returns the number of bytes written to
// guest memory.
func (d *Device) request(q *queue, head uint16) (uint32, error) {
	descs, err := d.chain(q, head)
	if err != nil {
		return 0, err
	}
	if len(descs) < 2 {
		return 0, fmt.Errorf("%w: request with %d descriptors", svsmerr.ErrInvalidArgument, len(descs))
	}
	hdrDesc, statusDesc, data := descs[0], descs[len(descs)-1], descs[1:len(descs)-1]
	if hdrDesc.flags&virtio.VRING_DESC_F_WRITE != 0 || hdrDesc.len < virtio.VirtioBlkReqHeaderSize {
		return 0, fmt.Errorf("%w: malformed request header descriptor", svsmerr.ErrInvalidArgument)
	}
	if statusDesc.flags&virtio.VRING_DESC_F_WRITE == 0 || statusDesc.len < 1 {
		return 0, fmt.Errorf("%w: malformed request status descriptor", svsmerr.ErrInvalidArgument)
	}
	var hdr [virtio.VirtioBlkReqHeaderSize]byte
	if err := d.mem.ReadAt(hostarch.PhysAddr(hdrDesc.addr), hdr[:]); err != nil {
		return 0, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	var written uint32
	status := uint8(virtio.VIRTIO_BLK_S_OK)
	switch typ {
	case virtio.VIRTIO_BLK_T_OUT:
		if d.readOnly {
			log.Debugf("virtio-blk: write to read-only disk at sector %d", sector)
			status = virtio.VIRTIO_BLK_S_IOERR
			break
		}
		fallthrough
	case virtio.VIRTIO_BLK_T_IN:
		n, s, err := d.transfer(typ == virtio.VIRTIO_BLK_T_OUT, sector, data)
		if err != nil {
			return 0, err
		}
		written, status = n, s
	case virtio.VIRTIO_BLK_T_FLUSH:
		if err := d.disk.Sync(); err != nil {
			log.Warningf("virtio-blk: flush failed: %v", err)
			status = virtio.VIRTIO_BLK_S_IOERR
		}
	case virtio.VIRTIO_BLK_T_GET_ID:
		if len(data) == 0 || data[0].flags&virtio.VRING_DESC_F_WRITE == 0 {
			status = virtio.VIRTIO_BLK_S_IOERR
			break
		}
		id := make([]byte, min(virtio.VIRTIO_BLK_ID_BYTES, data[0].len))
		copy(id, d.id)
		if err := d.mem.WriteAt(hostarch.PhysAddr(data[0].addr), id); err != nil {
			return 0, err
		}
		written = uint32(len(id))
	default:
		status = virtio.VIRTIO_BLK_S_UNSUPP
	}
	if err := d.mem.WriteAt(hostarch.PhysAddr(statusDesc.addr), []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

// transfer moves the data descriptors of a read or write request. Failures
// of the backing disk are reported to the driver through the status byte;
// failures to reach guest memory are returned.
func (d *Device) transfer(write bool, sector uint64, data []desc) (uint32, uint8, error) {
	var total uint64
	for _, dsc := range data {
		if (dsc.flags&virtio.VRING_DESC_F_WRITE != 0) == write {
			return 0, 0, fmt.Errorf("%w: data descriptor with wrong direction", svsmerr.ErrInvalidArgument)
		}
		total += uint64(dsc.len)
	}
	if total%virtio.SectorSize != 0 || sector > d.capacity || total>>virtio.SectorShift > d.capacity-sector {
		log.Debugf("virtio-blk: request sector %d, %d bytes outside capacity %d", sector, total, d.capacity)
		return 0, virtio.VIRTIO_BLK_S_IOERR, nil
	}

	var written uint32
	off := int64(sector << virtio.SectorShift)
	for _, dsc := range data {
		buf := make([]byte, dsc.len)
		if write {
			if err := d.mem.ReadAt(hostarch.PhysAddr(dsc.addr), buf); err != nil {
				return 0, 0, err
			}
			if _, err := d.disk.WriteAt(buf, off); err != nil {
				log.Warningf("virtio-blk: write at %d failed: %v", off, err)
				return written, virtio.VIRTIO_BLK_S_IOERR, nil
			}
		} else {
			if _, err := d.disk.ReadAt(buf, off); err != nil && err != io.EOF {
				log.Warningf("virtio-blk: read at %d failed: %v", off, err)
				return written, virtio.VIRTIO_BLK_S_IOERR, nil
			}
			if err := d.mem.WriteAt(hostarch.PhysAddr(dsc.addr), buf); err != nil {
				return 0, 0, err
			}
			written += dsc.len
		}
		off += int64(dsc.len)
	}
	return written, virtio.VIRTIO_BLK_S_OK, nil
}
