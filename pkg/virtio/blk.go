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

package virtio

import (
	"bytes"
	"encoding/binary"
	"fmt"

	abi "svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/bits"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/sync"
)

// MaxSegments is the largest number of data buffers in one request.
const MaxSegments = 8

// BlkFeatures are the features the block driver understands.
const BlkFeatures = 1<<abi.VIRTIO_F_VERSION_1 |
	1<<abi.VIRTIO_BLK_F_RO |
	1<<abi.VIRTIO_BLK_F_BLK_SIZE |
	1<<abi.VIRTIO_BLK_F_SEG_MAX |
	1<<abi.VIRTIO_BLK_F_FLUSH

// Blk is a virtio block device driver. Its methods may be called
// concurrently; requests are serialized.
type Blk struct {
	t *MMIOTransport
	q *SplitQueue

	// These fields are immutable.
	features  uint64
	capacity  uint64
	blkSize   uint32
	segments  int
	requestSz int

	// mu serializes requests.
	mu sync.Mutex
}

// NewBlk initializes the virtio block device at pa.
func NewBlk(h hal.Hal, pa hostarch.PhysAddr) (*Blk, error) {
	t, err := NewMMIOTransport(h, pa)
	if err != nil {
		return nil, err
	}
	if t.DeviceID() != abi.VIRTIO_ID_BLOCK {
		return nil, fmt.Errorf("%w: device at %v has type %d, not block", svsmerr.ErrNoDevice, pa, t.DeviceID())
	}
	features, err := t.BeginInit(BlkFeatures)
	if err != nil {
		return nil, err
	}
	b := &Blk{
		t:        t,
		features: features,
		blkSize:  abi.SectorSize,
		segments: MaxSegments,
	}
	if b.capacity, err = t.ReadConfig64(abi.VirtioBlkConfigCapacity); err != nil {
		return nil, err
	}
	if b.hasFeature(abi.VIRTIO_BLK_F_BLK_SIZE) {
		v, err := t.ReadConfig(abi.VirtioBlkConfigBlkSize, 4)
		if err != nil {
			return nil, err
		}
		if v >= abi.SectorSize && v <= hostarch.PageSize && v&(v-1) == 0 {
			b.blkSize = uint32(v)
		}
	}
	if b.hasFeature(abi.VIRTIO_BLK_F_SEG_MAX) {
		v, err := t.ReadConfig(abi.VirtioBlkConfigSegMax, 4)
		if err != nil {
			return nil, err
		}
		if v > 0 {
			b.segments = min(b.segments, int(v))
		}
	}

	if b.q, err = NewSplitQueue(h, t, 0, 0); err != nil {
		t.fail()
		return nil, err
	}
	b.segments = min(b.segments, int(b.q.Size())-2)
	if b.segments < 1 {
		b.q.Close()
		t.fail()
		return nil, fmt.Errorf("%w: queue of %d descriptors is too small", svsmerr.ErrNotSupported, b.q.Size())
	}
	b.requestSz = b.segments * hostarch.PageSize
	if err := t.FinishInit(); err != nil {
		b.q.Close()
		return nil, err
	}
	log.Infof("virtio-blk at %v: %d sectors, block size %d, features %#x", pa, b.capacity, b.blkSize, features)
	return b, nil
}

func (b *Blk) hasFeature(bit uint) bool {
	return bits.IsOn(b.features, bits.MaskOf[uint64](int(bit)))
}

// Capacity returns the size of the device in 512 byte sectors.
func (b *Blk) Capacity() uint64 {
	return b.capacity
}

// BlockSize returns the device's preferred block size.
func (b *Blk) BlockSize() uint32 {
	return b.blkSize
}

// Features returns the negotiated features.
func (b *Blk) Features() uint64 {
	return b.features
}

// ReadOnly returns true if the device refuses writes.
func (b *Blk) ReadOnly() bool {
	return b.hasFeature(abi.VIRTIO_BLK_F_RO)
}

func header(typ uint32, sector uint64) []byte {
	hdr := make([]byte, abi.VirtioBlkReqHeaderSize)
	binary.LittleEndian.PutUint32(hdr[0:], typ)
	binary.LittleEndian.PutUint64(hdr[8:], sector)
	return hdr
}

// segment splits buf into page sized pieces.
func segment(buf []byte) [][]byte {
	segs := make([][]byte, 0, (len(buf)+hostarch.PageSize-1)/hostarch.PageSize)
	for len(buf) > 0 {
		n := min(len(buf), hostarch.PageSize)
		segs = append(segs, buf[:n])
		buf = buf[n:]
	}
	return segs
}

// checkStatus converts a request status byte to an error.
func checkStatus(op string, sector uint64, status byte) error {
	switch status {
	case abi.VIRTIO_BLK_S_OK:
		return nil
	case abi.VIRTIO_BLK_S_IOERR:
		return fmt.Errorf("%w: virtio-blk %s at sector %d: I/O error", svsmerr.ErrDevice, op, sector)
	case abi.VIRTIO_BLK_S_UNSUPP:
		return fmt.Errorf("%w: virtio-blk %s", svsmerr.ErrNotSupported, op)
	default:
		return fmt.Errorf("%w: virtio-blk %s at sector %d: bad status %#x", svsmerr.ErrDevice, op, sector, status)
	}
}

// requestLocked issues one request and checks its status.
//
// Preconditions: b.mu is locked.
func (b *Blk) requestLocked(op string, typ uint32, sector uint64, out, in [][]byte) error {
	status := []byte{0xff}
	out = append([][]byte{header(typ, sector)}, out...)
	in = append(in, status)
	if _, err := b.q.Submit(out, in); err != nil {
		return fmt.Errorf("virtio-blk %s at sector %d: %w", op, sector, err)
	}
	return checkStatus(op, sector, status[0])
}

func (b *Blk) checkRange(sector uint64, buf []byte) error {
	if len(buf)%abi.SectorSize != 0 {
		return fmt.Errorf("%w: transfer of %d bytes is not a sector multiple", svsmerr.ErrInvalidArgument, len(buf))
	}
	if n := uint64(len(buf)) >> abi.SectorShift; sector > b.capacity || n > b.capacity-sector {
		return fmt.Errorf("%w: sectors [%d, +%d) beyond capacity %d", svsmerr.ErrInvalidArgument, sector, n, b.capacity)
	}
	return nil
}

// ReadBlocks reads len(buf) bytes starting at sector. len(buf) must be a
// multiple of the sector size.
func (b *Blk) ReadBlocks(sector uint64, buf []byte) error {
	if err := b.checkRange(sector, buf); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(buf) > 0 {
		n := min(len(buf), b.requestSz)
		if err := b.requestLocked("read", abi.VIRTIO_BLK_T_IN, sector, nil, segment(buf[:n])); err != nil {
			return err
		}
		buf = buf[n:]
		sector += uint64(n) >> abi.SectorShift
	}
	return nil
}

// WriteBlocks writes buf starting at sector. len(buf) must be a multiple of
// the sector size.
func (b *Blk) WriteBlocks(sector uint64, buf []byte) error {
	if b.ReadOnly() {
		return fmt.Errorf("%w: virtio-blk device at %v is read-only", svsmerr.ErrNotSupported, b.t.pa)
	}
	if err := b.checkRange(sector, buf); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(buf) > 0 {
		n := min(len(buf), b.requestSz)
		if err := b.requestLocked("write", abi.VIRTIO_BLK_T_OUT, sector, segment(buf[:n]), nil); err != nil {
			return err
		}
		buf = buf[n:]
		sector += uint64(n) >> abi.SectorShift
	}
	return nil
}

// Flush asks the device to make previous writes durable. It does nothing
// if the device has no write cache to flush.
func (b *Blk) Flush() error {
	if !b.hasFeature(abi.VIRTIO_BLK_F_FLUSH) {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestLocked("flush", abi.VIRTIO_BLK_T_FLUSH, 0, nil, nil)
}

// ID returns the device's serial number.
func (b *Blk) ID() (string, error) {
	id := make([]byte, abi.VIRTIO_BLK_ID_BYTES)
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.requestLocked("get-id", abi.VIRTIO_BLK_T_GET_ID, 0, nil, [][]byte{id}); err != nil {
		return "", err
	}
	if i := bytes.IndexByte(id, 0); i >= 0 {
		id = id[:i]
	}
	return string(id), nil
}

// Close resets the device and frees the queue.
func (b *Blk) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.t.Reset()
	if qerr := b.q.Close(); err == nil {
		err = qerr
	}
	return err
}
