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
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	abi "svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/cleanup"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/sync"
)

// DefaultQueueSize is the queue size used when the caller does not choose
// one.
const DefaultQueueSize = 16

// DefaultPollLimit bounds the number of times Submit checks the used ring
// before giving up on the device.
const DefaultPollLimit = 1 << 16

var pollLog = log.BasicRateLimitedLogger(time.Second)

// SplitQueue is a split virtqueue. The descriptor table and the available
// ring share one DMA page; the used ring has a page of its own.
//
// Requests are synchronous: Submit publishes one descriptor chain, notifies
// the device and polls the used ring for its completion.
type SplitQueue struct {
	h    hal.Hal
	t    *MMIOTransport
	idx  uint32
	size uint16

	// PollLimit bounds the completion poll. It may be changed before the
	// queue is used.
	PollLimit int

	ringPA hostarch.PhysAddr
	ring   []byte
	usedPA hostarch.PhysAddr
	used   []byte

	// mu protects the fields below.
	mu sync.Mutex

	// next is the free descriptor chain. It is kept privately because
	// the descriptor table is visible to the host.
	next     []uint16
	freeHead uint16
	numFree  uint16

	availIdx uint16
	lastUsed uint16

	// broken is set once the device misbehaved. A broken queue refuses
	// new requests.
	broken bool
}

// NewSplitQueue allocates the rings for queue idx of t and enables the
// queue. A size of zero selects the smaller of DefaultQueueSize and the
// device maximum.
func NewSplitQueue(h hal.Hal, t *MMIOTransport, idx uint32, size uint16) (*SplitQueue, error) {
	maxSize, err := t.MaxQueueSize(idx)
	if err != nil {
		return nil, err
	}
	if maxSize == 0 {
		return nil, fmt.Errorf("%w: device at %v has no queue %d", svsmerr.ErrNoDevice, t.pa, idx)
	}
	if size == 0 {
		size = uint16(min(maxSize, DefaultQueueSize))
	}
	ringBytes := abi.VringDescTableSize(int(size)) + abi.VringAvailSize(int(size))
	if uint32(size) > maxSize || size&(size-1) != 0 || ringBytes > hostarch.PageSize {
		return nil, fmt.Errorf("%w: queue size %d (device maximum %d)", svsmerr.ErrInvalidArgument, size, maxSize)
	}

	q := &SplitQueue{
		h:         h,
		t:         t,
		idx:       idx,
		size:      size,
		PollLimit: DefaultPollLimit,
		next:      make([]uint16, size),
		numFree:   size,
	}
	for i := range q.next {
		q.next[i] = uint16(i + 1)
	}

	if q.ringPA, q.ring, err = h.DMAAlloc(1, hal.DriverToDevice); err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() { h.DMADealloc(q.ringPA, q.ring, 1) })
	defer cu.Clean()
	if q.usedPA, q.used, err = h.DMAAlloc(1, hal.DeviceToDriver); err != nil {
		return nil, err
	}
	cu.Add(func() { h.DMADealloc(q.usedPA, q.used, 1) })

	availPA := q.ringPA.Add(uint64(abi.VringDescTableSize(int(size))))
	if err := t.SetQueue(idx, uint32(size), q.ringPA, availPA, q.usedPA); err != nil {
		return nil, err
	}
	cu.Release()
	return q, nil
}

// Size returns the number of descriptors in the queue.
func (q *SplitQueue) Size() uint16 {
	return q.size
}

func (q *SplitQueue) availOff() int {
	return abi.VringDescTableSize(int(q.size))
}

// writeDescLocked fills descriptor i.
//
// Preconditions: q.mu is locked.
func (q *SplitQueue) writeDescLocked(i uint16, pa hostarch.PhysAddr, length uint32, flags, next uint16) {
	d := q.ring[int(i)*abi.VringDescSize:][:abi.VringDescSize]
	binary.LittleEndian.PutUint64(d[0:], uint64(pa))
	binary.LittleEndian.PutUint32(d[8:], length)
	binary.LittleEndian.PutUint16(d[12:], flags)
	binary.LittleEndian.PutUint16(d[14:], next)
}

// bounce is a request buffer shared with the device.
type bounce struct {
	pa  hostarch.PhysAddr
	buf []byte
	dir hal.Direction
}

// Submit makes out readable and in writable by the device as one
// descriptor chain, and waits for the device to complete it. Each buffer
// must fit in a page. Submit returns the number of bytes the device
// reports having written, bounded by the total size of in.
func (q *SplitQueue) Submit(out, in [][]byte) (uint32, error) {
	n := len(out) + len(in)

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.broken {
		return 0, fmt.Errorf("%w: queue %d of device at %v is broken", svsmerr.ErrDevice, q.idx, q.t.pa)
	}
	if n == 0 || n > int(q.size) {
		return 0, fmt.Errorf("%w: chain of %d buffers for a queue of %d", svsmerr.ErrInvalidArgument, n, q.size)
	}
	if n > int(q.numFree) {
		return 0, fmt.Errorf("%w: %d free descriptors, %d needed", svsmerr.ErrBusy, q.numFree, n)
	}

	bounces := make([]bounce, 0, n)
	var inBytes uint64
	for i, b := range append(out[:len(out):len(out)], in...) {
		dir := hal.DriverToDevice
		if i >= len(out) {
			dir = hal.DeviceToDriver
			inBytes += uint64(len(b))
		}
		pa, err := q.h.Share(b, dir)
		if err != nil {
			q.unshare(bounces, false)
			return 0, err
		}
		bounces = append(bounces, bounce{pa: pa, buf: b, dir: dir})
	}

	// Take descriptors off the free chain and link them in order.
	head := q.freeHead
	descs := make([]uint16, n)
	for i, b := range bounces {
		d := q.freeHead
		q.freeHead = q.next[d]
		q.numFree--
		descs[i] = d

		var flags uint16
		if b.dir == hal.DeviceToDriver {
			flags |= abi.VRING_DESC_F_WRITE
		}
		if i < n-1 {
			flags |= abi.VRING_DESC_F_NEXT
		}
		q.writeDescLocked(d, b.pa, uint32(len(b.buf)), flags, q.freeHead)
	}

	avail := q.ring[q.availOff():]
	slot := q.availIdx % q.size
	binary.LittleEndian.PutUint16(avail[abi.VringAvailHeaderSize+2*int(slot):], head)
	q.availIdx++
	binary.LittleEndian.PutUint16(avail[2:], q.availIdx)

	if err := q.t.Notify(q.idx); err != nil {
		q.broken = true
		q.unshare(bounces, false)
		return 0, err
	}

	written, err := q.pollLocked(head)
	if err != nil {
		q.broken = true
		q.unshare(bounces, false)
		return 0, err
	}
	for _, d := range descs {
		q.next[d] = q.freeHead
		q.freeHead = d
		q.numFree++
	}
	q.unshare(bounces, true)
	if _, err := q.t.AckInterrupt(); err != nil {
		return 0, err
	}
	return uint32(min(uint64(written), inBytes)), nil
}

// pollLocked waits for the device to complete the chain at head and
// returns the length it reported.
//
// Preconditions: q.mu is locked.
func (q *SplitQueue) pollLocked(head uint16) (uint32, error) {
	for spin := 0; ; spin++ {
		if binary.LittleEndian.Uint16(q.used[2:]) != q.lastUsed {
			break
		}
		if spin >= q.PollLimit {
			return 0, fmt.Errorf("%w: device at %v did not complete request on queue %d", svsmerr.ErrDevice, q.t.pa, q.idx)
		}
		if spin > 0 && spin%1024 == 0 {
			pollLog.Debugf("virtio queue %d at %v: waiting for completion after %d polls", q.idx, q.t.pa, spin)
		}
		runtime.Gosched()
	}

	slot := q.lastUsed % q.size
	elem := q.used[abi.VringUsedHeaderSize+int(slot)*abi.VringUsedElemSize:][:abi.VringUsedElemSize]
	id := binary.LittleEndian.Uint32(elem[0:])
	length := binary.LittleEndian.Uint32(elem[4:])
	q.lastUsed++
	if id != uint32(head) {
		return 0, fmt.Errorf("%w: device at %v completed descriptor %d, expected %d", svsmerr.ErrDevice, q.t.pa, id, head)
	}
	return length, nil
}

// unshare ends the sharing of every bounce buffer. Device writes are only
// copied back when copyIn is set.
func (q *SplitQueue) unshare(bounces []bounce, copyIn bool) {
	for _, b := range bounces {
		dir := hal.DriverToDevice
		if copyIn {
			dir = b.dir
		}
		q.h.Unshare(b.pa, b.buf, dir)
	}
}

// Close disables the queue and frees its rings.
func (q *SplitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.t.DisableQueue(q.idx)
	q.h.DMADealloc(q.ringPA, q.ring, 1)
	q.h.DMADealloc(q.usedPA, q.used, 1)
	q.ring, q.used = nil, nil
	q.broken = true
	return err
}
