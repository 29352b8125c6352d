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

// Package pflash models a CFI parallel flash device in the style of the
// Intel command set: reads return the array contents unless a query command
// switched the device into status or identification mode, and writes are
// interpreted as commands.
package pflash

import (
	"encoding/binary"
	"fmt"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/sync"
)

// Command codes.
const (
	CmdWriteByte     = 0x10
	CmdBlockErase    = 0x20
	CmdWriteByteAlt  = 0x40
	CmdClearStatus   = 0x50
	CmdReadStatus    = 0x70
	CmdReadID        = 0x90
	CmdEraseConfirm  = 0xd0
	CmdReadArray     = 0xff
	StatusReady      = 0x80
	StatusEraseError = 0x20
	StatusWriteError = 0x10

	// ManufacturerID and DeviceID are returned in identification mode.
	ManufacturerID = 0x89
	DeviceID       = 0x18
)

// EraseBlockSize is the granularity of block erase.
const EraseBlockSize = hostarch.PageSize

type mode int

const (
	modeReadArray mode = iota
	modeReadStatus
	modeReadID
	modeWritePending
	modeErasePending
)

// Device is a flash device backed by storage. The storage is also mapped
// into guest physical memory for direct array reads.
type Device struct {
	mu      sync.Mutex
	storage []byte
	mode    mode
	status  uint8

	// commands counts accepted command bytes by code. Data bytes following
	// a write command are counted in dataWrites.
	commands   map[uint8]int
	dataWrites int
	writes     int
}

// New returns a flash device over storage.
func New(storage []byte) *Device {
	return &Device{
		storage:  storage,
		status:   StatusReady,
		commands: make(map[uint8]int),
	}
}

// Size returns the size of the device.
func (d *Device) Size() uint64 {
	return uint64(len(d.storage))
}

func (d *Device) checkAccess(off uint64, size int) error {
	if off+uint64(size) > uint64(len(d.storage)) || off+uint64(size) < off {
		return fmt.Errorf("%w: flash access [%#x, %#x) outside device of size %#x", svsmerr.ErrInvalidAddress, off, off+uint64(size), len(d.storage))
	}
	return nil
}

// MMIORead implements hostdev.Device.MMIORead.
func (d *Device) MMIORead(off uint64, size int) (uint64, error) {
	if err := d.checkAccess(off, size); err != nil {
		return 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.mode {
	case modeReadStatus, modeWritePending, modeErasePending:
		return uint64(d.status), nil
	case modeReadID:
		switch off & 1 {
		case 0:
			return ManufacturerID, nil
		default:
			return DeviceID, nil
		}
	}
	var b [8]byte
	copy(b[:size], d.storage[off:])
	return binary.LittleEndian.Uint64(b[:]), nil
}

// MMIOWrite implements hostdev.Device.MMIOWrite.
func (d *Device) MMIOWrite(off uint64, size int, v uint64) error {
	if err := d.checkAccess(off, size); err != nil {
		return err
	}
	if size != 1 {
		return fmt.Errorf("%w: flash write of %d bytes", svsmerr.ErrNotSupported, size)
	}
	b := uint8(v)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++

	switch d.mode {
	case modeWritePending:
		d.storage[off] = b
		d.dataWrites++
		d.mode = modeReadStatus
		return nil
	case modeErasePending:
		d.commands[b]++
		if b != CmdEraseConfirm {
			log.Debugf("pflash: erase at %#x not confirmed (got %#x)", off, b)
			d.status |= StatusEraseError | StatusWriteError
			d.mode = modeReadStatus
			return nil
		}
		start := hostarch.PageRoundDown(off)
		end := min(start+EraseBlockSize, uint64(len(d.storage)))
		for i := start; i < end; i++ {
			d.storage[i] = 0xff
		}
		d.mode = modeReadStatus
		return nil
	}

	d.commands[b]++
	switch b {
	case CmdWriteByte, CmdWriteByteAlt:
		d.mode = modeWritePending
	case CmdBlockErase:
		d.mode = modeErasePending
	case CmdClearStatus:
		d.status = StatusReady
	case CmdReadStatus:
		d.mode = modeReadStatus
	case CmdReadID:
		d.mode = modeReadID
	case CmdReadArray:
		d.mode = modeReadArray
	default:
		log.Debugf("pflash: unknown command %#x at %#x", b, off)
		d.status |= StatusEraseError | StatusWriteError
		d.mode = modeReadArray
	}
	return nil
}

// ReadArray returns true if the device is in read array mode.
func (d *Device) ReadArray() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode == modeReadArray
}

// Counts reports the number of MMIO writes the device received, how many
// of them were data bytes, and the accepted command bytes by code.
type Counts struct {
	Writes     int
	DataWrites int
	Commands   map[uint8]int
}

// Counts returns a snapshot of the device's access counters.
func (d *Device) Counts() Counts {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := Counts{
		Writes:     d.writes,
		DataWrites: d.dataWrites,
		Commands:   make(map[uint8]int, len(d.commands)),
	}
	for k, v := range d.commands {
		c.Commands[k] = v
	}
	return c
}
