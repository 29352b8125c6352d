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

	abi "svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/sync"
	"svsm.dev/svsm/pkg/virtio"
)

// VirtIOBlkDriver is a Driver for a virtio-mmio block device. Blocks are
// 512 byte sectors.
type VirtIOBlkDriver struct {
	mu  sync.Mutex
	blk *virtio.Blk
}

var _ Driver = (*VirtIOBlkDriver)(nil)

// NewVirtIOBlkDriver detects and initializes the virtio block device whose
// registers are at mmioBase.
func NewVirtIOBlkDriver(h hal.Hal, mmioBase hostarch.PhysAddr) (*VirtIOBlkDriver, error) {
	blk, err := virtio.NewBlk(h, mmioBase)
	if err != nil {
		return nil, fmt.Errorf("virtio-blk at %v: %w", mmioBase, err)
	}
	return &VirtIOBlkDriver{blk: blk}, nil
}

// NewVirtIOBlkDevice returns the byte-addressed Device of the virtio block
// device at mmioBase.
func NewVirtIOBlkDevice(h hal.Hal, mmioBase hostarch.PhysAddr) (Device, *VirtIOBlkDriver, error) {
	d, err := NewVirtIOBlkDriver(h, mmioBase)
	if err != nil {
		return nil, nil, err
	}
	return NewDriverDevice(d), d, nil
}

// deviceError reports err as ErrDevice unless it already carries a sentinel,
// such as ErrNotSupported for a request the device rejected.
func deviceError(err error) error {
	if err == nil || svsmerr.HasSentinel(err) {
		return err
	}
	return fmt.Errorf("%w: %v", svsmerr.ErrDevice, err)
}

// ReadBlocks implements Driver.ReadBlocks.
func (d *VirtIOBlkDriver) ReadBlocks(block uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deviceError(d.blk.ReadBlocks(block, buf))
}

// WriteBlocks implements Driver.WriteBlocks.
func (d *VirtIOBlkDriver) WriteBlocks(block uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deviceError(d.blk.WriteBlocks(block, buf))
}

// BlockSizeLog2 implements Driver.BlockSizeLog2.
func (d *VirtIOBlkDriver) BlockSizeLog2() uint8 {
	return abi.SectorShift
}

// Size implements Driver.Size.
func (d *VirtIOBlkDriver) Size() uint64 {
	return d.blk.Capacity() << abi.SectorShift
}

// Flush makes previous writes durable.
func (d *VirtIOBlkDriver) Flush() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return deviceError(d.blk.Flush())
}

// ID returns the device serial number.
func (d *VirtIOBlkDriver) ID() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blk.ID()
}

// Close shuts the device down and frees its rings.
func (d *VirtIOBlkDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.blk.Close()
}
