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

// Package virtio is a guest-side virtio driver stack for SEV-SNP guests: a
// virtio-mmio (version 2) transport, a split virtqueue and a block device.
//
// Nothing in this package touches device registers or shared memory
// directly. Register accesses go through hal.Hal MMIO operations, rings
// live in DMA pages and request buffers are bounced through shared pages,
// so a host only ever sees memory the guest explicitly shared.
package virtio

import (
	"fmt"

	abi "svsm.dev/svsm/pkg/abi/virtio"
	"svsm.dev/svsm/pkg/bits"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
)

// configRetries bounds the attempts to read a consistent multi-word
// configuration field.
const configRetries = 4

// MMIOTransport is a virtio-mmio register page.
type MMIOTransport struct {
	h    hal.Hal
	pa   hostarch.PhysAddr
	regs hostarch.Addr

	deviceID uint32
	vendorID uint32
}

// NewMMIOTransport checks the virtio-mmio header at pa. It fails with
// ErrNoDevice if pa does not hold a modern virtio-mmio device, or if the
// slot is empty.
func NewMMIOTransport(h hal.Hal, pa hostarch.PhysAddr) (*MMIOTransport, error) {
	regs, err := h.MMIOPhysToVirt(pa, abi.VIRTIO_MMIO_REGSIZE)
	if err != nil {
		return nil, err
	}
	t := &MMIOTransport{h: h, pa: pa, regs: regs}

	magic, err := t.read32(abi.VIRTIO_MMIO_MAGIC_VALUE)
	if err != nil {
		return nil, err
	}
	if magic != abi.VIRTIO_MMIO_MAGIC {
		return nil, fmt.Errorf("%w: bad virtio-mmio magic %#x at %v", svsmerr.ErrNoDevice, magic, pa)
	}
	version, err := t.read32(abi.VIRTIO_MMIO_VERSION)
	if err != nil {
		return nil, err
	}
	if version != abi.VIRTIO_MMIO_MODERN {
		return nil, fmt.Errorf("%w: unsupported virtio-mmio version %d at %v", svsmerr.ErrNoDevice, version, pa)
	}
	if t.deviceID, err = t.read32(abi.VIRTIO_MMIO_DEVICE_ID); err != nil {
		return nil, err
	}
	if t.deviceID == 0 {
		return nil, fmt.Errorf("%w: empty virtio-mmio slot at %v", svsmerr.ErrNoDevice, pa)
	}
	if t.vendorID, err = t.read32(abi.VIRTIO_MMIO_VENDOR_ID); err != nil {
		return nil, err
	}
	log.Debugf("virtio-mmio at %v: device %d vendor %#x", pa, t.deviceID, t.vendorID)
	return t, nil
}

func (t *MMIOTransport) read32(off uint64) (uint32, error) {
	v, err := t.h.MMIORead(t.regs+hostarch.Addr(off), 4)
	return uint32(v), err
}

func (t *MMIOTransport) write32(off uint64, v uint32) error {
	return t.h.MMIOWrite(t.regs+hostarch.Addr(off), 4, uint64(v))
}

// PhysAddr returns the address of the register page.
func (t *MMIOTransport) PhysAddr() hostarch.PhysAddr {
	return t.pa
}

// DeviceID returns the virtio device type.
func (t *MMIOTransport) DeviceID() uint32 {
	return t.deviceID
}

// VendorID returns the device vendor.
func (t *MMIOTransport) VendorID() uint32 {
	return t.vendorID
}

// Status returns the device status register.
func (t *MMIOTransport) Status() (uint32, error) {
	return t.read32(abi.VIRTIO_MMIO_STATUS)
}

// SetStatus writes the device status register.
func (t *MMIOTransport) SetStatus(s uint32) error {
	return t.write32(abi.VIRTIO_MMIO_STATUS, s)
}

// Reset resets the device.
func (t *MMIOTransport) Reset() error {
	return t.SetStatus(0)
}

// DeviceFeatures returns the 64 feature bits offered by the device.
func (t *MMIOTransport) DeviceFeatures() (uint64, error) {
	var features uint64
	for sel := uint32(0); sel < 2; sel++ {
		if err := t.write32(abi.VIRTIO_MMIO_DEVICE_FEATURES_SEL, sel); err != nil {
			return 0, err
		}
		v, err := t.read32(abi.VIRTIO_MMIO_DEVICE_FEATURES)
		if err != nil {
			return 0, err
		}
		features |= uint64(v) << (32 * sel)
	}
	return features, nil
}

// SetDriverFeatures writes the feature bits accepted by the driver.
func (t *MMIOTransport) SetDriverFeatures(features uint64) error {
	for sel := uint32(0); sel < 2; sel++ {
		if err := t.write32(abi.VIRTIO_MMIO_DRIVER_FEATURES_SEL, sel); err != nil {
			return err
		}
		if err := t.write32(abi.VIRTIO_MMIO_DRIVER_FEATURES, uint32(features>>(32*sel))); err != nil {
			return err
		}
	}
	return nil
}

// BeginInit resets the device and negotiates features: the driver accepts
// the intersection of supported and the device's offer. VIRTIO_F_VERSION_1
// is required. BeginInit returns the negotiated features.
func (t *MMIOTransport) BeginInit(supported uint64) (uint64, error) {
	if err := t.Reset(); err != nil {
		return 0, err
	}
	status := uint32(abi.VIRTIO_CONFIG_S_ACKNOWLEDGE)
	if err := t.SetStatus(status); err != nil {
		return 0, err
	}
	status |= abi.VIRTIO_CONFIG_S_DRIVER
	if err := t.SetStatus(status); err != nil {
		return 0, err
	}
	offered, err := t.DeviceFeatures()
	if err != nil {
		return 0, err
	}
	features := offered & (supported | 1<<abi.VIRTIO_F_VERSION_1)
	if !bits.IsOn(features, bits.MaskOf[uint64](abi.VIRTIO_F_VERSION_1)) {
		t.fail()
		return 0, fmt.Errorf("%w: device at %v does not offer VIRTIO_F_VERSION_1", svsmerr.ErrNotSupported, t.pa)
	}
	if err := t.SetDriverFeatures(features); err != nil {
		return 0, err
	}
	status |= abi.VIRTIO_CONFIG_S_FEATURES_OK
	if err := t.SetStatus(status); err != nil {
		return 0, err
	}
	got, err := t.Status()
	if err != nil {
		return 0, err
	}
	if !bits.IsOn(got, abi.VIRTIO_CONFIG_S_FEATURES_OK) {
		t.fail()
		return 0, fmt.Errorf("%w: device at %v rejected features %#x", svsmerr.ErrNotSupported, t.pa, features)
	}
	return features, nil
}

// FinishInit tells the device the driver is ready.
func (t *MMIOTransport) FinishInit() error {
	s, err := t.Status()
	if err != nil {
		return err
	}
	return t.SetStatus(s | abi.VIRTIO_CONFIG_S_DRIVER_OK)
}

// fail marks the device failed. The write is best effort.
func (t *MMIOTransport) fail() {
	s, err := t.Status()
	if err == nil {
		err = t.SetStatus(s | abi.VIRTIO_CONFIG_S_FAILED)
	}
	if err != nil {
		log.Warningf("virtio-mmio at %v: cannot mark device failed: %v", t.pa, err)
	}
}

// MaxQueueSize returns the largest size queue idx supports, or zero if the
// queue does not exist.
func (t *MMIOTransport) MaxQueueSize(idx uint32) (uint32, error) {
	if err := t.write32(abi.VIRTIO_MMIO_QUEUE_SEL, idx); err != nil {
		return 0, err
	}
	return t.read32(abi.VIRTIO_MMIO_QUEUE_NUM_MAX)
}

// SetQueue configures queue idx with the given ring addresses and enables
// it.
func (t *MMIOTransport) SetQueue(idx, size uint32, desc, avail, used hostarch.PhysAddr) error {
	for _, r := range []struct {
		off uint64
		v   uint32
	}{
		{abi.VIRTIO_MMIO_QUEUE_SEL, idx},
		{abi.VIRTIO_MMIO_QUEUE_NUM, size},
		{abi.VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(desc)},
		{abi.VIRTIO_MMIO_QUEUE_DESC_HIGH, uint32(desc >> 32)},
		{abi.VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(avail)},
		{abi.VIRTIO_MMIO_QUEUE_AVAIL_HIGH, uint32(avail >> 32)},
		{abi.VIRTIO_MMIO_QUEUE_USED_LOW, uint32(used)},
		{abi.VIRTIO_MMIO_QUEUE_USED_HIGH, uint32(used >> 32)},
		{abi.VIRTIO_MMIO_QUEUE_READY, 1},
	} {
		if err := t.write32(r.off, r.v); err != nil {
			return fmt.Errorf("setting up queue %d: %w", idx, err)
		}
	}
	return nil
}

// DisableQueue disables queue idx.
func (t *MMIOTransport) DisableQueue(idx uint32) error {
	if err := t.write32(abi.VIRTIO_MMIO_QUEUE_SEL, idx); err != nil {
		return err
	}
	return t.write32(abi.VIRTIO_MMIO_QUEUE_READY, 0)
}

// Notify tells the device that queue idx has new buffers.
func (t *MMIOTransport) Notify(idx uint32) error {
	return t.write32(abi.VIRTIO_MMIO_QUEUE_NOTIFY, idx)
}

// AckInterrupt acknowledges pending interrupts and returns them.
func (t *MMIOTransport) AckInterrupt() (uint32, error) {
	isr, err := t.read32(abi.VIRTIO_MMIO_INTERRUPT_STATUS)
	if err != nil || isr == 0 {
		return isr, err
	}
	return isr, t.write32(abi.VIRTIO_MMIO_INTERRUPT_ACK, isr)
}

// ReadConfig reads width bytes of device configuration at off.
func (t *MMIOTransport) ReadConfig(off uint64, width int) (uint64, error) {
	return t.h.MMIORead(t.regs+hostarch.Addr(abi.VIRTIO_MMIO_CONFIG+off), width)
}

// ReadConfig64 reads a 64-bit configuration field as two 32-bit halves,
// retrying if the configuration generation changes in between.
func (t *MMIOTransport) ReadConfig64(off uint64) (uint64, error) {
	for try := 0; try < configRetries; try++ {
		gen, err := t.read32(abi.VIRTIO_MMIO_CONFIG_GENERATION)
		if err != nil {
			return 0, err
		}
		lo, err := t.ReadConfig(off, 4)
		if err != nil {
			return 0, err
		}
		hi, err := t.ReadConfig(off+4, 4)
		if err != nil {
			return 0, err
		}
		again, err := t.read32(abi.VIRTIO_MMIO_CONFIG_GENERATION)
		if err != nil {
			return 0, err
		}
		if gen == again {
			return hi<<32 | lo, nil
		}
	}
	return 0, fmt.Errorf("%w: configuration of device at %v keeps changing", svsmerr.ErrDevice, t.pa)
}
