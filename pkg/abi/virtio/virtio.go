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

// Package virtio contains the virtio ABI definitions shared by the guest
// drivers and the host device models: the virtio-mmio register layout,
// device status and feature bits, the split virtqueue layout and the block
// device request format.
package virtio

// Virtio-mmio register offsets, from include/uapi/linux/virtio_mmio.h.
const (
	VIRTIO_MMIO_MAGIC_VALUE         = 0x000
	VIRTIO_MMIO_VERSION             = 0x004
	VIRTIO_MMIO_DEVICE_ID           = 0x008
	VIRTIO_MMIO_VENDOR_ID           = 0x00c
	VIRTIO_MMIO_DEVICE_FEATURES     = 0x010
	VIRTIO_MMIO_DEVICE_FEATURES_SEL = 0x014
	VIRTIO_MMIO_DRIVER_FEATURES     = 0x020
	VIRTIO_MMIO_DRIVER_FEATURES_SEL = 0x024
	VIRTIO_MMIO_QUEUE_SEL           = 0x030
	VIRTIO_MMIO_QUEUE_NUM_MAX       = 0x034
	VIRTIO_MMIO_QUEUE_NUM           = 0x038
	VIRTIO_MMIO_QUEUE_READY         = 0x044
	VIRTIO_MMIO_QUEUE_NOTIFY        = 0x050
	VIRTIO_MMIO_INTERRUPT_STATUS    = 0x060
	VIRTIO_MMIO_INTERRUPT_ACK       = 0x064
	VIRTIO_MMIO_STATUS              = 0x070
	VIRTIO_MMIO_QUEUE_DESC_LOW      = 0x080
	VIRTIO_MMIO_QUEUE_DESC_HIGH     = 0x084
	VIRTIO_MMIO_QUEUE_AVAIL_LOW     = 0x090
	VIRTIO_MMIO_QUEUE_AVAIL_HIGH    = 0x094
	VIRTIO_MMIO_QUEUE_USED_LOW      = 0x0a0
	VIRTIO_MMIO_QUEUE_USED_HIGH     = 0x0a4
	VIRTIO_MMIO_CONFIG_GENERATION   = 0x0fc
	VIRTIO_MMIO_CONFIG              = 0x100
)

// Virtio-mmio identification values.
const (
	VIRTIO_MMIO_MAGIC   = 0x74726976 // "virt"
	VIRTIO_MMIO_MODERN  = 2
	VIRTIO_ID_BLOCK     = 2
	VIRTIO_VENDOR_QEMU  = 0x554d4551
	VIRTIO_INT_VRING    = 1 << 0
	VIRTIO_INT_CONFIG   = 1 << 1
	VIRTIO_MMIO_REGSIZE = 0x200
)

// Device status bits, from include/uapi/linux/virtio_config.h.
const (
	VIRTIO_CONFIG_S_ACKNOWLEDGE = 1
	VIRTIO_CONFIG_S_DRIVER      = 2
	VIRTIO_CONFIG_S_DRIVER_OK   = 4
	VIRTIO_CONFIG_S_FEATURES_OK = 8
	VIRTIO_CONFIG_S_NEEDS_RESET = 0x40
	VIRTIO_CONFIG_S_FAILED      = 0x80
)

// Feature bits.
const (
	VIRTIO_BLK_F_SIZE_MAX = 1
	VIRTIO_BLK_F_SEG_MAX  = 2
	VIRTIO_BLK_F_RO       = 5
	VIRTIO_BLK_F_BLK_SIZE = 6
	VIRTIO_BLK_F_FLUSH    = 9
	VIRTIO_F_VERSION_1    = 32
)

// Split virtqueue layout, from include/uapi/linux/virtio_ring.h.
const (
	VRING_DESC_F_NEXT  = 1
	VRING_DESC_F_WRITE = 2

	// VringDescSize is the size of a descriptor: addr u64, len u32,
	// flags u16, next u16.
	VringDescSize = 16

	// VringAvailHeaderSize is the size of the available ring header: flags
	// u16, idx u16. Entries are u16 descriptor indices.
	VringAvailHeaderSize = 4

	// VringUsedHeaderSize is the size of the used ring header: flags u16,
	// idx u16. Entries are id u32, len u32.
	VringUsedHeaderSize = 4
	VringUsedElemSize   = 8
)

// VringDescTableSize returns the size of a descriptor table of num entries.
func VringDescTableSize(num int) int {
	return num * VringDescSize
}

// VringAvailSize returns the size of an available ring of num entries,
// including the trailing used_event field.
func VringAvailSize(num int) int {
	return VringAvailHeaderSize + 2*num + 2
}

// VringUsedSize returns the size of a used ring of num entries, including
// the trailing avail_event field.
func VringUsedSize(num int) int {
	return VringUsedHeaderSize + VringUsedElemSize*num + 2
}

// Block device request types and status values, from
// include/uapi/linux/virtio_blk.h.
const (
	VIRTIO_BLK_T_IN     = 0
	VIRTIO_BLK_T_OUT    = 1
	VIRTIO_BLK_T_FLUSH  = 4
	VIRTIO_BLK_T_GET_ID = 8

	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2

	// VIRTIO_BLK_ID_BYTES is the length of the device identifier.
	VIRTIO_BLK_ID_BYTES = 20

	// VirtioBlkReqHeaderSize is the size of the request header: type u32,
	// reserved u32, sector u64.
	VirtioBlkReqHeaderSize = 16

	// SectorShift is the binary log of the virtio-blk sector size.
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)

// Offsets in the virtio-blk configuration space.
const (
	VirtioBlkConfigCapacity = 0x00
	VirtioBlkConfigSizeMax  = 0x08
	VirtioBlkConfigSegMax   = 0x0c
	VirtioBlkConfigBlkSize  = 0x14
	VirtioBlkConfigSize     = 0x18
)
