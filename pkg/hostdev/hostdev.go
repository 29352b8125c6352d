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

// Package hostdev defines the host side of emulated devices: register
// models reached through GHCB MMIO exits, and the restricted view of guest
// memory they are given.
package hostdev

import (
	"svsm.dev/svsm/pkg/hostarch"
)

// Device is a memory-mapped device model. Offsets are relative to the base
// of the device's MMIO range.
type Device interface {
	// MMIORead handles a size-byte read at off.
	MMIORead(off uint64, size int) (uint64, error)

	// MMIOWrite handles a size-byte write of v at off.
	MMIOWrite(off uint64, size int, v uint64) error
}

// GuestMemory is the host's view of guest physical memory. Only pages the
// guest has shared are accessible; any other access fails.
type GuestMemory interface {
	// ReadAt copies len(dst) bytes of guest memory at pa into dst.
	ReadAt(pa hostarch.PhysAddr, dst []byte) error

	// WriteAt copies src into guest memory at pa.
	WriteAt(pa hostarch.PhysAddr, src []byte) error
}
