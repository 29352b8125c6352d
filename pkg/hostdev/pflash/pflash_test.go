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

package pflash

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
	"svsm.dev/svsm/pkg/hostarch"
)

func write(t *testing.T, d *Device, off uint64, b uint8) {
	t.Helper()
	if err := d.MMIOWrite(off, 1, uint64(b)); err != nil {
		t.Fatalf("MMIOWrite(%#x, %#x): %v", off, b, err)
	}
}

func read(t *testing.T, d *Device, off uint64) uint8 {
	t.Helper()
	v, err := d.MMIORead(off, 1)
	if err != nil {
		t.Fatalf("MMIORead(%#x): %v", off, err)
	}
	return uint8(v)
}

func TestWriteByte(t *testing.T) {
	storage := bytes.Repeat([]byte{0xff}, 2*hostarch.PageSize)
	d := New(storage)
	for i, b := range []uint8{0xcc, 0xaa, 0xbb} {
		write(t, d, uint64(i), CmdWriteByte)
		write(t, d, uint64(i), b)
	}
	if d.ReadArray() {
		t.Errorf("device in read array mode before read array command")
	}
	if got := read(t, d, 0); got != StatusReady {
		t.Errorf("status = %#x, want %#x", got, StatusReady)
	}
	write(t, d, 3, CmdReadArray)
	if !d.ReadArray() {
		t.Errorf("device not in read array mode after read array command")
	}
	if diff := cmp.Diff([]byte{0xcc, 0xaa, 0xbb, 0xff}, storage[:4]); diff != "" {
		t.Errorf("storage mismatch (-want +got):\n%s", diff)
	}
	if got := read(t, d, 1); got != 0xaa {
		t.Errorf("array read = %#x, want 0xaa", got)
	}
	want := Counts{
		Writes:     7,
		DataWrites: 3,
		Commands:   map[uint8]int{CmdWriteByte: 3, CmdReadArray: 1},
	}
	if diff := cmp.Diff(want, d.Counts()); diff != "" {
		t.Errorf("Counts mismatch (-want +got):\n%s", diff)
	}
}

func TestOverwrite(t *testing.T) {
	storage := make([]byte, hostarch.PageSize)
	d := New(storage)
	write(t, d, 0, CmdWriteByte)
	write(t, d, 0, 0xcc)
	write(t, d, 0, CmdWriteByteAlt)
	write(t, d, 0, 0x55)
	write(t, d, 1, CmdReadArray)
	if storage[0] != 0x55 {
		t.Errorf("storage[0] = %#x, want 0x55", storage[0])
	}
}

func TestBlockErase(t *testing.T) {
	storage := make([]byte, 2*hostarch.PageSize)
	d := New(storage)
	write(t, d, hostarch.PageSize+10, CmdBlockErase)
	write(t, d, hostarch.PageSize+10, CmdEraseConfirm)
	write(t, d, 0, CmdReadArray)
	if !bytes.Equal(storage[:hostarch.PageSize], make([]byte, hostarch.PageSize)) {
		t.Errorf("first block modified by erase of the second")
	}
	if !bytes.Equal(storage[hostarch.PageSize:], bytes.Repeat([]byte{0xff}, hostarch.PageSize)) {
		t.Errorf("second block not erased")
	}
}

func TestEraseNotConfirmed(t *testing.T) {
	storage := make([]byte, hostarch.PageSize)
	d := New(storage)
	write(t, d, 0, CmdBlockErase)
	write(t, d, 0, CmdReadArray)
	if got := read(t, d, 0); got&StatusEraseError == 0 {
		t.Errorf("status = %#x, want erase error bit", got)
	}
	write(t, d, 0, CmdClearStatus)
	if got := read(t, d, 0); got != StatusReady {
		t.Errorf("status after clear = %#x, want %#x", got, StatusReady)
	}
	if storage[0] != 0 {
		t.Errorf("storage modified by unconfirmed erase")
	}
}

func TestReadID(t *testing.T) {
	d := New(make([]byte, hostarch.PageSize))
	write(t, d, 0, CmdReadID)
	if got := read(t, d, 0); got != ManufacturerID {
		t.Errorf("manufacturer = %#x, want %#x", got, ManufacturerID)
	}
	if got := read(t, d, 1); got != DeviceID {
		t.Errorf("device = %#x, want %#x", got, DeviceID)
	}
}

func TestInvalidAccess(t *testing.T) {
	d := New(make([]byte, hostarch.PageSize))
	if err := d.MMIOWrite(hostarch.PageSize, 1, CmdReadArray); err == nil {
		t.Errorf("MMIOWrite beyond device succeeded")
	}
	if err := d.MMIOWrite(0, 2, CmdReadArray); err == nil {
		t.Errorf("two byte MMIOWrite succeeded")
	}
	if _, err := d.MMIORead(hostarch.PageSize-4, 8); err == nil {
		t.Errorf("MMIORead across the end of the device succeeded")
	}
}
