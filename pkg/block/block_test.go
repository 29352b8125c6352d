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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/platform/emulated"
	"svsm.dev/svsm/pkg/shmem"
)

const (
	testFlashBase = hostarch.PhysAddr(0x1000_0000)
	testFlashSize = 2 * hostarch.PageSize
	testVirtioPA  = hostarch.PhysAddr(0x2000_0000)
	testDiskSize  = 64 << 10
)

// flashImage is the initial content of the test flash device.
func flashImage() []byte {
	img := make([]byte, testFlashSize)
	for i := range img {
		img[i] = byte(i * 7)
	}
	return img
}

func newTestPlatform(t *testing.T) *emulated.Platform {
	t.Helper()
	image := filepath.Join(t.TempDir(), "flash.img")
	if err := os.WriteFile(image, flashImage(), 0644); err != nil {
		t.Fatalf("writing flash image: %v", err)
	}
	p, err := emulated.New(platform.Opts{
		RAMSize:   2 << 20,
		Flash:     &platform.FlashOpts{Base: testFlashBase, Size: testFlashSize, Image: image},
		VirtioBlk: []platform.VirtioBlkOpts{{Base: testVirtioPA, Size: testDiskSize}},
	})
	if err != nil {
		t.Fatalf("emulated.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func newTestHal(t *testing.T, p *emulated.Platform) *hal.ConfidentialHal {
	t.Helper()
	reg, err := shmem.New(p, shmem.Opts{})
	if err != nil {
		t.Fatalf("shmem.New: %v", err)
	}
	return hal.New(p, reg)
}

func newTestVirtIO(t *testing.T, p *emulated.Platform) (Device, *VirtIOBlkDriver) {
	t.Helper()
	dev, d, err := NewVirtIOBlkDevice(newTestHal(t, p), testVirtioPA)
	if err != nil {
		t.Fatalf("NewVirtIOBlkDevice: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return dev, d
}

// devices returns one instance of every Device implementation, each
// initialized with the content returned alongside it.
func devices() map[string]func(t *testing.T) (Device, []byte) {
	return map[string]func(t *testing.T) (Device, []byte){
		"ramdisk": func(t *testing.T) (Device, []byte) {
			content := bytes.Repeat([]byte{1, 2, 3, 4, 5}, 1000)
			return NewRamDiskFromContent(content), content
		},
		"pflash": func(t *testing.T) (Device, []byte) {
			p := newTestPlatform(t)
			return NewPflash(p, p.GHCB(), testFlashBase, testFlashSize), flashImage()
		},
		"virtio-blk": func(t *testing.T) (Device, []byte) {
			dev, _ := newTestVirtIO(t, newTestPlatform(t))
			return dev, make([]byte, testDiskSize)
		},
	}
}

func TestDeviceContract(t *testing.T) {
	for name, newDevice := range devices() {
		t.Run(name, func(t *testing.T) {
			dev, content := newDevice(t)
			size := dev.Size()
			if size != uint64(len(content)) {
				t.Fatalf("Size() = %d, want %d", size, len(content))
			}

			buf := make([]byte, 16)
			for _, off := range []uint64{size, size + 1, size + 4096, ^uint64(0)} {
				if n, err := dev.Read(buf, off); n != 0 || err != nil {
					t.Errorf("Read at %#x = %d, %v, want 0, nil", off, n, err)
				}
				if n, err := dev.Write(buf, off); n != 0 || err != nil {
					t.Errorf("Write at %#x = %d, %v, want 0, nil", off, n, err)
				}
			}

			n, err := dev.Read(buf, size-5)
			if err != nil || n != 5 {
				t.Fatalf("Read at the tail = %d, %v, want 5, nil", n, err)
			}
			if diff := cmp.Diff(content[size-5:], buf[:n]); diff != "" {
				t.Errorf("tail read mismatch (-want +got):\n%s", diff)
			}

			data := []byte("0123456789abcdef")
			if n, err := dev.Write(data, size-3); err != nil || n != 3 {
				t.Errorf("Write at the tail = %d, %v, want 3, nil", n, err)
			}
			copy(content[size-3:], data)

			// A write crossing a page boundary.
			off := uint64(hostarch.PageSize - 7)
			if n, err := dev.Write(data, off); err != nil || n != len(data) {
				t.Fatalf("Write = %d, %v, want %d, nil", n, err, len(data))
			}
			copy(content[off:], data)

			got := make([]byte, size)
			if n, err := dev.Read(got, 0); err != nil || uint64(n) != size {
				t.Fatalf("Read of the whole device = %d, %v", n, err)
			}
			if !bytes.Equal(content, got) {
				t.Errorf("device content differs from expected after writes")
			}
		})
	}
}

func TestRamDiskScenario(t *testing.T) {
	dev := NewRamDiskFromContent([]byte{0, 1, 2, 3, 4, 5})
	if n, err := dev.Write([]byte{20, 21, 22}, 2); n != 3 || err != nil {
		t.Fatalf("Write = %d, %v, want 3, nil", n, err)
	}
	got := make([]byte, 5)
	if n, err := dev.Read(got, 1); n != 5 || err != nil {
		t.Fatalf("Read = %d, %v, want 5, nil", n, err)
	}
	if diff := cmp.Diff([]byte{1, 20, 21, 22, 5}, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	if got := NewRamDisk(4096).Size(); got != 4096 {
		t.Errorf("NewRamDisk(4096).Size() = %d", got)
	}
	// The disk owns a copy of its content.
	orig := []byte{9, 9}
	d := NewRamDiskFromContent(orig)
	orig[0] = 0
	b := make([]byte, 1)
	d.Read(b, 0)
	if b[0] != 9 {
		t.Errorf("RAM disk aliases its initial content")
	}
}
