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

package hal

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/hostdev/pflash"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/platform/emulated"
	"svsm.dev/svsm/pkg/shmem"
)

const (
	testFlashBase = hostarch.PhysAddr(0x1000_0000)
	testVirtioPA  = hostarch.PhysAddr(0x2000_0000)
)

func newTestHal(t *testing.T, backend string) (*ConfidentialHal, *emulated.Platform) {
	t.Helper()
	p, err := emulated.New(platform.Opts{
		RAMSize:   2 << 20,
		Flash:     &platform.FlashOpts{Base: testFlashBase, Size: 2 * hostarch.PageSize},
		VirtioBlk: []platform.VirtioBlkOpts{{Base: testVirtioPA, Size: 64 << 10}},
	})
	if err != nil {
		t.Fatalf("emulated.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	reg, err := shmem.New(p, shmem.Opts{Backend: backend})
	if err != nil {
		t.Fatalf("shmem.New: %v", err)
	}
	return New(p, reg), p
}

func expectPanic(t *testing.T, what string, f func()) {
	t.Helper()
	defer func() {
		if recover() == nil {
			t.Errorf("%s did not panic", what)
		}
	}()
	f()
}

var backends = []string{shmem.BackendPageList, shmem.BackendHeap}

func TestDMA(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h, p := newTestHal(t, backend)
			pa, buf, err := h.DMAAlloc(1, Both)
			if err != nil {
				t.Fatalf("DMAAlloc: %v", err)
			}
			if len(buf) != hostarch.PageSize || !pa.IsPageAligned() {
				t.Fatalf("DMAAlloc = %v with %d bytes, want one aligned page", pa, len(buf))
			}
			if s := h.Registry().Stats(); s.Live != 1 {
				t.Errorf("Live = %d after DMAAlloc, want 1", s.Live)
			}

			// The device sees the memory and the driver sees the device's
			// writes.
			if err := p.HostMemory().WriteAt(pa.Add(16), []byte{7, 8, 9}); err != nil {
				t.Fatalf("device write: %v", err)
			}
			if diff := cmp.Diff([]byte{7, 8, 9}, buf[16:19]); diff != "" {
				t.Errorf("driver view mismatch (-want +got):\n%s", diff)
			}

			h.DMADealloc(pa, buf, 1)
			if s := h.Registry().Stats(); s.Live != 0 {
				t.Errorf("Live = %d after DMADealloc, want 0", s.Live)
			}
			expectPanic(t, "second DMADealloc", func() { h.DMADealloc(pa, buf, 1) })
		})
	}
}

func TestDMAContract(t *testing.T) {
	h, _ := newTestHal(t, shmem.BackendPageList)
	expectPanic(t, "DMAAlloc(2)", func() { h.DMAAlloc(2, Both) })
	expectPanic(t, "DMAAlloc(0)", func() { h.DMAAlloc(0, Both) })

	pa, buf, err := h.DMAAlloc(1, DriverToDevice)
	if err != nil {
		t.Fatalf("DMAAlloc: %v", err)
	}
	other := make([]byte, hostarch.PageSize)
	expectPanic(t, "DMADealloc with a foreign buffer", func() { h.DMADealloc(pa, other, 1) })
	expectPanic(t, "DMADealloc of a sub-slice", func() { h.DMADealloc(pa, buf[8:], 1) })
	expectPanic(t, "DMADealloc of an unknown address", func() { h.DMADealloc(pa+hostarch.PageSize, buf, 1) })
	if _, ok := h.Registry().Lookup(pa); !ok {
		t.Fatalf("allocation dropped by a rejected DMADealloc")
	}
	h.DMADealloc(pa, buf, 1)
	if s := h.Registry().Stats(); s.Live != 0 {
		t.Errorf("Live = %d, want 0", s.Live)
	}
}

func TestDMAAllocExhaustion(t *testing.T) {
	p, err := emulated.New(platform.Opts{RAMSize: 8 * hostarch.PageSize})
	if err != nil {
		t.Fatalf("emulated.New: %v", err)
	}
	defer p.Close()
	h := New(p, shmem.NewPageList(p))
	var got error
	for i := 0; i < 8 && got == nil; i++ {
		_, _, got = h.DMAAlloc(1, Both)
	}
	if !svsmerr.Equals(svsmerr.ErrNoMemory, got) {
		t.Errorf("DMAAlloc on exhausted memory got err %v, want ErrNoMemory", got)
	}
}

func TestShare(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			h, p := newTestHal(t, backend)
			for _, tc := range []struct {
				dir       Direction
				wantIn    bool
				wantOut   bool
				bufLen    int
				deviceLen int
			}{
				{dir: DriverToDevice, wantIn: true, bufLen: 16, deviceLen: 16},
				{dir: DeviceToDriver, wantOut: true, bufLen: 16, deviceLen: 16},
				{dir: Both, wantIn: true, wantOut: true, bufLen: 512, deviceLen: 512},
				{dir: Both, wantIn: true, wantOut: true, bufLen: hostarch.PageSize, deviceLen: 8},
			} {
				t.Run(tc.dir.String(), func(t *testing.T) {
					buf := bytes.Repeat([]byte{0x5a}, tc.bufLen)
					pa, err := h.Share(buf, tc.dir)
					if err != nil {
						t.Fatalf("Share: %v", err)
					}
					if st, err := p.PageState(pa); err != nil || st != platform.Shared {
						t.Errorf("bounce page state = %v, %v, want Shared", st, err)
					}

					seen := make([]byte, tc.bufLen)
					if err := p.HostMemory().ReadAt(pa, seen); err != nil {
						t.Fatalf("device read: %v", err)
					}
					wantSeen := make([]byte, tc.bufLen)
					if tc.wantIn {
						copy(wantSeen, buf)
					}
					if diff := cmp.Diff(wantSeen, seen); diff != "" {
						t.Errorf("device view mismatch (-want +got):\n%s", diff)
					}

					if err := p.HostMemory().WriteAt(pa, bytes.Repeat([]byte{0xa5}, tc.deviceLen)); err != nil {
						t.Fatalf("device write: %v", err)
					}
					h.Unshare(pa, buf, tc.dir)

					want := bytes.Repeat([]byte{0x5a}, tc.bufLen)
					if tc.wantOut {
						copy(want, bytes.Repeat([]byte{0xa5}, tc.deviceLen))
					}
					if diff := cmp.Diff(want, buf); diff != "" {
						t.Errorf("buffer after Unshare mismatch (-want +got):\n%s", diff)
					}
					expectPanic(t, "second Unshare", func() { h.Unshare(pa, buf, tc.dir) })
				})
			}
			if s := h.Registry().Stats(); s.Live != 0 {
				t.Errorf("Live = %d after every Unshare, want 0", s.Live)
			}
		})
	}
}

func TestShareReleasesPage(t *testing.T) {
	h, p := newTestHal(t, shmem.BackendPageList)
	pa, err := h.Share([]byte("secret"), DriverToDevice)
	if err != nil {
		t.Fatalf("Share: %v", err)
	}
	h.Unshare(pa, nil, DriverToDevice)
	if st, err := p.PageState(pa); err != nil || st != platform.Private {
		t.Errorf("page state after Unshare = %v, %v, want Private", st, err)
	}
	if err := p.HostMemory().ReadAt(pa, make([]byte, 6)); err == nil {
		t.Errorf("device can still read the page after Unshare")
	}
	expectPanic(t, "Share of more than a page", func() { h.Share(make([]byte, hostarch.PageSize+1), Both) })
}

func TestMMIO(t *testing.T) {
	h, p := newTestHal(t, shmem.BackendPageList)
	regs, err := h.MMIOPhysToVirt(testVirtioPA, hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMIOPhysToVirt: %v", err)
	}
	if v, err := h.MMIORead(regs, 4); err != nil || v != 0x74726976 {
		t.Errorf("MMIORead(magic) = %#x, %v", v, err)
	}

	flash, err := h.MMIOPhysToVirt(testFlashBase, 2*hostarch.PageSize)
	if err != nil {
		t.Fatalf("MMIOPhysToVirt: %v", err)
	}
	for _, v := range []uint64{pflash.CmdWriteByte, 0x33, pflash.CmdReadArray} {
		if err := h.MMIOWrite(flash+3, 1, v); err != nil {
			t.Fatalf("MMIOWrite(%#x): %v", v, err)
		}
	}
	if got, err := h.MMIORead(flash+3, 1); err != nil || got != 0x33 {
		t.Errorf("flash byte = %#x, %v, want 0x33", got, err)
	}
	if got := p.Flash().Counts().DataWrites; got != 1 {
		t.Errorf("DataWrites = %d, want 1", got)
	}

	if _, err := h.MMIOPhysToVirt(0x3000_0000, hostarch.PageSize); !svsmerr.Equals(svsmerr.ErrInvalidAddress, err) {
		t.Errorf("MMIOPhysToVirt of a hole got err %v, want ErrInvalidAddress", err)
	}
	if _, err := h.MMIORead(0x1000, 4); !svsmerr.Equals(svsmerr.ErrDevice, err) {
		t.Errorf("MMIORead of an unmapped address got err %v, want ErrDevice", err)
	}

	p.SetExitHook(func(code, info1 uint64) error {
		if code == ghcb.ExitMMIOWrite {
			return errors.New("injected")
		}
		return nil
	})
	if err := h.MMIOWrite(regs, 4, 0); !svsmerr.Equals(svsmerr.ErrDevice, err) {
		t.Errorf("MMIOWrite with injected failure got err %v, want ErrDevice", err)
	}
}
