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
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/cenkalti/backoff"
	"github.com/google/go-cmp/cmp"
	abi "svsm.dev/svsm/pkg/abi/virtio"
	serrors "svsm.dev/svsm/pkg/errors"
	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/ghcb"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/platform/emulated"
)

func TestVirtIOBlkDriver(t *testing.T) {
	p := newTestPlatform(t)
	dev, d := newTestVirtIO(t, p)
	if d.BlockSizeLog2() != abi.SectorShift {
		t.Errorf("BlockSizeLog2() = %d, want %d", d.BlockSizeLog2(), abi.SectorShift)
	}
	if d.Size() != testDiskSize || dev.Size() != testDiskSize {
		t.Errorf("Size() = %d, %d, want %d", d.Size(), dev.Size(), testDiskSize)
	}
	id, err := d.ID()
	if err != nil || id != "svsm-blk0" {
		t.Errorf("ID() = %q, %v", id, err)
	}

	// Unaligned accesses are read-modify-write cycles of whole sectors.
	model := make([]byte, 2048)
	data := make([]byte, 700)
	for i := range data {
		data[i] = byte(i) | 1
	}
	if n, err := dev.Write(data, 300); n != len(data) || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	copy(model[300:], data)
	got := make([]byte, len(model))
	if n, err := dev.Read(got, 0); n != len(got) || err != nil {
		t.Fatalf("Read = %d, %v", n, err)
	}
	if diff := cmp.Diff(model, got); diff != "" {
		t.Errorf("Read mismatch (-want +got):\n%s", diff)
	}

	sector := make([]byte, 512)
	if err := d.ReadBlocks(1, sector); err != nil {
		t.Fatalf("ReadBlocks: %v", err)
	}
	if diff := cmp.Diff(model[512:1024], sector); diff != "" {
		t.Errorf("ReadBlocks mismatch (-want +got):\n%s", diff)
	}
	if err := d.Flush(); err != nil {
		t.Errorf("Flush: %v", err)
	}
}

func TestVirtIOBlkDeviceError(t *testing.T) {
	p := newTestPlatform(t)
	dev, _ := newTestVirtIO(t, p)
	p.SetExitHook(func(code, info1 uint64) error {
		if code == ghcb.ExitMMIOWrite && info1 == uint64(testVirtioPA)+abi.VIRTIO_MMIO_QUEUE_NOTIFY {
			return errors.New("injected")
		}
		return nil
	})
	if _, err := dev.Read(make([]byte, 16), 0); !svsmerr.Equals(svsmerr.ErrDevice, err) {
		t.Errorf("Read with a failing device got err %v, want ErrDevice", err)
	}
}

func TestVirtIOBlkReadOnly(t *testing.T) {
	p, err := emulated.New(platform.Opts{
		RAMSize:   2 << 20,
		VirtioBlk: []platform.VirtioBlkOpts{{Base: testVirtioPA, Size: testDiskSize, ReadOnly: true}},
	})
	if err != nil {
		t.Fatalf("emulated.New: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	dev, d := newTestVirtIO(t, p)
	notifies := 0
	p.SetExitHook(func(code, info1 uint64) error {
		if code == ghcb.ExitMMIOWrite && info1 == uint64(testVirtioPA)+abi.VIRTIO_MMIO_QUEUE_NOTIFY {
			notifies++
		}
		return nil
	})
	dev = NewRetrying(dev, func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 8) })

	n, err := dev.Write(make([]byte, 512), 0)
	if n != 0 || !svsmerr.Equals(svsmerr.ErrNotSupported, err) {
		t.Errorf("Write: got %d, %v, want 0, ErrNotSupported", n, err)
	}
	if svsmerr.IsRetryable(err) {
		t.Errorf("IsRetryable(%v): got true, want false", err)
	}
	if notifies != 0 {
		t.Errorf("queue notifies: got %d, want 0", notifies)
	}
	if err := d.WriteBlocks(0, make([]byte, 512)); !svsmerr.Equals(svsmerr.ErrNotSupported, err) || svsmerr.Equals(svsmerr.ErrDevice, err) {
		t.Errorf("WriteBlocks: got %v, want ErrNotSupported", err)
	}
	if n, err := dev.Read(make([]byte, 512), 0); n != 512 || err != nil {
		t.Errorf("Read: got %d, %v, want 512, nil", n, err)
	}
}

// failingDriver fails every block access with err.
type failingDriver struct {
	err   error
	calls int
}

func (f *failingDriver) ReadBlocks(uint64, []byte) error {
	f.calls++
	return f.err
}

func (f *failingDriver) WriteBlocks(uint64, []byte) error {
	f.calls++
	return f.err
}

func (f *failingDriver) BlockSizeLog2() uint8 { return 9 }

func (f *failingDriver) Size() uint64 { return 4096 }

func TestDriverErrorClassification(t *testing.T) {
	for _, tc := range []struct {
		name      string
		err       error
		want      *serrors.Error
		retryable bool
		wantCalls int
	}{
		{
			name:      "unsupported request",
			err:       fmt.Errorf("%w: virtio-blk flush", svsmerr.ErrNotSupported),
			want:      svsmerr.ErrNotSupported,
			wantCalls: 1,
		},
		{
			name:      "invalid argument",
			err:       fmt.Errorf("%w: bad range", svsmerr.ErrInvalidArgument),
			want:      svsmerr.ErrInvalidArgument,
			wantCalls: 1,
		},
		{
			name:      "device error",
			err:       fmt.Errorf("%w: status 1", svsmerr.ErrDevice),
			want:      svsmerr.ErrDevice,
			retryable: true,
			wantCalls: 3,
		},
		{
			name:      "untyped error",
			err:       errors.New("short read"),
			want:      svsmerr.ErrDevice,
			retryable: true,
			wantCalls: 3,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := deviceError(tc.err); !svsmerr.Equals(tc.want, got) {
				t.Errorf("deviceError(%v): got %v, want %v", tc.err, got, tc.want)
			}
			drv := &failingDriver{err: tc.err}
			dev := NewRetrying(NewDriverDevice(drv), func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) })
			_, err := dev.Read(make([]byte, 512), 0)
			if !svsmerr.Equals(tc.want, err) {
				t.Errorf("Read: got %v, want %v", err, tc.want)
			}
			if got := svsmerr.IsRetryable(err); got != tc.retryable {
				t.Errorf("IsRetryable(%v): got %t, want %t", err, got, tc.retryable)
			}
			if drv.calls != tc.wantCalls {
				t.Errorf("driver calls: got %d, want %d", drv.calls, tc.wantCalls)
			}
		})
	}
}

func TestNewVirtIOBlkDriverNoDevice(t *testing.T) {
	p := newTestPlatform(t)
	if _, err := NewVirtIOBlkDriver(newTestHal(t, p), testFlashBase); err == nil {
		t.Errorf("NewVirtIOBlkDriver on a flash device succeeded")
	}
}

// flakyDevice fails every other transfer after moving half of it.
type flakyDevice struct {
	Device
	calls int
	err   error
}

func (f *flakyDevice) transfer(buf []byte, off uint64, fn func([]byte, uint64) (int, error)) (int, error) {
	f.calls++
	if f.calls%2 == 1 && len(buf) > 1 {
		n, _ := fn(buf[:len(buf)/2], off)
		return n, f.err
	}
	return fn(buf, off)
}

func (f *flakyDevice) Read(buf []byte, off uint64) (int, error) {
	return f.transfer(buf, off, f.Device.Read)
}

func (f *flakyDevice) Write(buf []byte, off uint64) (int, error) {
	return f.transfer(buf, off, f.Device.Write)
}

func TestRetrying(t *testing.T) {
	zero := func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 8) }
	for _, tc := range []struct {
		err       error
		wantErr   error
		wantN     int
		wantCalls int
	}{
		{err: fmt.Errorf("%w: flaky", svsmerr.ErrDevice), wantN: 64, wantCalls: 2},
		{err: fmt.Errorf("%w: busy", svsmerr.ErrBusy), wantN: 64, wantCalls: 2},
		{err: fmt.Errorf("%w: bad", svsmerr.ErrInvalidArgument), wantErr: svsmerr.ErrInvalidArgument, wantN: 32, wantCalls: 1},
	} {
		t.Run(fmt.Sprint(tc.err), func(t *testing.T) {
			flaky := &flakyDevice{Device: NewRamDisk(128), err: tc.err}
			dev := NewRetrying(flaky, zero)
			data := make([]byte, 64)
			for i := range data {
				data[i] = byte(i + 1)
			}
			n, err := dev.Write(data, 16)
			if n != tc.wantN || flaky.calls != tc.wantCalls {
				t.Errorf("Write = %d bytes in %d calls, want %d in %d", n, flaky.calls, tc.wantN, tc.wantCalls)
			}
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Write: %v", err)
				}
				got := make([]byte, 64)
				flaky.calls = 1
				if n, err := dev.Read(got, 16); n != 64 || err != nil {
					t.Fatalf("Read = %d, %v", n, err)
				}
				if diff := cmp.Diff(data, got); diff != "" {
					t.Errorf("Read mismatch (-want +got):\n%s", diff)
				}
			} else if !errors.Is(err, tc.wantErr) {
				t.Errorf("Write got err %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestRetryingGivesUp(t *testing.T) {
	p := newTestPlatform(t)
	f := NewPflash(p, p.GHCB(), testFlashBase, testFlashSize)
	attempts := 0
	p.SetExitHook(func(code, info1 uint64) error {
		if code == ghcb.ExitMMIOWrite {
			attempts++
			return errors.New("injected")
		}
		return nil
	})
	dev := NewRetrying(f, func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2) })
	if _, err := dev.Write([]byte{1}, 0); !svsmerr.Equals(svsmerr.ErrDevice, err) {
		t.Errorf("Write got err %v, want ErrDevice", err)
	}
	if attempts != 3 {
		t.Errorf("device saw %d attempts, want 3", attempts)
	}
}

func TestStream(t *testing.T) {
	dev := NewRamDiskFromContent([]byte("hello, world"))
	s := NewStream(dev)
	if _, err := s.Seek(7, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if n, err := s.Write([]byte("there")); n != 5 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if pos, err := s.Seek(-5, io.SeekCurrent); pos != 7 || err != nil {
		t.Fatalf("Seek = %d, %v", pos, err)
	}
	if _, err := s.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	all, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(all) != "hello, there" {
		t.Errorf("ReadAll = %q, want %q", all, "hello, there")
	}

	if _, err := s.Seek(-2, io.SeekEnd); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if n, err := s.Write([]byte("!!!")); n != 2 || err != io.ErrShortWrite {
		t.Errorf("Write past the end = %d, %v, want 2, io.ErrShortWrite", n, err)
	}
	for _, tc := range []struct {
		offset int64
		whence int
	}{
		{offset: 0, whence: io.SeekEnd},
		{offset: -1, whence: io.SeekStart},
		{offset: 100, whence: io.SeekCurrent},
		{offset: 0, whence: 42},
	} {
		if _, err := s.Seek(tc.offset, tc.whence); !svsmerr.Equals(svsmerr.ErrInvalidArgument, err) {
			t.Errorf("Seek(%d, %d) got err %v, want ErrInvalidArgument", tc.offset, tc.whence, err)
		}
	}
}
