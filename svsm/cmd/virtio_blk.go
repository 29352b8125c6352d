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

package cmd

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"svsm.dev/svsm/pkg/block"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/svsm/cmd/util"
	"svsm.dev/svsm/svsm/config"
	"svsm.dev/svsm/svsm/flag"
)

// VirtioBlk implements subcommands.Command for the "virtio-blk" command.
type VirtioBlk struct {
	readOnly bool
}

// Name implements subcommands.Command.Name.
func (*VirtioBlk) Name() string {
	return "virtio-blk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*VirtioBlk) Synopsis() string {
	return "check virtio-mmio block devices with a read-back test"
}

// Usage implements subcommands.Command.Usage.
func (*VirtioBlk) Usage() string {
	return `virtio-blk [flags] - check the devices listed in --virtio-mmio.

Every device found is written with a test pattern at 512 and 4096 byte
granularity, read back and restored.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (v *VirtioBlk) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&v.readOnly, "read-only", false, "only read, do not write to the devices.")
}

// Execute implements subcommands.Command.Execute.
func (v *VirtioBlk) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Close()

	if err := v.run(os.Stdout, m); err != nil {
		return util.Errorf("virtio-blk: %v", err)
	}
	return subcommands.ExitSuccess
}

func (v *VirtioBlk) run(w io.Writer, m *machine) error {
	bases, err := m.conf.VirtioBases()
	if err != nil {
		return err
	}
	if len(bases) == 0 {
		return fmt.Errorf("no virtio-mmio devices configured")
	}
	for _, base := range bases {
		dev, drv, err := block.NewVirtIOBlkDevice(m.hal, base)
		if err != nil {
			return err
		}
		err = v.check(w, m.wrap(dev), drv)
		if cerr := drv.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("device at %v: %w", base, err)
		}
	}
	return nil
}

func (v *VirtioBlk) check(w io.Writer, dev block.Device, drv *block.VirtIOBlkDriver) error {
	id, err := drv.ID()
	if err != nil {
		log.Infof("Device serial unavailable: %v", err)
		id = "?"
	}
	fmt.Fprintf(w, "%s: %d bytes, %d byte sectors\n", id, dev.Size(), 1<<drv.BlockSizeLog2())
	if v.readOnly {
		return nil
	}
	for _, size := range []uint64{512, 4096} {
		if err := readBack(dev, size, size); err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: read-back of %d bytes at %#x ok\n", id, size, size)
	}
	return drv.Flush()
}

// readBack writes a pattern to [off, off+size), checks that it reads back
// and restores the previous content.
func readBack(dev block.Device, off, size uint64) error {
	if off+size > dev.Size() {
		return fmt.Errorf("device of %d bytes too small for %d bytes at %#x", dev.Size(), size, off)
	}
	saved := make([]byte, size)
	if _, err := dev.Read(saved, off); err != nil {
		return err
	}
	pattern := make([]byte, size)
	for i := range pattern {
		pattern[i] = byte(i*7 + int(size>>8))
	}
	if _, err := dev.Write(pattern, off); err != nil {
		return err
	}
	got := make([]byte, size)
	if _, err := dev.Read(got, off); err != nil {
		return err
	}
	if !bytes.Equal(got, pattern) {
		return fmt.Errorf("read-back of %d bytes at %#x returned different data", size, off)
	}
	_, err := dev.Write(saved, off)
	return err
}
