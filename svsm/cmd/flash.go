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
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"svsm.dev/svsm/pkg/block"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/svsm/cmd/util"
	"svsm.dev/svsm/svsm/config"
	"svsm.dev/svsm/svsm/flag"
)

// Flash implements subcommands.Command for the "flash" command.
type Flash struct{}

// Name implements subcommands.Command.Name.
func (*Flash) Name() string {
	return "flash"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Flash) Synopsis() string {
	return "exercise the flash device through the shared mapping window"
}

// Usage implements subcommands.Command.Usage.
func (*Flash) Usage() string {
	return `flash - read, write and read back the flash device.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Flash) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Flash) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
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

	dev, err := m.flash()
	if err != nil {
		return util.Errorf("%v", err)
	}
	if err := flashDemo(os.Stdout, dev); err != nil {
		return util.Errorf("flash: %v", err)
	}
	return subcommands.ExitSuccess
}

func flashDemo(w io.Writer, dev block.Device) error {
	if dev.Size() < 2*hostarch.PageSize {
		return fmt.Errorf("flash of %d bytes is too small, need two pages", dev.Size())
	}
	buf := make([]byte, 32)
	if err := readAt(w, dev, buf, 0); err != nil {
		return err
	}
	if err := writeAt(w, dev, []byte{0xcc, 0xaa, 0xbb}, 0); err != nil {
		return err
	}
	if err := readAt(w, dev, buf, 0); err != nil {
		return err
	}

	// Straddle the first page boundary.
	if err := writeAt(w, dev, []byte{0x55, 0x66, 0x77}, hostarch.PageSize-1); err != nil {
		return err
	}
	return readAt(w, dev, make([]byte, 8), hostarch.PageSize-4)
}

func readAt(w io.Writer, dev block.Device, buf []byte, off uint64) error {
	n, err := dev.Read(buf, off)
	if err != nil {
		return fmt.Errorf("read %d bytes at %#x: %w", len(buf), off, err)
	}
	log.Debugf("Read %d bytes at %#x", n, off)
	fmt.Fprintf(w, "read  %#x: % x\n", off, buf[:n])
	return nil
}

func writeAt(w io.Writer, dev block.Device, buf []byte, off uint64) error {
	n, err := dev.Write(buf, off)
	if err != nil {
		return fmt.Errorf("write %d bytes at %#x: %w", len(buf), off, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write at %#x: %d of %d bytes", off, n, len(buf))
	}
	fmt.Fprintf(w, "write %#x: % x\n", off, buf)
	return nil
}
