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
	"svsm.dev/svsm/svsm/cmd/util"
	"svsm.dev/svsm/svsm/flag"
)

// RamDisk implements subcommands.Command for the "ramdisk" command.
type RamDisk struct{}

// Name implements subcommands.Command.Name.
func (*RamDisk) Name() string {
	return "ramdisk"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*RamDisk) Synopsis() string {
	return "run the block device contract on an in-memory disk"
}

// Usage implements subcommands.Command.Usage.
func (*RamDisk) Usage() string {
	return `ramdisk - write into and read from a six byte RAM disk.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*RamDisk) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*RamDisk) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := ramDiskDemo(os.Stdout); err != nil {
		return util.Errorf("ramdisk: %v", err)
	}
	return subcommands.ExitSuccess
}

func ramDiskDemo(w io.Writer) error {
	dev := block.NewRamDiskFromContent([]byte{0, 1, 2, 3, 4, 5})
	fmt.Fprintf(w, "size %d\n", dev.Size())
	if err := writeAt(w, dev, []byte{20, 21, 22}, 2); err != nil {
		return err
	}
	if err := readAt(w, dev, make([]byte, 5), 1); err != nil {
		return err
	}
	// Reads past the end are truncated.
	return readAt(w, dev, make([]byte, 4), 4)
}
