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
	"golang.org/x/sync/errgroup"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/svsm/cmd/util"
	"svsm.dev/svsm/svsm/config"
	"svsm.dev/svsm/svsm/flag"
)

// Stress implements subcommands.Command for the "stress" command.
type Stress struct {
	workers    int
	iterations int
}

// Name implements subcommands.Command.Name.
func (*Stress) Name() string {
	return "stress"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stress) Synopsis() string {
	return "hammer the HAL from concurrent goroutines"
}

// Usage implements subcommands.Command.Usage.
func (*Stress) Usage() string {
	return `stress [flags] - run concurrent DMA and bounce buffer cycles.

The shared memory registry must be empty once all workers are done.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stress) SetFlags(f *flag.FlagSet) {
	f.IntVar(&s.workers, "workers", 8, "number of concurrent workers.")
	f.IntVar(&s.iterations, "iterations", 100, "cycles per worker.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stress) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 || s.workers <= 0 || s.iterations < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	m, err := newMachine(conf)
	if err != nil {
		return util.Errorf("%v", err)
	}
	defer m.Close()

	if err := s.run(ctx, os.Stdout, m); err != nil {
		return util.Errorf("stress: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Stress) run(ctx context.Context, w io.Writer, m *machine) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.workers; i++ {
		worker := i
		g.Go(func() error {
			for n := 0; n < s.iterations; n++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := dmaCycle(m.hal, worker, n); err != nil {
					return err
				}
				if err := shareCycle(m.hal, worker, n); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	st := m.reg.Stats()
	log.Infof("Stress done: %d allocations, %d frees, %d live", st.Allocs, st.Frees, st.Live)
	if st.Live != 0 {
		return fmt.Errorf("registry not empty after stress: %+v", st)
	}
	fmt.Fprintf(w, "%d workers x %d iterations: %d allocations, registry empty\n", s.workers, s.iterations, st.Allocs)
	return nil
}

func dmaCycle(h hal.Hal, worker, n int) error {
	pa, buf, err := h.DMAAlloc(1, hal.Both)
	if err != nil {
		return fmt.Errorf("worker %d: DMAAlloc: %w", worker, err)
	}
	defer h.DMADealloc(pa, buf, 1)
	for _, b := range buf {
		if b != 0 {
			return fmt.Errorf("worker %d: DMA page %v not zeroed", worker, pa)
		}
	}
	buf[0] = byte(worker)
	buf[len(buf)-1] = byte(n)
	return nil
}

func shareCycle(h hal.Hal, worker, n int) error {
	size := 1 + (worker*131+n*17)%hostarch.PageSize
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(worker + n + i)
	}
	want := bytes.Clone(buf)
	pa, err := h.Share(buf, hal.Both)
	if err != nil {
		return fmt.Errorf("worker %d: Share of %d bytes: %w", worker, size, err)
	}
	h.Unshare(pa, buf, hal.Both)
	if !bytes.Equal(buf, want) {
		return fmt.Errorf("worker %d: bounce buffer at %v changed the data", worker, pa)
	}
	return nil
}
