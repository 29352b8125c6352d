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

// Package cmd holds implementations of the svsm commands.
package cmd

import (
	"fmt"

	"github.com/cenkalti/backoff"
	"svsm.dev/svsm/pkg/block"
	"svsm.dev/svsm/pkg/cleanup"
	"svsm.dev/svsm/pkg/hal"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/shmem"
	"svsm.dev/svsm/svsm/config"
)

// machine is a booted platform together with the shared memory registry and
// the HAL built on it.
type machine struct {
	conf *config.Config
	p    platform.Platform
	reg  shmem.Allocator
	hal  *hal.ConfidentialHal
}

func newMachine(conf *config.Config) (*machine, error) {
	ctor, err := platform.Lookup(conf.Platform)
	if err != nil {
		return nil, err
	}
	opts, err := conf.PlatformOpts()
	if err != nil {
		return nil, err
	}
	p, err := ctor.New(opts)
	if err != nil {
		return nil, fmt.Errorf("creating platform %q: %w", conf.Platform, err)
	}
	cu := cleanup.Make(func() { _ = p.Close() })
	defer cu.Clean()

	reg, err := shmem.New(p, conf.ShmemOpts())
	if err != nil {
		return nil, fmt.Errorf("creating shared memory registry: %w", err)
	}
	log.Infof("Machine ready: platform %s, %s registry", conf.Platform, conf.ShmemBackend)

	cu.Release()
	return &machine{
		conf: conf,
		p:    p,
		reg:  reg,
		hal:  hal.New(p, reg),
	}, nil
}

// Close tears the machine down. It fails if shared memory is still live.
func (m *machine) Close() error {
	if st := m.reg.Stats(); st.Live != 0 {
		log.Warningf("Closing machine with %d live shared allocations (%d bytes)", st.Live, st.LiveBytes)
	}
	err := m.reg.Close()
	if perr := m.p.Close(); err == nil {
		err = perr
	}
	return err
}

// wrap applies the configured retry policy to dev.
func (m *machine) wrap(dev block.Device) block.Device {
	if m.conf.RetryMaxElapsed == 0 {
		return dev
	}
	maxElapsed := m.conf.RetryMaxElapsed
	return block.NewRetrying(dev, func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = maxElapsed
		return b
	})
}

// flash returns the configured flash device.
func (m *machine) flash() (block.Device, error) {
	if m.conf.FlashBase == 0 {
		return nil, fmt.Errorf("no flash device configured, set --flash-base")
	}
	f := block.NewPflash(m.p, m.p.GHCB(), hostarch.PhysAddr(m.conf.FlashBase), m.conf.FlashSize)
	return m.wrap(f), nil
}
