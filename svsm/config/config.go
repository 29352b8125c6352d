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

// Package config provides basic infrastructure to set configuration settings
// for svsm. Each setting is a command line flag, and may also be read from a
// TOML or YAML configuration file given with --config. Flags set on the
// command line take precedence over the file.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"svsm.dev/svsm/pkg/errors/svsmerr"
	"svsm.dev/svsm/pkg/hostarch"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/pkg/shmem"
)

// Config holds configuration that is not part of any single command.
//
// Follow these steps to add a new flag:
//  1. Create a new field in Config with flag, toml and yaml tags.
//  2. Add a flag with the same name in flags.go::RegisterFlags().
//  3. Check that the field is validated in validate() if needed.
type Config struct {
	// ConfigFile is the path of a TOML or YAML file holding further settings.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug" toml:"debug" yaml:"debug"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format" toml:"log-format" yaml:"log-format"`

	// Platform is the platform to run on.
	Platform string `flag:"platform" toml:"platform" yaml:"platform"`

	// RAMSize is the size of guest RAM in bytes.
	RAMSize uint64 `flag:"ram-size" toml:"ram-size" yaml:"ram-size"`

	// ShmemBackend selects the shared page registry backend.
	ShmemBackend string `flag:"shmem-backend" toml:"shmem-backend" yaml:"shmem-backend"`

	// HeapSize is the size of the shared heap, used by the heap backend.
	HeapSize uint64 `flag:"heap-size" toml:"heap-size" yaml:"heap-size"`

	// FlashBase is the physical base of the flash device. Zero means no
	// flash device.
	FlashBase uint64 `flag:"flash-base" toml:"flash-base" yaml:"flash-base"`

	// FlashSize is the size of the flash device.
	FlashSize uint64 `flag:"flash-size" toml:"flash-size" yaml:"flash-size"`

	// FlashImage is a file holding the initial flash content.
	FlashImage string `flag:"flash-image" toml:"flash-image" yaml:"flash-image"`

	// VirtioMMIO is a comma separated list of virtio-mmio register page
	// addresses.
	VirtioMMIO string `flag:"virtio-mmio" toml:"virtio-mmio" yaml:"virtio-mmio"`

	// DiskImage backs the first virtio block device.
	DiskImage string `flag:"disk-image" toml:"disk-image" yaml:"disk-image"`

	// DiskSize is the size of virtio block devices without an image.
	DiskSize uint64 `flag:"disk-size" toml:"disk-size" yaml:"disk-size"`

	// RetryMaxElapsed bounds the time spent retrying a failed block
	// transfer. Zero disables retries.
	RetryMaxElapsed time.Duration `flag:"retry-max-elapsed" toml:"retry-max-elapsed" yaml:"retry-max-elapsed"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if _, err := platform.Lookup(c.Platform); err != nil {
		return err
	}
	switch c.ShmemBackend {
	case shmem.BackendPageList, shmem.BackendHeap:
	default:
		return fmt.Errorf("invalid shared memory backend %q, must be %q or %q", c.ShmemBackend, shmem.BackendPageList, shmem.BackendHeap)
	}
	if c.RAMSize == 0 || c.RAMSize%hostarch.PageSize != 0 {
		return fmt.Errorf("ram-size %#x must be a non-zero multiple of the page size", c.RAMSize)
	}
	if c.HeapSize%hostarch.PageSize != 0 {
		return fmt.Errorf("heap-size %#x must be a multiple of the page size", c.HeapSize)
	}
	if c.FlashBase != 0 {
		if c.FlashBase%hostarch.PageSize != 0 || c.FlashSize == 0 || c.FlashSize%hostarch.PageSize != 0 {
			return fmt.Errorf("flash [%#x, +%#x) must be page aligned and non-empty", c.FlashBase, c.FlashSize)
		}
		if c.FlashBase < c.RAMSize {
			return fmt.Errorf("flash-base %#x overlaps RAM", c.FlashBase)
		}
	}
	bases, err := c.VirtioBases()
	if err != nil {
		return err
	}
	if len(bases) > 0 && c.DiskImage == "" && c.DiskSize == 0 {
		return fmt.Errorf("virtio-mmio devices need disk-image or disk-size")
	}
	if c.RetryMaxElapsed < 0 {
		return fmt.Errorf("retry-max-elapsed %v must not be negative", c.RetryMaxElapsed)
	}
	return nil
}

// VirtioBases parses VirtioMMIO.
func (c *Config) VirtioBases() ([]hostarch.PhysAddr, error) {
	if c.VirtioMMIO == "" {
		return nil, nil
	}
	var bases []hostarch.PhysAddr
	for _, s := range strings.Split(c.VirtioMMIO, ",") {
		v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: virtio-mmio address %q: %v", svsmerr.ErrInvalidArgument, s, err)
		}
		pa := hostarch.PhysAddr(v)
		if !pa.IsPageAligned() {
			return nil, fmt.Errorf("%w: virtio-mmio address %v is not page aligned", svsmerr.ErrInvalidArgument, pa)
		}
		bases = append(bases, pa)
	}
	return bases, nil
}

// PlatformOpts returns the machine description for the platform.
func (c *Config) PlatformOpts() (platform.Opts, error) {
	opts := platform.Opts{RAMSize: c.RAMSize}
	if c.FlashBase != 0 {
		opts.Flash = &platform.FlashOpts{
			Base:  hostarch.PhysAddr(c.FlashBase),
			Size:  c.FlashSize,
			Image: c.FlashImage,
		}
	}
	bases, err := c.VirtioBases()
	if err != nil {
		return platform.Opts{}, err
	}
	for i, base := range bases {
		v := platform.VirtioBlkOpts{Base: base, Size: c.DiskSize}
		if i == 0 {
			v.Image = c.DiskImage
		}
		opts.VirtioBlk = append(opts.VirtioBlk, v)
	}
	return opts, nil
}

// ShmemOpts returns the shared page registry options.
func (c *Config) ShmemOpts() shmem.Opts {
	return shmem.Opts{Backend: c.ShmemBackend, HeapSize: c.HeapSize}
}

// Log logs important aspects of the configuration to the given log function.
func (c *Config) Log() {
	log.Infof("Config.ConfigFile: %q", c.ConfigFile)
	log.Infof("Config.Platform: %s", c.Platform)
	log.Infof("Config.RAMSize: %#x", c.RAMSize)
	log.Infof("Config.ShmemBackend: %s (heap %#x)", c.ShmemBackend, c.HeapSize)
	log.Infof("Config.Flash: base %#x size %#x image %q", c.FlashBase, c.FlashSize, c.FlashImage)
	log.Infof("Config.VirtioMMIO: %q (image %q, size %#x)", c.VirtioMMIO, c.DiskImage, c.DiskSize)
	log.Infof("Config.RetryMaxElapsed: %v", c.RetryMaxElapsed)
	log.Infof("Config.Debug: %t", c.Debug)
}
