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

package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"svsm.dev/svsm/pkg/shmem"
	"svsm.dev/svsm/svsm/flag"
)

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path of a TOML or YAML (.yaml, .yml) file with further settings. Flags given on the command line take precedence.")

	// Debugging flags.
	flagSet.Bool("debug", false, "enable debug logging.")
	flagSet.String("log", "", "file path where internal debug information is written, default is stderr.")
	flagSet.String("log-format", "text", "log format: text (default) or json.")

	// Flags that describe the machine.
	flagSet.String("platform", "emulated", "specifies which platform to use: emulated (default).")
	flagSet.Uint64("ram-size", 16<<20, "size of guest RAM in bytes.")
	flagSet.Uint64("flash-base", 0xffc0_0000, "physical base address of the flash device, 0 for none.")
	flagSet.Uint64("flash-size", 0x10_000, "size of the flash device in bytes.")
	flagSet.String("flash-image", "", "file holding the initial flash content.")
	flagSet.String("virtio-mmio", "0xfef00000", "comma-separated list of virtio-mmio register page addresses.")
	flagSet.String("disk-image", "", "file backing the first virtio block device.")
	flagSet.Uint64("disk-size", 1<<20, "size in bytes of virtio block devices without an image.")

	// Flags that control the shared memory subsystem.
	flagSet.String("shmem-backend", shmem.BackendPageList, "shared page registry backend: pagelist (default) or heap.")
	flagSet.Uint64("heap-size", shmem.DefaultHeapSize, "size in bytes of the shared heap used by the heap backend.")
	flagSet.Duration("retry-max-elapsed", 0, "time to keep retrying failed block transfers, 0 disables retries.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags and, if --config is set, the configuration file.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}
	conf.setFromFlags(flagSet, nil)

	if conf.ConfigFile != "" {
		if err := conf.decodeFile(conf.ConfigFile); err != nil {
			return nil, fmt.Errorf("reading config file %q: %w", conf.ConfigFile, err)
		}
		// Flags given explicitly win over the file.
		set := make(map[string]bool)
		flagSet.Visit(func(f *flag.Flag) { set[f.Name] = true })
		conf.setFromFlags(flagSet, set)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// decodeFile overlays the settings in path on c. Files ending in .yaml or
// .yml are YAML, anything else is TOML. Unknown keys are an error.
func (c *Config) decodeFile(path string) error {
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return err
		}
		return nil
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("unknown keys %v", undecoded)
		}
		return nil
	}
}

// setFromFlags copies flag values into the fields of c. If only is not nil,
// only the named flags are copied.
func (c *Config) setFromFlags(flagSet *flag.FlagSet, only map[string]bool) {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if only != nil && !only[name] {
			continue
		}
		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		x := reflect.ValueOf(flag.Get(fl.Value))
		obj.Field(i).Set(x)
	}
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		f := st.Field(i)
		name, ok := f.Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		val := getVal(obj.Field(i))

		flag := flagSet.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == flag.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", flag.Name, val))
	}
	return rv
}

func getVal(field reflect.Value) string {
	if d, ok := field.Interface().(time.Duration); ok {
		return d.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
