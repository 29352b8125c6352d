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

// Package cli is the main entrypoint for svsm.
package cli

import (
	"context"
	"io"
	"os"
	"runtime"
	"time"

	"github.com/google/subcommands"
	"svsm.dev/svsm/pkg/log"
	"svsm.dev/svsm/pkg/platform"
	"svsm.dev/svsm/svsm/cmd"
	"svsm.dev/svsm/svsm/cmd/util"
	"svsm.dev/svsm/svsm/config"
	"svsm.dev/svsm/svsm/flag"

	// Register the platforms.
	_ "svsm.dev/svsm/pkg/platform/emulated"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf("%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)

	var logFile io.Writer = os.Stderr
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{
			Command:   subcommand,
			Timestamp: time.Now(),
		})
		if err != nil {
			util.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
		logFile = f
		util.ErrorLogger = f
	}

	if _, err := platform.Lookup(conf.Platform); err != nil {
		util.Fatalf("%v", err)
	}

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	log.SetTarget(newEmitter(conf.LogFormat, logFile))

	const delimString = `**************** svsm ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")
	cb(new(cmd.Platforms), "")

	const deviceGroup = "devices"
	cb(new(cmd.Flash), deviceGroup)
	cb(new(cmd.VirtioBlk), deviceGroup)
	cb(new(cmd.RamDisk), deviceGroup)

	const debugGroup = "debug"
	cb(new(cmd.Stress), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	util.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
