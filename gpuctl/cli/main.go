// Copyright 2024 The gVisor Authors.
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

// Package cli is the main entrypoint for gpuctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"gpuctl.dev/gpuctl/gpuctl/cmd"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	os.Exit(int(execute()))
}

// execute parses the command line and runs the selected command. The log
// file is closed before it returns.
func execute() subcommands.ExitStatus {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		fatalf("%v", err)
	}

	closeLog, err := setupLog(conf)
	if err != nil {
		fatalf("%v", err)
	}
	defer func() {
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "closing log file %q: %v\n", conf.LogFilename, err)
		}
	}()

	log.Infof("***************************")
	log.Infof("Args: %s", os.Args)
	log.Infof("PID: %d", os.Getpid())
	log.Infof("Configuration:")
	log.Infof("\t\tRootDir: %s", conf.RootDir)
	log.Infof("\t\tDeviceConfig: %q, Chip: %s", conf.DeviceConfig, conf.Chip)
	log.Infof("\t\tFlags: %s", conf.ToFlags())
	log.Infof("***************************")

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()
	subcmdCode := subcommands.Execute(ctx, conf)
	log.Infof("Exiting with status: %v", subcmdCode)
	return subcmdCode
}

// setupLog points the global logger at the destination selected by conf.
// closeLog releases the log file, if any.
func setupLog(conf *config.Config) (closeLog func() error, err error) {
	var w io.Writer = os.Stderr
	closeLog = func() error { return nil }
	if conf.LogFilename != "" {
		f, err := log.OpenFile(conf.LogFilename, log.FileOpts{MaxSizeMB: conf.LogMaxSizeMB, MaxBackups: 3})
		if err != nil {
			return nil, fmt.Errorf("error opening log file %q: %w", conf.LogFilename, err)
		}
		w = f
		closeLog = f.Close
	}
	level := log.Info
	if conf.Debug {
		level = log.Debug
	}
	l, err := log.New(w, conf.LogFormat, level)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("error creating logger: %w", err)
	}
	log.SetTarget(l)
	return closeLog, nil
}

// forEachCmd invokes the passed callback for each command supported by gpuctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.Chips), "")

	const deviceGroup = "device"
	cb(new(cmd.Load), deviceGroup)
	cb(new(cmd.Perfmon), deviceGroup)
	cb(new(cmd.Runlist), deviceGroup)
	cb(new(cmd.Status), deviceGroup)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(128)
}
