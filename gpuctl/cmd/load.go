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

package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/pmu"
)

// Load implements subcommands.Command for the "load" command.
type Load struct {
	reset bool

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Load) Name() string {
	return "load"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Load) Synopsis() string {
	return "print the PMU idle counters"
}

// Usage implements subcommands.Command.Usage.
func (*Load) Usage() string {
	return `load [flags] - program the PMU idle counters and print the busy and total cycles.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (l *Load) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&l.reset, "reset", false, "reset the raw counters after reading them.")
}

// Execute implements subcommands.Command.Execute.
func (l *Load) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if l.out == nil {
		l.out = os.Stdout
	}
	if err := run(ctx, conf, l.print); err != nil {
		return Errorf("load: %v", err)
	}
	return subcommands.ExitSuccess
}

func (l *Load) print(_ context.Context, d *device) error {
	d.pmu.InitPerfmonCounter()
	busy, total := d.pmu.LoadCounters()
	norm := d.pmu.BusyCyclesNorm()
	fmt.Fprintf(l.out, "busy cycles:  %d\n", busy)
	fmt.Fprintf(l.out, "total cycles: %d\n", total)
	fmt.Fprintf(l.out, "busy norm:    %d/%d\n", norm, pmu.BusyCyclesNormMax)
	if l.reset {
		d.pmu.ResetLoadCounters()
	}
	return nil
}
