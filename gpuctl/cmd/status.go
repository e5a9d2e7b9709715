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
	"strconv"

	"github.com/google/subcommands"
	"github.com/olekukonko/tablewriter"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/metric"
)

// Status implements subcommands.Command for the "status" command.
type Status struct {
	format string

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Status) Name() string {
	return "status"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Status) Synopsis() string {
	return "print the state of the GPU and its PMU"
}

// Usage implements subcommands.Command.Usage.
func (*Status) Usage() string {
	return `status [flags] - print the state of the GPU and its PMU.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Status) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.format, "format", "table", "output format: table (default) or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (s *Status) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.format != "table" && s.format != "prometheus" {
		return Errorf("invalid format %q", s.format)
	}
	conf := args[0].(*config.Config)
	if s.out == nil {
		s.out = os.Stdout
	}
	if err := run(ctx, conf, s.print); err != nil {
		return Errorf("status: %v", err)
	}
	return subcommands.ExitSuccess
}

func (s *Status) print(_ context.Context, d *device) error {
	if s.format == "prometheus" {
		return metric.WriteText(s.out)
	}
	dev := d.dev
	table := tablewriter.NewWriter(s.out)
	table.SetHeader([]string{"Property", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	for _, row := range [][]string{
		{"Device", d.desc.Name},
		{"Chip", dev.HAL.Name},
		{"GPU ID", fmt.Sprintf("%#x", dev.GPUID())},
		{"Runlist layout", dev.HAL.Runlist.String()},
		{"Powered on", strconv.FormatBool(dev.PoweredOn())},
		{"PMU ready", strconv.FormatBool(d.pmu.Ready())},
		{"DMEM free", strconv.FormatUint(uint64(d.pmu.DMEMAvailable()), 10)},
		{"Outstanding commands", strconv.Itoa(d.pmu.OutstandingCommands())},
		{"Perfmon ready", strconv.FormatBool(d.pmu.PerfmonReady())},
		{"Load average", fmt.Sprintf("%d%%", d.pmu.LoadAvg())},
		{"Poll timeout", dev.PollTimeout().String()},
		{"GR idle timeout", dev.GRIdleTimeout().String()},
	} {
		table.Append(row)
	}
	table.Render()
	return nil
}
