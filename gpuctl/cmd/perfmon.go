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
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/timeout"
)

// Perfmon implements subcommands.Command for the "perfmon" command.
type Perfmon struct {
	interval time.Duration
	count    int
	simLoad  uint

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Perfmon) Name() string {
	return "perfmon"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Perfmon) Synopsis() string {
	return "sample the PMU load"
}

// Usage implements subcommands.Command.Usage.
func (*Perfmon) Usage() string {
	return `perfmon [flags] - start PMU load sampling and print the load and its moving average.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Perfmon) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&p.interval, "interval", 100*time.Millisecond, "time between load samples.")
	f.IntVar(&p.count, "count", 10, "number of samples to take, 0 samples until interrupted.")
	f.UintVar(&p.simLoad, "sim-load", 0, "load reported by a simulated PMU, in tenths of a percent.")
}

// Execute implements subcommands.Command.Execute.
func (p *Perfmon) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if !conf.Perfmon {
		return Errorf("perfmon is disabled by --perfmon=false")
	}
	if p.out == nil {
		p.out = os.Stdout
	}
	if err := run(ctx, conf, p.sample); err != nil {
		return Errorf("perfmon: %v", err)
	}
	return subcommands.ExitSuccess
}

// sample sets up perfmon and prints count load samples.
func (p *Perfmon) sample(ctx context.Context, d *device) error {
	if d.sim != nil {
		d.sim.SetSample(uint16(p.simLoad))
	}
	d.pmu.SetSamplingEnabled(true)
	if err := d.pmu.SetupPerfmon(); err != nil {
		return err
	}
	dev := d.dev
	if err := timeout.Poll(dev.Clock(), dev.PollTimeout(), timeout.DefaultDelay, timeout.MaxDelay, func() (bool, error) {
		return d.pmu.PerfmonReady(), nil
	}); err != nil {
		return fmt.Errorf("waiting for perfmon INIT: %w", err)
	}
	if err := d.pmu.StartSampling(); err != nil {
		return err
	}
	defer func() {
		d.pmu.SetSamplingEnabled(false)
		if err := d.pmu.StopSampling(); err != nil {
			log.Warningf("Stopping perfmon sampling: %v", err)
		}
	}()

	fmt.Fprintf(p.out, "%-8s %8s %8s\n", "SAMPLE", "LOAD", "AVG")
	for i := 0; p.count == 0 || i < p.count; i++ {
		select {
		case <-ctx.Done():
			return nil
		case <-dev.Clock().After(p.interval):
		}
		if err := d.pmu.LoadUpdate(); err != nil {
			if errors.Is(err, gpuerr.ErrRPCTimeout) {
				log.Warningf("Load sample %d: %v", i, err)
				continue
			}
			return err
		}
		fmt.Fprintf(p.out, "%-8d %7d%% %7d%%\n", i, d.pmu.LoadNorm(), d.pmu.LoadAvg())
	}
	fmt.Fprintf(p.out, "%d perfmon events\n", d.pmu.EventsCount())
	return nil
}
