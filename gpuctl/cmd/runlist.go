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
	"strings"

	"github.com/google/subcommands"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/runlist"
)

// Runlist implements subcommands.Command for the "runlist" command.
type Runlist struct {
	timesliceScale   uint
	timesliceTimeout uint
	simPendingPolls  int

	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Runlist) Name() string {
	return "runlist"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Runlist) Synopsis() string {
	return "submit a runlist to the hardware"
}

// Usage implements subcommands.Command.Usage.
func (*Runlist) Usage() string {
	return `runlist [flags] <runlist id> [entry...] - write entries to the inactive buffer of a runlist, submit it and wait for the hardware to load it.

Entries are "tsg:<id>:<channels>" for a TSG header followed by <channels>
channel entries, or "ch:<id>[:<subctx>]" for a channel. No entries submits
an empty runlist.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Runlist) SetFlags(f *flag.FlagSet) {
	f.UintVar(&r.timesliceScale, "timeslice-scale", 3, "timeslice scale of TSG entries.")
	f.UintVar(&r.timesliceTimeout, "timeslice-timeout", 128, "timeslice timeout of TSG entries.")
	f.IntVar(&r.simPendingPolls, "sim-pending-polls", 0, "status reads for which a simulated GPU reports the runlist pending, -1 for ever.")
}

// Execute implements subcommands.Command.Execute.
func (r *Runlist) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() < 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	id, err := strconv.ParseUint(f.Arg(0), 0, 32)
	if err != nil {
		return Errorf("invalid runlist id %q: %v", f.Arg(0), err)
	}
	entries, err := r.parseEntries(f.Args()[1:])
	if err != nil {
		return Errorf("%v", err)
	}
	conf := args[0].(*config.Config)
	if r.out == nil {
		r.out = os.Stdout
	}
	err = run(ctx, conf, func(_ context.Context, d *device) error {
		return r.submit(d, uint32(id), entries)
	})
	if err != nil {
		return Errorf("runlist: %v", err)
	}
	return subcommands.ExitSuccess
}

func (r *Runlist) submit(d *device, id uint32, entries []runlist.Entry) error {
	var desc *config.Runlist
	for i := range d.desc.Runlists {
		if d.desc.Runlists[i].ID == id {
			desc = &d.desc.Runlists[i]
		}
	}
	if desc == nil {
		return fmt.Errorf("device %q has no buffers for runlist %d", d.desc.Name, id)
	}
	mem, err := desc.Buffers()
	if err != nil {
		return err
	}
	if d.sim != nil {
		d.sim.SetRunlistPendingPolls(r.simPendingPolls)
	}

	s := runlist.New(d.dev, d.pmu)
	rl, err := s.Add(id, mem)
	if err != nil {
		return err
	}
	if err := s.Update(id, entries); err != nil {
		return err
	}
	fmt.Fprintf(r.out, "runlist %d: %d entries loaded from buffer %d at %#x\n", id, rl.Count(), rl.Active(), mem[rl.Active()].Addr)
	return nil
}

// parseEntries parses runlist entries in the syntax described by Usage.
func (r *Runlist) parseEntries(args []string) ([]runlist.Entry, error) {
	var entries []runlist.Entry
	for _, arg := range args {
		fields := strings.Split(arg, ":")
		nums := make([]uint32, len(fields)-1)
		for i, s := range fields[1:] {
			v, err := strconv.ParseUint(s, 0, 32)
			if err != nil {
				return nil, fmt.Errorf("runlist entry %q: %v", arg, err)
			}
			nums[i] = uint32(v)
		}
		switch {
		case fields[0] == "tsg" && len(nums) == 2:
			entries = append(entries, runlist.Entry{
				TSG:              true,
				ID:               nums[0],
				TimesliceScale:   uint32(r.timesliceScale),
				TimesliceTimeout: uint32(r.timesliceTimeout),
				TSGLength:        nums[1],
			})
		case fields[0] == "ch" && len(nums) == 1:
			entries = append(entries, runlist.Entry{ID: nums[0]})
		case fields[0] == "ch" && len(nums) == 2:
			entries = append(entries, runlist.Entry{ID: nums[0], SubctxID: nums[1]})
		default:
			return nil, fmt.Errorf("invalid runlist entry %q", arg)
		}
	}
	return entries, nil
}
