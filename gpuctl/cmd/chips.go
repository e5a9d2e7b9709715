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
	"gpuctl.dev/gpuctl/pkg/hal"
)

// Chips implements subcommands.Command for the "chips" command.
type Chips struct {
	out io.Writer
}

// Name implements subcommands.Command.Name.
func (*Chips) Name() string {
	return "chips"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Chips) Synopsis() string {
	return "print the supported chips"
}

// Usage implements subcommands.Command.Usage.
func (*Chips) Usage() string {
	return `chips - print the names accepted by --chip and the chip key of device configs.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Chips) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (c *Chips) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if c.out == nil {
		c.out = os.Stdout
	}
	for _, name := range hal.Names() {
		h, err := hal.ByName(name)
		if err != nil {
			return Errorf("%v", err)
		}
		fmt.Fprintf(c.out, "%-8s gpuid %#x, %s runlist registers, %d byte entries\n", h.Name, h.GPUID, h.Runlist, h.RunlistEntrySize)
	}
	return subcommands.ExitSuccess
}
