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

// Package cmd holds implementations of the gpuctl commands.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"gpuctl.dev/gpuctl/gpuctl/config"
	"gpuctl.dev/gpuctl/pkg/errors/gpuerr"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/log"
	"gpuctl.dev/gpuctl/pkg/mmio"
	"gpuctl.dev/gpuctl/pkg/pmu"
	"gpuctl.dev/gpuctl/pkg/sim"
)

// Errorf logs an error and returns subcommands.ExitFailure.
func Errorf(format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "gpuctl: %s\n", msg)
	return subcommands.ExitFailure
}

// device is an opened GPU and its PMU. The device lock is held until close.
type device struct {
	desc *config.Device
	dev  *gpu.Device
	pmu  *pmu.PMU

	// sim is set when the GPU is simulated.
	sim *sim.GPU
	// bar is set when the GPU is mapped from a BAR resource file.
	bar  *mmio.BAR
	lock *flock.Flock
}

// openDevice locks and opens the device selected by conf.
func openDevice(conf *config.Config) (*device, error) {
	desc, err := conf.Device()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(conf.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating root dir %q: %w", conf.RootDir, err)
	}
	lock := flock.New(desc.LockPath(conf.RootDir))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %q: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("device %q is in use, lock %q is held: %w", desc.Name, lock.Path(), gpuerr.ErrBusy)
	}
	d := &device{desc: desc, lock: lock}

	opts := gpu.Options{
		Features:      conf.Features(),
		PollTimeout:   conf.PollTimeout,
		GRIdleTimeout: conf.GRIdleTimeout,
	}
	if desc.BAR == "" {
		g, err := sim.New(sim.Options{Chip: desc.Chip})
		if err != nil {
			d.close()
			return nil, err
		}
		d.sim = g
		opts.Regs = g
		opts.Interrupts = g.Interrupts()
		opts.Power = g
	} else {
		bar, err := mmio.OpenBAR(desc.BAR, desc.BARSize)
		if err != nil {
			d.close()
			return nil, err
		}
		d.bar = bar
		bar.PollInterrupts(conf.InterruptPoll)
		opts.Regs = bar
		opts.Interrupts = bar.Interrupts()
	}
	dev, err := gpu.New(opts)
	if err != nil {
		d.close()
		return nil, err
	}
	d.dev = dev
	d.pmu = pmu.New(dev)
	log.Infof("Opened device %q (%s)", desc.Name, dev.HAL.Name)
	return d, nil
}

// start runs the PMU interrupt loop under g until pumpCtx is done and waits
// for the PMU INIT message. A simulated PMU is booted first.
func (d *device) start(ctx, pumpCtx context.Context, g *errgroup.Group) error {
	g.Go(func() error {
		return d.pmu.Serve(pumpCtx)
	})
	if d.sim != nil {
		d.sim.Boot()
	}
	if err := d.pmu.WaitReady(ctx); err != nil {
		return fmt.Errorf("starting PMU: %w", err)
	}
	return nil
}

func (d *device) close() {
	if d.bar != nil {
		if err := d.bar.Close(); err != nil {
			log.Warningf("Closing BAR: %v", err)
		}
	}
	if err := d.lock.Unlock(); err != nil {
		log.Warningf("Releasing %q: %v", d.lock.Path(), err)
	}
}

// run opens the device, starts its PMU and calls fn. The PMU interrupt loop
// keeps running after ctx is cancelled so that fn can stop firmware work, and
// is stopped once fn returns. Responses still queued then are drained before
// run returns.
func run(ctx context.Context, conf *config.Config, fn func(context.Context, *device) error) error {
	d, err := openDevice(conf)
	if err != nil {
		return err
	}
	defer d.close()

	pumpCtx, stopPump := context.WithCancel(context.WithoutCancel(ctx))
	g, pumpCtx := errgroup.WithContext(pumpCtx)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(pumpCtx, cancel)
	defer stop()
	g.Go(func() error {
		defer stopPump()
		if err := d.start(ctx, pumpCtx, g); err != nil {
			return err
		}
		return fn(ctx, d)
	})
	err = g.Wait()
	if d.pmu.Ready() {
		if perr := d.pmu.ProcessMessages(); perr != nil {
			log.Warningf("Draining PMU messages: %v", perr)
		}
	}
	return err
}
