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

package mmio

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
	"gpuctl.dev/gpuctl/pkg/log"
)

// BAR is a memory-mapped PCI BAR, typically a sysfs resource0 file.
type BAR struct {
	f    *os.File
	mem  []byte
	irq  chan struct{}
	stop chan struct{}
}

// OpenBAR maps size bytes of the resource file at path.
func OpenBAR(path string, size int) (*BAR, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping %q: %w", path, err)
	}
	log.Debugf("Mapped %d bytes of %q", size, path)
	return &BAR{
		f:    f,
		mem:  mem,
		irq:  make(chan struct{}, 1),
		stop: make(chan struct{}),
	}, nil
}

// Read32 implements Registers.Read32.
func (b *BAR) Read32(off uint32) uint32 {
	if !b.inRange(off) {
		log.Warningf("MMIO read outside BAR: %#x", off)
		return BadRead
	}
	return b.load(off)
}

// Write32 implements Registers.Write32.
func (b *BAR) Write32(off uint32, val uint32) {
	if !b.inRange(off) {
		log.Warningf("MMIO write outside BAR: %#x = %#x", off, val)
		return
	}
	b.store(off, val)
}

func (b *BAR) inRange(off uint32) bool {
	return off%4 == 0 && uint64(off)+4 <= uint64(len(b.mem))
}

// PollInterrupts signals Interrupts every interval until Close. A BAR mapped
// from userspace has no interrupt line, so the PMU message queue is polled
// instead.
func (b *BAR) PollInterrupts(interval time.Duration) {
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				select {
				case b.irq <- struct{}{}:
				default:
				}
			case <-b.stop:
				return
			}
		}
	}()
}

// Interrupts returns the channel signalled by PollInterrupts.
func (b *BAR) Interrupts() <-chan struct{} {
	return b.irq
}

// Close unmaps the BAR.
func (b *BAR) Close() error {
	close(b.stop)
	err := unix.Munmap(b.mem)
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	return err
}
