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

package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
	"gpuctl.dev/gpuctl/pkg/gpu"
	"gpuctl.dev/gpuctl/pkg/hal"
)

// DefaultBARSize is the BAR0 size mapped when a device description does not
// set one.
const DefaultBARSize = 16 << 20

// Device describes the GPU gpuctl drives.
type Device struct {
	// Name identifies the device lock file. Defaults to Chip for the
	// simulator and to the BAR file name otherwise.
	Name string `toml:"name" yaml:"name"`

	// Chip is the HAL name of the simulated GPU. Ignored when BAR is set.
	Chip string `toml:"chip" yaml:"chip"`

	// BAR is the path of the BAR0 resource file, e.g.
	// /sys/bus/pci/devices/0000:01:00.0/resource0. The simulator is used
	// when it is empty.
	BAR string `toml:"bar" yaml:"bar"`

	// BARSize is the number of bytes of BAR to map.
	BARSize int `toml:"bar_size" yaml:"bar_size"`

	// Runlists are the runlist buffers available to the runlist command.
	Runlists []Runlist `toml:"runlist" yaml:"runlists"`
}

// Runlist describes the two buffers of one runlist.
type Runlist struct {
	ID uint32 `toml:"id" yaml:"id"`

	// Aperture is one of "sysmem", "sysmem-coh" or "vidmem".
	Aperture string `toml:"aperture" yaml:"aperture"`

	// Addrs are the GPU addresses of the two buffers.
	Addrs []uint64 `toml:"addrs" yaml:"addrs"`

	// Size is the size of each buffer in bytes.
	Size uint32 `toml:"size" yaml:"size"`
}

// Simulated runlist buffers used when no device description is given.
const (
	defaultRunlistAddr = 0x1_0000_0000
	defaultRunlistSize = 0x1000
)

// DefaultDevice returns the description of a simulated chip with one runlist.
func DefaultDevice(chip string) *Device {
	return &Device{
		Name: chip,
		Chip: chip,
		Runlists: []Runlist{{
			ID:       0,
			Aperture: gpu.ApertureSysmem.String(),
			Addrs:    []uint64{defaultRunlistAddr, defaultRunlistAddr + defaultRunlistSize},
			Size:     defaultRunlistSize,
		}},
	}
}

// Device returns the device c selects: the file named by DeviceConfig, or
// the simulated Chip.
func (c *Config) Device() (*Device, error) {
	if c.DeviceConfig == "" {
		d := DefaultDevice(c.Chip)
		if err := d.validate(); err != nil {
			return nil, err
		}
		return d, nil
	}
	return LoadDevice(c.DeviceConfig)
}

// LoadDevice reads a device description. The format is chosen by the file
// extension: .toml, .yaml or .yml.
func LoadDevice(path string) (*Device, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading device config: %w", err)
	}
	d := &Device{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		md, err := toml.Decode(string(data), d)
		if err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parsing %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(d); err != nil {
			return nil, fmt.Errorf("parsing %q: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("device config %q: unknown format %q", path, ext)
	}
	if err := d.validate(); err != nil {
		return nil, fmt.Errorf("device config %q: %w", path, err)
	}
	return d, nil
}

func (d *Device) validate() error {
	if d.BAR == "" {
		if d.Chip == "" {
			return fmt.Errorf("one of bar or chip must be set")
		}
		if _, err := hal.ByName(d.Chip); err != nil {
			return fmt.Errorf("chip %q: %w", d.Chip, err)
		}
	}
	if d.BARSize == 0 {
		d.BARSize = DefaultBARSize
	}
	if d.BARSize < 0 {
		return fmt.Errorf("invalid bar_size %d", d.BARSize)
	}
	if d.Name == "" {
		if d.BAR != "" {
			d.Name = filepath.Base(filepath.Dir(d.BAR))
		} else {
			d.Name = d.Chip
		}
	}
	seen := make(map[uint32]bool)
	for i := range d.Runlists {
		r := &d.Runlists[i]
		if seen[r.ID] {
			return fmt.Errorf("runlist %d listed twice", r.ID)
		}
		seen[r.ID] = true
		if len(r.Addrs) != 2 {
			return fmt.Errorf("runlist %d: want 2 buffer addresses, got %d", r.ID, len(r.Addrs))
		}
		if r.Size == 0 {
			return fmt.Errorf("runlist %d: zero buffer size", r.ID)
		}
		if _, err := r.aperture(); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runlist) aperture() (gpu.Aperture, error) {
	for _, ap := range []gpu.Aperture{gpu.ApertureSysmem, gpu.ApertureSysmemCoh, gpu.ApertureVidmem} {
		if r.Aperture == ap.String() {
			return ap, nil
		}
	}
	return gpu.ApertureInvalid, fmt.Errorf("runlist %d: invalid aperture %q", r.ID, r.Aperture)
}

// Buffers allocates the CPU views of the two buffers of r.
func (r *Runlist) Buffers() ([2]*gpu.Mem, error) {
	var mem [2]*gpu.Mem
	ap, err := r.aperture()
	if err != nil {
		return mem, err
	}
	for i := range mem {
		mem[i] = &gpu.Mem{
			Aperture: ap,
			Addr:     r.Addrs[i],
			Data:     make([]byte, r.Size),
		}
	}
	return mem, nil
}

// LockPath returns the path of the lock file that serializes access to d.
func (d *Device) LockPath(root string) string {
	return filepath.Join(root, d.Name+".lock")
}
