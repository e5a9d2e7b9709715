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
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gpuctl.dev/gpuctl/pkg/gpu"
)

func TestDefault(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	// "--root" is always set to something different than the default. Reset it
	// to make it easier to test that default values do not generate flags.
	c.RootDir = ""

	// All defaults doesn't require setting flags.
	flags := c.ToFlags()
	if len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	for name, val := range map[string]string{
		"root":         "some-path",
		"debug":        "true",
		"chip":         "gm20b",
		"poll-timeout": "250ms",
		"timeouts":     "false",
	} {
		if err := testFlags.Set(name, val); err != nil {
			t.Errorf("Flag set %q: %v", name, err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "some-path"; c.RootDir != want {
		t.Errorf("RootDir=%v, want: %v", c.RootDir, want)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := "gm20b"; c.Chip != want {
		t.Errorf("Chip=%v, want: %v", c.Chip, want)
	}
	if want := 250 * time.Millisecond; c.PollTimeout != want {
		t.Errorf("PollTimeout=%v, want: %v", c.PollTimeout, want)
	}
	if diff := cmp.Diff([]gpu.Feature{gpu.PMUPerfmon}, c.Features()); diff != "" {
		t.Errorf("Features() mismatch (-want +got):\n%s", diff)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	testFlags.Set("root", "some-path")
	testFlags.Set("debug", "true")
	testFlags.Set("perfmon", "true") // Matches default value.
	testFlags.Set("gr-idle-timeout", "5s")
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}

	fm := map[string]string{}
	for _, f := range c.ToFlags() {
		kv := strings.SplitN(f, "=", 2)
		fm[kv[0]] = kv[1]
	}
	want := map[string]string{
		"--root":            "some-path",
		"--debug":           "true",
		"--gr-idle-timeout": "5s",
	}
	if diff := cmp.Diff(want, fm); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		flag  string
		value string
	}{
		{name: "log format", flag: "log-format", value: "xml"},
		{name: "log size", flag: "log-max-size", value: "-1"},
		{name: "poll timeout", flag: "poll-timeout", value: "0s"},
		{name: "gr idle timeout", flag: "gr-idle-timeout", value: "-1s"},
		{name: "interrupt poll", flag: "interrupt-poll", value: "0s"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
			RegisterFlags(testFlags)
			if err := testFlags.Set(tc.flag, tc.value); err != nil {
				t.Fatalf("Flag set: %v", err)
			}
			if _, err := NewFromFlags(testFlags); err == nil {
				t.Errorf("NewFromFlags() with --%s=%s succeeded", tc.flag, tc.value)
			}
		})
	}
}

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDevice(t *testing.T) {
	want := &Device{
		Name:    "0000:01:00.0",
		BAR:     "/sys/bus/pci/devices/0000:01:00.0/resource0",
		BARSize: DefaultBARSize,
		Runlists: []Runlist{{
			ID:       1,
			Aperture: "vidmem",
			Addrs:    []uint64{0x10000, 0x11000},
			Size:     0x1000,
		}},
	}
	for _, tc := range []struct {
		file string
		data string
	}{
		{
			file: "dev.toml",
			data: `
bar = "/sys/bus/pci/devices/0000:01:00.0/resource0"

[[runlist]]
id = 1
aperture = "vidmem"
addrs = [0x10000, 0x11000]
size = 0x1000
`,
		},
		{
			file: "dev.yaml",
			data: `
bar: /sys/bus/pci/devices/0000:01:00.0/resource0
runlists:
  - id: 1
    aperture: vidmem
    addrs: [0x10000, 0x11000]
    size: 0x1000
`,
		},
	} {
		t.Run(tc.file, func(t *testing.T) {
			got, err := LoadDevice(writeFile(t, tc.file, tc.data))
			if err != nil {
				t.Fatalf("LoadDevice() failed: %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("LoadDevice() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadDeviceErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		file string
		data string
	}{
		{name: "unknown toml key", file: "d.toml", data: "chip = \"gv11b\"\nbogus = 1\n"},
		{name: "unknown yaml key", file: "d.yaml", data: "chip: gv11b\nbogus: 1\n"},
		{name: "unknown format", file: "d.json", data: "{}"},
		{name: "no device", file: "d.toml", data: "name = \"x\"\n"},
		{name: "unknown chip", file: "d.toml", data: "chip = \"nv50\"\n"},
		{name: "one buffer", file: "d.yaml", data: "chip: gv11b\nrunlists: [{id: 0, aperture: sysmem, addrs: [0x1000], size: 64}]\n"},
		{name: "bad aperture", file: "d.yaml", data: "chip: gv11b\nrunlists: [{id: 0, aperture: gart, addrs: [0x1000, 0x2000], size: 64}]\n"},
		{name: "duplicate runlist", file: "d.yaml", data: "chip: gv11b\nrunlists: [{id: 0, aperture: sysmem, addrs: [1, 2], size: 64}, {id: 0, aperture: sysmem, addrs: [3, 4], size: 64}]\n"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if d, err := LoadDevice(writeFile(t, tc.file, tc.data)); err == nil {
				t.Errorf("LoadDevice() = %+v, want error", d)
			}
		})
	}
}

func TestDefaultDevice(t *testing.T) {
	c := &Config{Chip: "gm20b"}
	d, err := c.Device()
	if err != nil {
		t.Fatalf("Device() failed: %v", err)
	}
	if d.BAR != "" || d.Name != "gm20b" {
		t.Errorf("Device() = %+v, want simulated gm20b", d)
	}
	if got, want := d.LockPath("/run/gpuctl"), "/run/gpuctl/gm20b.lock"; got != want {
		t.Errorf("LockPath() = %q, want %q", got, want)
	}
	mem, err := d.Runlists[0].Buffers()
	if err != nil {
		t.Fatalf("Buffers() failed: %v", err)
	}
	for i, m := range mem {
		if m.Aperture != gpu.ApertureSysmem || len(m.Data) != defaultRunlistSize {
			t.Errorf("buffer %d = {%v, %#x, %d bytes}", i, m.Aperture, m.Addr, len(m.Data))
		}
	}
	if mem[0].Addr == mem[1].Addr {
		t.Errorf("buffers share address %#x", mem[0].Addr)
	}

	c.Chip = "nv50"
	if _, err := c.Device(); err == nil {
		t.Errorf("Device() for unknown chip succeeded")
	}
}
