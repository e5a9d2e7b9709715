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

// Package config provides basic infrastructure to set configuration settings
// for gpuctl. Each setting that can be changed from the command line must
// have a field in Config with a "flag" tag naming the flag.
package config

import (
	"fmt"
	"time"
)

// Config holds configuration that is not part of the device description.
type Config struct {
	// RootDir is the directory holding device lock files.
	RootDir string `flag:"root"`

	// LogFilename is the filename to log to, if not empty.
	LogFilename string `flag:"log"`

	// LogFormat is the log format.
	LogFormat string `flag:"log-format"`

	// LogMaxSizeMB is the size at which LogFilename is rotated.
	LogMaxSizeMB int `flag:"log-max-size"`

	// Debug indicates that debug logging should be enabled.
	Debug bool `flag:"debug"`

	// DeviceConfig is the path to a TOML or YAML device description. The
	// simulator is used when it is empty.
	DeviceConfig string `flag:"device-config"`

	// Chip is the HAL name of the simulated GPU when DeviceConfig is empty.
	Chip string `flag:"chip"`

	// Perfmon enables PMU load sampling.
	Perfmon bool `flag:"perfmon"`

	// Timeouts bounds runlist waits by GRIdleTimeout.
	Timeouts bool `flag:"timeouts"`

	// CoherentSysmem routes system memory through the coherent aperture.
	CoherentSysmem bool `flag:"coherent-sysmem"`

	// PollTimeout bounds PMU RPC and query waits.
	PollTimeout time.Duration `flag:"poll-timeout"`

	// GRIdleTimeout bounds runlist submission waits.
	GRIdleTimeout time.Duration `flag:"gr-idle-timeout"`

	// InterruptPoll is the interval at which a mapped BAR is checked for PMU
	// messages, since userspace has no interrupt line.
	InterruptPoll time.Duration `flag:"interrupt-poll"`
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text' or 'json'", c.LogFormat)
	}
	if c.LogMaxSizeMB < 0 {
		return fmt.Errorf("--log-max-size must be non-negative: %d", c.LogMaxSizeMB)
	}
	if c.PollTimeout <= 0 {
		return fmt.Errorf("--poll-timeout must be positive: %v", c.PollTimeout)
	}
	if c.GRIdleTimeout <= 0 {
		return fmt.Errorf("--gr-idle-timeout must be positive: %v", c.GRIdleTimeout)
	}
	if c.InterruptPoll <= 0 {
		return fmt.Errorf("--interrupt-poll must be positive: %v", c.InterruptPoll)
	}
	return nil
}
