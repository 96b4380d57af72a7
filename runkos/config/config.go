// Copyright 2024 The kernos Authors.
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

// Package config holds the simulator configuration: kernel tunables,
// logging, and the demo workload, loadable from a TOML file with flag
// overrides on top.
package config

import (
	"flag"
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/heeveloper/kernos/pkg/kernel"
	"github.com/heeveloper/kernos/pkg/kernel/sched"
)

// Config is the full simulator configuration.
type Config struct {
	// Debug enables debug logging.
	Debug bool `toml:"debug"`

	// LogFormat selects "text" or "json" log output.
	LogFormat string `toml:"log_format"`

	// Root is the state directory the simulator locks while running.
	Root string `toml:"root"`

	// Kernel tunables.
	NProc          int   `toml:"nproc"`
	NCPU           int   `toml:"ncpu"`
	NOFile         int   `toml:"nofile"`
	Quantum        []int `toml:"quantum"`
	Allotment      []int `toml:"allotment"`
	TicksPerSecond int   `toml:"ticks_per_second"`

	// Workload is the demo workload boot runs.
	Workload Workload `toml:"workload"`
}

// Workload describes the demo workload.
type Workload struct {
	// Spinners is the number of CPU-bound children to fork.
	Spinners int `toml:"spinners"`

	// Shares assigns a stride share to the spinner at the same index;
	// spinners beyond the list stay in the feedback queue.
	Shares []int `toml:"shares"`

	// Threads is the size of the thread quartet demo.
	Threads int `toml:"threads"`

	// RunTicks is how long the spinners run before being reaped.
	RunTicks uint64 `toml:"run_ticks"`
}

// Default returns the stock configuration.
func Default() Config {
	levels := sched.DefaultLevels()
	return Config{
		LogFormat: "text",
		Root:      "/var/run/runkos",
		NProc:     64,
		NCPU:      2,
		NOFile:    16,
		Quantum:   levels.Quantum[:],
		Allotment: levels.Allotment[:],
		Workload: Workload{
			Spinners: 3,
			Shares:   []int{30, 10},
			Threads:  4,
			RunTicks: 2000,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	c := Default()
	if path == "" {
		return c, nil
	}
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: %q: %w", path, err)
	}
	return c, nil
}

// RegisterFlags registers the override flags on f.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.Debug, "debug", c.Debug, "enable debug logging.")
	f.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: text (default) or json.")
	f.StringVar(&c.Root, "root", c.Root, "state directory locked for the run.")
	f.IntVar(&c.NCPU, "ncpu", c.NCPU, "number of scheduler loops.")
	f.IntVar(&c.NProc, "nproc", c.NProc, "task table size.")
	f.IntVar(&c.TicksPerSecond, "ticks-per-second", c.TicksPerSecond, "pace the tick clock against real time; 0 free-runs.")
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if len(c.Quantum) != sched.NumLevels || len(c.Allotment) != sched.NumLevels {
		return fmt.Errorf("config: quantum and allotment need %d entries", sched.NumLevels)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	return c.Kernel().Validate()
}

// Kernel converts to the kernel's own config.
func (c Config) Kernel() kernel.Config {
	kc := kernel.Config{
		NProc:          c.NProc,
		NCPU:           c.NCPU,
		NOFile:         c.NOFile,
		Levels:         sched.DefaultLevels(),
		TicksPerSecond: c.TicksPerSecond,
	}
	for i := 0; i < sched.NumLevels && i < len(c.Quantum); i++ {
		kc.Levels.Quantum[i] = c.Quantum[i]
	}
	for i := 0; i < sched.NumLevels && i < len(c.Allotment); i++ {
		kc.Levels.Allotment[i] = c.Allotment[i]
	}
	return kc
}
