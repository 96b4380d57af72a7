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

// Package cmd implements the runkos subcommands.
package cmd

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/heeveloper/kernos/pkg/kernel"
	"github.com/heeveloper/kernos/pkg/platform/memvm"
	"github.com/heeveloper/kernos/pkg/vfs"
	"github.com/heeveloper/kernos/runkos/config"
)

// Boot implements subcommands.Command for the "boot" command.
type Boot struct {
	configPath string
	conf       config.Config
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string { return "boot" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string { return "boot the kernel and run the demo workload" }

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string { return "boot [flags]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	b.conf = config.Default()
	f.StringVar(&b.configPath, "config", "", "TOML configuration file.")
	b.conf.RegisterFlags(f)
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(_ context.Context, f *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	conf, err := config.Load(b.configPath)
	if err != nil {
		logrus.WithError(err).Error("loading configuration")
		return subcommands.ExitFailure
	}
	// Flags override the file: re-apply anything set on the line.
	flagConf := b.conf
	f.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "debug":
			conf.Debug = flagConf.Debug
		case "log-format":
			conf.LogFormat = flagConf.LogFormat
		case "root":
			conf.Root = flagConf.Root
		case "ncpu":
			conf.NCPU = flagConf.NCPU
		case "nproc":
			conf.NProc = flagConf.NProc
		case "ticks-per-second":
			conf.TicksPerSecond = flagConf.TicksPerSecond
		}
	})
	if err := conf.Validate(); err != nil {
		logrus.WithError(err).Error("invalid configuration")
		return subcommands.ExitUsageError
	}

	setupLogging(conf)

	// One simulator per state directory.
	if err := os.MkdirAll(conf.Root, 0o755); err != nil {
		logrus.WithError(err).Error("creating state directory")
		return subcommands.ExitFailure
	}
	lock := flock.New(filepath.Join(conf.Root, "runkos.lock"))
	held, err := lock.TryLock()
	if err != nil {
		logrus.WithError(err).Error("locking state directory")
		return subcommands.ExitFailure
	}
	if !held {
		logrus.Errorf("state directory %s is in use", conf.Root)
		return subcommands.ExitFailure
	}
	defer func() { _ = lock.Unlock() }()

	plat := memvm.New()
	fs := vfs.NewMemFS()
	k, err := kernel.New(conf.Kernel(), plat, fs)
	if err != nil {
		logrus.WithError(err).Error("building kernel")
		return subcommands.ExitFailure
	}

	var done atomic.Bool
	if err := k.Boot("init", workloadProgram(conf.Workload, &done)); err != nil {
		logrus.WithError(err).Error("booting")
		return subcommands.ExitFailure
	}
	k.Start()

	// SIGQUIT dumps the task table, the console ^P of this simulator.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, unix.SIGQUIT)
	go func() {
		for range quit {
			k.Dump(os.Stderr)
		}
	}()
	defer signal.Stop(quit)

	// Poll for workload quiescence with exponential backoff.
	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = 10 * time.Millisecond
	poll.MaxElapsedTime = 0
	err = backoff.Retry(func() error {
		if done.Load() {
			return nil
		}
		return fmt.Errorf("workload still running at tick %d", k.Ticks())
	}, poll)
	if err != nil {
		logrus.WithError(err).Error("workload")
	}

	k.Shutdown()
	if err := k.WaitShutdown(); err != nil {
		logrus.WithError(err).Error("shutdown")
		return subcommands.ExitFailure
	}

	logrus.WithFields(logrus.Fields{
		"ticks":       k.Ticks(),
		"open_files":  fs.OpenFiles(),
		"live_spaces": plat.LiveAddressSpaces(),
	}).Info("workload complete")
	return subcommands.ExitSuccess
}

func setupLogging(conf config.Config) {
	if conf.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	if conf.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
}
