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

package cmd

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/heeveloper/kernos/pkg/kernel"
	"github.com/heeveloper/kernos/runkos/config"
)

// workloadProgram builds the init program for the demo workload: fork
// CPU-bound spinners (some holding stride shares), run a thread quartet
// to completion, let the spinners burn their ticks, then reap everything
// and settle into the init reaping loop.
func workloadProgram(w config.Workload, done *atomic.Bool) kernel.Program {
	spinner := func(share int) kernel.Program {
		return func(t *kernel.Task) {
			if share > 0 {
				if _, err := t.SetCPUShare(share); err != nil {
					logrus.WithError(err).WithField("pid", t.PID()).Warn("share refused; staying in the feedback queue")
				}
			}
			for {
				t.Compute(1)
			}
		}
	}

	return func(t *kernel.Task) {
		var spinners []kernel.Pid
		for i := 0; i < w.Spinners; i++ {
			share := 0
			if i < len(w.Shares) {
				share = w.Shares[i]
			}
			pid, err := t.Fork(spinner(share))
			if err != nil {
				logrus.WithError(err).Error("forking spinner")
				continue
			}
			spinners = append(spinners, pid)
		}

		tids := make([]kernel.Pid, 0, w.Threads)
		for i := 0; i < w.Threads; i++ {
			tid, err := t.ThreadCreate(func(tt *kernel.Task, arg uint64) {
				tt.Compute(int(arg))
				tt.ThreadExit(arg * 10)
			}, uint64(i+1))
			if err != nil {
				logrus.WithError(err).Error("creating thread")
				continue
			}
			tids = append(tids, tid)
		}
		for i := len(tids) - 1; i >= 0; i-- {
			pid, retval, err := t.ThreadJoin(tids[i])
			if err != nil {
				logrus.WithError(err).Error("joining thread")
				continue
			}
			logrus.WithFields(logrus.Fields{"pid": pid, "retval": retval}).Debug("thread joined")
		}

		if len(spinners) > 0 {
			t.SleepTicks(w.RunTicks)
			for _, pid := range spinners {
				if err := t.Kill(pid); err != nil {
					logrus.WithError(err).Error("killing spinner")
				}
			}
			for range spinners {
				if _, err := t.Wait(); err != nil {
					logrus.WithError(err).Error("reaping spinner")
					break
				}
			}
		}
		done.Store(true)

		// init reaps orphans forever.
		for {
			if _, err := t.Wait(); err != nil {
				t.SleepTicks(1000)
			}
		}
	}
}
