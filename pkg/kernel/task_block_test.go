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

package kernel

import "testing"

// TestWakeup checks the no-lost-wakeup property: a wakeup ordered after
// the sleeper's park makes it runnable again.
func TestWakeup(t *testing.T) {
	var token int
	woken := make(chan struct{}, 1)

	init := func(tk *Task) {
		k := tk.Kernel()
		pid, err := tk.Fork(func(st *Task) {
			tl := &k.ptable.lock
			tl.Acquire(st.cpu)
			k.sleep(st, &token, tl)
			tl.Release(st.cpu)
			woken <- struct{}{}
			st.Exit()
		})
		if err != nil {
			t.Errorf("fork: %v", err)
		}

		if !waitForState(tk, pid, TaskSleeping) {
			t.Error("sleeper never slept")
		}
		k.wakeup(tk.cpu, &token)
		if _, err := tk.Wait(); err != nil {
			t.Errorf("wait: %v", err)
		}
		park(tk)
	}

	startKernel(t, testConfig(), init)
	recv(t, woken)
}

// TestKillWhileSleeping kills a task parked on a channel nobody will
// signal: the kill alone promotes it to Runnable, and the latch is
// observed at its next boundary without any wakeup on the channel.
func TestKillWhileSleeping(t *testing.T) {
	var token int
	type result struct {
		reaped Pid
		err    error
	}
	res := make(chan result, 1)
	resumed := make(chan struct{}, 1)

	init := func(tk *Task) {
		k := tk.Kernel()
		pid, err := tk.Fork(func(st *Task) {
			tl := &k.ptable.lock
			tl.Acquire(st.cpu)
			k.sleep(st, &token, tl)
			tl.Release(st.cpu)
			resumed <- struct{}{}
			// The next boundary observes the latch and exits.
			st.Compute(1)
			t.Error("killed task survived its boundary")
			park(st)
		})
		if err != nil {
			t.Errorf("fork: %v", err)
		}

		if !waitForState(tk, pid, TaskSleeping) {
			t.Error("sleeper never slept")
		}
		if err := tk.Kill(pid); err != nil {
			t.Errorf("kill: %v", err)
		}
		reaped, werr := tk.Wait()
		res <- result{reaped: reaped, err: werr}
		park(tk)
	}

	startKernel(t, testConfig(), init)
	recv(t, resumed)
	r := recv(t, res)
	if r.err != nil {
		t.Fatalf("wait: %v", r.err)
	}
}

// TestKillMissingPid checks the failure mode.
func TestKillMissingPid(t *testing.T) {
	res := make(chan error, 1)
	init := func(tk *Task) {
		res <- tk.Kill(4242)
		park(tk)
	}
	startKernel(t, testConfig(), init)
	if err := recv(t, res); err != ErrNoSuchTask {
		t.Fatalf("kill of missing pid returned %v, want ErrNoSuchTask", err)
	}
}

// TestWaitNoChildren checks wait fails cleanly with nothing to reap.
func TestWaitNoChildren(t *testing.T) {
	res := make(chan error, 1)
	init := func(tk *Task) {
		_, err := tk.Wait()
		res <- err
		park(tk)
	}
	startKernel(t, testConfig(), init)
	if err := recv(t, res); err != ErrNoChildren {
		t.Fatalf("wait returned %v, want ErrNoChildren", err)
	}
}

// TestSleepTicks checks the tick clock wakes sleepers.
func TestSleepTicks(t *testing.T) {
	type result struct {
		before, after uint64
	}
	res := make(chan result, 1)

	init := func(tk *Task) {
		// A spinner drives the clock.
		pid, err := tk.Fork(spinForever(0))
		if err != nil {
			t.Errorf("fork: %v", err)
		}
		before := tk.Kernel().Ticks()
		tk.SleepTicks(50)
		after := tk.Kernel().Ticks()
		_ = tk.Kill(pid)
		_, _ = tk.Wait()
		res <- result{before: before, after: after}
		park(tk)
	}

	startKernel(t, testConfig(), init)
	r := recv(t, res)
	if r.after < r.before+50 {
		t.Errorf("slept from tick %d to %d, want at least 50 ticks", r.before, r.after)
	}
}
