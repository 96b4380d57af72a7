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

import "runtime"

// sleep atomically releases lk and parks t on token; it reacquires lk
// before returning. The token is opaque and compared by identity only.
// Holding the table lock while parking is what closes the lost-wakeup
// window: wakeups also run under it.
func (k *Kernel) sleep(t *Task, token any, lk *SpinLock) {
	if t == nil {
		panic("sleep: no task")
	}
	if lk == nil {
		panic("sleep: no lock")
	}
	tl := &k.ptable.lock
	if lk != tl {
		tl.Acquire(t.cpu)
		lk.Release(t.cpu)
	}

	t.wchan = token
	t.sleepPCs = sleepCallers()
	t.state = TaskSleeping

	k.sched(t)

	// Awake again; possibly on a different CPU.
	t.wchan = nil
	t.sleepPCs = nil

	if lk != tl {
		tl.Release(t.cpu)
		lk.Acquire(t.cpu)
	}
}

// sleepCallers captures the sleep site for the task dump.
func sleepCallers() []uintptr {
	pcs := make([]uintptr, 10)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// wakeup makes every task sleeping on token runnable. c identifies the
// caller for lock purposes.
func (k *Kernel) wakeup(c *CPU, token any) {
	tl := &k.ptable.lock
	tl.Acquire(c)
	k.wakeupLocked(token)
	tl.Release(c)
}

// Kill latches the kill flag on pid. The target exits cooperatively at
// its next user boundary; a sleeper is promoted to Runnable so it gets
// there.
func (t *Task) Kill(pid Pid) error {
	k := t.k
	tl := &k.ptable.lock
	tl.Acquire(t.cpu)
	err := k.killLocked(pid)
	tl.Release(t.cpu)
	if err != nil {
		return err
	}
	k.log.WithField("pid", pid).Info("kill")
	return nil
}

// tick is the kernel-to-user boundary: one timer tick charged to the
// running task. The global clock advances, tick sleepers wake, the kill
// latch is observed, and the task yields when its dispatch budget is
// spent.
func (t *Task) tick() {
	k := t.k
	k.pace()
	k.ticks.Add(1)

	c := t.cpu
	c.budget--
	exhausted := c.budget <= 0

	tl := &k.ptable.lock
	tl.Acquire(c)
	k.wakeupLocked(tickToken(k))
	killed := t.killed
	tl.Release(c)

	if killed {
		t.Exit()
		panic("kernel: exit returned")
	}
	if exhausted {
		t.Yield()
	}
}

// tickToken is the sleep token for the global tick clock.
func tickToken(k *Kernel) any {
	return &k.ticks
}

// Compute burns n ticks of CPU, yielding whenever the running dispatch's
// budget runs out. It is the user-side shape of CPU-bound work.
func (t *Task) Compute(n int) {
	for i := 0; i < n; i++ {
		t.tick()
	}
}

// SleepTicks blocks the task for at least n ticks of the global clock.
// A kill cuts the sleep short; the latch is observed at the caller's
// next boundary.
func (t *Task) SleepTicks(n uint64) {
	k := t.k
	tl := &k.ptable.lock
	target := k.ticks.Load() + n
	tl.Acquire(t.cpu)
	for k.ticks.Load() < target {
		if t.killed {
			break
		}
		k.sleep(t, tickToken(k), tl)
	}
	tl.Release(t.cpu)
}
