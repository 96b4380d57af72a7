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

import (
	"fmt"

	"github.com/heeveloper/kernos/pkg/kernel/sched"
	"github.com/heeveloper/kernos/pkg/platform"
	"github.com/heeveloper/kernos/pkg/vfs"
)

// allocTask finds an Unused slot, marks it Embryo, and prepares it to be
// dispatched into forkRet. The caller finishes initialization and
// publishes the task Runnable under the table lock. c identifies the
// caller for lock purposes.
func (k *Kernel) allocTask(c *CPU) (*Task, error) {
	tl := &k.ptable.lock
	tl.Acquire(c)
	var t *Task
	for i := range k.ptable.slots {
		if k.ptable.slots[i].state == TaskUnused {
			t = &k.ptable.slots[i]
			break
		}
	}
	if t == nil {
		tl.Release(c)
		return nil, ErrNoFreeTask
	}
	t.state = TaskEmbryo
	t.pid = k.ptable.nextPID
	k.ptable.nextPID++
	tl.Release(c)

	t.role = RoleProcess
	t.tid = 0
	t.parent = -1
	t.killed = false
	t.mlfq = sched.MLFQ{}
	t.isStride = false
	t.stride = sched.Stride{}
	t.numThreads = 0
	t.sumThreads = 0
	t.retval = 0
	t.dispatches = 0
	t.files = make([]*vfs.File, k.cfg.NOFile)

	kstack, err := k.plat.NewKernelStack()
	if err != nil {
		tl.Acquire(c)
		t.state = TaskUnused
		tl.Release(c)
		return nil, fmt.Errorf("kernel: kstack: %w", err)
	}
	t.kstack = kstack

	// The synthetic initial context: the first dispatch resumes at
	// forkRet, which releases the table lock and falls through to the
	// user entry.
	t.ctx = platform.NewContext(func() { k.forkRet(t) })
	return t, nil
}

// freeEmbryo rolls back a half-built task to Unused.
func (k *Kernel) freeEmbryo(c *CPU, t *Task) {
	if t.kstack != nil {
		t.kstack.Release()
		t.kstack = nil
	}
	t.ctx = nil
	t.files = nil
	tl := &k.ptable.lock
	tl.Acquire(c)
	t.pid = 0
	t.state = TaskUnused
	tl.Release(c)
}

// freeSlotLocked reclaims a slot: the kernel stack and the stride share
// go back to their pools and every field resets. The address space is
// the caller's problem; only a process-role reap releases it.
//
// Preconditions: the table lock is held; the task's files and cwd are
// already closed.
func (k *Kernel) freeSlotLocked(t *Task) {
	if t.kstack != nil {
		t.kstack.Release()
		t.kstack = nil
	}
	if t.isStride {
		k.ptable.pool.Release(t.stride.Share)
	}
	t.pid = 0
	t.tid = 0
	t.role = RoleProcess
	t.parent = -1
	t.name = ""
	t.killed = false
	t.space = nil
	t.size = 0
	t.ctx = nil
	t.tf = TrapFrame{}
	t.files = nil
	t.cwd = nil
	t.wchan = nil
	t.sleepPCs = nil
	t.mlfq = sched.MLFQ{}
	t.isStride = false
	t.stride = sched.Stride{}
	t.numThreads = 0
	t.sumThreads = 0
	t.retval = 0
	t.cpu = nil
	t.dispatches = 0
	t.state = TaskUnused
}

// wakeupLocked makes every task sleeping on token runnable.
//
// Preconditions: the table lock is held.
func (k *Kernel) wakeupLocked(token any) {
	woke := false
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskSleeping && p.wchan == token {
			p.state = TaskRunnable
			woke = true
		}
	}
	if woke {
		k.kickAll()
	}
}

// killLocked latches the kill flag on the task with the given pid and
// promotes it out of sleep so the latch is observed at the next user
// boundary.
//
// Preconditions: the table lock is held.
func (k *Kernel) killLocked(pid Pid) error {
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused || p.pid != pid {
			continue
		}
		p.killed = true
		if p.state == TaskSleeping {
			p.state = TaskRunnable
			k.kickAll()
		}
		return nil
	}
	return ErrNoSuchTask
}

// reparentLocked hands t's children to init; zombie orphans wake init so
// it reaps them.
//
// Preconditions: the table lock is held.
func (k *Kernel) reparentLocked(t *Task) {
	initTask := &k.ptable.slots[k.ptable.initSlot]
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused || p.parent != t.slot {
			continue
		}
		p.parent = initTask.slot
		if p.state == TaskZombie {
			k.wakeupLocked(initTask)
		}
	}
}

// forkRet is a new task's first instruction: the scheduler dispatched us
// holding the table lock, so drop it, run one-time filesystem setup, and
// fall through to user code.
func (k *Kernel) forkRet(t *Task) {
	k.ptable.lock.Release(t.cpu)

	// Filesystem setup has to run in the context of a regular task (it
	// may sleep), so the first task through here does it.
	k.fsOnce.Do(func() {
		if err := k.fs.Mount(); err != nil {
			panic(fmt.Sprintf("kernel: mount: %v", err))
		}
	})

	k.runUser(t)
}

// runUser enters the task's user program. Returning from a start routine
// lands on the stack sentinel and traps; the trap forces the exit path.
func (k *Kernel) runUser(t *Task) {
	if t.role == RoleThread {
		t.tf.Start(t, t.tf.Arg)
		k.log.WithFields(map[string]any{
			"pid": t.pid,
			"ret": fmt.Sprintf("%#x", stackSentinel),
		}).Warn("thread start routine returned; trapping")
		t.Exit()
		panic("kernel: exit returned")
	}
	t.tf.Entry(t)
	k.log.WithField("pid", t.pid).Debug("program returned; exiting")
	t.Exit()
	panic("kernel: exit returned")
}
