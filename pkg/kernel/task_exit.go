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

// closeFiles closes every open file of t. Runs outside the table lock;
// the filesystem brackets its own log operations.
func (t *Task) closeFiles() {
	for i, f := range t.files {
		if f != nil {
			f.Close()
			t.files[i] = nil
		}
	}
}

// dropCwd releases t's working directory inside a log bracket. Runs
// outside the table lock; inode puts must never happen under it.
func (t *Task) dropCwd() {
	if t.cwd == nil {
		return
	}
	fs := t.k.fs
	fs.BeginOp()
	t.cwd.Put()
	fs.EndOp()
	t.cwd = nil
}

// Exit terminates the caller. It never returns. The path splits three
// ways on the caller's role and thread children:
//
//   - a process with no threads tears itself down;
//   - a process with threads tears the threads down first;
//   - a thread tears down its siblings and then the owning process too,
//     so a thread exiting exits the whole process.
//
// A Zombie keeps its kernel stack, address space, and slot until reaped.
func (t *Task) Exit() {
	k := t.k
	if t.slot == k.ptable.initSlot {
		panic("kernel: init exiting")
	}
	switch {
	case t.role == RoleProcess && t.numThreads == 0:
		k.exitProcess(t)
	case t.role == RoleProcess:
		k.exitProcessWithThreads(t)
	default:
		k.exitThread(t)
	}
	panic("kernel: exit returned")
}

// exitProcess is the plain path: close files, drop cwd, hand children to
// init, wake the parent, and become a Zombie.
func (k *Kernel) exitProcess(t *Task) {
	t.closeFiles()
	t.dropCwd()

	tl := &k.ptable.lock
	tl.Acquire(t.cpu)

	// Parent might be sleeping in wait.
	k.wakeupLocked(&k.ptable.slots[t.parent])
	k.reparentLocked(t)

	t.state = TaskZombie
	k.sched(t)
	panic("kernel: zombie exit")
}

// exitProcessWithThreads tears down the caller's threads, returning each
// one's share to the pool and its slot to the table, shrinks the shared
// address space once the last thread is gone, and then proceeds as
// exitProcess.
func (k *Kernel) exitProcessWithThreads(t *Task) {
	tl := &k.ptable.lock
	pageSize := k.plat.PageSize()

	tl.Acquire(t.cpu)
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused || p.parent != t.slot || p.role != RoleThread {
			continue
		}
		// File closes and the cwd put must not happen under the table
		// lock; the slot index stays valid across the gap.
		tl.Release(t.cpu)
		p.closeFiles()
		p.dropCwd()
		tl.Acquire(t.cpu)
		if p.state == TaskUnused || p.parent != t.slot {
			continue
		}

		t.numThreads--
		if t.numThreads == 0 && t.sumThreads > 0 {
			newSize := t.size - 2*uint64(t.sumThreads)*pageSize
			if sz, err := t.space.Shrink(t.size, newSize); err == nil {
				t.size = sz
			}
			t.sumThreads = 0
		}
		k.freeSlotLocked(p)
	}
	tl.Release(t.cpu)

	k.exitProcess(t)
}

// exitThread is the thread-exit-exits-the-process path: tear down the
// sibling threads, then the owning process itself. The caller and the
// owner both end up Zombie; the caller is handed to init for reaping and
// the owner waits for its own parent.
func (k *Kernel) exitThread(t *Task) {
	tl := &k.ptable.lock
	pageSize := k.plat.PageSize()
	pp := &k.ptable.slots[t.parent]

	tl.Acquire(t.cpu)
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused || p.parent != pp.slot || p.role != RoleThread || p == t {
			continue
		}
		tl.Release(t.cpu)
		p.closeFiles()
		p.dropCwd()
		tl.Acquire(t.cpu)
		if p.state == TaskUnused || p.parent != pp.slot {
			continue
		}
		pp.numThreads--
		k.freeSlotLocked(p)
	}
	tl.Release(t.cpu)

	t.closeFiles()
	t.dropCwd()

	tl.Acquire(t.cpu)
	pp.numThreads--
	if pp.numThreads == 0 && pp.sumThreads > 0 {
		// The caller's own stack pages stay mapped until the space is
		// reclaimed at reap.
		newSize := pp.size - 2*uint64(pp.sumThreads-1)*pageSize
		if sz, err := pp.space.Shrink(pp.size, newSize); err == nil {
			pp.size = sz
		}
		pp.sumThreads = 0
	}
	tl.Release(t.cpu)

	pp.closeFiles()
	pp.dropCwd()

	tl.Acquire(t.cpu)
	initTask := &k.ptable.slots[k.ptable.initSlot]

	// The owner's parent might be sleeping in wait.
	if pp.parent >= 0 {
		k.wakeupLocked(&k.ptable.slots[pp.parent])
	}
	k.reparentLocked(t)
	k.reparentLocked(pp)
	pp.state = TaskZombie

	// The caller's slot goes to init for reaping.
	t.parent = initTask.slot
	t.state = TaskZombie
	k.wakeupLocked(initTask)

	k.sched(t)
	panic("kernel: zombie exit")
}

// Wait reaps a Zombie child: the slot returns to Unused, the kernel
// stack and (for a process child) the address space are freed, and the
// child's stride share goes back to the pool. With children but no
// Zombie among them, the caller sleeps on its own slot. Wait fails when
// the caller has no children or has been killed.
func (t *Task) Wait() (Pid, error) {
	k := t.k
	tl := &k.ptable.lock
	pageSize := k.plat.PageSize()

	tl.Acquire(t.cpu)
	for {
		haveKids := false
		for i := range k.ptable.slots {
			p := &k.ptable.slots[i]
			if p.state == TaskUnused || p.parent != t.slot {
				continue
			}
			haveKids = true
			if p.state != TaskZombie {
				continue
			}

			pid := p.pid
			if p.role == RoleThread {
				// An owned thread settles the group bookkeeping; a
				// thread adopted from a dead owner was settled when
				// the owner went down.
				if t.numThreads > 0 {
					t.numThreads--
					if t.numThreads == 0 && t.sumThreads > 0 {
						newSize := t.size - 2*uint64(t.sumThreads)*pageSize
						if sz, err := t.space.Shrink(t.size, newSize); err == nil {
							t.size = sz
						}
						t.sumThreads = 0
					}
				}
			} else {
				p.space.Release()
			}
			k.freeSlotLocked(p)
			tl.Release(t.cpu)
			return pid, nil
		}

		if !haveKids {
			tl.Release(t.cpu)
			return 0, ErrNoChildren
		}
		if t.killed {
			tl.Release(t.cpu)
			return 0, ErrKilled
		}

		// Sleep on our own slot; exiting children wake it.
		k.sleep(t, t, tl)
	}
}

// ThreadExit terminates the calling thread alone, leaving retval for
// join. It never returns.
func (t *Task) ThreadExit(retval uint64) {
	k := t.k
	if t.slot == k.ptable.initSlot {
		panic("kernel: init exiting")
	}

	t.closeFiles()
	t.dropCwd()

	tl := &k.ptable.lock
	tl.Acquire(t.cpu)

	// The owner might be sleeping in join.
	k.wakeupLocked(&k.ptable.slots[t.parent])
	k.reparentLocked(t)

	t.retval = retval
	t.state = TaskZombie
	k.sched(t)
	panic("kernel: zombie thread exit")
}

// ThreadJoin reaps the Zombie child thread with the given tid, returning
// its pid and exit value. The last thread reaped shrinks the shared
// address space by every thread stack ever reserved. Join fails when no
// child thread has the tid or the caller has been killed.
func (t *Task) ThreadJoin(tid Pid) (Pid, uint64, error) {
	k := t.k
	tl := &k.ptable.lock
	pageSize := k.plat.PageSize()

	tl.Acquire(t.cpu)
	for {
		have := false
		for i := range k.ptable.slots {
			p := &k.ptable.slots[i]
			if p.state == TaskUnused || p.parent != t.slot || p.role != RoleThread || p.tid != tid {
				continue
			}
			have = true
			if p.state != TaskZombie {
				continue
			}

			t.numThreads--
			if t.numThreads == 0 && t.sumThreads > 0 {
				newSize := t.size - 2*uint64(t.sumThreads)*pageSize
				if sz, err := t.space.Shrink(t.size, newSize); err == nil {
					t.size = sz
				}
				t.sumThreads = 0
			}

			pid := p.pid
			retval := p.retval
			k.freeSlotLocked(p)
			tl.Release(t.cpu)
			return pid, retval, nil
		}

		if !have {
			tl.Release(t.cpu)
			return 0, 0, ErrNoSuchThread
		}
		if t.killed {
			tl.Release(t.cpu)
			return 0, 0, ErrKilled
		}

		k.sleep(t, t, tl)
	}
}
