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
	"encoding/binary"
	"fmt"
)

// stackSentinel is the fake return address planted under a thread's
// stack frame: a start routine that returns lands on it and traps.
const stackSentinel = 0xDEADDEAD

// Fork creates a new process duplicating the caller: a deep copy of the
// address space, dup'd files, the same cwd and name. The child's trap
// frame is the caller's with the return register cleared and the entry
// replaced by child, which is where a fork child resumes in this
// rendition. Fork returns the child's pid.
func (t *Task) Fork(child Program) (Pid, error) {
	k := t.k
	np, err := k.allocTask(t.cpu)
	if err != nil {
		return 0, err
	}

	owner := &k.ptable.slots[t.owner()]
	space, err := owner.space.Copy(owner.size)
	if err != nil {
		k.freeEmbryo(t.cpu, np)
		return 0, fmt.Errorf("kernel: fork address space: %w", err)
	}
	np.space = space
	np.size = owner.size
	np.parent = t.slot
	np.tf = t.tf
	np.tf.Ret = 0
	np.tf.Entry = child
	np.tf.Start = nil

	for i, f := range t.files {
		if f != nil {
			np.files[i] = f.Dup()
		}
	}
	np.cwd = t.cwd.Get()
	np.name = t.name

	pid := np.pid

	tl := &k.ptable.lock
	tl.Acquire(t.cpu)
	np.state = TaskRunnable
	tl.Release(t.cpu)
	k.kickAll()

	k.log.WithFields(map[string]any{"pid": t.pid, "child": pid}).Debug("fork")
	return pid, nil
}

// ThreadCreate grows a new thread in the caller's process: two pages
// (guard plus user stack) are reserved at the top of the shared address
// space, the stack is seeded with the trap sentinel and the argument
// word, and the thread enters the stride race alongside its siblings if
// the group holds a reservation. The thread's tid equals its pid.
func (t *Task) ThreadCreate(fn ThreadFunc, arg uint64) (Pid, error) {
	k := t.k
	np, err := k.allocTask(t.cpu)
	if err != nil {
		return 0, err
	}

	// Threads attach to the process-role task even when a sibling
	// thread is the creator.
	owner := &k.ptable.slots[t.owner()]
	pageSize := k.plat.PageSize()

	k.plock.Acquire(t.cpu)
	oldSize := pageRoundUp(owner.size, pageSize)
	newSize, err := owner.space.Grow(oldSize, oldSize+2*pageSize)
	if err != nil {
		k.plock.Release(t.cpu)
		k.freeEmbryo(t.cpu, np)
		return 0, fmt.Errorf("kernel: thread stack: %w", err)
	}
	owner.size = newSize

	np.space = owner.space
	np.size = newSize
	np.parent = owner.slot
	np.role = RoleThread
	np.tf = t.tf
	np.tid = np.pid
	owner.numThreads++
	owner.sumThreads++
	k.plock.Release(t.cpu)

	// Seed the stack: the fake return address keeps a returning start
	// routine from walking off the top, and the argument word sits
	// above it.
	var frame [8]byte
	binary.LittleEndian.PutUint32(frame[0:4], stackSentinel)
	binary.LittleEndian.PutUint32(frame[4:8], uint32(arg))
	sp := newSize - 8
	if err := owner.space.CopyOut(sp, frame[:]); err != nil {
		k.plock.Acquire(t.cpu)
		owner.numThreads--
		owner.sumThreads--
		k.plock.Release(t.cpu)
		k.freeEmbryo(t.cpu, np)
		return 0, fmt.Errorf("kernel: thread stack frame: %w", err)
	}
	np.tf.Ret = 0
	np.tf.Entry = nil
	np.tf.Start = fn
	np.tf.Arg = arg
	np.tf.SP = sp

	for i, f := range t.files {
		if f != nil {
			np.files[i] = f.Dup()
		}
	}
	np.cwd = t.cwd.Get()
	np.name = t.name

	tl := &k.ptable.lock
	tl.Acquire(t.cpu)
	np.state = TaskRunnable
	if owner.isStride {
		k.splitGroupShareLocked(owner)
	}
	tl.Release(t.cpu)
	k.kickAll()

	k.log.WithFields(map[string]any{"pid": t.pid, "tid": np.tid}).Debug("thread create")
	return np.tid, nil
}

// splitGroupShareLocked redistributes a stride group's total reservation
// equally over the process-role task and its threads, the integer
// remainder staying with the process role. The group total is conserved;
// everyone keeps the owner's pass so nobody jumps the race.
//
// Preconditions: the table lock is held; owner is a stride process.
func (k *Kernel) splitGroupShareLocked(owner *Task) {
	total := owner.stride.Share
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state != TaskUnused && p.parent == owner.slot && p.role == RoleThread {
			total += p.stride.Share
		}
	}
	members := int64(owner.numThreads) + 1
	slice := total / members
	if slice < 1 {
		// The reservation cannot stretch over the group; leave the
		// current distribution alone.
		k.log.WithFields(map[string]any{
			"pid":   owner.pid,
			"share": total,
		}).Warn("stride share too small to split over thread group")
		return
	}
	pass := owner.stride.Pass
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state != TaskUnused && p.parent == owner.slot && p.role == RoleThread {
			p.isStride = true
			p.stride = newStrideAt(slice, pass)
		}
	}
	owner.stride = newStrideAt(total-(members-1)*slice, pass)
}

func pageRoundUp(n, pageSize uint64) uint64 {
	return (n + pageSize - 1) / pageSize * pageSize
}
