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

// Package kernel implements the scheduling and lifecycle core: a fixed
// task table under one lock, a hybrid stride/feedback-queue scheduler
// running one loop per CPU, and the task lifecycle from fork to reap,
// with kernel-supported user threads sharing their process's address
// space.
package kernel

import (
	"errors"

	"github.com/heeveloper/kernos/pkg/kernel/sched"
	"github.com/heeveloper/kernos/pkg/platform"
	"github.com/heeveloper/kernos/pkg/vfs"
)

// Pid identifies a task. Thread identifiers come from the same space: a
// thread's tid equals its pid.
type Pid int32

// TaskState is a task's lifecycle state.
type TaskState int32

// Task states.
const (
	TaskUnused TaskState = iota
	TaskEmbryo
	TaskSleeping
	TaskRunnable
	TaskRunning
	TaskZombie
)

// String returns the state name used by the task dump.
func (s TaskState) String() string {
	switch s {
	case TaskUnused:
		return "unused"
	case TaskEmbryo:
		return "embryo"
	case TaskSleeping:
		return "sleep"
	case TaskRunnable:
		return "runble"
	case TaskRunning:
		return "run"
	case TaskZombie:
		return "zombie"
	default:
		return "???"
	}
}

// TaskRole distinguishes the two kinds of task. Thread-group bookkeeping
// lives only on RoleProcess tasks; a RoleThread task aliases its owning
// process's address space and heap size.
type TaskRole int32

// Task roles.
const (
	RoleProcess TaskRole = iota
	RoleThread
)

// Program is a user program entry point. It runs on the task's own
// control flow; returning from it is the trap that forces the exit path.
type Program func(t *Task)

// ThreadFunc is a thread start routine.
type ThreadFunc func(t *Task, arg uint64)

// TrapFrame is the saved user-mode image: where the task resumes when it
// next returns to user code.
type TrapFrame struct {
	// Entry is the program for a RoleProcess task.
	Entry Program

	// Start and Arg are the start routine for a RoleThread task.
	Start ThreadFunc
	Arg   uint64

	// SP is the user stack pointer.
	SP uint64

	// Ret is the register carrying a syscall's return value; it is 0 in
	// a fresh fork child or thread.
	Ret int64
}

// Errors returned by the kernel entry points. They stand where the
// syscall layer would return -1.
var (
	// ErrNoFreeTask is returned when the task table is full.
	ErrNoFreeTask = errors.New("kernel: no free task slot")

	// ErrNoChildren is returned by a wait with nothing to reap.
	ErrNoChildren = errors.New("kernel: no children")

	// ErrKilled is returned when the caller's kill latch cut a wait
	// short.
	ErrKilled = errors.New("kernel: killed")

	// ErrNoSuchTask is returned by a kill of an unknown pid.
	ErrNoSuchTask = errors.New("kernel: no such task")

	// ErrNoSuchThread is returned by a join naming no child thread.
	ErrNoSuchThread = errors.New("kernel: no such thread")

	// ErrInvalidShare rejects non-positive share requests, and group
	// reservations too small to give every group member one point.
	ErrInvalidShare = errors.New("kernel: share must be positive")

	// ErrShareTooLarge rejects admissions that would push the pool
	// below its floor.
	ErrShareTooLarge = errors.New("kernel: share would exhaust the pool")
)

// A Task is one slot of the task table: a process, or a kernel-supported
// user thread of one. Every field is guarded by the table lock unless
// noted otherwise.
type Task struct {
	// k and slot are fixed at table construction.
	k    *Kernel
	slot int

	state  TaskState
	pid    Pid
	role   TaskRole
	tid    Pid // non-zero iff role == RoleThread; equals pid
	parent int // slot index of the parent, -1 for none
	name   string
	killed bool

	// space is the task's page directory; a thread aliases its owning
	// process's. size is the heap top and meaningful only on the
	// process role.
	space platform.AddressSpace
	size  uint64

	kstack platform.KernelStack
	ctx    *platform.Context
	tf     TrapFrame

	// files and cwd are accessed only by the task itself and by exit
	// teardown of a torn-down sibling; both outside the table lock.
	files []*vfs.File
	cwd   *vfs.Inode

	wchan    any
	sleepPCs []uintptr

	mlfq     sched.MLFQ
	isStride bool
	stride   sched.Stride

	// Thread-group bookkeeping; meaningful only on RoleProcess.
	numThreads int
	sumThreads int

	// retval is a thread's exit value, read by join.
	retval uint64

	// cpu is the CPU the task last ran on; valid while Running.
	cpu *CPU

	dispatches uint64
}

// PID returns the task's pid.
func (t *Task) PID() Pid { return t.pid }

// TID returns the task's thread id: 0 for a process, its pid for a
// thread.
func (t *Task) TID() Pid { return t.tid }

// Name returns the task's name.
func (t *Task) Name() string { return t.name }

// Role returns the task's role.
func (t *Task) Role() TaskRole { return t.role }

// GetLevel returns the task's feedback-queue level.
func (t *Task) GetLevel() int { return t.mlfq.Level }

// Kernel returns the owning kernel.
func (t *Task) Kernel() *Kernel { return t.k }

// owner returns the slot of the process-role task a thread belongs to,
// or the task's own slot for a process.
func (t *Task) owner() int {
	if t.role == RoleThread {
		return t.parent
	}
	return t.slot
}
