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
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/heeveloper/kernos/pkg/kernel/sched"
	"github.com/heeveloper/kernos/pkg/platform"
	"github.com/heeveloper/kernos/pkg/vfs"
)

// Config carries the kernel tunables.
type Config struct {
	// NProc is the task table size.
	NProc int

	// NCPU is the number of scheduler loops.
	NCPU int

	// NOFile is the per-task file table size.
	NOFile int

	// Levels holds the feedback-queue quantum and allotment tables.
	Levels sched.Levels

	// TicksPerSecond, when positive, paces ticks against real time.
	// Zero lets the clock free-run.
	TicksPerSecond int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		NProc:  64,
		NCPU:   2,
		NOFile: 16,
		Levels: sched.DefaultLevels(),
	}
}

// Validate checks cfg for usable values.
func (c Config) Validate() error {
	if c.NProc <= 0 {
		return fmt.Errorf("kernel: NProc must be positive, got %d", c.NProc)
	}
	if c.NCPU <= 0 {
		return fmt.Errorf("kernel: NCPU must be positive, got %d", c.NCPU)
	}
	if c.NOFile <= 0 {
		return fmt.Errorf("kernel: NOFile must be positive, got %d", c.NOFile)
	}
	return c.Levels.Validate()
}

// taskTable is the global task table and the lock guarding it, together
// with the scheduler accounting that lives under the same lock.
type taskTable struct {
	// lock guards every slot and the pool. It is the lock handed across
	// context switches.
	lock SpinLock

	slots   []Task
	nextPID Pid

	// pool is the feedback-queue pseudo-task racing against the stride
	// tasks.
	pool *sched.Pool

	// initSlot is the slot of the init task, -1 before boot.
	initSlot int
}

// Kernel owns the task table, the CPUs, and the collaborator handles.
type Kernel struct {
	cfg  Config
	plat platform.Platform
	fs   *vfs.FileSystem
	log  *logrus.Entry

	ptable *taskTable

	// plock serializes the address-space steps of thread creation.
	plock SpinLock

	cpus []*CPU
	eg   errgroup.Group

	// kick wakes idle CPUs when a task becomes runnable. Its buffer
	// holds one token per CPU so a fill can never lose a waiter.
	kick chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	down         atomic.Bool

	ticks   atomic.Uint64
	limiter *rate.Limiter

	// fsOnce runs filesystem mount from the first dispatched task.
	fsOnce sync.Once

	// extMu serializes external entry points sharing extCPU.
	extMu  sync.Mutex
	extCPU *CPU
}

// New builds a kernel over the given platform and filesystem.
func New(cfg Config, plat platform.Platform, fs *vfs.FileSystem) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k := &Kernel{
		cfg:  cfg,
		plat: plat,
		fs:   fs,
		log:  logrus.WithField("subsystem", "kernel"),
		ptable: &taskTable{
			lock:     SpinLock{name: "ptable"},
			slots:    make([]Task, cfg.NProc),
			nextPID:  1,
			pool:     sched.NewPool(),
			initSlot: -1,
		},
		plock:      SpinLock{name: "process"},
		kick:       make(chan struct{}, cfg.NCPU),
		shutdownCh: make(chan struct{}),
		extCPU:     &CPU{id: -1},
	}
	if cfg.TicksPerSecond > 0 {
		k.limiter = rate.NewLimiter(rate.Limit(cfg.TicksPerSecond), 1)
	}
	for i := range k.ptable.slots {
		k.ptable.slots[i].k = k
		k.ptable.slots[i].slot = i
		k.ptable.slots[i].parent = -1
	}
	return k, nil
}

// Boot sets up the init task. The program must not return; init exiting
// is fatal.
func (k *Kernel) Boot(name string, init Program) error {
	k.extMu.Lock()
	defer k.extMu.Unlock()
	if k.ptable.initSlot >= 0 {
		return fmt.Errorf("kernel: already booted")
	}

	t, err := k.allocTask(k.extCPU)
	if err != nil {
		return err
	}
	space, err := k.plat.NewAddressSpace()
	if err != nil {
		k.freeEmbryo(k.extCPU, t)
		return fmt.Errorf("kernel: boot address space: %w", err)
	}
	if _, err := space.Grow(0, k.plat.PageSize()); err != nil {
		space.Release()
		k.freeEmbryo(k.extCPU, t)
		return fmt.Errorf("kernel: boot image: %w", err)
	}
	cwd, err := k.fs.Resolve("/")
	if err != nil {
		space.Release()
		k.freeEmbryo(k.extCPU, t)
		return fmt.Errorf("kernel: boot cwd: %w", err)
	}

	t.space = space
	t.size = k.plat.PageSize()
	t.cwd = cwd
	t.name = name
	t.tf = TrapFrame{Entry: init}

	tl := &k.ptable.lock
	tl.Acquire(k.extCPU)
	k.ptable.initSlot = t.slot
	t.state = TaskRunnable
	tl.Release(k.extCPU)

	k.log.WithField("name", name).Debug("booted init task")
	return nil
}

// Start launches the per-CPU scheduler loops.
func (k *Kernel) Start() {
	for i := 0; i < k.cfg.NCPU; i++ {
		c := &CPU{id: i, schedCtx: platform.NewRunningContext()}
		k.cpus = append(k.cpus, c)
		k.eg.Go(func() error {
			k.runCPU(c)
			return nil
		})
	}
	k.log.WithField("ncpu", k.cfg.NCPU).Debug("scheduler loops started")
}

// Shutdown asks the scheduler loops to stop. Loops exit between
// dispatches; parked tasks stay parked.
func (k *Kernel) Shutdown() {
	k.shutdownOnce.Do(func() {
		k.down.Store(true)
		close(k.shutdownCh)
	})
}

// WaitShutdown blocks until every scheduler loop has exited.
func (k *Kernel) WaitShutdown() error {
	return k.eg.Wait()
}

func (k *Kernel) shuttingDown() bool {
	return k.down.Load()
}

// kickAll fills the kick channel so every parked CPU rescans the table.
// Safe to call with or without the table lock.
func (k *Kernel) kickAll() {
	for i := 0; i < cap(k.kick); i++ {
		select {
		case k.kick <- struct{}{}:
		default:
			return
		}
	}
}

// Ticks returns the global tick count.
func (k *Kernel) Ticks() uint64 {
	return k.ticks.Load()
}

// Kill delivers a kill from outside the kernel (the simulator's signal
// path); in-kernel callers use Task.Kill.
func (k *Kernel) Kill(pid Pid) error {
	k.extMu.Lock()
	defer k.extMu.Unlock()
	tl := &k.ptable.lock
	tl.Acquire(k.extCPU)
	err := k.killLocked(pid)
	tl.Release(k.extCPU)
	return err
}

// TaskInfo is a snapshot of one table slot.
type TaskInfo struct {
	PID        Pid
	TID        Pid
	ParentPID  Pid
	Name       string
	State      TaskState
	Role       TaskRole
	Level      int
	IsStride   bool
	Share      int64
	Pass       int64
	Dispatches uint64
}

// PoolInfo is a snapshot of the feedback-queue pool.
type PoolInfo struct {
	Share  int64
	Stride int64
	Pass   int64
}

// Tasks snapshots every non-Unused slot under the table lock.
func (k *Kernel) Tasks() []TaskInfo {
	k.extMu.Lock()
	defer k.extMu.Unlock()
	tl := &k.ptable.lock
	tl.Acquire(k.extCPU)
	defer tl.Release(k.extCPU)

	var out []TaskInfo
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused {
			continue
		}
		info := TaskInfo{
			PID:        p.pid,
			TID:        p.tid,
			Name:       p.name,
			State:      p.state,
			Role:       p.role,
			Level:      p.mlfq.Level,
			IsStride:   p.isStride,
			Share:      p.stride.Share,
			Pass:       p.stride.Pass,
			Dispatches: p.dispatches,
		}
		if p.parent >= 0 {
			info.ParentPID = k.ptable.slots[p.parent].pid
		}
		out = append(out, info)
	}
	return out
}

// Pool snapshots the feedback-queue pool.
func (k *Kernel) Pool() PoolInfo {
	k.extMu.Lock()
	defer k.extMu.Unlock()
	tl := &k.ptable.lock
	tl.Acquire(k.extCPU)
	defer tl.Release(k.extCPU)
	p := k.ptable.pool
	return PoolInfo{Share: p.Share, Stride: p.Stride, Pass: p.Pass}
}

// pace blocks until the tick clock permits another tick, when pacing is
// configured.
func (k *Kernel) pace() {
	if k.limiter != nil {
		_ = k.limiter.Wait(context.Background())
	}
}
