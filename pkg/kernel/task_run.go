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
	"math"
	"runtime"

	"github.com/heeveloper/kernos/pkg/platform"
)

// runCPU is the per-CPU scheduler loop. Each iteration picks a winner
// from the stride race; the feedback-queue pool wins when no stride task
// is runnable or the pool's pass is lower, and its win is spent on a
// batched sweep of the queue levels. The loop holds the table lock
// across dispatch; the dispatched task releases and reacquires it on its
// own way through sched.
func (k *Kernel) runCPU(c *CPU) {
	tl := &k.ptable.lock
	pool := k.ptable.pool
	for {
		if k.shuttingDown() {
			return
		}

		// Open the interrupt window so pending ticks land, then close
		// it by taking the lock.
		c.intr = true
		tl.Acquire(c)

		// Stride race: lowest pass wins; ties go to the earlier slot.
		var winner *Task
		lowest := int64(math.MaxInt64)
		for i := range k.ptable.slots {
			p := &k.ptable.slots[i]
			if p.state != TaskRunnable || !p.isStride {
				continue
			}
			if p.stride.Pass < lowest {
				lowest = p.stride.Pass
				winner = p
			}
		}

		if winner == nil || winner.stride.Pass > pool.Pass {
			// The pool wins this round.
			pool.Advance()
			if pool.NeedsEpochReset() {
				k.resetEpochLocked()
			}

			// Batched sweep: drain each level in slot order before
			// looking below it. A level transition happens only when
			// nothing above was runnable at sweep time.
			found := false
			for lvl := 0; lvl < len(k.cfg.Levels.Quantum) && !found; lvl++ {
				for i := range k.ptable.slots {
					p := &k.ptable.slots[i]
					if p.state != TaskRunnable || p.isStride || p.mlfq.Level != lvl {
						continue
					}
					found = true
					budget := p.mlfq.ChargeDispatch(k.cfg.Levels)
					k.dispatch(c, p, budget)
					p.mlfq.Settle(k.cfg.Levels)
				}
			}
			if !found && winner == nil {
				// Nothing to run anywhere: park until a task is
				// published runnable.
				tl.Release(c)
				select {
				case <-k.kick:
				case <-k.shutdownCh:
					return
				}
				continue
			}
		} else {
			winner.stride.Advance()
			k.dispatch(c, winner, 1)
		}

		tl.Release(c)
	}
}

// resetEpochLocked zeroes every pass in the system in one critical
// section, renormalizing the stride race before overflow.
//
// Preconditions: the table lock is held.
func (k *Kernel) resetEpochLocked() {
	k.ptable.pool.Pass = 0
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.isStride {
			p.stride.Pass = 0
		}
	}
	k.log.Debug("stride epoch reset")
}

// dispatch runs p on c for up to budget ticks, switching into the task's
// context and back.
//
// Preconditions: the table lock is held; p is Runnable.
func (k *Kernel) dispatch(c *CPU, p *Task, budget int) {
	if c.current != nil {
		panic(fmt.Sprintf("dispatch: cpu%d already running pid %d", c.id, c.current.pid))
	}
	c.current = p
	c.budget = budget
	p.cpu = c
	p.dispatches++

	space := p.space
	space.Activate()
	p.state = TaskRunning

	platform.Switch(c.schedCtx, p.ctx)

	space.Deactivate()
	c.current = nil
}

// sched hands the CPU back to its scheduler loop. The caller must hold
// the table lock and nothing else, must have moved its task out of
// Running, and resumes here when next dispatched. A Zombie never
// resumes; its control flow ends here.
func (k *Kernel) sched(t *Task) {
	c := t.cpu
	tl := &k.ptable.lock
	if !tl.Holding(c) {
		panic("sched: table lock not held")
	}
	if c.ncli != 1 {
		panic(fmt.Sprintf("sched: locks held (ncli=%d)", c.ncli))
	}
	if t.state == TaskRunning {
		panic("sched: still running")
	}
	if c.intr {
		panic("sched: interruptible")
	}
	intena := c.intena
	if t.state == TaskZombie {
		platform.Finish(c.schedCtx)
		runtime.Goexit()
	}
	platform.Switch(t.ctx, c.schedCtx)
	t.cpu.intena = intena
}

// Yield gives up the CPU for one scheduling round.
func (t *Task) Yield() {
	tl := &t.k.ptable.lock
	tl.Acquire(t.cpu)
	t.state = TaskRunnable
	t.k.sched(t)
	tl.Release(t.cpu)
}
