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
	"sync"
	"sync/atomic"

	"github.com/heeveloper/kernos/pkg/platform"
)

// SpinLock is the kernel's mutual-exclusion primitive. A lock is held by
// a CPU, not a goroutine: the table lock is routinely acquired by a task
// and released by the scheduler loop (or the reverse) across a context
// switch on the same CPU. Acquisition disables preemption on the holder
// via the CPU's nested-disable depth.
type SpinLock struct {
	name   string
	mu     sync.Mutex
	holder atomic.Pointer[CPU]
}

// Acquire locks l on behalf of c.
func (l *SpinLock) Acquire(c *CPU) {
	c.pushOff()
	if l.holder.Load() == c {
		panic(fmt.Sprintf("acquire %s: cpu%d already holding", l.name, c.id))
	}
	l.mu.Lock()
	l.holder.Store(c)
}

// Release unlocks l, which must be held by c.
func (l *SpinLock) Release(c *CPU) {
	if l.holder.Load() != c {
		panic(fmt.Sprintf("release %s: not held by cpu%d", l.name, c.id))
	}
	l.holder.Store(nil)
	l.mu.Unlock()
	c.popOff()
}

// Holding reports whether c holds l.
func (l *SpinLock) Holding(c *CPU) bool {
	return l.holder.Load() == c
}

// A CPU is one logical processor: the home of a scheduler loop, the
// identity locks are held under, and the interrupt-disable bookkeeping.
// Its mutable fields are only touched by the control flow currently
// running on the CPU.
type CPU struct {
	id       int
	schedCtx *platform.Context

	// current is the task running on this CPU, nil while the scheduler
	// itself runs. Guarded by the table lock.
	current *Task

	// ncli is the nested interrupt-disable depth; intena records whether
	// interrupts were enabled before the outermost disable. intr is the
	// interrupt flag itself.
	ncli   int
	intena bool
	intr   bool

	// budget is the remaining tick budget of the current dispatch.
	budget int
}

func (c *CPU) pushOff() {
	if c.ncli == 0 {
		c.intena = c.intr
	}
	c.intr = false
	c.ncli++
}

func (c *CPU) popOff() {
	if c.intr {
		panic("popOff: interruptible")
	}
	c.ncli--
	if c.ncli < 0 {
		panic("popOff: unbalanced")
	}
	if c.ncli == 0 && c.intena {
		c.intr = true
	}
}
