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

// Package sched holds the scheduler's accounting types: per-task stride
// and feedback-queue state, and the share pool raced over by stride tasks
// and the feedback queue. The types are pure bookkeeping; the kernel
// mutates them under its table lock.
package sched

import "fmt"

const (
	// TotalTickets sizes the stride currency: a task with share s has
	// stride TotalTickets/s.
	TotalTickets = 10000

	// ShareCap is the whole of the CPU, in share points.
	ShareCap = 100

	// ShareFloor is the minimum share the feedback-queue pool retains;
	// no admission may push the pool below it.
	ShareFloor = 20

	// EpochSentinel bounds pass values. When the pool's pass crosses it,
	// every pass in the system resets to zero in one critical section.
	EpochSentinel = 100000000
)

// StrideFor returns the stride for a share.
func StrideFor(share int64) int64 {
	if share <= 0 {
		panic(fmt.Sprintf("sched: stride for share %d", share))
	}
	return TotalTickets / share
}

// Stride is a task's proportional-share state.
type Stride struct {
	// Share is the task's slice of the CPU, in share points.
	Share int64

	// Stride is TotalTickets / Share.
	Stride int64

	// Pass is the task's position in the stride race. Lowest pass runs
	// next. Monotone nondecreasing within an epoch.
	Pass int64
}

// NewStride returns stride state for a share, entering the race at pass.
func NewStride(share, pass int64) Stride {
	return Stride{Share: share, Stride: StrideFor(share), Pass: pass}
}

// Advance charges one selection.
func (s *Stride) Advance() {
	s.Pass += s.Stride
}

// Pool is the feedback-queue pseudo-task: it holds every share point not
// reserved by a stride task and races against them with a stride of its
// own.
type Pool struct {
	// Share is the pool's remaining share. Starts at ShareCap and never
	// drops below ShareFloor.
	Share int64

	// Stride is TotalTickets / Share.
	Stride int64

	// Pass is the pool's position in the stride race.
	Pass int64
}

// NewPool returns a pool owning the whole CPU.
func NewPool() *Pool {
	return &Pool{Share: ShareCap, Stride: StrideFor(ShareCap)}
}

// CanAdmit reports whether a reservation of req share points would leave
// the pool at or above its floor. extra is share the caller is about to
// return to the pool (a re-admission refund) and counts toward it.
func (p *Pool) CanAdmit(req, extra int64) bool {
	return req > 0 && p.Share+extra-req >= ShareFloor
}

// Admit deducts req share points from the pool.
func (p *Pool) Admit(req int64) {
	if p.Share-req < ShareFloor {
		panic(fmt.Sprintf("sched: admit %d below pool floor (pool %d)", req, p.Share))
	}
	p.Share -= req
	p.Stride = StrideFor(p.Share)
}

// Release returns share points to the pool.
func (p *Pool) Release(share int64) {
	p.Share += share
	if p.Share > ShareCap {
		panic(fmt.Sprintf("sched: pool share %d over cap", p.Share))
	}
	p.Stride = StrideFor(p.Share)
}

// Advance charges one selection of the pool.
func (p *Pool) Advance() {
	p.Pass += p.Stride
}

// NeedsEpochReset reports whether the pool's pass has crossed the epoch
// sentinel.
func (p *Pool) NeedsEpochReset() bool {
	return p.Pass >= EpochSentinel
}
