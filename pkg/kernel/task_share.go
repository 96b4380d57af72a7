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
	"math"

	"github.com/heeveloper/kernos/pkg/kernel/sched"
)

func newStrideAt(share, pass int64) sched.Stride {
	return sched.NewStride(share, pass)
}

// SetCPUShare reserves req percent of the CPU for the caller, deducting
// it from the feedback-queue pool. A process with threads spreads the
// reservation equally over the group (remainder to the process role); a
// thread reserves for itself alone. The joining tasks enter the stride
// race at the minimum live pass so a newcomer cannot dominate. A caller
// that already holds a reservation returns it to the pool first.
//
// SetCPUShare returns req on success. It fails, changing nothing, when
// req is not positive, the pool would drop below its floor, or a process
// with threads asks for fewer points than its group has members.
func (t *Task) SetCPUShare(req int) (int, error) {
	if req <= 0 {
		return 0, ErrInvalidShare
	}
	k := t.k
	share := int64(req)

	tl := &k.ptable.lock
	tl.Acquire(t.cpu)
	defer tl.Release(t.cpu)

	pool := k.ptable.pool

	// A re-admission refunds the caller's current reservation: the
	// caller's own slice, plus the whole group's when a process
	// re-reserves for its threads.
	groupCall := t.role == RoleProcess && t.numThreads > 0
	var refund int64
	var group []*Task
	if t.isStride {
		refund += t.stride.Share
	}
	if groupCall {
		for i := range k.ptable.slots {
			p := &k.ptable.slots[i]
			if p.state != TaskUnused && p.parent == t.slot && p.role == RoleThread {
				group = append(group, p)
				if p.isStride {
					refund += p.stride.Share
				}
			}
		}
	}

	if !pool.CanAdmit(share, refund) {
		return 0, ErrShareTooLarge
	}
	if groupCall && share < int64(len(group))+1 {
		// The reservation must stretch to at least one point per group
		// member.
		return 0, ErrInvalidShare
	}

	// Joiners enter at the minimum pass among live stride tasks, capped
	// by the pool's own pass.
	minPass := int64(math.MaxInt64)
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state != TaskUnused && p.isStride && p.stride.Pass < minPass {
			minPass = p.stride.Pass
		}
	}
	if pool.Pass < minPass {
		minPass = pool.Pass
	}

	if refund > 0 {
		pool.Release(refund)
	}
	pool.Admit(share)

	if groupCall {
		members := int64(len(group)) + 1
		slice := share / members
		for _, p := range group {
			p.isStride = true
			p.stride = newStrideAt(slice, minPass)
		}
		t.isStride = true
		t.stride = newStrideAt(share-int64(len(group))*slice, minPass)
	} else {
		t.isStride = true
		t.stride = newStrideAt(share, minPass)
	}

	k.log.WithFields(map[string]any{"pid": t.pid, "share": req}).Info("cpu share reserved")
	return req, nil
}
