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
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestThreadJoinReturnsValues creates four threads writing distinct exit
// values and joins them in reverse creation order; every join must hand
// back the matching pid and value.
func TestThreadJoinReturnsValues(t *testing.T) {
	type joined struct {
		Pid    Pid
		Retval uint64
	}
	res := make(chan []joined, 1)

	init := func(tk *Task) {
		var tids []Pid
		for i := 0; i < 4; i++ {
			tid, err := tk.ThreadCreate(func(tt *Task, arg uint64) {
				tt.Compute(1)
				tt.ThreadExit(arg)
			}, uint64(10+i))
			if err != nil {
				t.Errorf("thread create: %v", err)
			}
			tids = append(tids, tid)
		}

		var got []joined
		for i := len(tids) - 1; i >= 0; i-- {
			pid, retval, err := tk.ThreadJoin(tids[i])
			if err != nil {
				t.Errorf("join %d: %v", tids[i], err)
				continue
			}
			got = append(got, joined{Pid: pid, Retval: retval})
		}
		res <- got
		park(tk)
	}

	startKernel(t, testConfig(), init)

	got := recv(t, res)
	if len(got) != 4 {
		t.Fatalf("joined %d threads, want 4", len(got))
	}
	// Joined in reverse creation order; tid == pid, so pids descend and
	// the values follow them.
	var want []joined
	for i := 3; i >= 0; i-- {
		want = append(want, joined{Pid: got[3-i].Pid, Retval: uint64(10 + i)})
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("join results mismatch (-want +got):\n%s", diff)
	}
}

// TestThreadAddressSpaceSharing checks I1 and the stack seeding: every
// thread aliases the owner's space, its tid matches its pid, and the
// sentinel frame sits under the stack pointer.
func TestThreadAddressSpaceSharing(t *testing.T) {
	ready := make(chan Pid, 1)
	release := make(chan struct{})

	init := func(tk *Task) {
		for i := 0; i < 2; i++ {
			if _, err := tk.ThreadCreate(func(tt *Task, arg uint64) {
				// Hold the thread alive until the test has looked.
				<-release
				tt.ThreadExit(0)
			}, 7); err != nil {
				t.Errorf("thread create: %v", err)
			}
		}
		ready <- tk.PID()
		park(tk)
	}

	k, _, _ := startKernel(t, testConfig(), init)
	ownerPid := recv(t, ready)

	k.extMu.Lock()
	tl := &k.ptable.lock
	tl.Acquire(k.extCPU)
	var owner *Task
	for i := range k.ptable.slots {
		if k.ptable.slots[i].pid == ownerPid {
			owner = &k.ptable.slots[i]
			break
		}
	}
	if owner == nil {
		t.Fatal("owner slot not found")
	}
	threads := 0
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused || p.role != RoleThread {
			continue
		}
		threads++
		if p.parent != owner.slot {
			t.Errorf("thread %d parented to slot %d, want owner %d", p.pid, p.parent, owner.slot)
		}
		if p.space != owner.space {
			t.Errorf("thread %d does not share the owner's address space", p.pid)
		}
		if p.tid != p.pid {
			t.Errorf("thread tid %d != pid %d", p.tid, p.pid)
		}
		var frame [8]byte
		if err := p.space.CopyIn(p.tf.SP, frame[:]); err != nil {
			t.Errorf("reading thread stack: %v", err)
			continue
		}
		if got := binary.LittleEndian.Uint32(frame[0:4]); got != stackSentinel {
			t.Errorf("stack sentinel %#x, want %#x", got, uint32(stackSentinel))
		}
		if got := binary.LittleEndian.Uint32(frame[4:8]); got != 7 {
			t.Errorf("stack argument %d, want 7", got)
		}
	}
	if owner.numThreads != 2 || threads != 2 {
		t.Errorf("thread bookkeeping: numThreads=%d live=%d, want 2/2", owner.numThreads, threads)
	}
	tl.Release(k.extCPU)
	k.extMu.Unlock()

	close(release)
}

// TestThreadStackReclaim checks R3: the owner's size returns to its
// pre-thread value once the last thread is joined.
func TestThreadStackReclaim(t *testing.T) {
	type sizes struct {
		before, during, after uint64
		sumDuring, sumAfter   int
	}
	res := make(chan sizes, 1)

	init := func(tk *Task) {
		var s sizes
		s.before = tk.Size()
		var tids []Pid
		for i := 0; i < 3; i++ {
			tid, err := tk.ThreadCreate(func(tt *Task, arg uint64) {
				tt.ThreadExit(0)
			}, 0)
			if err != nil {
				t.Errorf("thread create: %v", err)
			}
			tids = append(tids, tid)
		}
		s.during = tk.Size()
		s.sumDuring = tk.sumThreads
		for _, tid := range tids {
			if _, _, err := tk.ThreadJoin(tid); err != nil {
				t.Errorf("join: %v", err)
			}
		}
		s.after = tk.Size()
		s.sumAfter = tk.sumThreads
		res <- s
		park(tk)
	}

	k, _, _ := startKernel(t, testConfig(), init)
	s := recv(t, res)

	pageSize := k.plat.PageSize()
	if want := s.before + 3*2*pageSize; s.during != want {
		t.Errorf("size with threads %d, want %d", s.during, want)
	}
	if s.sumDuring != 3 {
		t.Errorf("sumThreads %d during, want 3", s.sumDuring)
	}
	if s.after != s.before {
		t.Errorf("size after last join %d, want %d", s.after, s.before)
	}
	if s.sumAfter != 0 {
		t.Errorf("sumThreads %d after, want 0", s.sumAfter)
	}
}

// TestGroupShareSplit reserves a share, grows threads, and checks the
// reservation is conserved across the group as threads come and go.
func TestGroupShareSplit(t *testing.T) {
	type snap struct {
		ownShare int64
		shares   []int64
	}
	res := make(chan snap, 1)

	init := func(tk *Task) {
		if _, err := tk.SetCPUShare(30); err != nil {
			t.Errorf("set share: %v", err)
		}
		var tids []Pid
		for i := 0; i < 2; i++ {
			tid, err := tk.ThreadCreate(func(tt *Task, arg uint64) {
				for {
					tt.Compute(1)
				}
			}, 0)
			if err != nil {
				t.Errorf("thread create: %v", err)
			}
			tids = append(tids, tid)
		}

		var s snap
		s.ownShare = tk.stride.Share
		for _, info := range tk.Kernel().Tasks() {
			if info.Role == RoleThread && info.IsStride {
				s.shares = append(s.shares, info.Share)
			}
		}
		res <- s
		park(tk)
	}

	k, _, _ := startKernel(t, testConfig(), init)
	s := recv(t, res)

	var total int64 = s.ownShare
	for _, sh := range s.shares {
		total += sh
	}
	if total != 30 {
		t.Errorf("group shares sum to %d, want 30 (own=%d threads=%v)", total, s.ownShare, s.shares)
	}
	if len(s.shares) != 2 {
		t.Errorf("%d stride threads, want 2", len(s.shares))
	}
	checkShareConservation(t, k)
}

// TestThreadExitExitsProcess drives the thread-calls-exit path: the
// whole group comes down, the owner goes Zombie, and init reaps both the
// owner and the exiting thread's slot.
func TestThreadExitExitsProcess(t *testing.T) {
	type result struct {
		reaped []Pid
		tasks  int
	}
	res := make(chan result, 1)

	init := func(tk *Task) {
		procPid, err := tk.Fork(func(pt *Task) {
			// One thread lingers, one pulls the whole process down
			// with a plain exit.
			if _, err := pt.ThreadCreate(func(tt *Task, arg uint64) {
				for {
					tt.Compute(1)
				}
			}, 0); err != nil {
				t.Errorf("thread create: %v", err)
			}
			if _, err := pt.ThreadCreate(func(tt *Task, arg uint64) {
				tt.Compute(2)
				tt.Exit()
			}, 0); err != nil {
				t.Errorf("thread create: %v", err)
			}
			_, _ = pt.Wait()
			park(pt)
		})
		if err != nil {
			t.Errorf("fork: %v", err)
		}
		_ = procPid

		var r result
		for i := 0; i < 2; i++ {
			pid, err := tk.Wait()
			if err != nil {
				t.Errorf("wait %d: %v", i, err)
				break
			}
			r.reaped = append(r.reaped, pid)
		}
		r.tasks = len(tk.Kernel().Tasks())
		res <- r
		park(tk)
	}

	k, plat, _ := startKernel(t, testConfig(), init)
	r := recv(t, res)

	if len(r.reaped) != 2 {
		t.Fatalf("init reaped %d tasks, want 2 (owner and exiting thread)", len(r.reaped))
	}
	if r.tasks != 1 {
		t.Errorf("%d tasks left, want 1", r.tasks)
	}
	if got := plat.LiveKernelStacks(); got != 1 {
		t.Errorf("live kernel stacks %d, want 1", got)
	}
	if got := plat.LiveAddressSpaces(); got != 1 {
		t.Errorf("live address spaces %d, want 1", got)
	}
	checkShareConservation(t, k)
}
