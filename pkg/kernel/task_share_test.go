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
	"errors"
	"testing"

	"github.com/heeveloper/kernos/pkg/kernel/sched"
)

// TestShareAdmission walks the admission sequence: two 40-point
// reservations drain the pool to its floor, after which every further
// request bounces until a reservation is reaped back.
func TestShareAdmission(t *testing.T) {
	type result struct {
		err25, err20, err19 error
		afterReap           int
		afterReapErr        error
	}
	res := make(chan result, 1)

	init := func(tk *Task) {
		k := tk.Kernel()
		aPid, err := tk.Fork(spinForever(40))
		if err != nil {
			t.Errorf("fork a: %v", err)
		}
		if _, err := tk.Fork(spinForever(40)); err != nil {
			t.Errorf("fork b: %v", err)
		}
		for {
			n := 0
			for _, info := range k.Tasks() {
				if info.IsStride {
					n++
				}
			}
			if n == 2 {
				break
			}
			tk.SleepTicks(20)
		}

		var r result
		_, r.err25 = tk.SetCPUShare(25)
		_, r.err20 = tk.SetCPUShare(20)
		_, r.err19 = tk.SetCPUShare(19)

		// Reaping a reservation refills the pool.
		_ = tk.Kill(aPid)
		if _, err := tk.Wait(); err != nil {
			t.Errorf("wait: %v", err)
		}
		r.afterReap, r.afterReapErr = tk.SetCPUShare(19)
		res <- r
		park(tk)
	}

	k, _, _ := startKernel(t, testConfig(), init)
	r := recv(t, res)

	for name, err := range map[string]error{"25": r.err25, "20": r.err20, "19": r.err19} {
		if !errors.Is(err, ErrShareTooLarge) {
			t.Errorf("set_cpu_share(%s) at the floor returned %v, want ErrShareTooLarge", name, err)
		}
	}
	if r.afterReapErr != nil {
		t.Fatalf("set_cpu_share(19) after reap: %v", r.afterReapErr)
	}
	if r.afterReap != 19 {
		t.Errorf("set_cpu_share(19) returned %d, want 19", r.afterReap)
	}
	checkShareConservation(t, k)
}

// TestShareRejectsNonPositive checks the input validation.
func TestShareRejectsNonPositive(t *testing.T) {
	res := make(chan [2]error, 1)
	init := func(tk *Task) {
		var r [2]error
		_, r[0] = tk.SetCPUShare(0)
		_, r[1] = tk.SetCPUShare(-5)
		res <- r
		park(tk)
	}
	startKernel(t, testConfig(), init)
	r := recv(t, res)
	for _, err := range r {
		if !errors.Is(err, ErrInvalidShare) {
			t.Errorf("got %v, want ErrInvalidShare", err)
		}
	}
}

// TestShareReadmission checks a second reservation refunds the first
// instead of leaking it out of the pool.
func TestShareReadmission(t *testing.T) {
	done := make(chan struct{}, 1)
	init := func(tk *Task) {
		if _, err := tk.SetCPUShare(50); err != nil {
			t.Errorf("first reservation: %v", err)
		}
		if _, err := tk.SetCPUShare(70); err != nil {
			t.Errorf("re-reservation: %v", err)
		}
		done <- struct{}{}
		park(tk)
	}

	k, _, _ := startKernel(t, testConfig(), init)
	recv(t, done)

	pool := k.Pool()
	if pool.Share != sched.ShareCap-70 {
		t.Errorf("pool share %d after re-reservation, want %d", pool.Share, sched.ShareCap-70)
	}
	checkShareConservation(t, k)
}
