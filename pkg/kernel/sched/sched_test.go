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

package sched

import "testing"

func TestStrideFor(t *testing.T) {
	for _, tc := range []struct {
		share, want int64
	}{
		{share: 100, want: 100},
		{share: 50, want: 200},
		{share: 20, want: 500},
		{share: 1, want: 10000},
	} {
		if got := StrideFor(tc.share); got != tc.want {
			t.Errorf("StrideFor(%d) = %d, want %d", tc.share, got, tc.want)
		}
	}
}

func TestStrideAdvance(t *testing.T) {
	s := NewStride(25, 7)
	if s.Stride != 400 || s.Pass != 7 {
		t.Fatalf("NewStride(25, 7) = %+v", s)
	}
	s.Advance()
	s.Advance()
	if s.Pass != 807 {
		t.Errorf("pass %d after two advances, want 807", s.Pass)
	}
}

func TestPoolAdmission(t *testing.T) {
	p := NewPool()
	if p.Share != ShareCap || p.Stride != 100 {
		t.Fatalf("fresh pool %+v", p)
	}

	if !p.CanAdmit(80, 0) {
		t.Error("80 points should leave exactly the floor")
	}
	if p.CanAdmit(81, 0) {
		t.Error("81 points would break the floor")
	}
	if p.CanAdmit(0, 0) || p.CanAdmit(-3, 0) {
		t.Error("non-positive requests must not admit")
	}

	p.Admit(40)
	p.Admit(40)
	if p.Share != 20 || p.Stride != 500 {
		t.Errorf("pool after admissions %+v", p)
	}
	if p.CanAdmit(1, 0) {
		t.Error("nothing admits at the floor")
	}
	// A refund in flight counts toward the check.
	if !p.CanAdmit(40, 40) {
		t.Error("a 40-point refund should cover a 40-point request")
	}

	p.Release(40)
	if p.Share != 60 {
		t.Errorf("pool share %d after release, want 60", p.Share)
	}
}

func TestPoolEpoch(t *testing.T) {
	p := NewPool()
	p.Pass = EpochSentinel - 1
	if p.NeedsEpochReset() {
		t.Error("reset before the sentinel")
	}
	p.Advance()
	if !p.NeedsEpochReset() {
		t.Error("no reset after crossing the sentinel")
	}
}

func TestMLFQChargeAndSettle(t *testing.T) {
	l := DefaultLevels()
	var m MLFQ

	// Five one-tick dispatches exhaust the top allotment.
	for i := 0; i < 5; i++ {
		if q := m.ChargeDispatch(l); q != 1 {
			t.Fatalf("L0 quantum %d, want 1", q)
		}
		moved := m.Settle(l)
		if i < 4 && (moved || m.Level != 0) {
			t.Fatalf("moved early at dispatch %d: %+v", i, m)
		}
		if i == 4 && (!moved || m.Level != 1 || m.Ticks != 0) {
			t.Fatalf("no demotion after the allotment: %+v", m)
		}
	}

	// Five two-tick dispatches exhaust the middle allotment.
	for i := 0; i < 5; i++ {
		if q := m.ChargeDispatch(l); q != 2 {
			t.Fatalf("L1 quantum %d, want 2", q)
		}
		m.Settle(l)
	}
	if m.Level != 2 {
		t.Fatalf("level %d after the middle allotment, want 2", m.Level)
	}

	// The bottom level boosts instead of demoting.
	for i := 0; i < 25; i++ {
		m.ChargeDispatch(l)
		m.Settle(l)
	}
	if m.Level != 0 || m.Ticks != 0 {
		t.Errorf("after the bottom allotment %+v, want boost to L0", m)
	}
}

func TestLevelsValidate(t *testing.T) {
	l := DefaultLevels()
	if err := l.Validate(); err != nil {
		t.Errorf("default levels invalid: %v", err)
	}
	l.Quantum[1] = 0
	if err := l.Validate(); err == nil {
		t.Error("zero quantum accepted")
	}
}
