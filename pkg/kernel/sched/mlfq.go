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

import "fmt"

// NumLevels is the number of feedback-queue levels.
const NumLevels = 3

// Levels carries the per-level dispatch quantum and demotion allotment,
// both in ticks.
type Levels struct {
	Quantum   [NumLevels]int
	Allotment [NumLevels]int
}

// DefaultLevels returns the stock level tables.
func DefaultLevels() Levels {
	return Levels{
		Quantum:   [NumLevels]int{1, 2, 4},
		Allotment: [NumLevels]int{5, 10, 100},
	}
}

// Validate checks the tables for positive entries.
func (l Levels) Validate() error {
	for i := 0; i < NumLevels; i++ {
		if l.Quantum[i] <= 0 || l.Allotment[i] <= 0 {
			return fmt.Errorf("sched: level %d tables must be positive", i)
		}
	}
	return nil
}

// MLFQ is a task's feedback-queue position.
type MLFQ struct {
	// Level is the task's current queue, 0 highest.
	Level int

	// Ticks is the time charged against the current level's allotment.
	Ticks int
}

// ChargeDispatch charges one dispatch at the task's level against its
// allotment and returns the level's quantum, the tick budget for the
// dispatch.
func (m *MLFQ) ChargeDispatch(l Levels) int {
	q := l.Quantum[m.Level]
	m.Ticks += q
	return q
}

// Settle applies demotion after a dispatch: a task over its allotment
// moves down one level, and a task over the bottom level's allotment is
// boosted back to the top. The boost is the sole aging mechanism. Settle
// reports whether the task moved.
func (m *MLFQ) Settle(l Levels) bool {
	if m.Ticks < l.Allotment[m.Level] {
		return false
	}
	m.Ticks = 0
	if m.Level < NumLevels-1 {
		m.Level++
	} else {
		m.Level = 0
	}
	return true
}
