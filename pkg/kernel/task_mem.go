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

	"github.com/heeveloper/kernos/pkg/platform"
)

// Grow adjusts the caller's heap by n bytes and returns the new size. A
// thread delegates to the owning process: the shared space and the
// owner's size are what move.
func (t *Task) Grow(n int64) (uint64, error) {
	k := t.k
	owner := &k.ptable.slots[t.owner()]

	k.plock.Acquire(t.cpu)
	defer k.plock.Release(t.cpu)

	size := owner.size
	switch {
	case n > 0:
		sz, err := owner.space.Grow(size, size+uint64(n))
		if err != nil {
			return 0, fmt.Errorf("kernel: grow: %w", err)
		}
		size = sz
	case n < 0:
		if uint64(-n) > size {
			return 0, fmt.Errorf("kernel: shrink below zero")
		}
		sz, err := owner.space.Shrink(size, size-uint64(-n))
		if err != nil {
			return 0, fmt.Errorf("kernel: shrink: %w", err)
		}
		size = sz
	}
	owner.size = size
	return size, nil
}

// Size returns the heap top, delegating to the owner for a thread.
func (t *Task) Size() uint64 {
	owner := &t.k.ptable.slots[t.owner()]
	return owner.size
}

// AddressSpace returns the task's page directory handle.
func (t *Task) AddressSpace() platform.AddressSpace {
	return t.space
}
