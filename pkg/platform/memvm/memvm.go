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

// Package memvm is an in-memory platform: address spaces are page maps,
// kernel stacks are single pages, and activation is bookkeeping. It backs
// tests and the simulator.
package memvm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/mohae/deepcopy"

	"github.com/heeveloper/kernos/pkg/platform"
)

// PageSize is the memvm page size in bytes.
const PageSize = 4096

// ErrNoMemory is returned when an allocation would exceed the platform's
// page budget.
var ErrNoMemory = errors.New("memvm: out of memory")

type page [PageSize]byte

// Platform is an in-memory platform.Platform. The zero budget means
// unlimited; a positive budget makes allocations fail past it, which lets
// tests exercise the kernel's rollback paths.
type Platform struct {
	mu        sync.Mutex
	maxPages  int
	usedPages int

	liveSpaces atomic.Int64
	liveStacks atomic.Int64
}

// New returns a platform with an unlimited page budget.
func New() *Platform {
	return &Platform{}
}

// NewLimited returns a platform that refuses allocations beyond maxPages.
func NewLimited(maxPages int) *Platform {
	return &Platform{maxPages: maxPages}
}

// PageSize implements platform.Platform.PageSize.
func (p *Platform) PageSize() uint64 { return PageSize }

// LiveAddressSpaces returns the number of address spaces not yet released.
func (p *Platform) LiveAddressSpaces() int64 { return p.liveSpaces.Load() }

// LiveKernelStacks returns the number of kernel stacks not yet released.
func (p *Platform) LiveKernelStacks() int64 { return p.liveStacks.Load() }

func (p *Platform) reserve(n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.maxPages > 0 && p.usedPages+n > p.maxPages {
		return ErrNoMemory
	}
	p.usedPages += n
	return nil
}

func (p *Platform) unreserve(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.usedPages -= n
	if p.usedPages < 0 {
		panic(fmt.Sprintf("memvm: page accounting underflow (%d)", p.usedPages))
	}
}

// NewAddressSpace implements platform.Platform.NewAddressSpace.
func (p *Platform) NewAddressSpace() (platform.AddressSpace, error) {
	p.liveSpaces.Add(1)
	return &Space{
		plat:  p,
		pages: make(map[uint64]*page),
	}, nil
}

// NewKernelStack implements platform.Platform.NewKernelStack.
func (p *Platform) NewKernelStack() (platform.KernelStack, error) {
	if err := p.reserve(1); err != nil {
		return nil, err
	}
	p.liveStacks.Add(1)
	return &Stack{plat: p}, nil
}

// Stack is a one-page kernel stack.
type Stack struct {
	plat     *Platform
	released atomic.Bool
	buf      page
}

// Release implements platform.KernelStack.Release.
func (s *Stack) Release() {
	if s.released.Swap(true) {
		panic("memvm: kernel stack double free")
	}
	s.plat.unreserve(1)
	s.plat.liveStacks.Add(-1)
}

// Space is an in-memory address space: a sparse map from page index to
// page contents.
type Space struct {
	plat *Platform

	mu       sync.Mutex
	pages    map[uint64]*page
	released bool

	active atomic.Int64
}

// Released reports whether the space has been freed.
func (s *Space) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Pages returns the number of resident pages.
func (s *Space) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pages)
}

func pageCount(size uint64) uint64 {
	return (size + PageSize - 1) / PageSize
}

// Copy implements platform.AddressSpace.Copy.
func (s *Space) Copy(size uint64) (platform.AddressSpace, error) {
	s.mu.Lock()
	snapshot := make(map[uint64]*page, len(s.pages))
	n := pageCount(size)
	for idx, pg := range s.pages {
		if idx < n {
			snapshot[idx] = pg
		}
	}
	s.mu.Unlock()

	if err := s.plat.reserve(len(snapshot)); err != nil {
		return nil, err
	}
	dup := deepcopy.Copy(snapshot).(map[uint64]*page)
	s.plat.liveSpaces.Add(1)
	return &Space{plat: s.plat, pages: dup}, nil
}

// Grow implements platform.AddressSpace.Grow.
func (s *Space) Grow(oldSize, newSize uint64) (uint64, error) {
	if newSize < oldSize {
		return 0, fmt.Errorf("memvm: grow from %d to %d", oldSize, newSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic("memvm: grow of released space")
	}
	var fresh []uint64
	for idx := pageCount(oldSize); idx < pageCount(newSize); idx++ {
		if _, ok := s.pages[idx]; !ok {
			fresh = append(fresh, idx)
		}
	}
	if err := s.plat.reserve(len(fresh)); err != nil {
		return 0, err
	}
	for _, idx := range fresh {
		s.pages[idx] = new(page)
	}
	return newSize, nil
}

// Shrink implements platform.AddressSpace.Shrink.
func (s *Space) Shrink(oldSize, newSize uint64) (uint64, error) {
	if newSize > oldSize {
		return 0, fmt.Errorf("memvm: shrink from %d to %d", oldSize, newSize)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := 0
	for idx := pageCount(newSize); idx < pageCount(oldSize); idx++ {
		if _, ok := s.pages[idx]; ok {
			delete(s.pages, idx)
			freed++
		}
	}
	s.plat.unreserve(freed)
	return newSize, nil
}

// Activate implements platform.AddressSpace.Activate.
func (s *Space) Activate() {
	s.active.Add(1)
}

// Deactivate implements platform.AddressSpace.Deactivate.
//
// Deactivate tolerates a released space: an exiting task's space may be
// torn down by a sibling on another CPU before the dispatching scheduler
// switches back to its kernel mapping.
func (s *Space) Deactivate() {
	if s.active.Add(-1) < 0 {
		panic("memvm: deactivate without activate")
	}
}

// Active returns the number of CPUs currently running user code against
// the space.
func (s *Space) Active() int64 { return s.active.Load() }

// CopyOut implements platform.AddressSpace.CopyOut.
func (s *Space) CopyOut(addr uint64, src []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(src); {
		idx := (addr + uint64(i)) / PageSize
		off := (addr + uint64(i)) % PageSize
		pg, ok := s.pages[idx]
		if !ok {
			return fmt.Errorf("memvm: copyout to unmapped address %#x", addr+uint64(i))
		}
		n := copy(pg[off:], src[i:])
		i += n
	}
	return nil
}

// CopyIn implements platform.AddressSpace.CopyIn.
func (s *Space) CopyIn(addr uint64, dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < len(dst); {
		idx := (addr + uint64(i)) / PageSize
		off := (addr + uint64(i)) % PageSize
		pg, ok := s.pages[idx]
		if !ok {
			return fmt.Errorf("memvm: copyin from unmapped address %#x", addr+uint64(i))
		}
		n := copy(dst[i:], pg[off:])
		i += n
	}
	return nil
}

// Release implements platform.AddressSpace.Release.
func (s *Space) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		panic("memvm: address space double free")
	}
	s.released = true
	s.plat.unreserve(len(s.pages))
	s.pages = nil
	s.plat.liveSpaces.Add(-1)
}
