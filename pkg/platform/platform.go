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

// Package platform defines the contracts the kernel requires from the
// machine underneath it: resumable execution contexts, user address
// spaces, and kernel stacks. The kernel treats all three as opaque; a
// platform implementation decides how they are realized.
package platform

// AddressSpace is a handle to a user page directory. Sizes and addresses
// are in bytes; implementations work at page granularity.
//
// An AddressSpace may be shared by several tasks. Activate and Deactivate
// bracket the window in which a CPU runs user code against the space; the
// kernel keeps the pairs balanced per dispatch.
type AddressSpace interface {
	// Copy returns a deep copy of the space up to size bytes.
	Copy(size uint64) (AddressSpace, error)

	// Grow extends the space from oldSize to newSize bytes and returns
	// the new size. newSize must not be smaller than oldSize.
	Grow(oldSize, newSize uint64) (uint64, error)

	// Shrink releases the pages between newSize and oldSize and returns
	// the new size.
	Shrink(oldSize, newSize uint64) (uint64, error)

	// Activate makes the space current for user execution on the
	// calling CPU.
	Activate()

	// Deactivate switches the calling CPU back to the kernel mapping.
	Deactivate()

	// CopyOut writes src into the space at addr.
	CopyOut(addr uint64, src []byte) error

	// CopyIn reads len(dst) bytes from the space at addr.
	CopyIn(addr uint64, dst []byte) error

	// Release frees the page directory. The caller guarantees no task
	// references the space afterwards.
	Release()
}

// KernelStack is an exclusively owned kernel stack.
type KernelStack interface {
	// Release frees the stack.
	Release()
}

// Platform allocates address spaces and kernel stacks.
type Platform interface {
	// NewAddressSpace returns a fresh, empty address space.
	NewAddressSpace() (AddressSpace, error)

	// NewKernelStack allocates a kernel stack.
	NewKernelStack() (KernelStack, error)

	// PageSize returns the platform page size in bytes.
	PageSize() uint64
}
