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

// Package vfs provides the filesystem surface the kernel depends on: open
// file descriptions, reference-counted inodes, a write-ahead-log bracket,
// and path resolution. The in-memory implementation keeps its namespace
// in a btree so the simulator can list it in order.
package vfs

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

// ErrNotFound is returned by Resolve for a path with no inode.
var ErrNotFound = errors.New("vfs: no such path")

// maxConcurrentOps bounds the number of filesystem operations inside the
// log bracket at once, standing in for a real log's block budget.
const maxConcurrentOps = 8

// An Inode is a reference-counted file identity. Get and Put pair; an
// unlinked inode is already out of the namespace and stays usable through
// the references still held until the final Put. Puts must
// happen inside a BeginOp/EndOp bracket and outside the kernel's table
// lock.
type Inode struct {
	fs   *FileSystem
	path string

	// refs is guarded by fs.mu.
	refs int

	// unlinked is guarded by fs.mu.
	unlinked bool

	mu   sync.Mutex
	data []byte
}

// Less orders inodes by path for the namespace btree.
func (i *Inode) Less(than btree.Item) bool {
	return i.path < than.(*Inode).path
}

// Path returns the inode's path.
func (i *Inode) Path() string { return i.path }

// Get takes a reference.
func (i *Inode) Get() *Inode {
	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()
	if i.refs <= 0 {
		panic(fmt.Sprintf("vfs: get of dead inode %q", i.path))
	}
	i.refs++
	return i
}

// Put drops a reference.
func (i *Inode) Put() {
	i.fs.mu.Lock()
	defer i.fs.mu.Unlock()
	if i.fs.ops == 0 {
		panic(fmt.Sprintf("vfs: put of %q outside log operation", i.path))
	}
	i.refs--
	if i.refs < 0 {
		panic(fmt.Sprintf("vfs: refcount underflow on %q", i.path))
	}
	if i.refs == 0 && i.unlinked {
		i.fs.namespace.Delete(i)
	}
}

// Write replaces the inode contents.
func (i *Inode) Write(data []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.data = append(i.data[:0], data...)
}

// Read returns a copy of the inode contents.
func (i *Inode) Read() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]byte(nil), i.data...)
}

// A File is an open file description. Dup'd descriptors share one File;
// the description closes when the last reference does.
type File struct {
	ino  *Inode
	refs atomic.Int32
}

// Inode returns the file's inode.
func (f *File) Inode() *Inode { return f.ino }

// Dup takes a reference on the description.
func (f *File) Dup() *File {
	if f.refs.Add(1) <= 1 {
		panic("vfs: dup of closed file")
	}
	f.ino.fs.opens.Add(1)
	return f
}

// Close drops a reference; the last close releases the inode inside a log
// bracket of its own.
func (f *File) Close() {
	fs := f.ino.fs
	fs.opens.Add(-1)
	if f.refs.Add(-1) > 0 {
		return
	}
	fs.BeginOp()
	f.ino.Put()
	fs.EndOp()
}

// FileSystem is the in-memory filesystem.
type FileSystem struct {
	mu        sync.Mutex
	namespace *btree.BTree
	root      *Inode
	mounted   bool

	// ops is the number of operations inside the log bracket; opCond
	// signals a bracket closing.
	ops    int
	opCond *sync.Cond

	opens atomic.Int64
}

// NewMemFS returns an unmounted filesystem with a root inode.
func NewMemFS() *FileSystem {
	fs := &FileSystem{namespace: btree.New(8)}
	fs.opCond = sync.NewCond(&fs.mu)
	fs.root = &Inode{fs: fs, path: "/", refs: 1}
	fs.namespace.ReplaceOrInsert(fs.root)
	return fs
}

// Mount marks the filesystem mounted; the in-memory log keeps nothing
// across runs, so there is no recovery step. The kernel calls it from the
// first task to be dispatched; it is idempotent.
func (fs *FileSystem) Mount() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.mounted = true
	return nil
}

// BeginOp opens a log bracket, blocking while the log is at capacity.
func (fs *FileSystem) BeginOp() {
	fs.mu.Lock()
	for fs.ops >= maxConcurrentOps {
		fs.opCond.Wait()
	}
	fs.ops++
	fs.mu.Unlock()
}

// EndOp closes a log bracket.
func (fs *FileSystem) EndOp() {
	fs.mu.Lock()
	fs.ops--
	if fs.ops < 0 {
		panic("vfs: unbalanced log operation")
	}
	fs.mu.Unlock()
	fs.opCond.Broadcast()
}

// Resolve walks path to an inode and takes a reference on it.
func (fs *FileSystem) Resolve(path string) (*Inode, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	item := fs.namespace.Get(&Inode{path: path})
	if item == nil {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	ino := item.(*Inode)
	ino.refs++
	return ino, nil
}

// Create makes an inode at path if none exists and returns it referenced.
func (fs *FileSystem) Create(path string) *Inode {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if item := fs.namespace.Get(&Inode{path: path}); item != nil {
		ino := item.(*Inode)
		ino.refs++
		return ino
	}
	ino := &Inode{fs: fs, path: path, refs: 2} // namespace + caller
	fs.namespace.ReplaceOrInsert(ino)
	return ino
}

// Remove unlinks path. The inode lingers until its last reference is
// put.
func (fs *FileSystem) Remove(path string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	item := fs.namespace.Get(&Inode{path: path})
	if item == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, path)
	}
	ino := item.(*Inode)
	if ino == fs.root {
		return fmt.Errorf("vfs: cannot remove the root")
	}
	ino.unlinked = true
	fs.namespace.Delete(ino)
	ino.refs-- // the namespace's own reference
	return nil
}

// Open opens path as a file description.
func (fs *FileSystem) Open(path string) (*File, error) {
	ino, err := fs.Resolve(path)
	if err != nil {
		return nil, err
	}
	f := &File{ino: ino}
	f.refs.Store(1)
	fs.opens.Add(1)
	return f, nil
}

// OpenFiles returns the number of live file references, dup'd descriptors
// included.
func (fs *FileSystem) OpenFiles() int64 { return fs.opens.Load() }

// Walk visits every path in namespace order.
func (fs *FileSystem) Walk(fn func(path string) bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.namespace.Ascend(func(item btree.Item) bool {
		return fn(item.(*Inode).path)
	})
}
