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

package platform

// A Context is a resumable execution context: the saved callee-state of a
// kernel control flow. It is realized over goroutine parking; switching
// contexts transfers the logical CPU between goroutines, exactly one of
// which is runnable at a time per CPU.
//
// A fresh Context carries an entry function instead of saved state. The
// first switch into it starts the entry on a new goroutine; subsequent
// switches resume wherever the context last parked.
type Context struct {
	resume chan struct{}
	entry  func()
}

// NewContext returns a context that begins execution at entry when first
// switched to.
func NewContext(entry func()) *Context {
	return &Context{
		resume: make(chan struct{}, 1),
		entry:  entry,
	}
}

// NewRunningContext returns a context for an already-running control
// flow, giving it an identity to park under when it switches away.
func NewRunningContext() *Context {
	return &Context{resume: make(chan struct{}, 1)}
}

// transfer resumes c: it starts the entry if c has never run, and unparks
// the owning goroutine otherwise.
func (c *Context) transfer() {
	if c.entry != nil {
		entry := c.entry
		c.entry = nil
		go entry()
		return
	}
	c.resume <- struct{}{}
}

// Switch saves the caller into from and resumes to. The caller parks until
// another Switch (or Finish) names from as its target.
func Switch(from, to *Context) {
	to.transfer()
	<-from.resume
}

// Finish resumes to without saving the caller. It is the terminal transfer
// out of a control flow that will never be resumed; the caller is expected
// to unwind its goroutine immediately afterwards.
func Finish(to *Context) {
	to.transfer()
}
