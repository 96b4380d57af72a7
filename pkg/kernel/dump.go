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
	"io"
	"runtime"
)

// Dump writes one line per non-Unused task: pid, state, name, and for a
// sleeper the call stack of the sleep site. It takes no lock so a wedged
// kernel can still be inspected.
func (k *Kernel) Dump(w io.Writer) {
	for i := range k.ptable.slots {
		p := &k.ptable.slots[i]
		if p.state == TaskUnused {
			continue
		}
		fmt.Fprintf(w, "%d %s %s", p.pid, p.state, p.name)
		if p.state == TaskSleeping && len(p.sleepPCs) > 0 {
			frames := runtime.CallersFrames(p.sleepPCs)
			for n := 0; n < 10; n++ {
				frame, more := frames.Next()
				if frame.Function != "" {
					fmt.Fprintf(w, " %s", frame.Function)
				}
				if !more {
					break
				}
			}
		}
		fmt.Fprintln(w)
	}
}
