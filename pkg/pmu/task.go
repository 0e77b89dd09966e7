// Copyright 2019-2020 Intel Corporation. All Rights Reserved.
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

package pmu

import (
	"sync"
	"sync/atomic"

	"github.com/intel/pmu-manager/pkg/pmu/smpl"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

// InitPID is the reserved task id which can never be a notification target.
const InitPID = 1

// Identity describes the credentials of a task.
type Identity struct {
	PID     int  // task id
	Session int  // login session
	UID     int  // real user id
	EUID    int  // effective user id
	Ptrace  bool // allowed to inspect any task
	Idle    bool // the idle task of a core
}

// trap states of a task returning to user space
const (
	trapNone    int32 = iota // nothing to do
	trapReset                // apply pending restart
	trapBlock                // block until restarted
	trapWaiting              // blocked, waiting for restart
)

// Task is a schedulable entity which may own a monitoring context.
type Task struct {
	Identity
	affinity cpuset.CPUSet
	space    *smpl.AddressSpace
	free     *smpl.FreeList

	core      atomic.Int64            // core running the task, -1 if none
	ctx       atomic.Pointer[Context] // context owned by the task
	monitored atomic.Bool             // set while the task owns a context
	trap      atomic.Int32            // pending work on return to user space
	restart   chan struct{}           // wakes a blocked task

	mu     sync.Mutex            // protects refs, exited
	refs   map[*Context]struct{} // contexts referring to this task
	exited bool                  // set once the task starts exiting
}

func newTask(id Identity, affinity cpuset.CPUSet, space *smpl.AddressSpace) *Task {
	t := &Task{
		Identity: id,
		affinity: affinity,
		space:    space,
		free:     &smpl.FreeList{},
		restart:  make(chan struct{}, 1),
		refs:     map[*Context]struct{}{},
	}
	t.core.Store(-1)
	return t
}

// Affinity returns the set of cores the task may run on.
func (t *Task) Affinity() cpuset.CPUSet {
	return t.affinity
}

// Space returns the address space of the task.
func (t *Task) Space() *smpl.AddressSpace {
	return t.space
}

// Context returns the context owned by the task, if any.
func (t *Task) Context() *Context {
	return t.ctx.Load()
}

// Core returns the core running the task, or -1.
func (t *Task) Core() int {
	return int(t.core.Load())
}

// MustBlock checks if the task has to block before returning to user space.
func (t *Task) MustBlock() bool {
	switch t.trap.Load() {
	case trapBlock, trapWaiting:
		return true
	}
	return false
}

// addRef registers a context referring to the task. It fails once the task
// is exiting.
func (t *Task) addRef(ctx *Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.exited {
		return false
	}
	t.refs[ctx] = struct{}{}
	return true
}

func (t *Task) dropRef(ctx *Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.refs, ctx)
}

// exit marks the task exiting. No new references can be registered after.
func (t *Task) exit() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exited = true
}

func (t *Task) takeRefs() []*Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	refs := make([]*Context, 0, len(t.refs))
	for ctx := range t.refs {
		refs = append(refs, ctx)
	}
	t.refs = map[*Context]struct{}{}
	return refs
}

// mayNotify checks if t may send notifications to target.
func (t *Task) mayNotify(target *Task) bool {
	switch {
	case t.Ptrace:
		return true
	case t.Session == target.Session:
		return true
	case t.UID == target.UID && t.UID == target.EUID:
		return true
	}
	return false
}
