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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

// ContextID identifies a monitoring context.
type ContextID uint64

// State is the state of a monitoring context.
type State int

const (
	// Disabled contexts are not installed on any core.
	Disabled State = iota
	// Enabled contexts are installed whenever their task runs.
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Flags are the creation flags of a context.
type Flags uint32

const (
	// SystemWide monitors a single core instead of a task.
	SystemWide Flags = 1 << iota
	// BlockingNotify blocks the monitored task until restarted on overflow
	// notifications sent to another task.
	BlockingNotify
	// ExcludeIdle stops system-wide counting while the idle task runs.
	ExcludeIdle
	// Unsecure allows user-level access to the monitoring registers.
	Unsecure
)

// InheritMode controls inheritance of a context across fork.
type InheritMode int

const (
	// InheritNone does not pass the context to children.
	InheritNone InheritMode = iota
	// InheritOnce passes the context to the first child only.
	InheritOnce
	// InheritAll passes the context to every child.
	InheritAll
)

func (m InheritMode) String() string {
	switch m {
	case InheritNone:
		return "none"
	case InheritOnce:
		return "once"
	case InheritAll:
		return "all"
	}
	return fmt.Sprintf("<invalid inherit mode %d>", int(m))
}

// CounterFlags are the per-counter overflow flags.
type CounterFlags uint32

const (
	// NotifyOnOverflow requests a notification when the counter overflows.
	NotifyOnOverflow CounterFlags = 1 << iota
	// RandomizeReset perturbs reset values with a pseudo-random value.
	RandomizeReset
)

// VirtualCounter extends a hardware counting register to 64 bits.
type VirtualCounter struct {
	Accumulated uint64      // bits above the hardware counter width
	LastReset   uint64      // the value last used to reset the counter
	LongReset   uint64      // reset value on restart after notification
	ShortReset  uint64      // reset value on overflow without notification
	ResetDeps   regset.Mask // other counters to reset with this one
	Seed        uint64      // reset randomization seed
	RandMask    uint64      // reset randomization mask
	Flags       CounterFlags
}

// Context is a monitoring context.
type Context struct {
	id     ContextID
	flags  Flags
	cores  cpuset.CPUSet // cores of a system-wide context
	core   atomic.Int64  // core this context owns, -1 if none
	closed atomic.Bool   // set once destroyed

	// notifyLock protects owner and notifyTarget.
	notifyLock   sync.Mutex
	owner        *Task
	notifyTarget *Task

	// mu protects everything below.
	mu             sync.Mutex
	state          State
	inherit        InheritMode
	frozen         bool
	protected      bool
	usingDebug     bool
	stopped        bool // counting stopped, privilege state saved
	usedCounters   regset.Mask
	reloadCounters regset.Mask
	usedControls   regset.Mask
	reloadControls regset.Mask
	counters       [regset.MaxRegisters]VirtualCounter
	hwSaved        [regset.MaxRegisters]uint64
	controls       [regset.MaxRegisters]uint64
	debug          []uint64
	pending        regset.Mask
	buf            *smpl.Buffer
	bufAddr        uint64
	sampled        regset.Mask
	lastActivation uint64
	lastCore       int
	savedPriv      hw.PrivilegeState
	savedStatus    uint64
	ownerPID       int
}

// Info is a snapshot of the state of a context.
type Info struct {
	ID              ContextID
	State           State
	Flags           Flags
	Inherit         InheritMode
	Frozen          bool
	Protected       bool
	UsingDebugRegs  bool
	UsedCounters    regset.Mask
	ReloadCounters  regset.Mask
	UsedControls    regset.Mask
	ReloadControls  regset.Mask
	PendingOverflow regset.Mask
	SampleRegisters regset.Mask
	BufferAddr      uint64
	HasBuffer       bool
	LastActivation  uint64
	LastCore        int
	Resident        int
	Owner           int
	NotifyTarget    int
}

// ID returns the id of the context.
func (ctx *Context) ID() ContextID {
	return ctx.id
}

// Is checks if all the given flags are set for the context.
func (ctx *Context) Is(flags Flags) bool {
	return ctx.flags&flags == flags
}

// Buffer returns the sample buffer of the context, if any.
func (ctx *Context) Buffer() *smpl.Buffer {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.buf
}

// Info returns a snapshot of the context state.
func (ctx *Context) Info() Info {
	ctx.mu.Lock()
	info := Info{
		ID:              ctx.id,
		State:           ctx.state,
		Flags:           ctx.flags,
		Inherit:         ctx.inherit,
		Frozen:          ctx.frozen,
		Protected:       ctx.protected,
		UsingDebugRegs:  ctx.usingDebug,
		UsedCounters:    ctx.usedCounters,
		ReloadCounters:  ctx.reloadCounters,
		UsedControls:    ctx.usedControls,
		ReloadControls:  ctx.reloadControls,
		PendingOverflow: ctx.pending,
		SampleRegisters: ctx.sampled,
		BufferAddr:      ctx.bufAddr,
		HasBuffer:       ctx.buf != nil,
		LastActivation:  ctx.lastActivation,
		LastCore:        ctx.lastCore,
		Resident:        int(ctx.core.Load()),
	}
	ctx.mu.Unlock()

	ctx.notifyLock.Lock()
	if ctx.owner != nil {
		info.Owner = ctx.owner.PID
	}
	if ctx.notifyTarget != nil {
		info.NotifyTarget = ctx.notifyTarget.PID
	}
	ctx.notifyLock.Unlock()

	return info
}

// Counter returns a copy of the software state of a counter.
func (ctx *Context) Counter(id int) VirtualCounter {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if !regset.Valid(id) {
		return VirtualCounter{}
	}
	return ctx.counters[id]
}

// checkMasks checks that the reload masks cover the used ones.
func (ctx *Context) checkMasks() error {
	if !ctx.reloadCounters.Contains(ctx.usedCounters) {
		return errors.Wrapf(ErrInvariant, "context %d: used counters %s not in reload set %s",
			ctx.id, ctx.usedCounters, ctx.reloadCounters)
	}
	if !ctx.reloadControls.Contains(ctx.usedControls) {
		return errors.Wrapf(ErrInvariant, "context %d: used controls %s not in reload set %s",
			ctx.id, ctx.usedControls, ctx.reloadControls)
	}
	return nil
}

// invalidate forces a full reload the next time the context is loaded.
func (ctx *Context) invalidate() {
	ctx.lastActivation = 0
	ctx.lastCore = -1
}

// monitorBits returns the privilege state bits which enable counting.
func (ctx *Context) monitorBits() hw.PrivilegeState {
	if ctx.Is(SystemWide) {
		return hw.MonitorBits
	}
	return hw.MonitorUser
}

// dump returns a multi-line description of the context for diagnostics.
func (ctx *Context) dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "context %d (owner pid %d)\n", ctx.id, ctx.ownerPID)
	fmt.Fprintf(&b, "state %s, flags %#x, inherit %s\n", ctx.state, uint32(ctx.flags), ctx.inherit)
	fmt.Fprintf(&b, "frozen %v, protected %v, debug %v, stopped %v\n",
		ctx.frozen, ctx.protected, ctx.usingDebug, ctx.stopped)
	fmt.Fprintf(&b, "counters used %s, reload %s\n", ctx.usedCounters, ctx.reloadCounters)
	fmt.Fprintf(&b, "controls used %s, reload %s\n", ctx.usedControls, ctx.reloadControls)
	fmt.Fprintf(&b, "pending %s, sampled %s\n", ctx.pending, ctx.sampled)
	fmt.Fprintf(&b, "last activation %d on core %d, resident on %d\n",
		ctx.lastActivation, ctx.lastCore, ctx.core.Load())
	fmt.Fprintf(&b, "privilege state %s, overflow status %#x", ctx.savedPriv, ctx.savedStatus)
	return b.String()
}
