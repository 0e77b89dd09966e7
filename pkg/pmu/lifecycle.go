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
	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/pmu/registry"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const allFlags = SystemWide | BlockingNotify | ExcludeIdle | Unsecure

// Request describes a context to create.
type Request struct {
	// Flags are the creation flags.
	Flags Flags
	// Inherit is the fork inheritance mode.
	Inherit InheritMode
	// NotifyPID is the task to notify on overflows, 0 for none.
	NotifyPID int
	// Cores is the core of a system-wide context.
	Cores cpuset.CPUSet
	// SampleRegisters are the counters recorded in samples.
	SampleRegisters regset.Mask
	// SampleEntries is the number of sample buffer entries, 0 for none.
	SampleEntries uint64
	// BufferAddr is set to the address of the mapped sample buffer.
	BufferAddr uint64
}

// Create creates a context owned by the caller.
func (s *Subsystem) Create(caller *Task, req *Request) (ContextID, error) {
	if err := s.validate(caller, req); err != nil {
		return 0, err
	}

	systemWide := req.Flags&SystemWide != 0
	cores := cpuset.New()
	if systemWide {
		cores = req.Cores.Clone()
	}

	id := s.newID()
	if err := s.registry.Reserve(registry.SessionID(id), systemWide, cores); err != nil {
		return 0, err
	}

	ctx, err := s.allocate(caller, id, cores, req)
	if err != nil {
		s.registry.Unreserve(registry.SessionID(id), systemWide, cores, false)
		return 0, err
	}

	if !caller.ctx.CompareAndSwap(nil, ctx) {
		s.release(caller, ctx)
		s.registry.Unreserve(registry.SessionID(id), systemWide, cores, false)
		return 0, errors.Wrapf(ErrBusy, "task %d already has a context", caller.PID)
	}
	caller.monitored.Store(true)
	if err := s.attach(ctx); err != nil {
		if derr := s.destroy(ctx); derr != nil {
			s.Debug("context %d: %v", id, derr)
		}
		return 0, err
	}

	s.Debug("task %d created context %d (flags %#x, inherit %s, notify %d)",
		caller.PID, id, uint32(req.Flags), req.Inherit, req.NotifyPID)

	return id, nil
}

// validate checks a creation request.
func (s *Subsystem) validate(caller *Task, req *Request) error {
	systemWide := req.Flags&SystemWide != 0

	if req.Flags&^allFlags != 0 {
		return pmuError("invalid context flags %#x", uint32(req.Flags))
	}
	if req.NotifyPID == InitPID || req.NotifyPID < 0 {
		return pmuError("invalid notification target %d", req.NotifyPID)
	}
	if req.Inherit < InheritNone || req.Inherit > InheritAll {
		return pmuError("invalid inheritance mode %d", int(req.Inherit))
	}
	if req.Flags&ExcludeIdle != 0 && !systemWide {
		return pmuError("idle exclusion needs a system-wide context")
	}
	if systemWide {
		if req.Inherit != InheritNone {
			return pmuError("system-wide context cannot be inherited")
		}
		if req.Flags&BlockingNotify != 0 {
			return pmuError("system-wide context cannot block on notification")
		}
		core, ok := cpuset.Single(req.Cores)
		if !ok {
			return pmuError("system-wide context needs exactly one core, got %q",
				req.Cores.String())
		}
		if !s.online.Contains(core) {
			return pmuError("core %d is not online", core)
		}
		if !caller.affinity.Equals(req.Cores) {
			return pmuError("task %d is not pinned to core %d (affinity %q)",
				caller.PID, core, caller.affinity.String())
		}
	}
	if !s.desc.Counters.Contains(req.SampleRegisters) {
		return pmuError("unimplemented sample registers %s",
			req.SampleRegisters.Difference(s.desc.Counters))
	}
	if req.SampleEntries == 0 && !req.SampleRegisters.IsEmpty() {
		return pmuError("sample registers without a sample buffer")
	}
	if caller.ctx.Load() != nil {
		return errors.Wrapf(ErrBusy, "task %d already has a context", caller.PID)
	}

	return nil
}

func (s *Subsystem) newID() ContextID {
	s.Lock()
	defer s.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// allocate creates a new context, resolving its notification target and
// setting up its sample buffer.
func (s *Subsystem) allocate(caller *Task, id ContextID, cores cpuset.CPUSet, req *Request) (*Context, error) {
	ctx := &Context{
		id:             id,
		flags:          req.Flags,
		cores:          cores,
		owner:          caller,
		ownerPID:       caller.PID,
		inherit:        req.Inherit,
		reloadCounters: s.desc.Counters,
		reloadControls: s.desc.Controls,
		debug:          make([]uint64, s.desc.DebugRegisters),
		sampled:        req.SampleRegisters,
		lastCore:       -1,
	}
	ctx.core.Store(-1)
	if req.Flags&Unsecure == 0 {
		ctx.savedPriv = hw.Secure
	}
	s.desc.Controls.ForEach(func(reg int) {
		ctx.controls[reg] = s.desc.Reset(reg)
	})

	if req.NotifyPID != 0 {
		target, ok := s.Task(req.NotifyPID)
		if !ok {
			return nil, pmuError("no notification target %d", req.NotifyPID)
		}
		if !caller.mayNotify(target) {
			return nil, errors.Wrapf(ErrPermission, "task %d may not notify task %d",
				caller.PID, target.PID)
		}
		ctx.notifyTarget = target
	}

	if req.SampleEntries > 0 {
		limit := caller.space.Available()
		if s.maxBuffer > 0 && s.maxBuffer < limit {
			limit = s.maxBuffer
		}
		buf, err := smpl.Allocate(req.SampleRegisters, req.SampleEntries, limit)
		if err != nil {
			return nil, err
		}
		addr, err := caller.space.Map(buf)
		if err != nil {
			buf.Drop()
			return nil, err
		}
		ctx.buf = buf
		ctx.bufAddr = addr
		req.BufferAddr = addr
	}

	return ctx, nil
}

// release undoes allocate for a context which was never attached.
func (s *Subsystem) release(caller *Task, ctx *Context) {
	if ctx.buf == nil {
		return
	}
	if err := caller.space.Unmap(ctx.bufAddr, caller.free); err != nil {
		s.Warn("context %d: failed to unmap sample buffer: %v", ctx.id, err)
	}
	ctx.buf.Drop()
	ctx.buf = nil
	caller.free.Drain()
}

// attach publishes a context and registers the back-references of its owner
// and notification target. An exiting notification target is dropped. An
// exiting owner fails the attach and the context must be destroyed.
func (s *Subsystem) attach(ctx *Context) error {
	ctx.notifyLock.Lock()
	owner, target := ctx.owner, ctx.notifyTarget
	ctx.notifyLock.Unlock()

	if owner != nil && !owner.addRef(ctx) {
		return errors.Wrapf(ErrInvalid, "task %d is exiting", owner.PID)
	}
	if target != nil && !target.addRef(ctx) {
		ctx.notifyLock.Lock()
		if ctx.notifyTarget == target {
			ctx.notifyTarget = nil
		}
		ctx.notifyLock.Unlock()
		s.Debug("context %d: notification target %d is exiting", ctx.id, target.PID)
	}

	s.Lock()
	s.contexts[ctx.id] = ctx
	s.Unlock()

	return nil
}

// Destroy destroys a context.
func (s *Subsystem) Destroy(caller *Task, id ContextID) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.access(caller, ctx); err != nil {
		return err
	}
	return s.destroy(ctx)
}

// destroy flushes a context into its virtual counters, drops its sample
// buffer reference, releases its reservation and detaches it from tasks.
func (s *Subsystem) destroy(ctx *Context) error {
	if !ctx.closed.CompareAndSwap(false, true) {
		return errors.Wrapf(ErrInvalid, "context %d already destroyed", ctx.id)
	}

	c := s.lockContext(ctx)
	if c != nil {
		s.save(c, ctx)
		c.clearOwner(ctx)
	}
	ctx.state = Disabled
	buf := ctx.buf
	ctx.buf = nil
	usedDebug := ctx.usingDebug
	s.unlockContext(c, ctx)

	if buf != nil {
		buf.Drop()
	}
	s.registry.Unreserve(registry.SessionID(ctx.id), ctx.Is(SystemWide), ctx.cores, usedDebug)

	ctx.notifyLock.Lock()
	owner, target := ctx.owner, ctx.notifyTarget
	ctx.owner, ctx.notifyTarget = nil, nil
	ctx.notifyLock.Unlock()

	if owner != nil {
		owner.monitored.Store(false)
		owner.ctx.CompareAndSwap(ctx, nil)
		owner.dropRef(ctx)
		s.wake(owner)
	}
	if target != nil {
		target.dropRef(ctx)
	}

	s.Lock()
	delete(s.contexts, ctx.id)
	s.Unlock()

	s.Debug("destroyed context %d", ctx.id)

	return nil
}

// Fork passes the context of parent on to child according to its inheritance
// mode. It returns the id of the child context and true if one was created.
func (s *Subsystem) Fork(parent, child *Task) (ContextID, bool) {
	pctx := parent.ctx.Load()
	if pctx == nil || pctx.Is(SystemWide) {
		return 0, false
	}
	if child.ctx.Load() != nil {
		s.Warn("fork: child %d of %d already has a context", child.PID, parent.PID)
		return 0, false
	}

	id := s.newID()
	if err := s.registry.Reserve(registry.SessionID(id), false, cpuset.New()); err != nil {
		s.Warn("fork: failed to reserve context for task %d: %v", child.PID, err)
		return 0, false
	}

	c := s.lockContext(pctx)
	if pctx.inherit == InheritNone || pctx.closed.Load() {
		s.unlockContext(c, pctx)
		s.registry.Unreserve(registry.SessionID(id), false, cpuset.New(), false)
		return 0, false
	}

	ctx := &Context{
		id:             id,
		flags:          pctx.flags,
		cores:          cpuset.New(),
		owner:          child,
		ownerPID:       child.PID,
		state:          pctx.state,
		inherit:        pctx.inherit,
		protected:      pctx.protected,
		usingDebug:     pctx.usingDebug,
		usedCounters:   pctx.usedCounters,
		reloadCounters: pctx.reloadCounters,
		usedControls:   pctx.usedControls,
		reloadControls: pctx.reloadControls,
		counters:       pctx.counters,
		hwSaved:        pctx.hwSaved,
		controls:       pctx.controls,
		debug:          append([]uint64(nil), pctx.debug...),
		sampled:        pctx.sampled,
		savedPriv:      pctx.savedPriv,
		savedStatus:    pctx.savedStatus,
	}
	ctx.core.Store(-1)
	ctx.invalidate()

	if c != nil {
		b := s.desc.Boundary()
		pctx.usedCounters.ForEach(func(reg int) {
			ctx.hwSaved[reg] = c.hw.ReadCounter(reg) & b
		})
		ctx.savedStatus |= c.hw.ReadControl(s.desc.OverflowStatus) & uint64(s.desc.Counters)
		if !pctx.stopped {
			ctx.savedPriv = c.hw.ReadPrivilegeState()
		}
	}

	if pctx.inherit == InheritOnce {
		pctx.inherit = InheritNone
		ctx.inherit = InheritNone
	}
	if pctx.buf != nil {
		ctx.buf = pctx.buf.Ref()
	}
	s.unlockContext(c, pctx)

	pctx.notifyLock.Lock()
	ctx.notifyTarget = pctx.notifyTarget
	pctx.notifyLock.Unlock()

	if ctx.usingDebug {
		if err := s.registry.AcquireDebugRegisters(registry.SessionID(id), false); err != nil {
			s.Warn("fork: context %d of task %d loses debug registers: %v", id, child.PID, err)
			ctx.usingDebug = false
			for i := range ctx.debug {
				ctx.debug[i] = 0
			}
		}
	}

	child.ctx.Store(ctx)
	child.monitored.Store(true)
	if err := s.attach(ctx); err != nil {
		s.Warn("fork: %v", err)
		if derr := s.destroy(ctx); derr != nil {
			s.Debug("context %d: %v", id, derr)
		}
		return 0, false
	}

	s.Debug("task %d inherited context %d from task %d (context %d)",
		child.PID, id, parent.PID, pctx.id)

	return id, true
}

// Exit tears down the monitoring state of an exiting task. Contexts
// referring to the task lose their reference, the context of the task is
// destroyed and the address space is left, unmapping its sample buffers.
func (s *Subsystem) Exit(task *Task) {
	s.Lock()
	if s.tasks[task.PID] == task {
		delete(s.tasks, task.PID)
	}
	s.Unlock()

	task.exit()

	if ctx := task.ctx.Load(); ctx != nil {
		if err := s.destroy(ctx); err != nil {
			s.Warn("exit: task %d: %v", task.PID, err)
		}
	}

	for _, ctx := range task.takeRefs() {
		var blocked *Task

		ctx.notifyLock.Lock()
		if ctx.notifyTarget == task {
			ctx.notifyTarget = nil
			if ctx.owner != nil && ctx.owner != task && ctx.Is(BlockingNotify) {
				blocked = ctx.owner
			}
		}
		if ctx.owner == task {
			ctx.owner = nil
		}
		ctx.notifyLock.Unlock()

		if blocked == nil {
			continue
		}
		ctx.mu.Lock()
		frozen := ctx.frozen
		ctx.mu.Unlock()
		// Nobody is left to restart the owner.
		if frozen {
			s.Debug("task %d: notification target %d exited, restarting", blocked.PID, task.PID)
			s.restartOwner(blocked)
		}
	}

	if task.space.Leave(task.free) {
		s.Debug("task %d: address space torn down", task.PID)
	}
	if n := task.free.Drain(); n > 0 {
		s.Debug("task %d: released %d sample buffer(s)", task.PID, n)
	}
}

// access checks if the caller may operate on a context. The owner always
// may. The notification target may unless the context is protected.
func (s *Subsystem) access(caller *Task, ctx *Context) error {
	ctx.notifyLock.Lock()
	owner, target := ctx.owner, ctx.notifyTarget
	ctx.notifyLock.Unlock()

	if caller == owner {
		return nil
	}

	ctx.mu.Lock()
	protected := ctx.protected
	ctx.mu.Unlock()

	if caller == target && !protected {
		return nil
	}
	return errors.Wrapf(ErrPermission, "task %d may not access context %d", caller.PID, ctx.id)
}
