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
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

// Enable enables a context. A system-wide context is installed on its core
// right away, a per-task context if its owner is the caller and running.
func (s *Subsystem) Enable(caller *Task, id ContextID) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.access(caller, ctx); err != nil {
		return err
	}

	ctx.mu.Lock()
	if ctx.state == Enabled {
		ctx.mu.Unlock()
		return nil
	}
	ctx.state = Enabled
	ctx.mu.Unlock()

	core := -1
	switch {
	case ctx.Is(SystemWide):
		core, _ = cpuset.Single(ctx.cores)
	case caller.ctx.Load() == ctx:
		core = caller.Core()
	}
	if core < 0 {
		return nil
	}

	return s.install(core, caller, ctx)
}

// install loads an enabled context on a core if it belongs there.
func (s *Subsystem) install(core int, caller *Task, ctx *Context) error {
	c, err := s.cpu(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if !ctx.Is(SystemWide) && c.current != caller {
		return nil
	}

	if owner := c.owner; owner != nil && owner != ctx {
		owner.mu.Lock()
		s.save(c, owner)
		c.clearOwner(owner)
		owner.mu.Unlock()
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.state != Enabled || ctx.closed.Load() {
		return nil
	}
	if err := s.load(c, ctx); err != nil {
		return err
	}
	if ctx.Is(ExcludeIdle) && c.current != nil && c.current.Idle {
		s.stopCounting(c, ctx)
	}

	return nil
}

// Disable disables a context, flushing its hardware state into its virtual
// counters.
func (s *Subsystem) Disable(caller *Task, id ContextID) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.access(caller, ctx); err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	if c != nil {
		s.save(c, ctx)
		c.clearOwner(ctx)
	}
	ctx.state = Disabled

	return nil
}

// Start turns on monitoring for an enabled context.
func (s *Subsystem) Start(caller *Task, id ContextID) error {
	return s.setMonitoring(caller, id, true)
}

// Stop turns off monitoring for an enabled context. Counter values are kept
// and monitoring can be turned on again with Start.
func (s *Subsystem) Stop(caller *Task, id ContextID) error {
	return s.setMonitoring(caller, id, false)
}

func (s *Subsystem) setMonitoring(caller *Task, id ContextID, on bool) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.access(caller, ctx); err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	if ctx.state != Enabled {
		return pmuError("context %d is not enabled", id)
	}

	update := func(priv hw.PrivilegeState) hw.PrivilegeState {
		if on {
			return priv | ctx.monitorBits()
		}
		return priv &^ ctx.monitorBits()
	}

	if c != nil && !ctx.stopped {
		c.hw.WritePrivilegeState(update(c.hw.ReadPrivilegeState()))
	} else {
		ctx.savedPriv = update(ctx.savedPriv)
	}

	return nil
}

// SetProtected sets or clears the protection of a context against access by
// its notification target. Only the owner may change it.
func (s *Subsystem) SetProtected(caller *Task, id ContextID, protected bool) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}

	ctx.notifyLock.Lock()
	owner := ctx.owner
	ctx.notifyLock.Unlock()

	if caller != owner {
		return errors.Wrapf(ErrPermission, "task %d does not own context %d", caller.PID, id)
	}

	ctx.mu.Lock()
	ctx.protected = protected
	ctx.mu.Unlock()

	return nil
}
