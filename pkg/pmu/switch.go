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
)

// SwitchOut is the scheduler hook for a task leaving a core.
func (s *Subsystem) SwitchOut(core int, task *Task) error {
	c, err := s.cpu(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if c.current == task {
		c.current = nil
	}
	task.core.Store(-1)

	if owner := c.owner; owner != nil && owner.Is(SystemWide) {
		return nil
	}

	ctx := task.ctx.Load()
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.core.Load() != int64(core) {
		return nil
	}

	if s.saveMode == SaveLazy {
		s.stopCounting(c, ctx)
		return nil
	}

	if ctx.lastCore != core || ctx.lastActivation != c.activation {
		s.stopCounting(c, ctx)
		c.hw.Freeze()
		c.clearOwner(ctx)
		return nil
	}

	s.save(c, ctx)
	c.clearOwner(ctx)

	return nil
}

// SwitchIn is the scheduler hook for a task entering a core.
func (s *Subsystem) SwitchIn(core int, task *Task) error {
	c, err := s.cpu(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	c.current = task
	task.core.Store(int64(core))

	if owner := c.owner; owner != nil && owner.Is(SystemWide) {
		if owner.Is(ExcludeIdle) {
			owner.mu.Lock()
			if task.Idle {
				s.stopCounting(c, owner)
			} else {
				s.resumeCounting(c, owner)
			}
			owner.mu.Unlock()
		}
		return nil
	}

	if task.Idle {
		return nil
	}

	ctx := task.ctx.Load()
	if ctx == nil {
		if task.monitored.Load() {
			c.stats.Invariants++
			c.hw.Freeze()
			err := errors.Wrapf(ErrInvariant, "core %d: monitored task %d has no context",
				core, task.PID)
			s.ErrorBlock("  ", "%v\ncore %d: activation %d, owner %v",
				err, core, c.activation, c.owner != nil)
			return err
		}
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

	if ctx.state != Enabled {
		return nil
	}

	return s.load(c, ctx)
}

// stopCounting snapshots the privilege state and turns off monitoring.
func (s *Subsystem) stopCounting(c *cpu, ctx *Context) {
	if ctx.stopped {
		return
	}
	ctx.savedPriv = c.hw.ReadPrivilegeState()
	c.hw.WritePrivilegeState(ctx.savedPriv &^ hw.MonitorBits)
	ctx.stopped = true
}

// resumeCounting restores the privilege state saved by stopCounting.
func (s *Subsystem) resumeCounting(c *cpu, ctx *Context) {
	if !ctx.stopped {
		return
	}
	c.hw.WritePrivilegeState(ctx.savedPriv)
	ctx.stopped = false
}

// save saves the hardware state of a context owning the core. Both the core
// and the context must be locked.
func (s *Subsystem) save(c *cpu, ctx *Context) {
	s.stopCounting(c, ctx)

	b := s.desc.Boundary()
	ctx.usedCounters.ForEach(func(reg int) {
		ctx.hwSaved[reg] = c.hw.ReadCounter(reg) & b
	})

	status := c.hw.ReadControl(s.desc.OverflowStatus)
	ctx.savedStatus |= status & uint64(s.desc.Counters)
	c.hw.WriteControl(s.desc.OverflowStatus, 0)
	c.hw.Freeze()

	c.stats.Saves++
}

// load installs a context on the core. Both the core and the context must be
// locked and any other owner must have been saved already.
func (s *Subsystem) load(c *cpu, ctx *Context) error {
	if err := ctx.checkMasks(); err != nil {
		c.stats.Invariants++
		c.hw.Freeze()
		s.ErrorBlock("  ", "%v\n%s", err, ctx.dump())
		return err
	}

	if ctx.lastCore == c.id && ctx.lastActivation == c.activation {
		c.stats.FastReloads++
		c.setOwner(ctx)
	} else {
		c.stats.FullReloads++
		c.hw.Freeze()
		ctx.reloadCounters.ForEach(func(reg int) {
			c.hw.WriteCounter(reg, ctx.hwSaved[reg])
		})
		ctx.reloadControls.ForEach(func(reg int) {
			c.hw.WriteControl(reg, ctx.controls[reg])
		})
		if ctx.usingDebug && c.dbg != nil {
			for reg, value := range ctx.debug {
				c.dbg.WriteDebug(reg, value)
			}
		}
		c.setOwner(ctx)
		c.activation++
		ctx.lastActivation = c.activation
		ctx.lastCore = c.id
	}

	unfreeze := true
	if status := ctx.savedStatus; status != 0 {
		ctx.savedStatus = 0
		unfreeze = s.overflow(c, ctx, status)
	}

	c.hw.WritePrivilegeState(ctx.savedPriv)
	ctx.stopped = false

	if unfreeze && !ctx.frozen {
		c.hw.Unfreeze()
	}

	return nil
}

// InvalidateCore saves the context owning a core, if any, and forces a full
// reload of the next context loaded on the core. It needs to be called before
// the registers of the core are modified outside of the subsystem.
func (s *Subsystem) InvalidateCore(core int) error {
	c, err := s.cpu(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	if owner := c.owner; owner != nil {
		owner.mu.Lock()
		s.save(c, owner)
		c.clearOwner(owner)
		owner.mu.Unlock()
	}
	c.activation++

	s.Debug("core %d invalidated, activation %d", core, c.activation)

	return nil
}
