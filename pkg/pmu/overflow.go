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
	"context"

	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
)

// Interrupt is the overflow interrupt handler of a core. The overflow is
// accounted to the context owning the core, which is not necessarily the
// context of the running task.
func (s *Subsystem) Interrupt(core int, status uint64) error {
	c, err := s.cpu(core)
	if err != nil {
		return err
	}

	c.Lock()
	defer c.Unlock()

	c.stats.Interrupts++
	c.hw.WriteControl(s.desc.OverflowStatus, 0)

	ctx := c.owner
	if ctx == nil {
		c.stats.Spurious++
		c.hw.Freeze()
		s.warn.Warn("core %d: spurious overflow interrupt (status %#x)", core, status)
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if s.overflow(c, ctx, status) && !ctx.frozen {
		c.hw.Unfreeze()
	}

	return nil
}

// overflow processes the overflow status of a context owning a core. Both
// must be locked. It returns true if the hardware can be unfrozen.
func (s *Subsystem) overflow(c *cpu, ctx *Context, status uint64) bool {
	var (
		b      = s.desc.Boundary()
		ovfl   regset.Mask
		notify regset.Mask
	)

	regset.Mask(status).Intersection(s.desc.Counters).ForEach(func(reg int) {
		vc := &ctx.counters[reg]
		old := vc.Accumulated
		vc.Accumulated += 1 + b
		if vc.Accumulated <= old {
			ovfl = ovfl.Set(reg)
			if vc.Flags&NotifyOnOverflow != 0 {
				notify = notify.Set(reg)
			}
		}
	})

	if ovfl.IsEmpty() {
		return true
	}

	now := s.now()
	if !c.lastOvfl.IsZero() {
		c.interval.Add(now.Sub(c.lastOvfl).Seconds())
	}
	c.lastOvfl = now

	if ctx.buf != nil {
		entry := &smpl.Entry{
			Timestamp: uint64(now.UnixNano()),
			Core:      uint32(c.id),
			PID:       uint32(ctx.ownerPID),
			Overflow:  ovfl,
			LastReset: ctx.counters[ovfl.Lowest()].LastReset,
			Values:    make([]uint64, 0, ctx.sampled.Size()),
		}
		ctx.sampled.ForEach(func(reg int) {
			entry.Values = append(entry.Values, s.readCounter(c, ctx, reg))
		})
		claim := ctx.buf.Record(entry, !notify.IsEmpty())
		if claim.Recorded {
			c.stats.Samples++
		}
		if claim.Full {
			c.stats.BufferFull++
		}
	}

	if notify.IsEmpty() {
		s.resetCounters(c, ctx, ovfl, false)
		return true
	}

	ctx.pending = ctx.pending.Union(ovfl)
	ctx.frozen = true
	s.post(c, ctx, ovfl)

	return false
}

// post queues an overflow notification for the notification target of a
// context. If the target is not the owner and the context blocks on
// notifications, the owner is marked to block until restarted.
func (s *Subsystem) post(c *cpu, ctx *Context, ovfl regset.Mask) {
	ctx.notifyLock.Lock()
	owner, target := ctx.owner, ctx.notifyTarget
	ctx.notifyLock.Unlock()

	if target == nil {
		s.Debug("context %d: no notification target for overflow %s", ctx.id, ovfl)
		return
	}

	c.stats.Notified++
	s.notify.post(ctx, &Notification{
		Context:  ctx.id,
		Owner:    ctx.ownerPID,
		Target:   target.PID,
		Core:     c.id,
		Overflow: ovfl,
	})

	if owner != nil && owner != target && ctx.Is(BlockingNotify) {
		owner.trap.CompareAndSwap(trapNone, trapBlock)
		owner.trap.CompareAndSwap(trapReset, trapBlock)
	}
}

// readCounter returns the 64-bit value of a counter. The context must be
// locked, c is the core it owns or nil.
func (s *Subsystem) readCounter(c *cpu, ctx *Context, reg int) uint64 {
	b := s.desc.Boundary()
	if c != nil {
		return ctx.counters[reg].Accumulated + (c.hw.ReadCounter(reg) & b)
	}
	value := ctx.counters[reg].Accumulated + (ctx.hwSaved[reg] & b)
	if regset.Mask(ctx.savedStatus).Has(reg) {
		value += 1 + b
	}
	return value
}

// writeCounter sets the 64-bit value of a counter. The context must be
// locked, c is the core it owns or nil.
func (s *Subsystem) writeCounter(c *cpu, ctx *Context, reg int, value uint64) {
	b := s.desc.Boundary()
	ctx.counters[reg].Accumulated = value &^ b
	ctx.hwSaved[reg] = value & b
	if c != nil {
		c.hw.WriteCounter(reg, value&b)
	} else {
		ctx.invalidate()
	}
}

// resetClosure returns the counters reset together with the given ones.
func (ctx *Context) resetClosure(regs regset.Mask) regset.Mask {
	closure := regs
	for {
		next := closure
		closure.ForEach(func(reg int) {
			next = next.Union(ctx.counters[reg].ResetDeps)
		})
		if next == closure {
			return closure
		}
		closure = next
	}
}

// resetCounters resets the given counters and their dependencies to their
// long or short reset values.
func (s *Subsystem) resetCounters(c *cpu, ctx *Context, regs regset.Mask, long bool) {
	ctx.resetClosure(regs).Intersection(s.desc.Counters).ForEach(func(reg int) {
		vc := &ctx.counters[reg]
		value := vc.ShortReset
		if long {
			value = vc.LongReset
		}
		if vc.Flags&RandomizeReset != 0 {
			value ^= vc.Seed & vc.RandMask
			vc.Seed = nextSeed(vc.Seed)
		}
		s.writeCounter(c, ctx, reg, value)
		vc.LastReset = value
	})
}

// nextSeed advances a reset randomization seed with a Park-Miller step. A
// zero seed stays zero.
func nextSeed(seed uint64) uint64 {
	const (
		multiplier = 16807
		modulus    = 1<<31 - 1
	)
	return (seed % modulus) * multiplier % modulus
}

// Restart resumes monitoring after an overflow notification. Restarting
// one's own context resets it at once. Restarting the context of another task
// releases the task if it is blocked, or lets it reset the context on its
// way back to user space.
func (s *Subsystem) Restart(caller *Task, id ContextID) error {
	ctx, err := s.lookup(id)
	if err != nil {
		return err
	}
	if err := s.access(caller, ctx); err != nil {
		return err
	}

	ctx.notifyLock.Lock()
	owner := ctx.owner
	ctx.notifyLock.Unlock()

	if caller == owner || ctx.Is(SystemWide) {
		c := s.lockContext(ctx)
		if ctx.frozen {
			s.resume(c, ctx)
		} else {
			s.Debug("context %d: restart by task %d, not frozen", id, caller.PID)
		}
		s.unlockContext(c, ctx)
		return nil
	}

	if owner == nil {
		return errors.Wrapf(ErrInvalid, "context %d has no owner", id)
	}

	ctx.mu.Lock()
	frozen := ctx.frozen
	ctx.mu.Unlock()

	if !frozen {
		s.Debug("context %d: restart by task %d, not frozen", id, caller.PID)
		return nil
	}

	s.restartOwner(owner)

	return nil
}

// resume applies the long reset to the pending counters and lets the context
// count again. The context must be locked, c is the core it owns or nil.
func (s *Subsystem) resume(c *cpu, ctx *Context) {
	if ctx.closed.Load() {
		return
	}

	s.resetCounters(c, ctx, ctx.pending, true)
	ctx.pending = 0
	ctx.frozen = false
	if ctx.buf != nil {
		ctx.buf.Reset()
	}

	if c != nil {
		c.stats.Restarts++
		if !ctx.stopped {
			c.hw.Unfreeze()
		}
	}
}

// restartOwner wakes up a blocked task or marks it to reset its context.
func (s *Subsystem) restartOwner(t *Task) {
	for {
		switch st := t.trap.Load(); st {
		case trapWaiting:
			select {
			case t.restart <- struct{}{}:
			default:
			}
			return
		default:
			if t.trap.CompareAndSwap(st, trapReset) {
				return
			}
		}
	}
}

// wake releases a blocked task without restarting its context.
func (s *Subsystem) wake(t *Task) {
	for {
		switch st := t.trap.Load(); st {
		case trapNone:
			return
		case trapWaiting:
			select {
			case t.restart <- struct{}{}:
			default:
			}
			return
		default:
			if t.trap.CompareAndSwap(st, trapNone) {
				return
			}
		}
	}
}

// resumeTask resumes the context of a task.
func (s *Subsystem) resumeTask(t *Task) {
	ctx := t.ctx.Load()
	if ctx == nil {
		return
	}
	c := s.lockContext(ctx)
	s.resume(c, ctx)
	s.unlockContext(c, ctx)
}

// ReturnToUser is the hook for a task returning to user space. It releases
// deferred sample buffers, applies pending restarts and blocks the task if
// it has to wait for a restart.
func (s *Subsystem) ReturnToUser(ctx context.Context, t *Task) error {
	t.free.Drain()

	for {
		switch t.trap.Load() {
		case trapNone:
			return nil

		case trapReset:
			if t.trap.CompareAndSwap(trapReset, trapNone) {
				s.resumeTask(t)
				return nil
			}

		case trapBlock:
			if !t.trap.CompareAndSwap(trapBlock, trapWaiting) {
				continue
			}
			s.Debug("task %d: blocking until restarted", t.PID)
			select {
			case <-t.restart:
				s.restarted(t)
				return nil
			case <-ctx.Done():
				select {
				case <-t.restart:
					s.restarted(t)
					return nil
				default:
				}
				t.trap.CompareAndSwap(trapWaiting, trapBlock)
				return ctx.Err()
			}

		case trapWaiting:
			return errors.Wrapf(ErrBusy, "task %d is already blocked", t.PID)
		}
	}
}

// TryReturnToUser is the non-blocking variant of ReturnToUser. It returns
// false if the task still has to wait for a restart.
func (s *Subsystem) TryReturnToUser(t *Task) (bool, error) {
	t.free.Drain()

	for {
		switch st := t.trap.Load(); st {
		case trapNone:
			return true, nil

		case trapReset:
			if t.trap.CompareAndSwap(trapReset, trapNone) {
				s.resumeTask(t)
				return true, nil
			}

		case trapBlock, trapWaiting:
			select {
			case <-t.restart:
				s.restarted(t)
				return true, nil
			default:
			}
			if t.trap.CompareAndSwap(st, trapWaiting) {
				return false, nil
			}
		}
	}
}

// restarted resumes a task woken up from waiting for a restart.
func (s *Subsystem) restarted(t *Task) {
	t.trap.Store(trapNone)
	s.resumeTask(t)
}
