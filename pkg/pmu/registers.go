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

	"github.com/intel/pmu-manager/pkg/pmu/registry"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// RegisterValue is an element of a batched control or debug register
// command.
type RegisterValue struct {
	ID     int
	Value  uint64
	Status Status
}

// CounterValue is an element of a batched counter command.
type CounterValue struct {
	ID         int
	Value      uint64
	Flags      CounterFlags
	LongReset  uint64
	ShortReset uint64
	ResetDeps  regset.Mask
	Seed       uint64
	RandMask   uint64
	LastReset  uint64
	Status     Status
}

// batch runs fn for each element of a batch until the first failure,
// recording per-element status. Elements after a failure are left with
// StatusNone.
func batch(n int, status func(int) *Status, fn func(int) error) error {
	for i := 0; i < n; i++ {
		*status(i) = StatusNone
	}
	for i := 0; i < n; i++ {
		err := fn(i)
		*status(i) = statusOf(err)
		if err != nil {
			return errors.WithMessagef(err, "element #%d", i)
		}
	}
	return nil
}

// prepare looks up a context for a register command and checks access.
func (s *Subsystem) prepare(caller *Task, id ContextID, n int) (*Context, error) {
	if n > s.maxBatch {
		return nil, pmuError("batch of %d elements exceeds limit %d", n, s.maxBatch)
	}
	ctx, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.access(caller, ctx); err != nil {
		return nil, err
	}
	return ctx, nil
}

// WriteControls writes control registers of a context. The counters
// configured by a control are marked used.
func (s *Subsystem) WriteControls(caller *Task, id ContextID, values []RegisterValue) error {
	ctx, err := s.prepare(caller, id, len(values))
	if err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	return batch(len(values),
		func(i int) *Status { return &values[i].Status },
		func(i int) error {
			v := &values[i]
			if err := s.desc.CheckControl(v.ID, v.Value); err != nil {
				return pmuError("context %d: %v", ctx.id, err)
			}

			ctx.controls[v.ID] = v.Value
			ctx.usedControls = ctx.usedControls.Set(v.ID)
			ctx.reloadControls = ctx.reloadControls.Set(v.ID)
			counters := s.desc.ConfiguredBy(v.ID).Intersection(s.desc.Counters)
			ctx.usedCounters = ctx.usedCounters.Union(counters)
			ctx.reloadCounters = ctx.reloadCounters.Union(counters)

			if c != nil {
				c.hw.WriteControl(v.ID, v.Value)
			} else {
				ctx.invalidate()
			}
			return nil
		})
}

// WriteCounters sets the values and reset policies of counters of a context.
func (s *Subsystem) WriteCounters(caller *Task, id ContextID, values []CounterValue) error {
	ctx, err := s.prepare(caller, id, len(values))
	if err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	return batch(len(values),
		func(i int) *Status { return &values[i].Status },
		func(i int) error {
			v := &values[i]
			if !s.desc.Counters.Has(v.ID) {
				return pmuError("context %d: counter %d not implemented", ctx.id, v.ID)
			}
			if !s.desc.Counters.Contains(v.ResetDeps) {
				return pmuError("context %d: counter %d: invalid reset dependencies %s",
					ctx.id, v.ID, v.ResetDeps)
			}
			if v.Flags&^(NotifyOnOverflow|RandomizeReset) != 0 {
				return pmuError("context %d: counter %d: invalid flags %#x",
					ctx.id, v.ID, uint32(v.Flags))
			}

			vc := &ctx.counters[v.ID]
			vc.Flags = v.Flags
			vc.LongReset = v.LongReset
			vc.ShortReset = v.ShortReset
			vc.ResetDeps = v.ResetDeps
			vc.Seed = v.Seed
			vc.RandMask = v.RandMask
			vc.LastReset = v.Value
			s.writeCounter(c, ctx, v.ID, v.Value)

			ctx.usedCounters = ctx.usedCounters.Set(v.ID)
			ctx.reloadCounters = ctx.reloadCounters.Set(v.ID)
			return nil
		})
}

// ReadCounters reads the virtual values and reset policies of counters of a
// context.
func (s *Subsystem) ReadCounters(caller *Task, id ContextID, values []CounterValue) error {
	ctx, err := s.prepare(caller, id, len(values))
	if err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	return batch(len(values),
		func(i int) *Status { return &values[i].Status },
		func(i int) error {
			v := &values[i]
			if !s.desc.Counters.Has(v.ID) {
				return pmuError("context %d: counter %d not implemented", ctx.id, v.ID)
			}
			vc := &ctx.counters[v.ID]
			v.Value = s.readCounter(c, ctx, v.ID)
			v.Flags = vc.Flags
			v.LongReset = vc.LongReset
			v.ShortReset = vc.ShortReset
			v.ResetDeps = vc.ResetDeps
			v.Seed = vc.Seed
			v.RandMask = vc.RandMask
			v.LastReset = vc.LastReset
			return nil
		})
}

// WriteDebugRegisters writes debug registers of a context. The first write
// registers the context as a debug register user.
func (s *Subsystem) WriteDebugRegisters(caller *Task, id ContextID, values []RegisterValue) error {
	ctx, err := s.prepare(caller, id, len(values))
	if err != nil {
		return err
	}

	c := s.lockContext(ctx)
	defer s.unlockContext(c, ctx)

	return batch(len(values),
		func(i int) *Status { return &values[i].Status },
		func(i int) error {
			v := &values[i]
			if v.ID < 0 || v.ID >= len(ctx.debug) {
				return pmuError("context %d: debug register %d not implemented", ctx.id, v.ID)
			}
			if !ctx.usingDebug {
				err := s.registry.AcquireDebugRegisters(registry.SessionID(ctx.id), ctx.Is(SystemWide))
				if err != nil {
					return err
				}
				ctx.usingDebug = true
				if c != nil && c.dbg != nil {
					for reg, value := range ctx.debug {
						c.dbg.WriteDebug(reg, value)
					}
				}
			}

			ctx.debug[v.ID] = v.Value
			if c != nil && c.dbg != nil {
				c.dbg.WriteDebug(v.ID, v.Value)
			} else {
				ctx.invalidate()
			}
			return nil
		})
}
