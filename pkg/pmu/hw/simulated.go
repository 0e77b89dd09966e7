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

package hw

import (
	"sync"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// Simulated is a software model of a single core's PMU.
type Simulated struct {
	sync.Mutex
	desc     *Description
	counters [regset.MaxRegisters]uint64
	controls [regset.MaxRegisters]uint64
	debug    []uint64
	frozen   bool
	priv     PrivilegeState
	stats    Stats
}

// Stats counts register accesses of a simulated PMU.
type Stats struct {
	CounterWrites int
	ControlWrites int
	DebugWrites   int
	CounterReads  int
	ControlReads  int
}

// Writes returns the total number of register writes.
func (s Stats) Writes() int {
	return s.CounterWrites + s.ControlWrites + s.DebugWrites
}

var _ Capability = &Simulated{}
var _ DebugRegisters = &Simulated{}

// NewSimulated creates a frozen simulated PMU with all registers at reset.
func NewSimulated(desc *Description) *Simulated {
	s := &Simulated{
		desc:   desc,
		debug:  make([]uint64, desc.DebugRegisters),
		frozen: true,
	}
	for id, value := range desc.ControlReset {
		if regset.Valid(id) {
			s.controls[id] = value
		}
	}
	return s
}

// NewSimulatedSet creates simulated PMUs for the given number of cores.
func NewSimulatedSet(desc *Description, cores int) []*Simulated {
	set := make([]*Simulated, cores)
	for id := range set {
		set[id] = NewSimulated(desc)
	}
	return set
}

// Description returns the description of the simulated PMU.
func (s *Simulated) Description() *Description {
	return s.desc
}

// ReadCounter implements Capability.
func (s *Simulated) ReadCounter(id int) uint64 {
	s.Lock()
	defer s.Unlock()
	s.stats.CounterReads++
	if !regset.Valid(id) {
		return 0
	}
	return s.counters[id]
}

// WriteCounter implements Capability.
func (s *Simulated) WriteCounter(id int, value uint64) {
	s.Lock()
	defer s.Unlock()
	s.stats.CounterWrites++
	if s.desc.Counters.Has(id) {
		s.counters[id] = value & s.desc.Boundary()
	}
}

// ReadControl implements Capability.
func (s *Simulated) ReadControl(id int) uint64 {
	s.Lock()
	defer s.Unlock()
	s.stats.ControlReads++
	if !regset.Valid(id) {
		return 0
	}
	return s.controls[id]
}

// WriteControl implements Capability.
func (s *Simulated) WriteControl(id int, value uint64) {
	s.Lock()
	defer s.Unlock()
	s.stats.ControlWrites++
	if regset.Valid(id) {
		s.controls[id] = value
	}
}

// Freeze implements Capability.
func (s *Simulated) Freeze() {
	s.Lock()
	defer s.Unlock()
	s.frozen = true
}

// Unfreeze implements Capability.
func (s *Simulated) Unfreeze() {
	s.Lock()
	defer s.Unlock()
	s.frozen = false
}

// ReadPrivilegeState implements Capability.
func (s *Simulated) ReadPrivilegeState() PrivilegeState {
	s.Lock()
	defer s.Unlock()
	return s.priv
}

// WritePrivilegeState implements Capability.
func (s *Simulated) WritePrivilegeState(priv PrivilegeState) {
	s.Lock()
	defer s.Unlock()
	s.priv = priv
}

// ReadDebug implements DebugRegisters.
func (s *Simulated) ReadDebug(id int) uint64 {
	s.Lock()
	defer s.Unlock()
	if id < 0 || id >= len(s.debug) {
		return 0
	}
	return s.debug[id]
}

// WriteDebug implements DebugRegisters.
func (s *Simulated) WriteDebug(id int, value uint64) {
	s.Lock()
	defer s.Unlock()
	s.stats.DebugWrites++
	if id >= 0 && id < len(s.debug) {
		s.debug[id] = value
	}
}

// Frozen checks if the PMU is frozen.
func (s *Simulated) Frozen() bool {
	s.Lock()
	defer s.Unlock()
	return s.frozen
}

// Counting checks if the PMU is currently counting events.
func (s *Simulated) Counting() bool {
	s.Lock()
	defer s.Unlock()
	return !s.frozen && s.priv.Monitoring()
}

// Stats returns the register access statistics.
func (s *Simulated) Stats() Stats {
	s.Lock()
	defer s.Unlock()
	return s.stats
}

// ResetStats clears the register access statistics.
func (s *Simulated) ResetStats() {
	s.Lock()
	defer s.Unlock()
	s.stats = Stats{}
}

// Poke sets a counting register without accounting for it, as if some other
// agent modified the hardware.
func (s *Simulated) Poke(id int, value uint64) {
	s.Lock()
	defer s.Unlock()
	if s.desc.Counters.Has(id) {
		s.counters[id] = value & s.desc.Boundary()
	}
}

// Tick counts events on a counting register. If the register wraps, its bit
// is set in the overflow status register, the PMU freezes and the updated
// overflow status is returned with true.
func (s *Simulated) Tick(id int, events uint64) (uint64, bool) {
	s.Lock()
	defer s.Unlock()

	if s.frozen || !s.priv.Monitoring() || !s.desc.Counters.Has(id) {
		return 0, false
	}

	boundary := s.desc.Boundary()
	old := s.counters[id]
	room := boundary - old
	if events <= room {
		s.counters[id] = old + events
		return 0, false
	}

	s.counters[id] = (events - room - 1) & boundary
	s.controls[s.desc.OverflowStatus] |= 1 << uint(id)
	s.frozen = true

	return s.controls[s.desc.OverflowStatus], true
}
