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

// Package hw describes the per-core PMU hardware consumed by the pmu package.
package hw

import (
	"strings"
)

// PrivilegeState is the per-task processor state controlling monitoring.
type PrivilegeState uint64

const (
	// MonitorUser enables counting at user privilege level.
	MonitorUser PrivilegeState = 1 << iota
	// MonitorSystem enables counting at system privilege level.
	MonitorSystem
	// Secure denies user-level access to the monitoring registers.
	Secure
)

// MonitorBits are the bits which turn monitoring on.
const MonitorBits = MonitorUser | MonitorSystem

// Monitoring checks if counting is enabled in the state.
func (p PrivilegeState) Monitoring() bool {
	return p&MonitorBits != 0
}

// String returns the state as a human-readable string.
func (p PrivilegeState) String() string {
	var bits []string
	if p&MonitorUser != 0 {
		bits = append(bits, "user")
	}
	if p&MonitorSystem != 0 {
		bits = append(bits, "system")
	}
	if p&Secure != 0 {
		bits = append(bits, "secure")
	}
	if len(bits) == 0 {
		return "off"
	}
	return strings.Join(bits, "|")
}

// Capability is the register access of a single core's PMU.
type Capability interface {
	// ReadCounter reads a counting register.
	ReadCounter(id int) uint64
	// WriteCounter writes a counting register.
	WriteCounter(id int, value uint64)
	// ReadControl reads a control register.
	ReadControl(id int) uint64
	// WriteControl writes a control register.
	WriteControl(id int, value uint64)
	// Freeze stops all counting.
	Freeze()
	// Unfreeze resumes counting.
	Unfreeze()
	// ReadPrivilegeState reads the monitoring privilege state.
	ReadPrivilegeState() PrivilegeState
	// WritePrivilegeState writes the monitoring privilege state.
	WritePrivilegeState(PrivilegeState)
}

// DebugRegisters is implemented by cores with debug (breakpoint) registers
// which monitoring sessions may use to constrain counting.
type DebugRegisters interface {
	ReadDebug(id int) uint64
	WriteDebug(id int, value uint64)
}
