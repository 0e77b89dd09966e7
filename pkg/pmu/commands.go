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
	"unsafe"
)

// CommandSpec describes the static properties of a command.
type CommandSpec struct {
	// Name of the command.
	Name string
	// NeedsTarget is true if the command can address the context of
	// another task.
	NeedsTarget bool
	// NeedsContext is true if the command operates on an existing context.
	NeedsContext bool
	// Arity is the number of argument elements, -1 for a batch.
	Arity int
	// ElementSize is the size of an argument element.
	ElementSize uintptr
}

// Command is a typed command for Subsystem.Execute.
type Command interface {
	// Spec returns the static properties of the command.
	Spec() CommandSpec
	address() Address
	run(s *Subsystem, caller *Task, id ContextID) error
}

// Address selects the context of a command. An explicit Context takes
// precedence. Otherwise the context of Target is used, or the context of
// the caller if Target is 0.
type Address struct {
	Target  int
	Context ContextID
}

func (a Address) address() Address {
	return a
}

// CreateCmd creates a context for the caller.
type CreateCmd struct {
	Request Request
	// ID is set to the id of the created context.
	ID ContextID
}

// DestroyCmd destroys a context.
type DestroyCmd struct {
	Address
}

// WriteControlsCmd writes control registers.
type WriteControlsCmd struct {
	Address
	Values []RegisterValue
}

// WriteCountersCmd writes counters.
type WriteCountersCmd struct {
	Address
	Values []CounterValue
}

// ReadCountersCmd reads counters.
type ReadCountersCmd struct {
	Address
	Values []CounterValue
}

// WriteDebugCmd writes debug registers.
type WriteDebugCmd struct {
	Address
	Values []RegisterValue
}

// EnableCmd enables a context.
type EnableCmd struct {
	Address
}

// DisableCmd disables a context.
type DisableCmd struct {
	Address
}

// StartCmd starts monitoring.
type StartCmd struct {
	Address
}

// StopCmd stops monitoring.
type StopCmd struct {
	Address
}

// RestartCmd restarts a context frozen after an overflow notification.
type RestartCmd struct {
	Address
}

// ProtectCmd sets or clears the protection of a context.
type ProtectCmd struct {
	Address
	Protected bool
}

var (
	createSpec        = CommandSpec{Name: "create", Arity: 1, ElementSize: unsafe.Sizeof(Request{})}
	destroySpec       = contextSpec("destroy")
	writeControlsSpec = batchSpec("write-controls", unsafe.Sizeof(RegisterValue{}))
	writeCountersSpec = batchSpec("write-counters", unsafe.Sizeof(CounterValue{}))
	readCountersSpec  = batchSpec("read-counters", unsafe.Sizeof(CounterValue{}))
	writeDebugSpec    = batchSpec("write-debug", unsafe.Sizeof(RegisterValue{}))
	enableSpec        = contextSpec("enable")
	disableSpec       = contextSpec("disable")
	startSpec         = contextSpec("start")
	stopSpec          = contextSpec("stop")
	restartSpec       = contextSpec("restart")
	protectSpec       = CommandSpec{Name: "protect", NeedsContext: true, Arity: 1, ElementSize: 1}
)

func contextSpec(name string) CommandSpec {
	return CommandSpec{Name: name, NeedsTarget: true, NeedsContext: true}
}

func batchSpec(name string, size uintptr) CommandSpec {
	return CommandSpec{Name: name, NeedsTarget: true, NeedsContext: true, Arity: -1, ElementSize: size}
}

func (*CreateCmd) Spec() CommandSpec        { return createSpec }
func (*DestroyCmd) Spec() CommandSpec       { return destroySpec }
func (*WriteControlsCmd) Spec() CommandSpec { return writeControlsSpec }
func (*WriteCountersCmd) Spec() CommandSpec { return writeCountersSpec }
func (*ReadCountersCmd) Spec() CommandSpec  { return readCountersSpec }
func (*WriteDebugCmd) Spec() CommandSpec    { return writeDebugSpec }
func (*EnableCmd) Spec() CommandSpec        { return enableSpec }
func (*DisableCmd) Spec() CommandSpec       { return disableSpec }
func (*StartCmd) Spec() CommandSpec         { return startSpec }
func (*StopCmd) Spec() CommandSpec          { return stopSpec }
func (*RestartCmd) Spec() CommandSpec       { return restartSpec }
func (*ProtectCmd) Spec() CommandSpec       { return protectSpec }

func (*CreateCmd) address() Address {
	return Address{}
}

func (cmd *CreateCmd) run(s *Subsystem, caller *Task, _ ContextID) error {
	id, err := s.Create(caller, &cmd.Request)
	cmd.ID = id
	return err
}

func (*DestroyCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Destroy(caller, id)
}

func (cmd *WriteControlsCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.WriteControls(caller, id, cmd.Values)
}

func (cmd *WriteCountersCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.WriteCounters(caller, id, cmd.Values)
}

func (cmd *ReadCountersCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.ReadCounters(caller, id, cmd.Values)
}

func (cmd *WriteDebugCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.WriteDebugRegisters(caller, id, cmd.Values)
}

func (*EnableCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Enable(caller, id)
}

func (*DisableCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Disable(caller, id)
}

func (*StartCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Start(caller, id)
}

func (*StopCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Stop(caller, id)
}

func (*RestartCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.Restart(caller, id)
}

func (cmd *ProtectCmd) run(s *Subsystem, caller *Task, id ContextID) error {
	return s.SetProtected(caller, id, cmd.Protected)
}

// Execute runs a command on behalf of the caller.
func (s *Subsystem) Execute(caller *Task, cmd Command) error {
	spec := cmd.Spec()

	var id ContextID
	if spec.NeedsContext {
		var err error
		if id, err = s.resolve(caller, spec, cmd.address()); err != nil {
			return err
		}
	}

	err := cmd.run(s, caller, id)
	if err != nil {
		s.Debug("task %d: %s (context %d) failed: %v", caller.PID, spec.Name, id, err)
	}

	return err
}

// resolve finds the id of the context addressed by a command.
func (s *Subsystem) resolve(caller *Task, spec CommandSpec, a Address) (ContextID, error) {
	if a.Context != 0 {
		return a.Context, nil
	}

	t := caller
	if a.Target != 0 && a.Target != caller.PID {
		if !spec.NeedsTarget {
			return 0, pmuError("%s: cannot address task %d", spec.Name, a.Target)
		}
		var ok bool
		if t, ok = s.Task(a.Target); !ok {
			return 0, pmuError("%s: no task %d", spec.Name, a.Target)
		}
	}

	ctx := t.ctx.Load()
	if ctx == nil {
		return 0, pmuError("%s: task %d has no context", spec.Name, t.PID)
	}

	return ctx.id, nil
}
