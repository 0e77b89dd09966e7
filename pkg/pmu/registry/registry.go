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

// Package registry arbitrates between per-task and system-wide monitoring
// sessions and between the users of debug registers.
package registry

import (
	"sync"

	"github.com/pkg/errors"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const logSource = "registry"

var (
	// ErrBusy is returned when a reservation conflicts with existing ones.
	ErrBusy = errors.New("resource busy")
	// ErrInvalid is returned for malformed reservation requests.
	ErrInvalid = errors.New("invalid argument")
)

// SessionID identifies a session in the registry.
type SessionID uint64

// NoSession is the empty owner of a core.
const NoSession SessionID = 0

// Registry is the global arbiter of monitoring sessions.
type Registry struct {
	logger.Logger                // registry logger instance
	sync.Mutex                   // protects everything below
	cores          int           // number of cores
	taskSessions   uint          // number of per-task sessions
	systemSessions uint          // number of system-wide sessions
	systemOwner    []SessionID   // system-wide session owning each core
	debugPerfmon   uint          // debug register users among sessions
	debugExternal  uint          // debug register users outside sessions
	claimed        cpuset.CPUSet // cores with a system-wide owner
}

// Stats is a snapshot of the registry state.
type Stats struct {
	TaskSessions   uint
	SystemSessions uint
	DebugPerfmon   uint
	DebugExternal  uint
	SystemCores    cpuset.CPUSet
}

// New creates a registry for the given number of cores.
func New(cores int) *Registry {
	return &Registry{
		Logger:      logger.Get(logSource),
		cores:       cores,
		systemOwner: make([]SessionID, cores),
		claimed:     cpuset.New(),
	}
}

// Reserve reserves resources for a session. A system-wide session claims
// all the given cores exclusively and conflicts with per-task sessions. A
// per-task session conflicts with any system-wide session.
func (r *Registry) Reserve(id SessionID, systemWide bool, cores cpuset.CPUSet) error {
	if id == NoSession {
		return errors.Wrap(ErrInvalid, "reserve: invalid session id")
	}

	r.Lock()
	defer r.Unlock()

	if !systemWide {
		if r.systemSessions > 0 {
			return errors.Wrapf(ErrBusy, "session %d: %d system-wide session(s) active",
				id, r.systemSessions)
		}
		r.taskSessions++
		r.Debug("session %d reserved, %d task session(s)", id, r.taskSessions)
		return nil
	}

	if cores.IsEmpty() || !cpuset.Within(cores, r.cores) {
		return errors.Wrapf(ErrInvalid, "session %d: invalid cores %q", id, cores.String())
	}
	if r.taskSessions > 0 {
		return errors.Wrapf(ErrBusy, "session %d: %d task session(s) active",
			id, r.taskSessions)
	}

	claimed := make([]int, 0, cores.Size())
	for _, core := range cores.List() {
		if owner := r.systemOwner[core]; owner != NoSession {
			for _, c := range claimed {
				r.systemOwner[c] = NoSession
			}
			return errors.Wrapf(ErrBusy, "session %d: core %d owned by session %d",
				id, core, owner)
		}
		r.systemOwner[core] = id
		claimed = append(claimed, core)
	}

	r.systemSessions++
	r.claimed = r.claimed.Union(cores)
	r.Debug("session %d reserved cores %q, %d system-wide session(s)",
		id, cores.String(), r.systemSessions)

	return nil
}

// Unreserve releases the resources of a session. If the session used debug
// registers, its debug register use is released as well.
func (r *Registry) Unreserve(id SessionID, systemWide bool, cores cpuset.CPUSet, usedDebug bool) {
	r.Lock()
	defer r.Unlock()

	if usedDebug {
		r.releaseDebug(id)
	}

	if !systemWide {
		if r.taskSessions == 0 {
			r.Warn("session %d: task session count underflow", id)
			return
		}
		r.taskSessions--
		r.Debug("session %d released, %d task session(s)", id, r.taskSessions)
		return
	}

	for _, core := range cores.List() {
		if core < 0 || core >= r.cores {
			r.Warn("session %d: ignoring invalid core %d", id, core)
			continue
		}
		if owner := r.systemOwner[core]; owner != id {
			r.Warn("session %d: core %d owned by session %d", id, core, owner)
			continue
		}
		r.systemOwner[core] = NoSession
		r.claimed = r.claimed.Difference(cpuset.New(core))
	}

	if r.systemSessions == 0 {
		r.Warn("session %d: system-wide session count underflow", id)
		return
	}
	r.systemSessions--
	r.Debug("session %d released cores %q, %d system-wide session(s)",
		id, cores.String(), r.systemSessions)
}

// AcquireDebugRegisters registers a session as a debug register user. This
// fails while the debug registers are in use outside of sessions.
func (r *Registry) AcquireDebugRegisters(id SessionID, systemWide bool) error {
	r.Lock()
	defer r.Unlock()

	if r.debugExternal > 0 {
		return errors.Wrapf(ErrBusy, "session %d: debug registers used by %d external user(s)",
			id, r.debugExternal)
	}

	r.debugPerfmon++
	r.Debug("session %d (system-wide: %v) uses debug registers, %d user(s)",
		id, systemWide, r.debugPerfmon)

	return nil
}

// ReleaseDebugRegisters releases the debug register use of a session.
func (r *Registry) ReleaseDebugRegisters(id SessionID) {
	r.Lock()
	defer r.Unlock()
	r.releaseDebug(id)
}

func (r *Registry) releaseDebug(id SessionID) {
	if r.debugPerfmon == 0 {
		r.Warn("session %d: debug register user count underflow", id)
		return
	}
	r.debugPerfmon--
}

// AcquireExternal registers an external (debugger) debug register user.
// This fails while any session uses debug registers.
func (r *Registry) AcquireExternal() error {
	r.Lock()
	defer r.Unlock()

	if r.debugPerfmon > 0 {
		return errors.Wrapf(ErrBusy, "debug registers used by %d session(s)", r.debugPerfmon)
	}
	r.debugExternal++

	return nil
}

// ReleaseExternal releases an external debug register user.
func (r *Registry) ReleaseExternal() {
	r.Lock()
	defer r.Unlock()

	if r.debugExternal == 0 {
		r.Warn("external debug register user count underflow")
		return
	}
	r.debugExternal--
}

// Owner returns the system-wide session owning a core.
func (r *Registry) Owner(core int) (SessionID, bool) {
	r.Lock()
	defer r.Unlock()

	if core < 0 || core >= r.cores {
		return NoSession, false
	}
	owner := r.systemOwner[core]
	return owner, owner != NoSession
}

// Stats returns a snapshot of the registry state.
func (r *Registry) Stats() Stats {
	r.Lock()
	defer r.Unlock()

	return Stats{
		TaskSessions:   r.taskSessions,
		SystemSessions: r.systemSessions,
		DebugPerfmon:   r.debugPerfmon,
		DebugExternal:  r.debugExternal,
		SystemCores:    r.claimed.Clone(),
	}
}
