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

// Package pmu virtualizes per-core performance monitoring hardware across
// per-task and system-wide monitoring sessions.
package pmu

import (
	"strings"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/pkg/errors"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/pmu/registry"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const logSource = "pmu"

// cpu is the per-core ownership slot of the PMU hardware.
type cpu struct {
	sync.Mutex                    // serializes the hooks of this core
	id         int                // core id
	hw         hw.Capability      // core PMU
	dbg        hw.DebugRegisters  // core debug registers, if any
	owner      *Context           // context owning the hardware
	activation uint64             // activation counter
	current    *Task              // task running on the core
	stats      CoreStats          // statistics
	interval   ewma.MovingAverage // overflow interval average, in seconds
	lastOvfl   time.Time          // time of last overflow
}

// CoreStats are the statistics of a core.
type CoreStats struct {
	Interrupts  uint64  // overflow interrupts
	Spurious    uint64  // interrupts with no owner
	Samples     uint64  // recorded samples
	BufferFull  uint64  // sample buffer full events
	FastReloads uint64  // loads without register writes
	FullReloads uint64  // loads writing all registers
	Saves       uint64  // context saves
	Invariants  uint64  // invariant violations
	Notified    uint64  // overflow notifications posted
	Restarts    uint64  // restarts of frozen contexts
	Activation  uint64  // activation counter
	Interval    float64 // average overflow interval in seconds
}

// Subsystem multiplexes the PMU hardware of all cores among contexts.
type Subsystem struct {
	logger.Logger                        // subsystem logger instance
	warn          logger.Logger          // rate-limited logger
	sync.RWMutex                         // protects tasks, contexts, nextID
	desc          *hw.Description        // register description
	cpus          []*cpu                 // per-core slots
	online        cpuset.CPUSet          // online cores
	registry      *registry.Registry     // session registry
	saveMode      SaveMode               // effective save mode
	tasks         map[int]*Task          // tasks by pid
	contexts      map[ContextID]*Context // contexts by id
	nextID        ContextID              // next context id
	notify        *dispatcher            // notification dispatcher
	maxBuffer     uint64                 // sample buffer size cap
	maxBatch      int                    // batched command size cap
	spaceLimit    uint64                 // address space memory limit
	now           func() time.Time       // clock
}

// Option is an option for New.
type Option func(*Subsystem) error

// WithSaveMode overrides the configured save mode.
func WithSaveMode(mode SaveMode) Option {
	return func(s *Subsystem) error {
		s.saveMode = mode
		return nil
	}
}

// WithOnline sets the online cores.
func WithOnline(online cpuset.CPUSet) Option {
	return func(s *Subsystem) error {
		if !cpuset.Within(online, len(s.cpus)) {
			return errors.Wrapf(ErrInvalid, "online cores %q out of range", online.String())
		}
		s.online = online
		return nil
	}
}

// WithNotifier sets the transport for overflow notifications.
func WithNotifier(n Notifier) Option {
	return func(s *Subsystem) error {
		s.notify.notifier = n
		return nil
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Subsystem) error {
		s.now = now
		return nil
	}
}

// WithSpaceLimit sets the memory limit of address spaces created for tasks.
func WithSpaceLimit(limit uint64) Option {
	return func(s *Subsystem) error {
		s.spaceLimit = limit
		return nil
	}
}

// New creates a subsystem for the given PMU description and per-core PMUs.
func New(desc *hw.Description, cores []hw.Capability, opts ...Option) (*Subsystem, error) {
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrapf(ErrInvalid, "invalid PMU description: %v", err)
	}
	if len(cores) == 0 {
		return nil, errors.Wrap(ErrInvalid, "no cores")
	}

	log := logger.Get(logSource)
	s := &Subsystem{
		Logger:    log,
		warn:      logger.RateLimit(log, logger.Interval(opt.WarnInterval.Std())),
		desc:      desc,
		cpus:      make([]*cpu, len(cores)),
		online:    cpuset.Range(len(cores)),
		registry:  registry.New(len(cores)),
		saveMode:  SaveMode(strings.ToLower(string(opt.SaveMode))),
		tasks:     map[int]*Task{},
		contexts:  map[ContextID]*Context{},
		nextID:    1,
		notify:    newDispatcher(log, opt.NotifyWorkers, opt.NotifyQueue),
		maxBuffer: opt.MaxBufferSize,
		maxBatch:  opt.MaxBatch,
		now:       time.Now,
	}

	for id, c := range cores {
		slot := &cpu{
			id:       id,
			hw:       c,
			interval: ewma.NewMovingAverage(),
		}
		if dbg, ok := c.(hw.DebugRegisters); ok && desc.DebugRegisters > 0 {
			slot.dbg = dbg
		}
		c.Freeze()
		s.cpus[id] = slot
	}

	for _, o := range opts {
		if err := o(s); err != nil {
			return nil, err
		}
	}

	switch s.saveMode {
	case SaveAuto, "":
		if len(s.cpus) == 1 {
			s.saveMode = SaveLazy
		} else {
			s.saveMode = SaveEager
		}
	case SaveLazy:
		if len(s.cpus) > 1 {
			s.Warn("lazy save mode needs a single core, using eager mode for %d cores",
				len(s.cpus))
			s.saveMode = SaveEager
		}
	case SaveEager:
	default:
		return nil, errors.Wrapf(ErrInvalid, "invalid save mode %q", s.saveMode)
	}

	s.Info("PMU %s: %d cores (online %q), %s save mode", desc.Name, len(s.cpus),
		s.online.String(), s.saveMode)

	return s, nil
}

// SaveMode returns the effective save mode.
func (s *Subsystem) SaveMode() SaveMode {
	return s.saveMode
}

// Description returns the PMU description.
func (s *Subsystem) Description() *hw.Description {
	return s.desc
}

// Registry returns the session registry.
func (s *Subsystem) Registry() *registry.Registry {
	return s.registry
}

// Cores returns the number of cores.
func (s *Subsystem) Cores() int {
	return len(s.cpus)
}

// CoreStats returns a snapshot of the statistics of a core.
func (s *Subsystem) CoreStats(core int) (CoreStats, error) {
	c, err := s.cpu(core)
	if err != nil {
		return CoreStats{}, err
	}

	c.Lock()
	defer c.Unlock()

	stats := c.stats
	stats.Activation = c.activation
	stats.Interval = c.interval.Value()

	return stats, nil
}

// Contexts returns the number of live contexts.
func (s *Subsystem) Contexts() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.contexts)
}

// NewTask registers a new task with its own address space.
func (s *Subsystem) NewTask(id Identity, affinity cpuset.CPUSet) (*Task, error) {
	space := smpl.NewAddressSpace(smpl.DefaultBase, smpl.DefaultSpan, s.spaceLimit)
	return s.addTask(newTask(id, affinity, space))
}

// NewThread registers a new task sharing the address space of another one.
func (s *Subsystem) NewThread(id Identity, affinity cpuset.CPUSet, sibling *Task) (*Task, error) {
	t, err := s.addTask(newTask(id, affinity, sibling.space.Share()))
	if err != nil {
		sibling.space.Leave(sibling.free)
	}
	return t, err
}

func (s *Subsystem) addTask(t *Task) (*Task, error) {
	if t.PID <= 0 {
		return nil, errors.Wrapf(ErrInvalid, "invalid task id %d", t.PID)
	}
	if t.affinity.IsEmpty() {
		t.affinity = s.online.Clone()
	}

	s.Lock()
	defer s.Unlock()

	if _, ok := s.tasks[t.PID]; ok {
		return nil, errors.Wrapf(ErrBusy, "task %d already exists", t.PID)
	}
	s.tasks[t.PID] = t

	return t, nil
}

// Task looks up a task by id.
func (s *Subsystem) Task(pid int) (*Task, bool) {
	s.RLock()
	defer s.RUnlock()
	t, ok := s.tasks[pid]
	return t, ok
}

// Context looks up a context by id.
func (s *Subsystem) Context(id ContextID) (*Context, bool) {
	s.RLock()
	defer s.RUnlock()
	ctx, ok := s.contexts[id]
	return ctx, ok
}

// lookup finds a live context by id.
func (s *Subsystem) lookup(id ContextID) (*Context, error) {
	ctx, ok := s.Context(id)
	if !ok || ctx.closed.Load() {
		return nil, errors.Wrapf(ErrInvalid, "no context %d", id)
	}
	return ctx, nil
}

// cpu returns the slot of a core.
func (s *Subsystem) cpu(core int) (*cpu, error) {
	if core < 0 || core >= len(s.cpus) {
		return nil, errors.Wrapf(ErrInvalid, "invalid core %d", core)
	}
	return s.cpus[core], nil
}

// lockContext locks a context together with the core it owns, if any. The
// returned core is nil if the context does not own any core. The caller
// must call unlockContext when done.
func (s *Subsystem) lockContext(ctx *Context) *cpu {
	for {
		core := ctx.core.Load()
		var c *cpu
		if core >= 0 {
			c = s.cpus[core]
			c.Lock()
		}
		ctx.mu.Lock()
		if ctx.core.Load() == core {
			return c
		}
		ctx.mu.Unlock()
		if c != nil {
			c.Unlock()
		}
	}
}

func (s *Subsystem) unlockContext(c *cpu, ctx *Context) {
	ctx.mu.Unlock()
	if c != nil {
		c.Unlock()
	}
}

// setOwner makes ctx the owner of the core. Both must be locked.
func (c *cpu) setOwner(ctx *Context) {
	c.owner = ctx
	ctx.core.Store(int64(c.id))
}

// clearOwner clears the ownership of the core. Both must be locked.
func (c *cpu) clearOwner(ctx *Context) {
	if c.owner == ctx {
		c.owner = nil
	}
	ctx.core.Store(-1)
}

// AcquireExternalDebug reserves the debug registers for an external user,
// such as a debugger. All cores are invalidated since the external user is
// expected to modify their registers.
func (s *Subsystem) AcquireExternalDebug() error {
	if err := s.registry.AcquireExternal(); err != nil {
		return err
	}
	for id := range s.cpus {
		if err := s.InvalidateCore(id); err != nil {
			return err
		}
	}
	return nil
}

// ReleaseExternalDebug releases the debug registers of an external user.
func (s *Subsystem) ReleaseExternalDebug() {
	s.registry.ReleaseExternal()
}
