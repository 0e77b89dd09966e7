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

package main

import (
	"context"
	"io"
	"math/rand"
	"runtime"

	"github.com/pkg/errors"
	"sigs.k8s.io/yaml"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/pmu"
	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
	"github.com/intel/pmu-manager/pkg/sysfs"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const (
	basePID = 1000
	// counter with sampled overflows
	sampled = 4
	// counter checked against the simulated workload
	checked = 5
)

// simulator runs a synthetic workload of monitored tasks on simulated cores.
type simulator struct {
	logger.Logger
	s       *pmu.Subsystem
	hw      []*hw.Simulated
	opt     options
	rnd     *rand.Rand
	tasks   []*simTask
	running []*simTask
	notes   chan *pmu.Notification
}

// simTask is a simulated task with its context.
type simTask struct {
	*pmu.Task
	id     pmu.ContextID
	addr   uint64
	events uint64 // events counted by the checked counter
}

// taskReport is the final state of a simulated task.
type taskReport struct {
	PID      int
	Sampled  uint64
	Checked  uint64
	Expected uint64
}

// loadDescription reads a PMU description from a YAML file, or returns the
// generic one for an empty path.
func loadDescription(path string, read func(string) ([]byte, error)) (*hw.Description, error) {
	if path == "" {
		return hw.Generic(), nil
	}
	raw, err := read(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read PMU description")
	}
	desc := &hw.Description{}
	if err := yaml.Unmarshal(raw, desc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse PMU description %s", path)
	}
	if err := desc.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid PMU description %s", path)
	}
	return desc, nil
}

// discoverCores returns the number of cores to simulate.
func discoverCores(log logger.Logger, o *options) int {
	if o.Cores > 0 {
		return o.Cores
	}
	sys, err := sysfs.DiscoverSystem(o.SysfsRoot)
	if err != nil {
		log.Warn("failed to discover online cores: %v", err)
		return runtime.NumCPU()
	}
	online := sys.Online()
	log.Info("discovered %d online cores (%q), PMU %q", online.Size(), online.String(), sys.PMU())
	if online.Size() == 0 {
		return 1
	}
	return online.Size()
}

func newSimulator(desc *hw.Description, cores int, o *options) (*simulator, error) {
	sim := &simulator{
		Logger:  logger.Get("sim"),
		hw:      hw.NewSimulatedSet(desc, cores),
		opt:     *o,
		rnd:     rand.New(rand.NewSource(o.Seed)),
		running: make([]*simTask, cores),
		notes:   make(chan *pmu.Notification, 1024),
	}

	caps := make([]hw.Capability, cores)
	for id, c := range sim.hw {
		caps[id] = c
	}

	notifier := pmu.NotifierFunc(func(_ context.Context, n *pmu.Notification) error {
		select {
		case sim.notes <- n:
			return nil
		default:
			return errors.New("notification backlog full")
		}
	})

	s, err := pmu.New(desc, caps, pmu.WithNotifier(notifier))
	if err != nil {
		return nil, err
	}
	sim.s = s

	for i := 0; i < o.Tasks; i++ {
		if err := sim.addTask(basePID + i); err != nil {
			return nil, err
		}
	}

	return sim, nil
}

// addTask creates a task monitoring itself, sampling the overflows of one
// counter and counting with another.
func (sim *simulator) addTask(pid int) error {
	id := pmu.Identity{PID: pid, Session: 1, UID: 1000, EUID: 1000}
	t, err := sim.s.NewTask(id, cpuset.New())
	if err != nil {
		return err
	}

	create := &pmu.CreateCmd{
		Request: pmu.Request{
			NotifyPID:       pid,
			SampleRegisters: regset.Of(sampled, checked),
			SampleEntries:   sim.opt.SampleEntries,
		},
	}
	if err := sim.s.Execute(t, create); err != nil {
		return err
	}

	reset := -sim.opt.Period
	for _, cmd := range []pmu.Command{
		&pmu.WriteControlsCmd{Values: []pmu.RegisterValue{
			{ID: sampled, Value: 0x1},
			{ID: checked, Value: 0x2},
		}},
		&pmu.WriteCountersCmd{Values: []pmu.CounterValue{
			{
				ID:         sampled,
				Value:      reset,
				Flags:      pmu.NotifyOnOverflow | pmu.RandomizeReset,
				LongReset:  reset,
				ShortReset: reset,
				Seed:       uint64(pid),
				RandMask:   0xff,
			},
			{ID: checked},
		}},
		&pmu.EnableCmd{},
		&pmu.StartCmd{},
	} {
		if err := sim.s.Execute(t, cmd); err != nil {
			return errors.Wrapf(err, "task %d: %s", pid, cmd.Spec().Name)
		}
	}

	sim.tasks = append(sim.tasks, &simTask{
		Task: t,
		id:   create.ID,
		addr: create.Request.BufferAddr,
	})

	return nil
}

// run simulates the configured number of steps.
func (sim *simulator) run(ctx context.Context) error {
	sim.s.Run(ctx)

	for i := 0; i < sim.opt.Steps; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sim.step(); err != nil {
			return errors.Wrapf(err, "step %d", i)
		}
		if err := sim.restart(); err != nil {
			return err
		}
	}

	return nil
}

// step either reschedules a core or runs the task on it.
func (sim *simulator) step() error {
	core := sim.rnd.Intn(len(sim.hw))

	if sim.rnd.Intn(8) == 0 {
		return sim.schedule(core, sim.tasks[sim.rnd.Intn(len(sim.tasks))])
	}

	t := sim.running[core]
	if t == nil {
		return nil
	}

	reg := sampled + sim.rnd.Intn(2)
	events := uint64(sim.rnd.Int63n(int64(sim.opt.MaxEvents) + 1))
	counting := sim.hw[core].Counting()
	status, wrapped := sim.hw[core].Tick(reg, events)
	if counting && reg == checked {
		t.events += events
	}
	if wrapped {
		if err := sim.s.Interrupt(core, status); err != nil {
			return err
		}
	}

	_, err := sim.s.TryReturnToUser(t.Task)
	return err
}

// schedule switches a task in on a core.
func (sim *simulator) schedule(core int, t *simTask) error {
	if sim.running[core] == t {
		return nil
	}
	if prev := t.Core(); prev >= 0 {
		if err := sim.switchOut(prev); err != nil {
			return err
		}
	}
	if err := sim.switchOut(core); err != nil {
		return err
	}
	if err := sim.s.SwitchIn(core, t.Task); err != nil {
		return err
	}
	sim.running[core] = t
	return nil
}

func (sim *simulator) switchOut(core int) error {
	t := sim.running[core]
	if t == nil {
		return nil
	}
	sim.running[core] = nil
	return sim.s.SwitchOut(core, t.Task)
}

// restart restarts the contexts of notified tasks.
func (sim *simulator) restart() error {
	for {
		select {
		case n := <-sim.notes:
			t, ok := sim.s.Task(n.Owner)
			if !ok {
				continue
			}
			sim.Debug("task %d: overflow %s on core %d", n.Owner, n.Overflow, n.Core)
			if err := sim.s.Execute(t, &pmu.RestartCmd{}); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// report reads the final counter values of all tasks. It fails if the
// checked counter of any task disagrees with the simulated workload.
func (sim *simulator) report() ([]taskReport, error) {
	var reports []taskReport

	for _, t := range sim.tasks {
		read := &pmu.ReadCountersCmd{Values: []pmu.CounterValue{{ID: sampled}, {ID: checked}}}
		if err := sim.s.Execute(t.Task, read); err != nil {
			return nil, err
		}
		r := taskReport{
			PID:      t.PID,
			Sampled:  read.Values[0].Value,
			Checked:  read.Values[1].Value,
			Expected: t.events,
		}
		reports = append(reports, r)
		if r.Checked != r.Expected {
			return reports, errors.Wrapf(pmu.ErrInvariant, "task %d: counted %d events, expected %d",
				r.PID, r.Checked, r.Expected)
		}
	}

	return reports, nil
}

// dump exports the samples of the first task.
func (sim *simulator) dump(w io.Writer) error {
	t := sim.tasks[0]
	view, err := t.Space().View(t.addr)
	if err != nil {
		return err
	}
	r, err := smpl.NewReader(view)
	if err != nil {
		return err
	}
	sim.Info("task %d: dumping %d samples", t.PID, r.Count())
	return r.Export(w)
}

// close switches out all tasks and tears them down.
func (sim *simulator) close() {
	for core := range sim.running {
		if err := sim.switchOut(core); err != nil {
			sim.Warn("core %d: %v", core, err)
		}
	}
	for _, t := range sim.tasks {
		sim.s.Exit(t.Task)
	}
	sim.s.Shutdown()
}
