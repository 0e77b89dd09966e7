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
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

func TestVirtualCounterInvariant(t *testing.T) {
	desc := hw.Generic()
	desc.CounterWidth = 8

	for _, mode := range []SaveMode{SaveEager, SaveLazy} {
		t.Run(string(mode), func(t *testing.T) {
			cores := 2
			if mode == SaveLazy {
				cores = 1
			}
			e := newTestEnvWith(t, desc, cores, WithSaveMode(mode))
			require.Equal(t, mode, e.SaveMode())

			tasks := []*Task{e.newTask(t, 100), e.newTask(t, 101)}
			ids := make([]ContextID, len(tasks))
			expect := make([]map[int]uint64, len(tasks))
			for i, task := range tasks {
				start := uint64(1000 * (i + 1))
				ids[i] = e.monitor(t, task, nil,
					CounterValue{ID: 4, Value: start}, CounterValue{ID: 5, Value: start + 1})
				expect[i] = map[int]uint64{4: start, 5: start + 1}
			}

			running := make([]int, cores)
			for core := range running {
				running[core] = -1
			}
			where := []int{-1, -1}

			switchOut := func(core int) {
				if i := running[core]; i >= 0 {
					e.switchOut(t, core, tasks[i])
					running[core], where[i] = -1, -1
				}
			}

			rnd := rand.New(rand.NewSource(1))
			for step := 0; step < 2000; step++ {
				switch rnd.Intn(3) {
				case 0:
					i, core := rnd.Intn(len(tasks)), rnd.Intn(cores)
					if running[core] == i {
						continue
					}
					if where[i] >= 0 {
						switchOut(where[i])
					}
					switchOut(core)
					e.switchIn(t, core, tasks[i])
					running[core], where[i] = i, core

				case 1:
					core := rnd.Intn(cores)
					i := running[core]
					if i < 0 {
						continue
					}
					reg := 4 + rnd.Intn(2)
					events := uint64(rnd.Intn(256))
					counting := e.hw[core].Counting()
					status, wrapped := e.hw[core].Tick(reg, events)
					if counting {
						expect[i][reg] += events
					}
					if wrapped {
						// A lazily switched out context stays resident, so
						// its overflow can only be taken by the interrupt.
						if mode == SaveLazy || rnd.Intn(2) == 0 {
							require.NoError(t, e.Interrupt(core, status))
						} else {
							switchOut(core)
						}
					}

				case 2:
					for i, task := range tasks {
						for _, reg := range []int{4, 5} {
							require.Equal(t, expect[i][reg], e.read(t, task, ids[i], reg),
								"step %d, task %d, counter %d", step, task.PID, reg)
						}
					}
				}
			}

			for i, task := range tasks {
				for _, reg := range []int{4, 5} {
					require.Equal(t, expect[i][reg], e.read(t, task, ids[i], reg))
				}
			}
		})
	}
}

func TestReloadRegisterWrites(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a, b := e.newTask(t, 100), e.newTask(t, 101)
	e.monitor(t, a, nil)
	e.monitor(t, b, nil)

	e.switchIn(t, 0, a)
	require.Equal(t, uint64(1), e.coreStats(t, 0).FullReloads)
	e.switchOut(t, 0, a)

	e.hw[0].ResetStats()
	e.switchIn(t, 0, a)
	require.Zero(t, e.hw[0].Stats().Writes(), "fast path writes no registers")
	require.Equal(t, uint64(1), e.coreStats(t, 0).FastReloads)
	require.True(t, e.hw[0].Counting())
	e.switchOut(t, 0, a)
	require.False(t, e.hw[0].Counting())

	e.switchIn(t, 0, b)
	e.switchOut(t, 0, b)

	e.hw[0].ResetStats()
	e.switchIn(t, 0, a)
	stats := e.hw[0].Stats()
	require.Equal(t, 4, stats.CounterWrites, "all reload counters")
	require.Equal(t, 4, stats.ControlWrites, "all reload controls")
	require.Zero(t, stats.DebugWrites)
	require.Equal(t, uint64(3), e.coreStats(t, 0).FullReloads)
	require.Equal(t, uint64(3), e.coreStats(t, 0).Activation)
}

func TestReloadDebugRegisters(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a, b := e.newTask(t, 100), e.newTask(t, 101)
	ida := e.monitor(t, a, nil)
	e.monitor(t, b, nil)

	require.NoError(t, e.WriteDebugRegisters(a, ida, []RegisterValue{{ID: 2, Value: 0xbeef}}))
	require.True(t, e.context(t, ida).Info().UsingDebugRegs)
	require.True(t, errors.Is(e.AcquireExternalDebug(), ErrBusy))

	e.switchIn(t, 0, b)
	e.switchOut(t, 0, b)

	e.hw[0].ResetStats()
	e.switchIn(t, 0, a)
	require.Equal(t, 8, e.hw[0].Stats().DebugWrites)
	require.Equal(t, uint64(0xbeef), e.hw[0].ReadDebug(2))

	require.NoError(t, e.WriteDebugRegisters(a, ida, []RegisterValue{{ID: 3, Value: 0xf00d}}))
	require.Equal(t, uint64(0xf00d), e.hw[0].ReadDebug(3), "resident write")

	e.switchOut(t, 0, a)
	require.NoError(t, e.Destroy(a, ida))
	require.Zero(t, e.Registry().Stats().DebugPerfmon)
	require.NoError(t, e.AcquireExternalDebug())
	e.ReleaseExternalDebug()
}

func TestLazySave(t *testing.T) {
	e := newTestEnv(t, 1)
	require.Equal(t, SaveLazy, e.SaveMode(), "auto mode on a single core")

	a, b := e.newTask(t, 100), e.newTask(t, 101)
	ida := e.monitor(t, a, nil)
	e.monitor(t, b, nil)

	e.switchIn(t, 0, a)
	_, ok := e.hw[0].Tick(4, 7)
	require.False(t, ok)

	e.switchOut(t, 0, a)
	require.Equal(t, 0, e.context(t, ida).Info().Resident, "stays resident")
	require.False(t, e.hw[0].Counting())
	require.Zero(t, e.coreStats(t, 0).Saves)

	e.hw[0].ResetStats()
	e.switchIn(t, 0, a)
	require.Zero(t, e.hw[0].Stats().Writes())
	require.True(t, e.hw[0].Counting())
	e.switchOut(t, 0, a)

	e.switchIn(t, 0, b)
	require.Equal(t, uint64(1), e.coreStats(t, 0).Saves, "saved on next load")
	require.Equal(t, -1, e.context(t, ida).Info().Resident)
	require.Equal(t, uint64(7), e.read(t, a, ida, 4))
}

func TestLazySaveNeedsSingleCore(t *testing.T) {
	e := newTestEnv(t, 2, WithSaveMode(SaveLazy))
	require.Equal(t, SaveEager, e.SaveMode())

	e = newTestEnv(t, 2)
	require.Equal(t, SaveEager, e.SaveMode())

	_, err := New(hw.Generic(), []hw.Capability{hw.NewSimulated(hw.Generic())}, WithSaveMode("sometimes"))
	require.True(t, errors.Is(err, ErrInvalid))
}

func TestEagerSaveStaleStamps(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a := e.newTask(t, 100)
	ida := e.monitor(t, a, nil, CounterValue{ID: 4, Value: 3})
	e.switchIn(t, 0, a)
	_, ok := e.hw[0].Tick(4, 4)
	require.False(t, ok)

	// Forge a mismatching activation stamp, the hardware state is then
	// considered superseded and not saved.
	ctx := e.context(t, ida)
	ctx.mu.Lock()
	ctx.lastActivation = 0
	ctx.mu.Unlock()

	e.switchOut(t, 0, a)
	require.Zero(t, e.coreStats(t, 0).Saves)
	require.Equal(t, -1, ctx.Info().Resident)
	require.False(t, e.hw[0].Counting())
	require.Equal(t, uint64(3), e.read(t, a, ida, 4))
}

func TestMissingContextInvariant(t *testing.T) {
	e := newTestEnv(t, 1)
	task := e.newTask(t, 100)
	task.monitored.Store(true)

	err := e.SwitchIn(0, task)
	require.True(t, errors.Is(err, ErrInvariant), "got %v", err)
	require.True(t, e.hw[0].Frozen())
	require.Equal(t, uint64(1), e.coreStats(t, 0).Invariants)
}

func TestReloadMaskInvariant(t *testing.T) {
	e := newTestEnv(t, 1)
	task := e.newTask(t, 100)
	e.switchIn(t, 0, task)

	id, err := e.Create(task, &Request{})
	require.NoError(t, err)
	require.NoError(t, e.WriteCounters(task, id, []CounterValue{{ID: 4}}))

	ctx := e.context(t, id)
	ctx.mu.Lock()
	ctx.reloadCounters = ctx.reloadCounters.Clear(4)
	ctx.mu.Unlock()

	err = e.Enable(task, id)
	require.True(t, errors.Is(err, ErrInvariant), "got %v", err)
	require.True(t, e.hw[0].Frozen())
	require.Equal(t, -1, ctx.Info().Resident)
}

func TestInvalidateCore(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a := e.newTask(t, 100)
	ida := e.monitor(t, a, nil, CounterValue{ID: 4, Value: 10})
	e.switchIn(t, 0, a)

	require.NoError(t, e.InvalidateCore(0))
	require.Equal(t, -1, e.context(t, ida).Info().Resident)
	e.hw[0].Poke(4, 12345)

	e.switchOut(t, 0, a)
	e.switchIn(t, 0, a)
	require.Equal(t, uint64(2), e.coreStats(t, 0).FullReloads)
	require.Equal(t, uint64(10), e.hw[0].ReadCounter(4), "restored after external write")
	require.Equal(t, uint64(10), e.read(t, a, ida, 4))

	require.True(t, errors.Is(e.InvalidateCore(5), ErrInvalid))
}

func TestSystemWideExcludeIdle(t *testing.T) {
	e := newTestEnv(t, 2)
	pinned := e.newTaskWith(t, Identity{PID: 100, Session: 1}, cpuset.New(1))
	idle := e.newTaskWith(t, Identity{PID: 2, Idle: true}, cpuset.New(1))
	busy := e.newTask(t, 101)

	id, err := e.Create(pinned, &Request{Flags: SystemWide | ExcludeIdle, Cores: cpuset.New(1)})
	require.NoError(t, err)
	require.NoError(t, e.WriteControls(pinned, id, []RegisterValue{{ID: 4, Value: 1}}))
	require.NoError(t, e.Enable(pinned, id))
	require.Equal(t, 1, e.context(t, id).Info().Resident, "installed on its core")
	require.NoError(t, e.Start(pinned, id))
	require.True(t, e.hw[1].Counting())
	require.Equal(t, hw.MonitorBits|hw.Secure, e.hw[1].ReadPrivilegeState())

	e.switchIn(t, 1, idle)
	require.False(t, e.hw[1].Counting(), "idle excluded")
	e.switchOut(t, 1, idle)
	e.switchIn(t, 1, busy)
	require.True(t, e.hw[1].Counting())
	e.switchOut(t, 1, busy)
	require.True(t, e.hw[1].Counting(), "system-wide context stays resident")
	require.Equal(t, 1, e.context(t, id).Info().Resident)

	require.NoError(t, e.Stop(pinned, id))
	require.False(t, e.hw[1].Counting())
	require.NoError(t, e.Start(pinned, id))
	require.True(t, e.hw[1].Counting())
}

func TestStartStop(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a := e.newTask(t, 100)
	id, err := e.Create(a, &Request{Flags: Unsecure})
	require.NoError(t, err)

	require.True(t, errors.Is(e.Start(a, id), ErrInvalid), "not enabled")

	require.NoError(t, e.Enable(a, id))
	require.NoError(t, e.Start(a, id))
	e.switchIn(t, 0, a)
	require.Equal(t, hw.MonitorUser, e.hw[0].ReadPrivilegeState())
	require.True(t, e.hw[0].Counting())

	require.NoError(t, e.Stop(a, id))
	require.False(t, e.hw[0].Counting())
	e.switchOut(t, 0, a)
	e.switchIn(t, 0, a)
	require.False(t, e.hw[0].Counting(), "stop survives a context switch")

	require.NoError(t, e.Start(a, id))
	require.True(t, e.hw[0].Counting())

	require.NoError(t, e.Disable(a, id))
	require.False(t, e.hw[0].Counting())
	require.Equal(t, -1, e.context(t, id).Info().Resident)
	e.switchOut(t, 0, a)
	e.switchIn(t, 0, a)
	require.False(t, e.hw[0].Counting(), "disabled context not loaded")

	require.NoError(t, e.Enable(a, id))
	require.True(t, e.hw[0].Counting(), "monitoring state kept over disable")
}
