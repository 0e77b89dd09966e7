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
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmu-manager/pkg/pmu/registry"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

func TestCreateValidation(t *testing.T) {
	e := newTestEnv(t, 2)
	task := e.newTask(t, 100)
	pinned := e.newTaskWith(t, Identity{PID: 101, Session: 1}, cpuset.New(1))

	for _, tc := range []struct {
		name   string
		caller *Task
		req    Request
		err    error
	}{
		{
			name:   "reserved notification target",
			caller: task,
			req:    Request{NotifyPID: InitPID},
			err:    ErrInvalid,
		},
		{
			name:   "unknown notification target",
			caller: task,
			req:    Request{NotifyPID: 999},
			err:    ErrInvalid,
		},
		{
			name:   "invalid flags",
			caller: task,
			req:    Request{Flags: 1 << 10},
			err:    ErrInvalid,
		},
		{
			name:   "invalid inheritance",
			caller: task,
			req:    Request{Inherit: InheritAll + 1},
			err:    ErrInvalid,
		},
		{
			name:   "idle exclusion for a task",
			caller: task,
			req:    Request{Flags: ExcludeIdle},
			err:    ErrInvalid,
		},
		{
			name:   "system-wide on two cores",
			caller: pinned,
			req:    Request{Flags: SystemWide, Cores: cpuset.New(0, 1)},
			err:    ErrInvalid,
		},
		{
			name:   "system-wide caller not pinned",
			caller: task,
			req:    Request{Flags: SystemWide, Cores: cpuset.New(1)},
			err:    ErrInvalid,
		},
		{
			name:   "system-wide inherited",
			caller: pinned,
			req:    Request{Flags: SystemWide, Cores: cpuset.New(1), Inherit: InheritOnce},
			err:    ErrInvalid,
		},
		{
			name:   "system-wide blocking",
			caller: pinned,
			req:    Request{Flags: SystemWide | BlockingNotify, Cores: cpuset.New(1)},
			err:    ErrInvalid,
		},
		{
			name:   "unimplemented sample register",
			caller: task,
			req:    Request{SampleRegisters: regset.Of(1), SampleEntries: 4},
			err:    ErrInvalid,
		},
		{
			name:   "sample registers without buffer",
			caller: task,
			req:    Request{SampleRegisters: regset.Of(4)},
			err:    ErrInvalid,
		},
		{
			name:   "sample buffer over limit",
			caller: task,
			req:    Request{SampleEntries: testSpaceLimit},
			err:    ErrTooLarge,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			before := e.Registry().Stats()
			_, err := e.Create(tc.caller, &tc.req)
			require.Error(t, err)
			require.True(t, errors.Is(err, tc.err), "got %v", err)
			require.Equal(t, before, e.Registry().Stats(), "registry untouched")
			require.Nil(t, tc.caller.Context())
			require.Zero(t, tc.caller.Space().Mappings())
		})
	}
}

func TestCreateOnce(t *testing.T) {
	e := newTestEnv(t, 1)
	task := e.newTask(t, 100)

	id, err := e.Create(task, &Request{})
	require.NoError(t, err)
	require.Equal(t, id, task.Context().ID())

	_, err = e.Create(task, &Request{})
	require.True(t, errors.Is(err, ErrBusy))
	require.Equal(t, uint(1), e.Registry().Stats().TaskSessions)
}

func TestCreatePermission(t *testing.T) {
	e := newTestEnv(t, 1)
	owner := e.newTask(t, 100)
	stranger := e.newTaskWith(t, Identity{PID: 200, Session: 2, UID: 2000, EUID: 2000}, cpuset.New())
	setuid := e.newTaskWith(t, Identity{PID: 201, Session: 3, UID: 1000, EUID: 0}, cpuset.New())
	sameUser := e.newTaskWith(t, Identity{PID: 202, Session: 4, UID: 1000, EUID: 1000}, cpuset.New())
	tracer := e.newTaskWith(t, Identity{PID: 300, Session: 5, UID: 3000, EUID: 3000, Ptrace: true}, cpuset.New())

	_, err := e.Create(owner, &Request{NotifyPID: stranger.PID, SampleEntries: 4})
	require.True(t, errors.Is(err, ErrPermission), "got %v", err)
	_, err = e.Create(owner, &Request{NotifyPID: setuid.PID})
	require.True(t, errors.Is(err, ErrPermission), "got %v", err)
	require.Zero(t, e.Registry().Stats().TaskSessions)
	require.Zero(t, owner.Space().Mappings(), "buffer unmapped on failure")

	id, err := e.Create(owner, &Request{NotifyPID: sameUser.PID})
	require.NoError(t, err)
	require.Equal(t, sameUser.PID, e.context(t, id).Info().NotifyTarget)

	_, err = e.Create(tracer, &Request{NotifyPID: stranger.PID})
	require.NoError(t, err)
}

func TestCreateSampleBuffer(t *testing.T) {
	e := newTestEnv(t, 1)
	task := e.newTask(t, 100)

	req := &Request{SampleRegisters: regset.Of(4, 5), SampleEntries: 16}
	id, err := e.Create(task, req)
	require.NoError(t, err)
	require.NotZero(t, req.BufferAddr)

	info := e.context(t, id).Info()
	require.True(t, info.HasBuffer)
	require.Equal(t, req.BufferAddr, info.BufferAddr)
	require.Equal(t, regset.Of(4, 5), info.SampleRegisters)

	_, err = task.Space().View(req.BufferAddr)
	require.NoError(t, err)
}

func TestSystemWideExclusion(t *testing.T) {
	e := newTestEnv(t, 2)
	pinned := e.newTaskWith(t, Identity{PID: 100, Session: 1}, cpuset.New(1))
	other := e.newTaskWith(t, Identity{PID: 101, Session: 1}, cpuset.New(1))
	task := e.newTask(t, 102)

	id, err := e.Create(pinned, &Request{Flags: SystemWide, Cores: cpuset.New(1)})
	require.NoError(t, err)
	owner, ok := e.Registry().Owner(1)
	require.True(t, ok)
	require.Equal(t, registry.SessionID(id), owner)

	_, err = e.Create(other, &Request{Flags: SystemWide, Cores: cpuset.New(1)})
	require.True(t, errors.Is(err, ErrBusy), "core already claimed")
	_, err = e.Create(task, &Request{})
	require.True(t, errors.Is(err, ErrBusy), "task session while system-wide")

	require.NoError(t, e.Destroy(pinned, id))
	_, ok = e.Registry().Owner(1)
	require.False(t, ok)

	_, err = e.Create(task, &Request{})
	require.NoError(t, err)
}

func TestDestroyFlushesCounters(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	task := e.newTask(t, 100)
	e.switchIn(t, 0, task)
	id := e.monitor(t, task, nil, CounterValue{ID: 4, Value: 5})

	_, ok := e.hw[0].Tick(4, 10)
	require.False(t, ok)
	require.Equal(t, uint64(15), e.read(t, task, id, 4))

	ctx := e.context(t, id)
	require.NoError(t, e.Destroy(task, id))

	require.Equal(t, uint64(15), ctx.Counter(4).Accumulated+ctx.hwSaved[4], "flushed")
	require.Equal(t, -1, ctx.Info().Resident)
	require.True(t, e.hw[0].Frozen())
	require.Nil(t, task.Context())
	require.Zero(t, e.Contexts())
	require.Zero(t, e.Registry().Stats().TaskSessions)

	require.True(t, errors.Is(e.Destroy(task, id), ErrInvalid))
}

func TestFork(t *testing.T) {
	e := newTestEnv(t, 2, WithSaveMode(SaveEager))
	parent := e.newTask(t, 100)
	e.switchIn(t, 0, parent)

	req := &Request{Inherit: InheritOnce, SampleRegisters: regset.Of(4), SampleEntries: 8}
	id := e.monitor(t, parent, req, CounterValue{ID: 4, Value: 42}, CounterValue{ID: 5})
	_, ok := e.hw[0].Tick(4, 8)
	require.False(t, ok)

	child := e.newTask(t, 101)
	cid, ok := e.Fork(parent, child)
	require.True(t, ok)
	require.NotEqual(t, id, cid)

	pctx, cctx := e.context(t, id), e.context(t, cid)
	pinfo, cinfo := pctx.Info(), cctx.Info()

	require.Equal(t, InheritNone, pinfo.Inherit, "parent downgraded")
	require.Equal(t, InheritNone, cinfo.Inherit, "child downgraded")
	require.Equal(t, child.PID, cinfo.Owner)
	require.Equal(t, Enabled, cinfo.State)
	require.False(t, cinfo.Frozen)
	require.True(t, cinfo.PendingOverflow.IsEmpty())
	require.Equal(t, -1, cinfo.LastCore)
	require.Zero(t, cinfo.LastActivation)
	require.True(t, cinfo.HasBuffer)
	require.Zero(t, cinfo.BufferAddr, "buffer not mapped into the child")
	require.Same(t, pctx.Buffer(), cctx.Buffer())
	require.Equal(t, 2, pctx.Buffer().Refs())

	require.Equal(t, uint64(50), e.read(t, child, cid, 4), "snapshot of live value")
	require.Equal(t, uint64(50), e.read(t, parent, id, 4))
	require.Equal(t, uint(2), e.Registry().Stats().TaskSessions)

	second := e.newTask(t, 102)
	_, ok = e.Fork(parent, second)
	require.False(t, ok, "inherited once")
	require.Nil(t, second.Context())

	e.switchIn(t, 1, child)
	require.Equal(t, 1, cctx.Info().Resident)
	require.Equal(t, uint64(50), e.read(t, child, cid, 4))

	e.switchOut(t, 1, child)
	e.Exit(child)
	require.Equal(t, 1, pctx.Buffer().Refs())
	require.Equal(t, uint(1), e.Registry().Stats().TaskSessions)
}

func TestForkInheritance(t *testing.T) {
	for _, tc := range []struct {
		mode    InheritMode
		first   bool
		second  bool
		inherit InheritMode
	}{
		{mode: InheritNone},
		{mode: InheritOnce, first: true, inherit: InheritNone},
		{mode: InheritAll, first: true, second: true, inherit: InheritAll},
	} {
		t.Run(tc.mode.String(), func(t *testing.T) {
			e := newTestEnv(t, 1)
			parent := e.newTask(t, 100)
			_, err := e.Create(parent, &Request{Inherit: tc.mode})
			require.NoError(t, err)

			cid, ok := e.Fork(parent, e.newTask(t, 101))
			require.Equal(t, tc.first, ok)
			if ok {
				require.Equal(t, tc.inherit, e.context(t, cid).Info().Inherit)
			}
			_, ok = e.Fork(parent, e.newTask(t, 102))
			require.Equal(t, tc.second, ok)
		})
	}
}

func TestForkDebugRegisters(t *testing.T) {
	e := newTestEnv(t, 1)
	parent := e.newTask(t, 100)
	id, err := e.Create(parent, &Request{Inherit: InheritAll})
	require.NoError(t, err)
	require.NoError(t, e.WriteDebugRegisters(parent, id, []RegisterValue{{ID: 0, Value: 0xabc}}))

	cid, ok := e.Fork(parent, e.newTask(t, 101))
	require.True(t, ok)
	require.True(t, e.context(t, cid).Info().UsingDebugRegs)
	require.Equal(t, uint(2), e.Registry().Stats().DebugPerfmon)
}

func TestExit(t *testing.T) {
	e := newTestEnv(t, 1)
	owner := e.newTask(t, 100)
	target := e.newTask(t, 101)
	thread, err := e.NewThread(Identity{PID: 102, Session: 1, UID: 1000, EUID: 1000}, cpuset.New(), owner)
	require.NoError(t, err)
	require.Same(t, owner.Space(), thread.Space())

	req := &Request{NotifyPID: target.PID, SampleEntries: 4}
	id, err := e.Create(owner, req)
	require.NoError(t, err)
	ctx := e.context(t, id)
	buf := ctx.Buffer()

	e.Exit(target)
	require.Zero(t, ctx.Info().NotifyTarget, "target reference cleared")
	_, ok := e.Task(target.PID)
	require.False(t, ok)

	e.Exit(owner)
	_, ok = e.Context(id)
	require.False(t, ok)
	require.Zero(t, e.Registry().Stats().TaskSessions)
	require.Zero(t, buf.Refs())
	require.True(t, buf.Mapped(), "still mapped by the remaining thread")
	require.False(t, buf.Released())

	e.Exit(thread)
	require.False(t, buf.Mapped())
	require.True(t, buf.Released(), "released with the address space")
}

func TestDuplicateTask(t *testing.T) {
	e := newTestEnv(t, 1)
	e.newTask(t, 100)
	_, err := e.NewTask(Identity{PID: 100}, cpuset.New())
	require.True(t, errors.Is(err, ErrBusy))
	_, err = e.NewTask(Identity{PID: 0}, cpuset.New())
	require.True(t, errors.Is(err, ErrInvalid))
}

func TestAttachToExitingTask(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))

	t.Run("notification target", func(t *testing.T) {
		a, b := e.newTask(t, 100), e.newTask(t, 200)
		b.exit()
		id, err := e.Create(a, &Request{NotifyPID: 200, Inherit: InheritAll})
		require.NoError(t, err)
		require.Zero(t, e.context(t, id).Info().NotifyTarget)
		e.Exit(b)
		e.Exit(a)
	})

	t.Run("inherited notification target", func(t *testing.T) {
		a, b := e.newTask(t, 100), e.newTask(t, 200)
		id, err := e.Create(a, &Request{NotifyPID: 200, Inherit: InheritAll})
		require.NoError(t, err)
		require.Equal(t, 200, e.context(t, id).Info().NotifyTarget)

		b.exit()
		child := e.newTask(t, 101)
		cid, ok := e.Fork(a, child)
		require.True(t, ok)
		require.Zero(t, e.context(t, cid).Info().NotifyTarget)

		e.Exit(b)
		require.Zero(t, e.context(t, id).Info().NotifyTarget)
		e.Exit(child)
		e.Exit(a)
	})

	t.Run("owner", func(t *testing.T) {
		a := e.newTask(t, 100)
		a.exit()
		_, err := e.Create(a, &Request{})
		require.True(t, errors.Is(err, ErrInvalid), "got %v", err)
		require.Nil(t, a.Context())
		e.Exit(a)
	})

	require.Zero(t, e.Contexts())
	require.Zero(t, e.Registry().Stats().TaskSessions)
}
