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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/intel/pmu-manager/pkg/pmu/hw"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const testSpaceLimit = 1 << 20

type testEnv struct {
	*Subsystem
	hw []*hw.Simulated
}

func newTestEnv(t *testing.T, cores int, opts ...Option) *testEnv {
	return newTestEnvWith(t, hw.Generic(), cores, opts...)
}

func newTestEnvWith(t *testing.T, desc *hw.Description, cores int, opts ...Option) *testEnv {
	t.Helper()

	sims := hw.NewSimulatedSet(desc, cores)
	caps := make([]hw.Capability, cores)
	for id, sim := range sims {
		caps[id] = sim
	}

	s, err := New(desc, caps, append([]Option{WithSpaceLimit(testSpaceLimit)}, opts...)...)
	require.NoError(t, err)

	return &testEnv{Subsystem: s, hw: sims}
}

// notifications starts notification delivery into a channel.
func (e *testEnv) notifications(t *testing.T) <-chan *Notification {
	ch := make(chan *Notification, 16)
	e.notify.notifier = NotifierFunc(func(_ context.Context, n *Notification) error {
		ch <- n
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.Shutdown()
	})

	return ch
}

func (e *testEnv) newTask(t *testing.T, pid int) *Task {
	return e.newTaskWith(t, Identity{PID: pid, Session: 1, UID: 1000, EUID: 1000}, cpuset.New())
}

func (e *testEnv) newTaskWith(t *testing.T, id Identity, affinity cpuset.CPUSet) *Task {
	t.Helper()
	task, err := e.NewTask(id, affinity)
	require.NoError(t, err)
	return task
}

func (e *testEnv) switchIn(t *testing.T, core int, task *Task) {
	t.Helper()
	require.NoError(t, e.SwitchIn(core, task))
}

func (e *testEnv) switchOut(t *testing.T, core int, task *Task) {
	t.Helper()
	require.NoError(t, e.SwitchOut(core, task))
}

// monitor creates an enabled and started context counting with counters 4
// and 5 for the given task.
func (e *testEnv) monitor(t *testing.T, task *Task, req *Request, counters ...CounterValue) ContextID {
	t.Helper()

	if req == nil {
		req = &Request{}
	}
	id, err := e.Create(task, req)
	require.NoError(t, err)

	require.NoError(t, e.WriteControls(task, id, []RegisterValue{
		{ID: 4, Value: 0x1},
		{ID: 5, Value: 0x1},
	}))
	if len(counters) == 0 {
		counters = []CounterValue{{ID: 4}, {ID: 5}}
	}
	require.NoError(t, e.WriteCounters(task, id, counters))
	require.NoError(t, e.Enable(task, id))
	require.NoError(t, e.Start(task, id))

	return id
}

func (e *testEnv) read(t *testing.T, caller *Task, id ContextID, reg int) uint64 {
	t.Helper()
	values := []CounterValue{{ID: reg}}
	require.NoError(t, e.ReadCounters(caller, id, values))
	require.Equal(t, StatusOK, values[0].Status)
	return values[0].Value
}

func (e *testEnv) context(t *testing.T, id ContextID) *Context {
	t.Helper()
	ctx, ok := e.Context(id)
	require.True(t, ok, "context %d", id)
	return ctx
}

func (e *testEnv) coreStats(t *testing.T, core int) CoreStats {
	t.Helper()
	stats, err := e.CoreStats(core)
	require.NoError(t, err)
	return stats
}

func receive(t *testing.T, ch <-chan *Notification) *Notification {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timeout waiting for notification")
	}
	return nil
}
