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

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

func TestNotifyQueueFull(t *testing.T) {
	d := newDispatcher(logger.Get("notify-test"), 1, 1)
	ctx := &Context{id: 1}

	d.post(ctx, &Notification{Context: 1, Overflow: regset.Of(4)})
	d.post(ctx, &Notification{Context: 1, Overflow: regset.Of(5)})
	require.Equal(t, NotifyStats{Queued: 1, Dropped: 1}, d.stats())
}

func TestNotifyDelivery(t *testing.T) {
	d := newDispatcher(logger.Get("notify-test"), 2, 8)
	failing := errors.New("no such process")
	d.notifier = NotifierFunc(func(_ context.Context, n *Notification) error {
		if n.Overflow.Has(7) {
			return failing
		}
		return nil
	})

	target := newTask(Identity{PID: 200}, cpuset.New(), nil)
	live := &Context{id: 1, notifyTarget: target}
	closed := &Context{id: 2, notifyTarget: target}
	closed.closed.Store(true)
	orphan := &Context{id: 3}

	d.post(live, &Notification{Context: 1, Overflow: regset.Of(4)})
	d.post(live, &Notification{Context: 1, Overflow: regset.Of(7)})
	d.post(closed, &Notification{Context: 2, Overflow: regset.Of(4)})
	d.post(orphan, &Notification{Context: 3, Overflow: regset.Of(4)})

	d.start(context.Background())
	d.start(context.Background())
	t.Cleanup(d.stop)

	require.Eventually(t, func() bool {
		st := d.stats()
		return st.Delivered+st.Failed+st.Orphaned == 4
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, NotifyStats{Queued: 4, Delivered: 1, Failed: 1, Orphaned: 2}, d.stats())

	d.stop()
	d.stop()
}

func TestNotificationTargetExit(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a, b := e.newTask(t, 100), e.newTask(t, 200)
	id := e.monitor(t, a, &Request{NotifyPID: 200},
		CounterValue{ID: 4, Value: nearWrap, Flags: NotifyOnOverflow})
	e.switchIn(t, 0, a)

	e.Exit(b)
	require.Zero(t, e.context(t, id).Info().NotifyTarget)

	status, ok := e.hw[0].Tick(4, 20)
	require.True(t, ok)
	require.NoError(t, e.Interrupt(0, status))
	require.True(t, e.context(t, id).Info().Frozen, "frozen without a target")
	require.Zero(t, e.NotifyStats().Queued)
	require.False(t, a.MustBlock())

	require.NoError(t, e.Restart(a, id))
	require.False(t, e.context(t, id).Info().Frozen)
}

func TestNotifierCallsBack(t *testing.T) {
	e := newTestEnv(t, 1, WithSaveMode(SaveEager))
	a := e.newTask(t, 100)
	id := e.monitor(t, a, &Request{NotifyPID: 100},
		CounterValue{ID: 4, Value: nearWrap, Flags: NotifyOnOverflow, LongReset: 1000})
	e.switchIn(t, 0, a)

	restarted := make(chan error, 1)
	e.notify.notifier = NotifierFunc(func(_ context.Context, n *Notification) error {
		restarted <- e.Restart(a, n.Context)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	e.Run(ctx)
	t.Cleanup(func() {
		cancel()
		e.Shutdown()
	})

	status, ok := e.hw[0].Tick(4, 20)
	require.True(t, ok)
	require.NoError(t, e.Interrupt(0, status))

	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "restart from the notifier did not return")
	}
	require.False(t, e.context(t, id).Info().Frozen)
	require.Equal(t, uint64(1000), e.read(t, a, id, 4))
	require.True(t, e.hw[0].Counting())

	stopped := make(chan struct{})
	go func() {
		e.Shutdown()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "shutdown did not return")
	}
	require.Equal(t, uint64(1), e.NotifyStats().Delivered)
}
