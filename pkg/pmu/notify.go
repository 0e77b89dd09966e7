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
	"sync"
	"sync/atomic"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// Notification is an overflow notification for the target of a context.
type Notification struct {
	Context  ContextID   // context with overflowed counters
	Owner    int         // task owning the context
	Target   int         // task to notify
	Core     int         // core the overflow happened on
	Overflow regset.Mask // overflowed counters
}

// Notifier delivers overflow notifications.
type Notifier interface {
	Notify(ctx context.Context, n *Notification) error
}

// NotifierFunc is a function implementing Notifier.
type NotifierFunc func(ctx context.Context, n *Notification) error

// Notify implements Notifier.
func (fn NotifierFunc) Notify(ctx context.Context, n *Notification) error {
	return fn(ctx, n)
}

// NotifyStats are the notification delivery statistics.
type NotifyStats struct {
	Queued    uint64
	Dropped   uint64
	Delivered uint64
	Failed    uint64
	Orphaned  uint64
}

// dispatcher delivers notifications from a queue by a pool of workers.
type dispatcher struct {
	logger.Logger
	notifier Notifier
	workers  int
	q        chan *notifyReq

	sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queued    atomic.Uint64
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	orphaned  atomic.Uint64
}

type notifyReq struct {
	ctx *Context
	n   *Notification
}

func newDispatcher(log logger.Logger, workers, queue int) *dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queue < 1 {
		queue = 1
	}
	d := &dispatcher{
		Logger:  log,
		workers: workers,
		q:       make(chan *notifyReq, queue),
	}
	d.notifier = NotifierFunc(func(_ context.Context, n *Notification) error {
		d.Info("context %d: overflow %s on core %d, notifying task %d",
			n.Context, n.Overflow, n.Core, n.Target)
		return nil
	})
	return d
}

// post queues a notification without blocking. A full queue drops it.
func (d *dispatcher) post(ctx *Context, n *Notification) {
	select {
	case d.q <- &notifyReq{ctx: ctx, n: n}:
		d.queued.Add(1)
	default:
		d.dropped.Add(1)
		d.Warn("context %d: notification queue full, dropped overflow %s", n.Context, n.Overflow)
	}
}

// start starts the delivery workers.
func (d *dispatcher) start(ctx context.Context) {
	d.Lock()
	defer d.Unlock()

	if d.cancel != nil {
		return
	}

	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.run(ctx)
	}
}

// stop stops the delivery workers.
func (d *dispatcher) stop() {
	d.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.Unlock()

	if cancel != nil {
		cancel()
		d.wg.Wait()
	}
}

func (d *dispatcher) run(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case req := <-d.q:
			d.deliver(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

// deliver delivers a notification unless its context or target is gone.
// The notifier is called without holding any context lock, so it may call
// back into the subsystem.
func (d *dispatcher) deliver(ctx context.Context, req *notifyReq) {
	c := req.ctx
	c.notifyLock.Lock()
	target := c.notifyTarget
	closed := c.closed.Load()
	c.notifyLock.Unlock()

	if target == nil || closed {
		d.orphaned.Add(1)
		d.Debug("context %d: notification target gone, dropping overflow %s",
			req.n.Context, req.n.Overflow)
		return
	}
	req.n.Target = target.PID

	if err := d.notifier.Notify(ctx, req.n); err != nil {
		d.failed.Add(1)
		d.Warn("context %d: failed to notify task %d: %v", req.n.Context, target.PID, err)
		return
	}
	d.delivered.Add(1)
}

func (d *dispatcher) stats() NotifyStats {
	return NotifyStats{
		Queued:    d.queued.Load(),
		Dropped:   d.dropped.Load(),
		Delivered: d.delivered.Load(),
		Failed:    d.failed.Load(),
		Orphaned:  d.orphaned.Load(),
	}
}

// Run starts delivering overflow notifications until Shutdown is called or
// the given context is cancelled.
func (s *Subsystem) Run(ctx context.Context) {
	s.notify.start(ctx)
}

// Shutdown stops delivering overflow notifications.
func (s *Subsystem) Shutdown() {
	s.notify.stop()
}

// NotifyStats returns the notification delivery statistics.
func (s *Subsystem) NotifyStats() NotifyStats {
	return s.notify.stats()
}
