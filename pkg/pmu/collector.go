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
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/intel/pmu-manager/pkg/metrics"
)

var (
	sessionsDesc = prometheus.NewDesc(
		"pmu_sessions",
		"Number of reserved monitoring sessions.",
		[]string{
			"kind",
		}, nil,
	)

	contextsDesc = prometheus.NewDesc(
		"pmu_contexts",
		"Number of live monitoring contexts.",
		nil, nil,
	)

	debugUsersDesc = prometheus.NewDesc(
		"pmu_debug_register_users",
		"Number of debug register users.",
		[]string{
			"kind",
		}, nil,
	)

	coreEventsDesc = prometheus.NewDesc(
		"pmu_core_events_total",
		"Number of PMU events on a core.",
		[]string{
			"core",
			"event",
		}, nil,
	)

	activationDesc = prometheus.NewDesc(
		"pmu_core_activation",
		"Activation counter of a core.",
		[]string{
			"core",
		}, nil,
	)

	intervalDesc = prometheus.NewDesc(
		"pmu_core_overflow_interval_seconds",
		"Moving average of the interval between overflows on a core.",
		[]string{
			"core",
		}, nil,
	)

	notificationsDesc = prometheus.NewDesc(
		"pmu_notifications_total",
		"Number of overflow notifications by outcome.",
		[]string{
			"result",
		}, nil,
	)
)

type collector struct {
	s *Subsystem
}

// Collector returns a prometheus collector for the subsystem.
func (s *Subsystem) Collector() prometheus.Collector {
	return &collector{s: s}
}

// RegisterMetrics registers the collector of the subsystem for metrics
// collection.
func (s *Subsystem) RegisterMetrics() error {
	return metrics.RegisterCollector("pmu", func() (prometheus.Collector, error) {
		return s.Collector(), nil
	})
}

// Describe implements prometheus.Collector interface
func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector interface
func (c *collector) Collect(ch chan<- prometheus.Metric) {
	reg := c.s.registry.Stats()

	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue,
		float64(reg.TaskSessions), "task")
	ch <- prometheus.MustNewConstMetric(sessionsDesc, prometheus.GaugeValue,
		float64(reg.SystemSessions), "system")
	ch <- prometheus.MustNewConstMetric(debugUsersDesc, prometheus.GaugeValue,
		float64(reg.DebugPerfmon), "perfmon")
	ch <- prometheus.MustNewConstMetric(debugUsersDesc, prometheus.GaugeValue,
		float64(reg.DebugExternal), "external")
	ch <- prometheus.MustNewConstMetric(contextsDesc, prometheus.GaugeValue,
		float64(c.s.Contexts()))

	for id := range c.s.cpus {
		stats, err := c.s.CoreStats(id)
		if err != nil {
			continue
		}
		core := strconv.Itoa(id)
		for _, event := range []struct {
			name  string
			value uint64
		}{
			{"interrupt", stats.Interrupts},
			{"spurious", stats.Spurious},
			{"sample", stats.Samples},
			{"buffer-full", stats.BufferFull},
			{"fast-reload", stats.FastReloads},
			{"full-reload", stats.FullReloads},
			{"save", stats.Saves},
			{"invariant", stats.Invariants},
			{"notify", stats.Notified},
			{"restart", stats.Restarts},
		} {
			ch <- prometheus.MustNewConstMetric(coreEventsDesc, prometheus.CounterValue,
				float64(event.value), core, event.name)
		}
		ch <- prometheus.MustNewConstMetric(activationDesc, prometheus.GaugeValue,
			float64(stats.Activation), core)
		ch <- prometheus.MustNewConstMetric(intervalDesc, prometheus.GaugeValue,
			stats.Interval, core)
	}

	notify := c.s.NotifyStats()
	for _, result := range []struct {
		name  string
		value uint64
	}{
		{"queued", notify.Queued},
		{"dropped", notify.Dropped},
		{"delivered", notify.Delivered},
		{"failed", notify.Failed},
		{"orphaned", notify.Orphaned},
	} {
		ch <- prometheus.MustNewConstMetric(notificationsDesc, prometheus.CounterValue,
			float64(result.value), result.name)
	}
}
