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

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGather(t *testing.T) {
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "metrics_test_events_total",
		Help: "Test events.",
	})
	counter.Add(3)

	require.NoError(t, RegisterCollector("metrics-test", func() (prometheus.Collector, error) {
		return counter, nil
	}))
	require.Error(t, RegisterCollector("metrics-test", nil), "duplicate registration")
	require.Contains(t, Collectors(), "metrics-test")

	g, err := NewMetricGatherer()
	require.NoError(t, err)

	families, err := g.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "metrics_test_events_total" {
			found = true
			require.Len(t, f.GetMetric(), 1)
			require.Equal(t, 3.0, f.GetMetric()[0].GetCounter().GetValue())
		}
	}
	require.True(t, found, "test counter gathered")
}
