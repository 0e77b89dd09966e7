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

	"github.com/stretchr/testify/require"
)

func TestOptionsValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*options)
		valid  bool
	}{
		{name: "defaults", modify: func(*options) {}, valid: true},
		{name: "mixed case mode", modify: func(o *options) { o.SaveMode = "Lazy" }, valid: true},
		{name: "bad mode", modify: func(o *options) { o.SaveMode = "sometimes" }},
		{name: "no workers", modify: func(o *options) { o.NotifyWorkers = 0 }},
		{name: "no queue", modify: func(o *options) { o.NotifyQueue = 0 }},
		{name: "no batch", modify: func(o *options) { o.MaxBatch = 0 }},
		{name: "negative interval", modify: func(o *options) { o.WarnInterval = -1 }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			o := &options{}
			o.Reset()
			tc.modify(o)
			if tc.valid {
				require.NoError(t, o.Validate())
			} else {
				require.Error(t, o.Validate())
			}
		})
	}
}

func TestDefaultOptions(t *testing.T) {
	o := &options{}
	o.Reset()
	require.Equal(t, SaveAuto, o.SaveMode)
	require.Equal(t, defaultMaxBatch, o.MaxBatch)
	require.Contains(t, o.Describe(), "saveMode")
}
