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
	"strings"
	"time"

	"github.com/pkg/errors"

	pkgcfg "github.com/intel/pmu-manager/pkg/config"
)

// SaveMode selects how contexts are saved when switched out.
type SaveMode string

const (
	// SaveAuto uses lazy saving on single-core systems, eager otherwise.
	SaveAuto SaveMode = "auto"
	// SaveEager saves a context whenever its task is switched out.
	SaveEager SaveMode = "eager"
	// SaveLazy saves a context only when another one is loaded.
	SaveLazy SaveMode = "lazy"
)

const (
	defaultWorkers      = 2
	defaultQueue        = 256
	defaultMaxBatch     = 64
	defaultWarnInterval = pkgcfg.Duration(time.Second)
)

// options captures our runtime configurable options.
type options struct {
	// SaveMode is the context save mode.
	SaveMode SaveMode `json:"saveMode"`
	// NotifyWorkers is the number of notification delivery workers.
	NotifyWorkers int `json:"notifyWorkers"`
	// NotifyQueue is the length of the notification queue.
	NotifyQueue int `json:"notifyQueue"`
	// MaxBufferSize caps sample buffer sizes, 0 for the address space limit.
	MaxBufferSize uint64 `json:"maxBufferSize,omitempty"`
	// MaxBatch is the maximum number of elements in a batched command.
	MaxBatch int `json:"maxBatch"`
	// WarnInterval is the minimum interval between repeated warnings.
	WarnInterval pkgcfg.Duration `json:"warnInterval"`
}

// opt is our active runtime configuration.
var opt = &options{}

// Describe implements config.Fragment.
func (o *options) Describe() string {
	return `PMU virtualization.

  pmu:
    saveMode: auto         # auto, eager or lazy
    notifyWorkers: 2       # overflow notification delivery workers
    notifyQueue: 256       # pending overflow notifications
    maxBufferSize: 0       # sample buffer size cap in bytes, 0 for no cap
    maxBatch: 64           # elements in a batched register command
    warnInterval: 1s       # rate limit of repeated warnings
`
}

// Reset implements config.Fragment.
func (o *options) Reset() {
	*o = options{
		SaveMode:      SaveAuto,
		NotifyWorkers: defaultWorkers,
		NotifyQueue:   defaultQueue,
		MaxBatch:      defaultMaxBatch,
		WarnInterval:  defaultWarnInterval,
	}
}

// Validate implements config.FragmentValidator.
func (o *options) Validate() error {
	switch SaveMode(strings.ToLower(string(o.SaveMode))) {
	case SaveAuto, SaveEager, SaveLazy:
	default:
		return errors.Errorf("pmu: invalid save mode %q", o.SaveMode)
	}
	if o.NotifyWorkers < 1 {
		return errors.Errorf("pmu: invalid number of notification workers %d", o.NotifyWorkers)
	}
	if o.NotifyQueue < 1 {
		return errors.Errorf("pmu: invalid notification queue length %d", o.NotifyQueue)
	}
	if o.MaxBatch < 1 {
		return errors.Errorf("pmu: invalid batch size %d", o.MaxBatch)
	}
	if o.WarnInterval < 0 {
		return errors.Errorf("pmu: invalid warning interval %s", o.WarnInterval)
	}
	return nil
}

func init() {
	if err := pkgcfg.Register("pmu", opt); err != nil {
		panic(err)
	}
}
