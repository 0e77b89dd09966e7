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
	"flag"

	"github.com/pkg/errors"

	pkgcfg "github.com/intel/pmu-manager/pkg/config"
)

const (
	// Option to specify a file to read configuration from.
	optConfigFile = "config"
	// Option to specify where to write metrics.
	optMetrics = "metrics"
	// Option to specify where to dump samples.
	optDump = "dump"
)

// flags captures our command line options.
type flags struct {
	configFile string // file to read configuration from
	metrics    string // file to write metrics to, '-' for stdout
	dump       string // file to dump samples of the first task to
}

// options captures our runtime configurable options.
type options struct {
	// Tasks is the number of simulated tasks.
	Tasks int `json:"tasks"`
	// Steps is the number of scheduling steps to simulate.
	Steps int `json:"steps"`
	// Seed seeds the simulated workload.
	Seed int64 `json:"seed"`
	// MaxEvents is the maximum number of events counted in a step.
	MaxEvents uint64 `json:"maxEvents"`
	// Period is the number of events between sampled overflows.
	Period uint64 `json:"period"`
	// SampleEntries is the number of sample buffer entries per task.
	SampleEntries uint64 `json:"sampleEntries"`
	// Cores overrides the number of simulated cores.
	Cores int `json:"cores,omitempty"`
	// SysfsRoot is where to discover online cores from.
	SysfsRoot string `json:"sysfsRoot,omitempty"`
	// PMU is a YAML file describing the simulated PMU.
	PMU string `json:"pmu,omitempty"`
}

// Our command line and runtime configurable options.
var cmdline = flags{}
var opt = &options{}

// Describe implements config.Fragment.
func (o *options) Describe() string {
	return `PMU simulation.

  sim:
    tasks: 4               # simulated tasks
    steps: 100000          # scheduling steps
    seed: 1                # workload seed
    maxEvents: 4096        # events counted in a step at most
    period: 100000         # events between sampled overflows
    sampleEntries: 64      # sample buffer entries per task
    cores: 0               # simulated cores, 0 for online cores
    sysfsRoot: /sys        # sysfs mount point
    pmu: ""                # PMU description file, generic if empty
`
}

// Reset implements config.Fragment.
func (o *options) Reset() {
	*o = options{
		Tasks:         4,
		Steps:         100000,
		Seed:          1,
		MaxEvents:     4096,
		Period:        100000,
		SampleEntries: 64,
	}
}

// Validate implements config.FragmentValidator.
func (o *options) Validate() error {
	switch {
	case o.Tasks < 1:
		return errors.Errorf("sim: invalid number of tasks %d", o.Tasks)
	case o.Steps < 0:
		return errors.Errorf("sim: invalid number of steps %d", o.Steps)
	case o.MaxEvents == 0:
		return errors.New("sim: maxEvents must be positive")
	case o.Period == 0:
		return errors.New("sim: period must be positive")
	case o.Cores < 0:
		return errors.Errorf("sim: invalid number of cores %d", o.Cores)
	}
	return nil
}

func init() {
	flag.StringVar(&cmdline.configFile, optConfigFile, "", "file to read configuration from")
	flag.StringVar(&cmdline.metrics, optMetrics, "", "file to write metrics to, '-' for stdout")
	flag.StringVar(&cmdline.dump, optDump, "", "file to dump samples of the first task to")

	if err := pkgcfg.Register("sim", opt); err != nil {
		panic(err)
	}
}
