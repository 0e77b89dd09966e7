// Copyright 2019 Intel Corporation. All Rights Reserved.
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

package sysfs

import (
	"path/filepath"
	"sort"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

const (
	// SysfsRootPath is the mount path of sysfs.
	SysfsRootPath = "/sys"
	// sysfs devices/cpu subdirectory path
	sysfsCpuPath = "devices/system/cpu"
	// sysfs core PMU subdirectory path
	sysfsPmuPath = "bus/event_source/devices/cpu"
)

// System is the discovered CPU layout of the system.
type System struct {
	logger.Logger               // our logger instance
	path          string        // sysfs mount point
	possible      cpuset.CPUSet // possible CPUs
	online        cpuset.CPUSet // online CPUs
	isolated      cpuset.CPUSet // isolated CPUs
	packages      map[int]int   // physical package of CPUs
	pmu           string        // core PMU name
}

// DiscoverSystem discovers the CPUs of the system under the given sysfs
// mount point, or SysfsRootPath if it is empty.
func DiscoverSystem(path string) (*System, error) {
	if path == "" {
		path = SysfsRootPath
	}

	sys := &System{
		Logger:   logger.Get("sysfs"),
		path:     path,
		packages: map[int]int{},
	}

	cpus := filepath.Join(path, sysfsCpuPath)
	if _, err := readSysfsEntry(cpus, "online", &sys.online); err != nil {
		return nil, err
	}
	if _, err := readSysfsEntry(cpus, "possible", &sys.possible); err != nil {
		sys.Warn("%v, assuming only online CPUs", err)
		sys.possible = sys.online.Clone()
	}
	if _, err := readSysfsEntry(cpus, "isolated", &sys.isolated); err != nil {
		sys.Debug("%v", err)
		sys.isolated = cpuset.New()
	}

	entries, _ := filepath.Glob(filepath.Join(cpus, "cpu[0-9]*"))
	sort.Strings(entries)
	for _, entry := range entries {
		id := getEnumeratedID(entry)
		if id < 0 {
			continue
		}
		pkg := 0
		if _, err := readSysfsEntry(entry, "topology/physical_package_id", &pkg); err != nil {
			sys.Debug("cpu%d: %v", id, err)
		}
		sys.packages[id] = pkg
	}

	if _, err := readSysfsEntry(filepath.Join(path, sysfsPmuPath), "caps/pmu_name", &sys.pmu); err != nil {
		sys.Debug("%v", err)
		sys.pmu = ""
	}

	sys.Info("discovered %d possible CPUs, online %q, isolated %q, PMU %q",
		sys.possible.Size(), sys.online.String(), sys.isolated.String(), sys.pmu)

	return sys, nil
}

// Possible returns the possible CPUs.
func (sys *System) Possible() cpuset.CPUSet {
	return sys.possible
}

// Online returns the online CPUs.
func (sys *System) Online() cpuset.CPUSet {
	return sys.online
}

// Isolated returns the isolated CPUs.
func (sys *System) Isolated() cpuset.CPUSet {
	return sys.isolated
}

// Package returns the physical package of a CPU, or -1 if it is unknown.
func (sys *System) Package(cpu int) int {
	if pkg, ok := sys.packages[cpu]; ok {
		return pkg
	}
	return -1
}

// PMU returns the name of the core PMU, or an empty string if unknown.
func (sys *System) PMU() string {
	return sys.pmu
}
