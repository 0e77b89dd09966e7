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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/pmu-manager/pkg/testutils"
	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

func writeEntries(t *testing.T, root string, entries map[string]string) {
	for entry, content := range entries {
		path := filepath.Join(root, entry)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
	}
}

func TestDiscoverSystem(t *testing.T) {
	root := t.TempDir()
	writeEntries(t, root, map[string]string{
		"devices/system/cpu/online":                            "0-2",
		"devices/system/cpu/possible":                          "0-3",
		"devices/system/cpu/isolated":                          "2",
		"devices/system/cpu/cpu0/topology/physical_package_id": "0",
		"devices/system/cpu/cpu1/topology/physical_package_id": "0",
		"devices/system/cpu/cpu2/topology/physical_package_id": "1",
		"bus/event_source/devices/cpu/caps/pmu_name":           "skylake",
	})

	sys, err := DiscoverSystem(root)
	require.NoError(t, err)

	testutils.VerifyDeepEqual(t, "online", cpuset.MustParse("0-2").List(), sys.Online().List())
	testutils.VerifyDeepEqual(t, "possible", cpuset.MustParse("0-3").List(), sys.Possible().List())
	testutils.VerifyDeepEqual(t, "isolated", []int{2}, sys.Isolated().List())
	require.Equal(t, 1, sys.Package(2))
	require.Equal(t, -1, sys.Package(3))
	require.Equal(t, "skylake", sys.PMU())
}

func TestDiscoverSystemMinimal(t *testing.T) {
	root := t.TempDir()
	writeEntries(t, root, map[string]string{
		"devices/system/cpu/online": "0",
	})

	sys, err := DiscoverSystem(root)
	require.NoError(t, err)
	require.Equal(t, []int{0}, sys.Possible().List())
	require.True(t, sys.Isolated().IsEmpty())
	require.Equal(t, "", sys.PMU())
}

func TestDiscoverSystemFailures(t *testing.T) {
	_, err := DiscoverSystem(t.TempDir())
	require.Error(t, err)

	root := t.TempDir()
	writeEntries(t, root, map[string]string{
		"devices/system/cpu/online": "0-x",
	})
	_, err = DiscoverSystem(root)
	require.Error(t, err)
}

func TestGetEnumeratedID(t *testing.T) {
	require.Equal(t, 12, getEnumeratedID("/sys/devices/system/cpu/cpu12"))
	require.Equal(t, -1, getEnumeratedID("/sys/devices/system/cpu/cpufreq"))
}
