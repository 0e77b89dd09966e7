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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/intel/pmu-manager/pkg/utils/cpuset"
)

// Get the trailing enumeration part of a name.
func getEnumeratedID(name string) int {
	id := 0
	base := 1
	for idx := len(name) - 1; idx > 0; idx-- {
		d := name[idx]

		if '0' <= d && d <= '9' {
			id += base * (int(d) - '0')
			base *= 10
		} else {
			if base > 1 {
				return id
			}

			return -1
		}
	}

	return -1
}

// Read content of a sysfs entry and convert it according to the type of a given pointer.
func readSysfsEntry(base, entry string, ptr interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", sysfsError(path, "failed to read sysfs entry: %v", err)
	}
	buf := strings.Trim(string(blob), "\n")

	switch p := ptr.(type) {
	case nil:
	case *string:
		*p = buf
	case *int:
		v, err := strconv.ParseInt(buf, 0, 0)
		if err != nil {
			return "", sysfsError(path, "invalid entry '%s': %v", buf, err)
		}
		*p = int(v)
	case *uint64:
		v, err := strconv.ParseUint(buf, 0, 64)
		if err != nil {
			return "", sysfsError(path, "invalid entry '%s': %v", buf, err)
		}
		*p = v
	case *cpuset.CPUSet:
		cset, err := cpuset.Parse(buf)
		if err != nil {
			return "", sysfsError(path, "invalid cpuset '%s': %v", buf, err)
		}
		*p = cset
	default:
		return "", sysfsError(path, "unsupported sysfs entry type %T", ptr)
	}

	return buf, nil
}

func sysfsError(path, format string, args ...interface{}) error {
	return fmt.Errorf("sysfs %s: "+format, append([]interface{}{path}, args...)...)
}
