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

package config

import (
	"encoding/json"
	"time"
)

// Duration is a time.Duration which marshals to and from a "1m30s" style string.
type Duration time.Duration

// MarshalJSON is the JSON marshaller for Duration.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts either a duration string or a plain number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		var ns int64
		if nerr := json.Unmarshal(data, &ns); nerr != nil {
			return configError("invalid duration %s", string(data))
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return configError("invalid duration %q: %v", str, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// String returns the value of Duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}
