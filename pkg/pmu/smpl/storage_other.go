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

//go:build !linux

package smpl

import (
	"os"
)

func allocStorage(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeStorage([]byte) error {
	return nil
}

func pageSize() uint64 {
	return uint64(os.Getpagesize())
}

// DefaultLimit returns the default sample buffer memory limit.
func DefaultLimit() uint64 {
	return fallbackLimit
}
