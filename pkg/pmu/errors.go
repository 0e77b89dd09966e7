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
	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/registry"
	"github.com/intel/pmu-manager/pkg/pmu/smpl"
)

var (
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = registry.ErrInvalid
	// ErrBusy is returned for conflicting reservations.
	ErrBusy = registry.ErrBusy
	// ErrNoMemory is returned when memory cannot be allocated.
	ErrNoMemory = smpl.ErrNoMemory
	// ErrNoSpace is returned when no address space is left for a mapping.
	ErrNoSpace = smpl.ErrNoSpace
	// ErrTooLarge is returned when a request exceeds a resource limit.
	ErrTooLarge = smpl.ErrTooLarge
	// ErrPermission is returned when the caller may not access a context.
	ErrPermission = errors.New("permission denied")
	// ErrInvariant is returned when an internal invariant is found broken.
	ErrInvariant = errors.New("invariant violation")
)

// Status is the per-element result of a batched register operation.
type Status uint32

const (
	// StatusNone marks an element which was not processed.
	StatusNone Status = iota
	// StatusOK marks a successfully processed element.
	StatusOK
	// StatusInvalid marks an element rejected as malformed.
	StatusInvalid
	// StatusBusy marks an element rejected for a resource conflict.
	StatusBusy
	// StatusPermission marks an element rejected by access policy.
	StatusPermission
)

// String returns the status as a string.
func (s Status) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusOK:
		return "ok"
	case StatusInvalid:
		return "invalid"
	case StatusBusy:
		return "busy"
	case StatusPermission:
		return "permission denied"
	}
	return "unknown"
}

// statusOf returns the element status corresponding to an error.
func statusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrPermission):
		return StatusPermission
	}
	return StatusInvalid
}

func pmuError(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalid, format, args...)
}
