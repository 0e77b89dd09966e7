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

package hw

import (
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// Description describes the registers implemented by a PMU.
type Description struct {
	// Name of the PMU model.
	Name string `json:"name"`
	// Counters is the set of implemented counting registers.
	Counters regset.Mask `json:"counters"`
	// Controls is the set of implemented, writable control registers.
	Controls regset.Mask `json:"controls"`
	// CounterWidth is the number of implemented bits in counting registers.
	CounterWidth uint `json:"counterWidth"`
	// OverflowStatus is the control register holding overflow bits.
	OverflowStatus int `json:"overflowStatus"`
	// DebugRegisters is the number of debug registers, 0 if none.
	DebugRegisters int `json:"debugRegisters,omitempty"`
	// ControlReset holds non-zero control register reset values.
	ControlReset map[int]uint64 `json:"controlReset,omitempty"`
	// ControlReserved holds reserved bits of control registers.
	ControlReserved map[int]uint64 `json:"controlReserved,omitempty"`
	// Configures maps control registers to the counters they configure.
	Configures map[int]regset.Mask `json:"configures,omitempty"`
}

// Generic returns the description of a generic four-counter PMU.
func Generic() *Description {
	return &Description{
		Name:           "generic",
		Counters:       regset.Range(4, 7),
		Controls:       regset.Range(4, 7),
		CounterWidth:   47,
		OverflowStatus: 0,
		DebugRegisters: 8,
		ControlReserved: map[int]uint64{
			4: ^uint64(0xffffff),
			5: ^uint64(0xffffff),
			6: ^uint64(0xffffff),
			7: ^uint64(0xffffff),
		},
		Configures: map[int]regset.Mask{
			4: regset.Of(4),
			5: regset.Of(5),
			6: regset.Of(6),
			7: regset.Of(7),
		},
	}
}

// Boundary returns the largest value a counting register can hold.
func (d *Description) Boundary() uint64 {
	if d.CounterWidth >= 64 {
		return ^uint64(0)
	}
	return 1<<d.CounterWidth - 1
}

// Reset returns the reset value of a control register.
func (d *Description) Reset(id int) uint64 {
	return d.ControlReset[id]
}

// Reserved returns the reserved bits of a control register.
func (d *Description) Reserved(id int) uint64 {
	return d.ControlReserved[id]
}

// CheckControl checks that a value can be written to a control register.
func (d *Description) CheckControl(id int, value uint64) error {
	if !d.Controls.Has(id) {
		return errors.Errorf("control register %d not implemented by %s", id, d.Name)
	}
	if bad := value & d.Reserved(id); bad != 0 {
		return errors.Errorf("value %#x sets reserved bits %#x of control register %d",
			value, bad, id)
	}
	return nil
}

// ConfiguredBy returns the counters configured by a control register.
func (d *Description) ConfiguredBy(id int) regset.Mask {
	return d.Configures[id]
}

// Validate checks the description for consistency.
func (d *Description) Validate() error {
	var errs *multierror.Error

	if d.Counters.IsEmpty() {
		errs = multierror.Append(errs, errors.Errorf("%s: no counting registers", d.Name))
	}
	if d.CounterWidth == 0 || d.CounterWidth > 64 {
		errs = multierror.Append(errs, errors.Errorf("%s: invalid counter width %d",
			d.Name, d.CounterWidth))
	}
	if !regset.Valid(d.OverflowStatus) {
		errs = multierror.Append(errs, errors.Errorf("%s: invalid overflow status register %d",
			d.Name, d.OverflowStatus))
	}
	if d.Controls.Has(d.OverflowStatus) {
		errs = multierror.Append(errs, errors.Errorf("%s: overflow status register %d is writable",
			d.Name, d.OverflowStatus))
	}
	if d.DebugRegisters < 0 || d.DebugRegisters > regset.MaxRegisters {
		errs = multierror.Append(errs, errors.Errorf("%s: invalid number of debug registers %d",
			d.Name, d.DebugRegisters))
	}
	for id, counters := range d.Configures {
		if !d.Controls.Has(id) {
			errs = multierror.Append(errs, errors.Errorf("%s: unimplemented control %d configures counters",
				d.Name, id))
		}
		if !d.Counters.Contains(counters) {
			errs = multierror.Append(errs, errors.Errorf("%s: control %d configures unimplemented counters %s",
				d.Name, id, counters.Difference(d.Counters)))
		}
	}
	for id, value := range d.ControlReset {
		if value&d.Reserved(id) != 0 {
			errs = multierror.Append(errs, errors.Errorf("%s: reset value of control %d sets reserved bits",
				d.Name, id))
		}
	}

	return errs.ErrorOrNil()
}
