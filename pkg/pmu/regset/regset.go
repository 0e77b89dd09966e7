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

// Package regset implements sets of PMU register ids.
package regset

import (
	"encoding/json"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// MaxRegisters is the number of register ids a Mask can hold.
const MaxRegisters = 64

// Mask is a set of register ids in the range 0 ... MaxRegisters-1.
type Mask uint64

// Of returns a Mask with the given register ids set.
func Of(ids ...int) Mask {
	var m Mask
	for _, id := range ids {
		m = m.Set(id)
	}
	return m
}

// Range returns a Mask with the register ids first ... last set.
func Range(first, last int) Mask {
	var m Mask
	for id := first; id <= last; id++ {
		m = m.Set(id)
	}
	return m
}

// Valid checks if id is a representable register id.
func Valid(id int) bool {
	return id >= 0 && id < MaxRegisters
}

// Has checks if id is in the set.
func (m Mask) Has(id int) bool {
	if !Valid(id) {
		return false
	}
	return m&(1<<uint(id)) != 0
}

// Set returns the set with id added.
func (m Mask) Set(id int) Mask {
	if !Valid(id) {
		return m
	}
	return m | 1<<uint(id)
}

// Clear returns the set with id removed.
func (m Mask) Clear(id int) Mask {
	if !Valid(id) {
		return m
	}
	return m &^ (1 << uint(id))
}

// Union returns the union of the two sets.
func (m Mask) Union(o Mask) Mask {
	return m | o
}

// Intersection returns the intersection of the two sets.
func (m Mask) Intersection(o Mask) Mask {
	return m & o
}

// Difference returns the registers in m but not in o.
func (m Mask) Difference(o Mask) Mask {
	return m &^ o
}

// Contains checks if o is a subset of m.
func (m Mask) Contains(o Mask) bool {
	return o&^m == 0
}

// IsEmpty checks if the set is empty.
func (m Mask) IsEmpty() bool {
	return m == 0
}

// Size returns the number of registers in the set.
func (m Mask) Size() int {
	return bits.OnesCount64(uint64(m))
}

// Lowest returns the lowest register id in the set, or -1 for an empty set.
func (m Mask) Lowest() int {
	if m == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(m))
}

// List returns the register ids in the set in increasing order.
func (m Mask) List() []int {
	ids := make([]int, 0, m.Size())
	m.ForEach(func(id int) {
		ids = append(ids, id)
	})
	return ids
}

// ForEach calls fn for each register id in the set in increasing order.
func (m Mask) ForEach(fn func(id int)) {
	for b := uint64(m); b != 0; b &= b - 1 {
		fn(bits.TrailingZeros64(b))
	}
}

// String returns the set as a comma-separated list of register ids.
func (m Mask) String() string {
	ids := make([]string, 0, m.Size())
	m.ForEach(func(id int) {
		ids = append(ids, strconv.Itoa(id))
	})
	return "{" + strings.Join(ids, ",") + "}"
}

// MarshalJSON marshals the set as a list of register ids.
func (m Mask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.List())
}

// UnmarshalJSON unmarshals a list of register ids.
func (m *Mask) UnmarshalJSON(raw []byte) error {
	var ids []int
	if err := json.Unmarshal(raw, &ids); err != nil {
		return fmt.Errorf("invalid register set %s: %w", string(raw), err)
	}
	*m = 0
	for _, id := range ids {
		if !Valid(id) {
			return fmt.Errorf("invalid register id %d in set %s", id, string(raw))
		}
		*m = m.Set(id)
	}
	return nil
}
