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

package smpl

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

const (
	// DefaultBase is the default start of the mappable address range.
	DefaultBase = 0x2000_0000_0000
	// DefaultSpan is the default size of the mappable address range.
	DefaultSpan = 1 << 40
)

// AddressSpace models the mappable address range of a group of tasks. It
// places buffer mappings and invokes the buffer unmap callback when they go
// away.
type AddressSpace struct {
	sync.Mutex
	base  uint64     // start of the mappable range
	span  uint64     // size of the mappable range
	limit uint64     // maximum size of all mappings
	used  uint64     // size of all mappings
	users int        // tasks sharing the address space
	maps  []*mapping // mappings sorted by address
}

type mapping struct {
	addr uint64
	size uint64
	buf  *Buffer
}

// NewAddressSpace creates an address space mapping into the given range.
// A zero limit selects DefaultLimit().
func NewAddressSpace(base, span, limit uint64) *AddressSpace {
	if limit == 0 {
		limit = DefaultLimit()
	}
	return &AddressSpace{
		base:  base,
		span:  span,
		limit: limit,
		users: 1,
	}
}

// Share adds a task to the users of the address space.
func (as *AddressSpace) Share() *AddressSpace {
	as.Lock()
	defer as.Unlock()
	as.users++
	return as
}

// Leave removes a task from the users of the address space. The last user
// leaving tears the address space down, queueing unreferenced buffers on the
// given free list. Leave returns true if the address space was torn down.
func (as *AddressSpace) Leave(free *FreeList) bool {
	as.Lock()
	as.users--
	last := as.users <= 0
	as.Unlock()

	if last {
		as.Teardown(free)
	}
	return last
}

// Available returns the amount of memory that can still be mapped.
func (as *AddressSpace) Available() uint64 {
	as.Lock()
	defer as.Unlock()
	if as.used >= as.limit {
		return 0
	}
	return as.limit - as.used
}

// Map maps a buffer into the first free region large enough to hold it.
func (as *AddressSpace) Map(b *Buffer) (uint64, error) {
	as.Lock()
	defer as.Unlock()

	if err := b.setMapped(); err != nil {
		return 0, err
	}

	size := b.Len()
	if as.used+size > as.limit {
		b.mapFailed()
		return 0, errors.Wrapf(ErrTooLarge, "mapping %d bytes exceeds limit %d (%d in use)",
			size, as.limit, as.used)
	}

	addr, idx, ok := as.findFree(size)
	if !ok {
		b.mapFailed()
		return 0, errors.Wrapf(ErrNoSpace, "no free region of %d bytes", size)
	}

	m := &mapping{addr: addr, size: size, buf: b}
	as.maps = append(as.maps, nil)
	copy(as.maps[idx+1:], as.maps[idx:])
	as.maps[idx] = m
	as.used += size

	log.Debug("mapped %d bytes at %#x", size, addr)

	return addr, nil
}

// findFree finds the first free region of the given size, returning its
// address and the index of the mapping it would be inserted at.
func (as *AddressSpace) findFree(size uint64) (uint64, int, bool) {
	end := as.base + as.span
	addr := as.base
	for idx, m := range as.maps {
		if m.addr-addr >= size {
			return addr, idx, true
		}
		addr = m.addr + m.size
	}
	if end-addr >= size {
		return addr, len(as.maps), true
	}
	return 0, 0, false
}

// Unmap removes the mapping at addr, invoking the buffer unmap callback.
func (as *AddressSpace) Unmap(addr uint64, free *FreeList) error {
	as.Lock()
	idx := sort.Search(len(as.maps), func(i int) bool { return as.maps[i].addr >= addr })
	if idx == len(as.maps) || as.maps[idx].addr != addr {
		as.Unlock()
		return errors.Wrapf(ErrInvalid, "no mapping at %#x", addr)
	}
	m := as.maps[idx]
	as.maps = append(as.maps[:idx], as.maps[idx+1:]...)
	as.used -= m.size
	as.Unlock()

	m.buf.unmapped(free)
	log.Debug("unmapped %d bytes at %#x", m.size, addr)

	return nil
}

// Teardown removes all mappings, invoking the buffer unmap callbacks.
func (as *AddressSpace) Teardown(free *FreeList) {
	as.Lock()
	maps := as.maps
	as.maps = nil
	as.used = 0
	as.Unlock()

	for _, m := range maps {
		m.buf.unmapped(free)
	}
}

// View returns the read-only view of the buffer mapped at addr.
func (as *AddressSpace) View(addr uint64) ([]byte, error) {
	as.Lock()
	defer as.Unlock()

	for _, m := range as.maps {
		if m.addr == addr {
			return m.buf.view(), nil
		}
	}
	return nil, errors.Wrapf(ErrInvalid, "no mapping at %#x", addr)
}

// Mappings returns the number of mappings.
func (as *AddressSpace) Mappings() int {
	as.Lock()
	defer as.Unlock()
	return len(as.maps)
}
