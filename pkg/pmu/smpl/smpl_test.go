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
	"bytes"
	"encoding/binary"
	"sort"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

func allocate(t *testing.T, registers regset.Mask, entries uint64) *Buffer {
	b, err := Allocate(registers, entries, 1<<30)
	require.NoError(t, err)
	t.Cleanup(func() {
		for b.Refs() > 0 {
			b.Drop()
		}
	})
	return b
}

func TestAllocate(t *testing.T) {
	registers := regset.Of(4, 5)
	require.Equal(t, uint64(48), Stride(registers))
	require.Equal(t, pageSize(), Size(registers, 4))

	b := allocate(t, registers, 4)
	require.Equal(t, uint64(4), b.Capacity())
	require.Equal(t, 1, b.Refs())
	require.Zero(t, b.Count())

	_, err := Allocate(registers, 0, 1<<30)
	require.True(t, errors.Is(err, ErrInvalid))
	_, err = Allocate(registers, 1<<40, 1<<20)
	require.True(t, errors.Is(err, ErrTooLarge))
	_, err = Allocate(registers, 1, 16)
	require.True(t, errors.Is(err, ErrTooLarge))
	_, err = Allocate(registers, 1, HeaderSize+48)
	require.True(t, errors.Is(err, ErrTooLarge), "page alignment counts against the limit")
}

func TestFullBufferWrapsWithoutNotification(t *testing.T) {
	b := allocate(t, regset.Of(4), 4)

	for i := uint64(0); i < 3; i++ {
		c := b.Record(&Entry{Timestamp: i}, false)
		require.Equal(t, Claim{Index: i, Recorded: true}, c)
		require.Equal(t, i+1, b.Count())
	}

	c := b.Record(&Entry{Timestamp: 3}, false)
	require.Equal(t, Claim{Index: 3, Recorded: true, Full: true, Reset: true}, c)
	require.Zero(t, b.Count())
	require.Zero(t, b.next.Load())

	c = b.Record(&Entry{Timestamp: 4}, false)
	require.Equal(t, Claim{Index: 0, Recorded: true}, c)
	require.Equal(t, uint64(1), b.Count())
}

func TestFullBufferDefersResetWithNotification(t *testing.T) {
	b := allocate(t, regset.Of(4), 2)

	require.False(t, b.Record(&Entry{}, true).Full)
	c := b.Record(&Entry{}, true)
	require.True(t, c.Full)
	require.False(t, c.Reset)
	require.Equal(t, uint64(2), b.Count())

	for i := 0; i < 3; i++ {
		c = b.Record(&Entry{}, true)
		require.True(t, c.Dropped())
		require.False(t, c.Full, "only one claim fills the buffer")
	}
	require.Equal(t, uint64(2), b.Count())

	b.Reset()
	require.Zero(t, b.Count())
	require.Equal(t, Claim{Index: 0, Recorded: true}, b.Record(&Entry{}, true))
}

func TestConcurrentClaimsAreUnique(t *testing.T) {
	const (
		writers = 8
		samples = 200
	)
	b := allocate(t, regset.Of(4), writers*samples/2)

	var (
		mu      sync.Mutex
		indices []uint64
		full    int
		wg      sync.WaitGroup
	)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < samples; i++ {
				c := b.Record(&Entry{Values: []uint64{uint64(i)}}, true)
				mu.Lock()
				indices = append(indices, c.Index)
				if c.Full {
					full++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for i, idx := range indices {
		require.Equal(t, uint64(i), idx)
	}
	require.Equal(t, 1, full)
	require.Equal(t, b.Capacity(), b.Count())
}

func TestBufferOutlivesDestroyWhileMapped(t *testing.T) {
	as := NewAddressSpace(DefaultBase, DefaultSpan, 1<<30)
	free := &FreeList{}

	b, err := Allocate(regset.Of(4), 8, as.Available())
	require.NoError(t, err)
	addr, err := as.Map(b)
	require.NoError(t, err)
	require.True(t, b.Mapped())

	b.Drop()
	require.False(t, b.Released(), "mapped buffer released on last drop")

	require.NoError(t, as.Unmap(addr, free))
	require.False(t, b.Released(), "released inside the unmap callback")
	require.Equal(t, 1, free.Len())
	require.Equal(t, 1, free.Drain())
	require.True(t, b.Released())
	require.Zero(t, free.Len())
}

func TestBufferReleasedOnDropAfterUnmap(t *testing.T) {
	as := NewAddressSpace(DefaultBase, DefaultSpan, 1<<30)
	free := &FreeList{}

	b, err := Allocate(regset.Of(4), 8, as.Available())
	require.NoError(t, err)
	b.Ref()
	addr, err := as.Map(b)
	require.NoError(t, err)

	require.NoError(t, as.Unmap(addr, free))
	require.Zero(t, free.Len())
	require.False(t, b.Mapped())

	b.Drop()
	require.False(t, b.Released())
	b.Drop()
	require.True(t, b.Released())
	b.Drop()
}

func TestAddressSpacePlacement(t *testing.T) {
	page := pageSize()
	as := NewAddressSpace(DefaultBase, 3*page, 1<<30)
	free := &FreeList{}

	var bufs []*Buffer
	var addrs []uint64
	for i := 0; i < 3; i++ {
		b := allocate(t, regset.Of(4), 1)
		addr, err := as.Map(b)
		require.NoError(t, err)
		require.Equal(t, uint64(DefaultBase)+uint64(i)*page, addr)
		bufs = append(bufs, b)
		addrs = append(addrs, addr)
	}

	extra := allocate(t, regset.Of(4), 1)
	_, err := as.Map(extra)
	require.True(t, errors.Is(err, ErrNoSpace))

	require.NoError(t, as.Unmap(addrs[1], free))
	addr, err := as.Map(extra)
	require.NoError(t, err)
	require.Equal(t, addrs[1], addr, "first fit reuses the hole")

	_, err = as.Map(extra)
	require.True(t, errors.Is(err, ErrInvalid), "double mapping")
	require.True(t, errors.Is(as.Unmap(addrs[1]+1, free), ErrInvalid))

	limited := NewAddressSpace(DefaultBase, DefaultSpan, page)
	_, err = limited.Map(bufs[1])
	require.NoError(t, err)
	require.Zero(t, limited.Available())
	_, err = limited.Map(allocate(t, regset.Of(4), 1))
	require.True(t, errors.Is(err, ErrTooLarge))
}

func TestAddressSpaceLeave(t *testing.T) {
	as := NewAddressSpace(DefaultBase, DefaultSpan, 1<<30)
	free := &FreeList{}

	b, err := Allocate(regset.Of(4), 1, as.Available())
	require.NoError(t, err)
	_, err = as.Map(b)
	require.NoError(t, err)
	b.Drop()

	as.Share()
	require.False(t, as.Leave(free))
	require.Equal(t, 1, as.Mappings())
	require.True(t, as.Leave(free))
	require.Zero(t, as.Mappings())
	require.Equal(t, 1, free.Drain())
	require.True(t, b.Released())
}

func TestReaderAndExport(t *testing.T) {
	as := NewAddressSpace(DefaultBase, DefaultSpan, 1<<30)
	b := allocate(t, regset.Of(4, 6), 4)
	addr, err := as.Map(b)
	require.NoError(t, err)
	t.Cleanup(func() { as.Teardown(&FreeList{}) })

	written := []Entry{
		{Timestamp: 10, Core: 1, PID: 100, Overflow: regset.Of(4), LastReset: 7, Values: []uint64{1, 2}},
		{Timestamp: 20, Core: 0, PID: 101, Overflow: regset.Of(4, 6), LastReset: 9, Values: []uint64{3, 4}},
	}
	for i := range written {
		b.Record(&written[i], true)
	}

	view, err := as.View(addr)
	require.NoError(t, err)
	r, err := NewReader(view)
	require.NoError(t, err)
	require.Equal(t, Version, r.Version())
	require.Equal(t, regset.Of(4, 6), r.Registers())
	require.Equal(t, uint64(2), r.Count())
	require.Equal(t, written, r.Entries())

	e, err := r.Entry(1)
	require.NoError(t, err)
	require.Equal(t, written[1], e)
	_, err = r.Entry(2)
	require.Error(t, err)

	var out bytes.Buffer
	require.NoError(t, r.Export(&out))
	first := out.Bytes()

	var again bytes.Buffer
	require.NoError(t, r.Export(&again))
	require.Equal(t, first, again.Bytes(), "export is deterministic")

	dump, err := Import(bytes.NewReader(first))
	require.NoError(t, err)
	expected := &Dump{Version: Version, Registers: []int{4, 6}, Entries: written}
	require.Empty(t, cmp.Diff(expected, dump, cmpopts.EquateEmpty()))

	_, err = NewReader(view[:8])
	require.Error(t, err)
	_, err = as.View(addr + 1)
	require.Error(t, err)
}

func TestLayoutUsesNativeByteOrder(t *testing.T) {
	b := allocate(t, regset.Of(4), 2)
	b.Record(&Entry{Timestamp: 0x0102030405060708, Core: 3, PID: 42, Values: []uint64{9}}, true)

	raw := b.view()
	require.Equal(t, Version, binary.NativeEndian.Uint32(raw[0:]))
	require.Equal(t, uint32(Stride(regset.Of(4))), binary.NativeEndian.Uint32(raw[4:]))
	require.Equal(t, uint64(1), binary.NativeEndian.Uint64(raw[16:]), "header count")

	entry := raw[HeaderSize:]
	require.Equal(t, uint64(0x0102030405060708), binary.NativeEndian.Uint64(entry[0:]))
	require.Equal(t, uint32(42), binary.NativeEndian.Uint32(entry[12:]))
	require.Equal(t, uint64(9), binary.NativeEndian.Uint64(entry[EntryHeaderSize:]))
}

func TestCountWhileReleasing(t *testing.T) {
	b, err := Allocate(regset.Of(4), 8, 1<<30)
	require.NoError(t, err)
	b.Record(&Entry{Values: []uint64{1}}, true)

	var (
		wg   sync.WaitGroup
		seen uint64
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			if n := b.Count(); n > seen {
				seen = n
			}
		}
	}()
	b.Drop()
	wg.Wait()

	require.LessOrEqual(t, seen, uint64(1))

	require.True(t, b.Released())
	require.Zero(t, b.Count())
}
