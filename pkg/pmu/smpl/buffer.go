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
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"

	logger "github.com/intel/pmu-manager/pkg/log"
	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

const (
	logSource     = "smpl"
	fallbackLimit = 64 << 20
)

var (
	// ErrInvalid is returned for malformed buffer requests.
	ErrInvalid = errors.New("invalid sample buffer request")
	// ErrTooLarge is returned when a buffer would exceed the caller's limit.
	ErrTooLarge = errors.New("sample buffer too large")
	// ErrNoMemory is returned when buffer storage cannot be allocated.
	ErrNoMemory = errors.New("out of memory")
	// ErrNoSpace is returned when no free address space region is left.
	ErrNoSpace = errors.New("no free address space")
)

var log = logger.Get(logSource)

// Buffer is a reference-counted sample buffer. Its storage is released only
// once it is both unreferenced and unmapped.
type Buffer struct {
	mu        sync.Mutex             // protects refs, mapped, data
	refs      int                    // number of contexts referencing the buffer
	mapped    bool                   // whether the buffer is mapped in an address space
	registers regset.Mask            // registers sampled in each entry
	nreg      int                    // number of registers sampled
	capacity  uint64                 // number of entries
	stride    uint64                 // size of an entry
	size      uint64                 // size of the storage
	next      atomic.Uint64          // next entry index to claim
	data      []byte                 // storage
	hdr       atomic.Pointer[header] // header overlaid on storage
}

// Claim is the result of recording a sample.
type Claim struct {
	// Index is the slot claimed for the sample.
	Index uint64
	// Recorded is true if the sample was written into the buffer.
	Recorded bool
	// Full is true if this claim filled the buffer.
	Full bool
	// Reset is true if the full buffer was reset for reuse.
	Reset bool
}

// Dropped checks if the sample was dropped because the buffer was full.
func (c Claim) Dropped() bool {
	return !c.Recorded
}

// Size returns the storage size needed for a buffer of the given geometry.
func Size(registers regset.Mask, entries uint64) uint64 {
	return pageAlign(HeaderSize + entries*Stride(registers))
}

func pageAlign(size uint64) uint64 {
	page := pageSize()
	return (size + page - 1) &^ (page - 1)
}

// Allocate allocates a zeroed buffer with room for the given number of
// entries, each sampling the given registers. The buffer is rejected if its
// size would exceed limit.
func Allocate(registers regset.Mask, entries, limit uint64) (*Buffer, error) {
	if entries == 0 {
		return nil, errors.Wrap(ErrInvalid, "zero entries requested")
	}

	stride := Stride(registers)
	if limit < HeaderSize || entries > (limit-HeaderSize)/stride {
		return nil, errors.Wrapf(ErrTooLarge, "%d entries of %d bytes exceed limit %d",
			entries, stride, limit)
	}
	size := Size(registers, entries)
	if size > limit {
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes exceed limit %d", size, limit)
	}

	data, err := allocStorage(int(size))
	if err != nil {
		return nil, errors.Wrapf(ErrNoMemory, "failed to allocate %d bytes: %v", size, err)
	}

	b := &Buffer{
		refs:      1,
		registers: registers,
		nreg:      registers.Size(),
		capacity:  entries,
		stride:    stride,
		size:      size,
		data:      data,
	}
	hdr := (*header)(unsafe.Pointer(&data[0]))
	hdr.Version = Version
	hdr.Stride = uint32(stride)
	hdr.Registers = uint64(registers)
	b.hdr.Store(hdr)

	log.Debug("allocated %d bytes for %d entries of %d bytes", size, entries, stride)

	return b, nil
}

// Registers returns the set of sampled registers.
func (b *Buffer) Registers() regset.Mask {
	return b.registers
}

// Capacity returns the number of entries in the buffer.
func (b *Buffer) Capacity() uint64 {
	return b.capacity
}

// Len returns the size of the buffer storage.
func (b *Buffer) Len() uint64 {
	return b.size
}

// Count returns the number of visible entries.
func (b *Buffer) Count() uint64 {
	return atomic.LoadUint64(&b.hdr.Load().Count)
}

// Record claims the next free slot and writes e into it. The claim reaching
// capacity marks the buffer full. A full buffer is reset for reuse at once
// unless deferReset is set, in which case further samples are dropped until
// Reset is called.
func (b *Buffer) Record(e *Entry, deferReset bool) Claim {
	n := b.next.Add(1)
	if n > b.capacity {
		return Claim{Index: n - 1}
	}

	slot := HeaderSize + (n-1)*b.stride
	encodeEntry(b.data[slot:slot+b.stride], e, b.nreg)
	atomic.AddUint64(&b.hdr.Load().Count, 1)

	claim := Claim{Index: n - 1, Recorded: true}
	if n == b.capacity {
		claim.Full = true
		if !deferReset {
			b.Reset()
			claim.Reset = true
		}
	}

	return claim
}

// Reset makes the buffer empty again.
func (b *Buffer) Reset() {
	atomic.StoreUint64(&b.hdr.Load().Count, 0)
	b.next.Store(0)
}

// Ref takes a new reference to the buffer.
func (b *Buffer) Ref() *Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs++
	return b
}

// Drop releases a reference to the buffer. The storage is released when the
// last reference is dropped and the buffer is not mapped.
func (b *Buffer) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.refs == 0 {
		log.Warn("buffer reference count underflow")
		return
	}

	b.refs--
	if b.refs == 0 && !b.mapped {
		b.release()
	}
}

// Refs returns the number of references to the buffer.
func (b *Buffer) Refs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refs
}

// Mapped checks if the buffer is mapped.
func (b *Buffer) Mapped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

// Released checks if the buffer storage has been released.
func (b *Buffer) Released() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data == nil
}

// setMapped marks the buffer mapped.
func (b *Buffer) setMapped() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return errors.Wrap(ErrInvalid, "mapping released buffer")
	}
	if b.mapped {
		return errors.Wrap(ErrInvalid, "buffer already mapped")
	}
	b.mapped = true

	return nil
}

// mapFailed reverts setMapped after a failed mapping attempt.
func (b *Buffer) mapFailed() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mapped = false
	if b.refs == 0 {
		b.release()
	}
}

// unmapped is the unmap callback. An unreferenced buffer is queued on the
// free list for releasing, otherwise the buffer is just marked unmapped.
func (b *Buffer) unmapped(free *FreeList) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.mapped = false
	if b.refs == 0 {
		free.push(b)
	}
}

// view returns the storage of the buffer.
func (b *Buffer) view() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// release releases the storage. It is called with the buffer locked.
func (b *Buffer) release() {
	if b.data == nil {
		return
	}
	if err := freeStorage(b.data); err != nil {
		log.Error("failed to release buffer storage: %v", err)
	}
	b.data = nil
	b.hdr.Store(&header{})
	log.Debug("released %d bytes of buffer storage", b.size)
}

// FreeList collects unmapped buffers for releasing outside of address space
// teardown.
type FreeList struct {
	sync.Mutex
	buffers []*Buffer
}

func (f *FreeList) push(b *Buffer) {
	f.Lock()
	defer f.Unlock()
	f.buffers = append(f.buffers, b)
}

// Len returns the number of buffers waiting for release.
func (f *FreeList) Len() int {
	f.Lock()
	defer f.Unlock()
	return len(f.buffers)
}

// Drain releases all buffers on the list.
func (f *FreeList) Drain() int {
	f.Lock()
	buffers := f.buffers
	f.buffers = nil
	f.Unlock()

	for _, b := range buffers {
		b.mu.Lock()
		b.release()
		b.mu.Unlock()
	}

	return len(buffers)
}
