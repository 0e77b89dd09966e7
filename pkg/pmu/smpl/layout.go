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

// Package smpl implements shared sample buffers recording register values
// at counter overflow time.
package smpl

import (
	"encoding/binary"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// Version is the version of the sample buffer layout.
const Version uint32 = 2 << 16

const (
	// HeaderSize is the size of the buffer header.
	HeaderSize = 32
	// EntryHeaderSize is the size of the fixed part of an entry.
	EntryHeaderSize = 32
	// ValueSize is the size of a single register value in an entry.
	ValueSize = 8
)

// header is the buffer header as laid out at the start of the buffer.
type header struct {
	Version   uint32
	Stride    uint32
	Registers uint64
	Count     uint64
	Reserved  uint64
}

// Entry is a single sample.
type Entry struct {
	Timestamp uint64      `cbor:"1,keyasint"`
	Core      uint32      `cbor:"2,keyasint"`
	PID       uint32      `cbor:"3,keyasint"`
	Overflow  regset.Mask `cbor:"4,keyasint"`
	LastReset uint64      `cbor:"5,keyasint"`
	Values    []uint64    `cbor:"6,keyasint"`
}

// Stride returns the size of an entry sampling the given registers.
func Stride(registers regset.Mask) uint64 {
	return EntryHeaderSize + ValueSize*uint64(registers.Size())
}

var byteOrder = binary.NativeEndian

// encodeEntry writes e into the entry slot b.
func encodeEntry(b []byte, e *Entry, registers int) {
	byteOrder.PutUint64(b[0:], e.Timestamp)
	byteOrder.PutUint32(b[8:], e.Core)
	byteOrder.PutUint32(b[12:], e.PID)
	byteOrder.PutUint64(b[16:], uint64(e.Overflow))
	byteOrder.PutUint64(b[24:], e.LastReset)
	for i := 0; i < registers; i++ {
		var v uint64
		if i < len(e.Values) {
			v = e.Values[i]
		}
		byteOrder.PutUint64(b[EntryHeaderSize+ValueSize*i:], v)
	}
}

// decodeEntry reads an entry from the entry slot b.
func decodeEntry(b []byte, registers int) Entry {
	e := Entry{
		Timestamp: byteOrder.Uint64(b[0:]),
		Core:      byteOrder.Uint32(b[8:]),
		PID:       byteOrder.Uint32(b[12:]),
		Overflow:  regset.Mask(byteOrder.Uint64(b[16:])),
		LastReset: byteOrder.Uint64(b[24:]),
		Values:    make([]uint64, registers),
	}
	for i := range e.Values {
		e.Values[i] = byteOrder.Uint64(b[EntryHeaderSize+ValueSize*i:])
	}
	return e
}
