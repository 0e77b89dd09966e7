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
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/intel/pmu-manager/pkg/pmu/regset"
)

// Reader decodes samples from a mapped buffer view.
type Reader struct {
	data      []byte
	hdr       *header
	registers regset.Mask
	nreg      int
	stride    uint64
	capacity  uint64
}

// NewReader creates a reader for the given buffer view.
func NewReader(view []byte) (*Reader, error) {
	if len(view) < HeaderSize {
		return nil, errors.Wrapf(ErrInvalid, "short buffer (%d bytes)", len(view))
	}

	hdr := (*header)(unsafe.Pointer(&view[0]))
	if hdr.Version>>16 != Version>>16 {
		return nil, errors.Wrapf(ErrInvalid, "unsupported buffer version %#x", hdr.Version)
	}

	registers := regset.Mask(hdr.Registers)
	stride := uint64(hdr.Stride)
	if stride != Stride(registers) {
		return nil, errors.Wrapf(ErrInvalid, "entry size %d does not match registers %s",
			stride, registers)
	}

	return &Reader{
		data:      view,
		hdr:       hdr,
		registers: registers,
		nreg:      registers.Size(),
		stride:    stride,
		capacity:  (uint64(len(view)) - HeaderSize) / stride,
	}, nil
}

// Version returns the buffer layout version.
func (r *Reader) Version() uint32 {
	return r.hdr.Version
}

// Registers returns the set of sampled registers.
func (r *Reader) Registers() regset.Mask {
	return r.registers
}

// Count returns the number of visible entries.
func (r *Reader) Count() uint64 {
	count := atomic.LoadUint64(&r.hdr.Count)
	if count > r.capacity {
		count = r.capacity
	}
	return count
}

// Entry decodes the entry at the given index.
func (r *Reader) Entry(idx uint64) (Entry, error) {
	if idx >= r.Count() {
		return Entry{}, errors.Wrapf(ErrInvalid, "entry %d out of range", idx)
	}
	slot := HeaderSize + idx*r.stride
	return decodeEntry(r.data[slot:slot+r.stride], r.nreg), nil
}

// Entries decodes all visible entries.
func (r *Reader) Entries() []Entry {
	count := r.Count()
	entries := make([]Entry, 0, count)
	for idx := uint64(0); idx < count; idx++ {
		slot := HeaderSize + idx*r.stride
		entries = append(entries, decodeEntry(r.data[slot:slot+r.stride], r.nreg))
	}
	return entries
}

// Dump is the exported form of a sample buffer.
type Dump struct {
	Version   uint32  `cbor:"1,keyasint"`
	Registers []int   `cbor:"2,keyasint"`
	Entries   []Entry `cbor:"3,keyasint"`
}

var encMode cbor.EncMode
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("smpl: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("smpl: CBOR decoder initialization failed: " + err.Error())
	}
}

// Export writes the visible entries of the buffer to w using deterministic
// CBOR encoding.
func (r *Reader) Export(w io.Writer) error {
	dump := &Dump{
		Version:   r.Version(),
		Registers: r.registers.List(),
		Entries:   r.Entries(),
	}
	if err := encMode.NewEncoder(w).Encode(dump); err != nil {
		return errors.Wrap(err, "failed to export samples")
	}
	return nil
}

// Import reads a sample buffer dump written by Export.
func Import(rd io.Reader) (*Dump, error) {
	dump := &Dump{}
	if err := decMode.NewDecoder(rd).Decode(dump); err != nil {
		return nil, errors.Wrap(err, "failed to import samples")
	}
	return dump, nil
}
