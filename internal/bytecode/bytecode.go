// Copyright 2024 The opcodescan Authors
// This file is part of the opcodescan library.
//
// The opcodescan library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The opcodescan library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the opcodescan library. If not, see <http://www.gnu.org/licenses/>.

// Package bytecode segments deployed EVM runtime code into opcode and
// push-data elements, after trimming any trailing CBOR metadata blob that
// some compilers append and that is never executed.
package bytecode

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/ethscan/opcodescan/core/vm"
)

// Element is a single decoded position in a bytecode stream: either an
// executable opcode byte, or an immediate data byte belonging to a
// preceding PUSH instruction.
type Element struct {
	Value  byte
	IsCode bool
}

// Decode trims trailing CBOR metadata (if present and well-formed) and
// walks the remaining bytes left to right, splitting PUSH-with-data
// opcodes from their immediate operands. Truncated trailing PUSH data is
// legal: the decoder emits whatever immediate bytes remain and stops.
func Decode(code []byte) []Element {
	code = trimMetadata(code)

	elements := make([]Element, 0, len(code))
	for i := 0; i < len(code); i++ {
		op := vm.FromByte(code[i])
		elements = append(elements, Element{Value: code[i], IsCode: true})

		if !op.IsPush() {
			continue
		}
		n := int(op.PushBytes())
		end := i + 1 + n
		if end > len(code) {
			end = len(code)
		}
		for _, b := range code[i+1 : end] {
			elements = append(elements, Element{Value: b, IsCode: false})
		}
		i = end - 1
	}
	return elements
}

// trimMetadata strips a trailing CBOR metadata region, identified by a
// big-endian uint16 length prefix in the last two bytes of code. The
// region is only trimmed if it parses as a well-formed sequence of CBOR
// items; any length mismatch or parse failure leaves code unchanged.
func trimMetadata(code []byte) []byte {
	if len(code) <= 2 {
		return code
	}
	cborLen := int(binary.BigEndian.Uint16(code[len(code)-2:]))
	if len(code)-2 < cborLen {
		return code
	}
	blob := code[len(code)-2-cborLen : len(code)-2]
	if !wellFormedCBORItems(blob) {
		return code
	}
	return code[:len(code)-2-cborLen]
}

// wellFormedCBORItems reports whether blob consists entirely of one or
// more back-to-back well-formed CBOR items with no trailing garbage,
// mirroring the original implementation's item-by-item CBOR decode loop.
func wellFormedCBORItems(blob []byte) bool {
	if len(blob) == 0 {
		return false
	}
	dec := cbor.NewDecoder(bytes.NewReader(blob))
	seenItem := false
	for {
		var item any
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return false
		}
		seenItem = true
	}
	return seenItem
}

// CountCode returns a dense 256-slot histogram of is_code == true byte
// values in elements, suitable for an opcode_statistics upsert pass.
func CountCode(elements []Element) [256]uint64 {
	var counts [256]uint64
	for _, e := range elements {
		if e.IsCode {
			counts[e.Value]++
		}
	}
	return counts
}
