// Copyright 2024 The gVisor Authors.
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

// Package marshal defines the Marshallable interface for fixed-layout
// records exchanged with GPU firmware, and helpers to convert between them
// and byte slices.
//
// Firmware records are little-endian and packed exactly as declared; every
// implementation must agree byte-for-byte with the firmware ABI.
package marshal

import (
	"encoding/binary"
	"fmt"
)

// ByteOrder is the byte order of every firmware record.
var ByteOrder = binary.LittleEndian

// Marshallable represents operations on a type that can be marshalled to and
// from a fixed-size byte layout.
type Marshallable interface {
	// SizeBytes is the size of the memory representation of a type in
	// marshalled form.
	SizeBytes() int

	// MarshalBytes serializes a copy of a type to dst and returns the
	// remaining portion of dst. Precondition: dst must be at least
	// SizeBytes() in length.
	MarshalBytes(dst []byte) []byte

	// UnmarshalBytes deserializes a type from src and returns the remaining
	// portion of src. Precondition: src must be at least SizeBytes() in
	// length.
	UnmarshalBytes(src []byte) []byte
}

// Marshal returns the serialized form of m.
func Marshal(m Marshallable) []byte {
	buf := make([]byte, m.SizeBytes())
	if rest := m.MarshalBytes(buf); len(rest) != 0 {
		panic(fmt.Sprintf("%T marshalled %d bytes short of SizeBytes() = %d", m, len(rest), len(buf)))
	}
	return buf
}

// Unmarshal deserializes src into m. src must be exactly m.SizeBytes() long
// unless allowTrailing is set, in which case any trailing bytes are ignored.
func Unmarshal(src []byte, m Marshallable, allowTrailing bool) error {
	size := m.SizeBytes()
	if len(src) < size || (!allowTrailing && len(src) != size) {
		return fmt.Errorf("%T: got %d bytes, want %d", m, len(src), size)
	}
	m.UnmarshalBytes(src[:size])
	return nil
}

// PutUint8 writes v to dst and returns the rest of dst.
func PutUint8(dst []byte, v uint8) []byte {
	dst[0] = v
	return dst[1:]
}

// PutUint16 writes v to dst and returns the rest of dst.
func PutUint16(dst []byte, v uint16) []byte {
	ByteOrder.PutUint16(dst[:2], v)
	return dst[2:]
}

// PutUint32 writes v to dst and returns the rest of dst.
func PutUint32(dst []byte, v uint32) []byte {
	ByteOrder.PutUint32(dst[:4], v)
	return dst[4:]
}

// PutUint64 writes v to dst and returns the rest of dst.
func PutUint64(dst []byte, v uint64) []byte {
	ByteOrder.PutUint64(dst[:8], v)
	return dst[8:]
}

// Pad zeroes n bytes of dst and returns the rest of dst.
func Pad(dst []byte, n int) []byte {
	clear(dst[:n])
	return dst[n:]
}

// Uint8 reads a uint8 from src and returns it with the rest of src.
func Uint8(src []byte) (uint8, []byte) {
	return src[0], src[1:]
}

// Uint16 reads a uint16 from src and returns it with the rest of src.
func Uint16(src []byte) (uint16, []byte) {
	return ByteOrder.Uint16(src[:2]), src[2:]
}

// Uint32 reads a uint32 from src and returns it with the rest of src.
func Uint32(src []byte) (uint32, []byte) {
	return ByteOrder.Uint32(src[:4]), src[4:]
}

// Uint64 reads a uint64 from src and returns it with the rest of src.
func Uint64(src []byte) (uint64, []byte) {
	return ByteOrder.Uint64(src[:8]), src[8:]
}
