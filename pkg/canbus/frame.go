// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package canbus provides the CAN frame representation used throughout packwatch,
// along with the byte-level decoders for the supported frame sources.
//
// Frames arrive either from an SLCAN serial adapter (ASCII lines), from a
// remote gateway over WebSocket (CBOR records), or from a capture file
// recorded earlier with the same CBOR record format.
package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Identifier limits
const (
	MaxStandardID = 0x7FF
	MaxExtendedID = 0x1FFFFFFF
	MaxDataLength = 8
)

// ErrBadFrame is returned when a frame cannot be represented on the bus
var ErrBadFrame = errors.New("invalid CAN frame")

// Frame is a single classic CAN 2.0 data frame
type Frame struct {
	ID       uint32
	Extended bool
	Len      uint8
	Data     [8]byte
}

// NewFrame builds an extended frame from a payload. Payloads longer than
// eight bytes are truncated.
func NewFrame(id uint32, payload ...byte) Frame {
	f := Frame{ID: id & MaxExtendedID, Extended: true}
	n := copy(f.Data[:], payload)
	f.Len = uint8(n)
	return f
}

// Payload returns the valid bytes of the frame
func (f Frame) Payload() []byte {
	n := f.Len
	if n > MaxDataLength {
		n = MaxDataLength
	}
	return f.Data[:n]
}

// Validate checks that identifier and length fit the frame format
func (f Frame) Validate() error {
	if f.Len > MaxDataLength {
		return fmt.Errorf("%w: length %d", ErrBadFrame, f.Len)
	}
	if f.Extended && f.ID > MaxExtendedID {
		return fmt.Errorf("%w: extended id 0x%X out of range", ErrBadFrame, f.ID)
	}
	if !f.Extended && f.ID > MaxStandardID {
		return fmt.Errorf("%w: standard id 0x%X out of range", ErrBadFrame, f.ID)
	}
	return nil
}

// Has reports whether the frame carries at least n payload bytes
func (f Frame) Has(n int) bool {
	return int(f.Len) >= n
}

// BE16 reads a big-endian uint16 at offset off
func (f Frame) BE16(off int) uint16 {
	return binary.BigEndian.Uint16(f.Data[off : off+2])
}

// BE32 reads a big-endian uint32 at offset off
func (f Frame) BE32(off int) uint32 {
	return binary.BigEndian.Uint32(f.Data[off : off+4])
}

// LE16 reads a little-endian uint16 at offset off
func (f Frame) LE16(off int) uint16 {
	return binary.LittleEndian.Uint16(f.Data[off : off+2])
}

// LE32 reads a little-endian uint32 at offset off
func (f Frame) LE32(off int) uint32 {
	return binary.LittleEndian.Uint32(f.Data[off : off+4])
}

// String formats the frame like candump: ID#DATA
func (f Frame) String() string {
	width := 3
	if f.Extended {
		width = 8
	}
	return fmt.Sprintf("%0*X#% X", width, f.ID, f.Payload())
}

// Message is a frame stamped with its arrival time and source
type Message struct {
	Frame     Frame
	Timestamp time.Time
	Source    string
}
