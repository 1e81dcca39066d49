// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"fmt"
	"strconv"
)

// SLCAN (Lawicel) framing
const (
	slcanStandard       = 't'
	slcanExtended       = 'T'
	slcanStandardRemote = 'r'
	slcanExtendedRemote = 'R'
	slcanBell           = 0x07
	slcanCR             = '\r'
	slcanLF             = '\n'

	// 'T' + 8 id digits + 1 length digit + 16 data digits + 4 timestamp digits
	maxSLCANLine = 30
)

// SLCAN adapter commands: close channel, set bitrate, open channel
var (
	SLCANClose = []byte("C\r")
	SLCANOpen  = []byte("O\r")
)

// SLCANBitrate returns the Sn setup command for a bitrate in bit/s
func SLCANBitrate(bitrate int) ([]byte, error) {
	codes := map[int]byte{
		10000: '0', 20000: '1', 50000: '2', 100000: '3',
		125000: '4', 250000: '5', 500000: '6', 800000: '7', 1000000: '8',
	}
	c, ok := codes[bitrate]
	if !ok {
		return nil, fmt.Errorf("unsupported SLCAN bitrate: %d", bitrate)
	}
	return []byte{'S', c, slcanCR}, nil
}

// SLCANDecoder turns the ASCII byte stream of an SLCAN adapter into frames
type SLCANDecoder struct {
	line     []byte
	overflow bool
}

// NewSLCANDecoder creates a new SLCAN line decoder
func NewSLCANDecoder() *SLCANDecoder {
	return &SLCANDecoder{line: make([]byte, 0, maxSLCANLine)}
}

// Reset discards any partial line
func (d *SLCANDecoder) Reset() {
	d.line = d.line[:0]
	d.overflow = false
}

// DecodeByte processes one byte from the adapter.
// Returns a completed frame, or nil if the line is incomplete or carried no frame.
// Returns an error if the completed line is malformed.
func (d *SLCANDecoder) DecodeByte(b byte) (*Frame, error) {
	switch b {
	case slcanCR, slcanLF:
		if len(d.line) == 0 && !d.overflow {
			// Bare CR is the adapter's OK response
			return nil, nil
		}
		if d.overflow {
			d.Reset()
			return nil, fmt.Errorf("SLCAN line exceeds %d bytes", maxSLCANLine)
		}
		frame, err := parseSLCANLine(d.line)
		d.Reset()
		return frame, err

	case slcanBell:
		d.Reset()
		return nil, fmt.Errorf("SLCAN adapter reported an error")
	}

	if d.overflow {
		return nil, nil
	}
	if len(d.line) >= maxSLCANLine {
		d.overflow = true
		return nil, nil
	}
	d.line = append(d.line, b)
	return nil, nil
}

func parseSLCANLine(line []byte) (*Frame, error) {
	idDigits := 0
	extended := false

	switch line[0] {
	case slcanStandard:
		idDigits = 3
	case slcanExtended:
		idDigits = 8
		extended = true
	case slcanStandardRemote, slcanExtendedRemote:
		// Remote frames carry no payload
		return nil, nil
	case 'z', 'Z':
		// Transmit acknowledgements
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown SLCAN command %q", line[0])
	}

	if len(line) < 1+idDigits+1 {
		return nil, fmt.Errorf("short SLCAN frame: %q", line)
	}

	id, err := strconv.ParseUint(string(line[1:1+idDigits]), 16, 32)
	if err != nil {
		return nil, fmt.Errorf("bad SLCAN identifier %q: %v", line[1:1+idDigits], err)
	}

	dlc := line[1+idDigits]
	if dlc < '0' || dlc > '8' {
		return nil, fmt.Errorf("bad SLCAN length %q", dlc)
	}
	length := int(dlc - '0')

	data := line[2+idDigits:]
	// Optional 4-digit timestamp follows the payload
	if len(data) != length*2 && len(data) != length*2+4 {
		return nil, fmt.Errorf("SLCAN payload length mismatch: dlc %d, %d hex digits", length, len(data))
	}

	frame := &Frame{ID: uint32(id), Extended: extended, Len: uint8(length)}
	for i := 0; i < length; i++ {
		v, err := strconv.ParseUint(string(data[i*2:i*2+2]), 16, 8)
		if err != nil {
			return nil, fmt.Errorf("bad SLCAN data byte %q: %v", data[i*2:i*2+2], err)
		}
		frame.Data[i] = byte(v)
	}

	if err := frame.Validate(); err != nil {
		return nil, err
	}
	return frame, nil
}

// EncodeSLCAN formats a frame as an SLCAN transmit line
func EncodeSLCAN(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	var out []byte
	if f.Extended {
		out = fmt.Appendf(out, "T%08X%d", f.ID, f.Len)
	} else {
		out = fmt.Appendf(out, "t%03X%d", f.ID, f.Len)
	}
	for _, b := range f.Payload() {
		out = fmt.Appendf(out, "%02X", b)
	}
	return append(out, slcanCR), nil
}
