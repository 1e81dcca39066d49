// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Record is the CBOR wire form of a frame, used both for capture files and for
// WebSocket gateway messages. Keys are small integers to keep records compact.
type Record struct {
	TimeNs   int64  `cbor:"0,keyasint"`
	ID       uint32 `cbor:"1,keyasint"`
	Extended bool   `cbor:"2,keyasint"`
	Data     []byte `cbor:"3,keyasint"`
}

var (
	recordEncMode cbor.EncMode
	recordDecMode cbor.DecMode
)

func init() {
	var err error
	recordEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	recordDecMode, err = cbor.DecOptions{MaxArrayElements: 16, MaxMapPairs: 16}.DecMode()
	if err != nil {
		panic(err)
	}
}

// RecordFromMessage converts a received message into its wire record
func RecordFromMessage(m Message) Record {
	data := make([]byte, len(m.Frame.Payload()))
	copy(data, m.Frame.Payload())
	return Record{
		TimeNs:   m.Timestamp.UnixNano(),
		ID:       m.Frame.ID,
		Extended: m.Frame.Extended,
		Data:     data,
	}
}

// Message converts a record back into a timestamped message
func (r Record) Message(source string) (Message, error) {
	if len(r.Data) > MaxDataLength {
		return Message{}, fmt.Errorf("%w: record carries %d data bytes", ErrBadFrame, len(r.Data))
	}
	f := Frame{ID: r.ID, Extended: r.Extended, Len: uint8(len(r.Data))}
	copy(f.Data[:], r.Data)
	if err := f.Validate(); err != nil {
		return Message{}, err
	}
	return Message{Frame: f, Timestamp: time.Unix(0, r.TimeNs), Source: source}, nil
}

// MarshalRecord encodes one record as a CBOR data item
func MarshalRecord(r Record) ([]byte, error) {
	data, err := recordEncMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode frame record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord decodes a single CBOR record
func UnmarshalRecord(data []byte) (Record, error) {
	var r Record
	if len(data) == 0 {
		return r, fmt.Errorf("empty CBOR payload")
	}
	if err := recordDecMode.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to decode frame record: %w", err)
	}
	return r, nil
}

// CaptureWriter appends records to a CBOR sequence (RFC 8742)
type CaptureWriter struct {
	w   *bufio.Writer
	enc *cbor.Encoder
	n   int
}

// NewCaptureWriter wraps w for record output
func NewCaptureWriter(w io.Writer) *CaptureWriter {
	bw := bufio.NewWriter(w)
	return &CaptureWriter{w: bw, enc: recordEncMode.NewEncoder(bw)}
}

// Write appends one message
func (c *CaptureWriter) Write(m Message) error {
	if err := c.enc.Encode(RecordFromMessage(m)); err != nil {
		return fmt.Errorf("failed to write capture record: %w", err)
	}
	c.n++
	return nil
}

// Count returns the number of records written
func (c *CaptureWriter) Count() int {
	return c.n
}

// Flush writes buffered records to the underlying writer
func (c *CaptureWriter) Flush() error {
	return c.w.Flush()
}

// CaptureReader reads records from a CBOR sequence
type CaptureReader struct {
	dec    *cbor.Decoder
	source string
}

// NewCaptureReader reads records from r; source labels the produced messages
func NewCaptureReader(r io.Reader, source string) *CaptureReader {
	return &CaptureReader{dec: recordDecMode.NewDecoder(bufio.NewReader(r)), source: source}
}

// Next returns the next message, or io.EOF at the end of the capture
func (c *CaptureReader) Next() (Message, error) {
	var r Record
	if err := c.dec.Decode(&r); err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		return Message{}, fmt.Errorf("failed to read capture record: %w", err)
	}
	return r.Message(c.source)
}
