// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cotek

import (
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

// ErrBridge is returned when the bus bridge reports a failed transfer
var ErrBridge = errors.New("bus bridge error")

// LineBus talks to a USB to I2C bridge using a line protocol:
//
//	r <addr> <reg> <count>   ->  <hex bytes> | !<error>
//	w <addr> <reg> <hex>     ->  ok | !<error>
//
// Addresses, registers and counts are two hex digits.
type LineBus struct {
	mu     sync.Mutex
	rw     io.ReadWriter
	closer io.Closer
	in     *bufio.Reader
}

// NewLineBus wraps an open bridge stream
func NewLineBus(rw io.ReadWriter) *LineBus {
	b := &LineBus{rw: rw, in: bufio.NewReader(rw)}
	if c, ok := rw.(io.Closer); ok {
		b.closer = c
	}
	return b
}

// OpenSerialBus opens a bridge on a serial port
func OpenSerialBus(portName string, baudRate int, timeout time.Duration) (*LineBus, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	if timeout > 0 {
		if err := port.SetReadTimeout(timeout); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set read timeout: %w", err)
		}
	}
	return NewLineBus(port), nil
}

// Close releases the underlying port
func (b *LineBus) Close() error {
	if b.closer == nil {
		return nil
	}
	return b.closer.Close()
}

func (b *LineBus) transact(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := io.WriteString(b.rw, cmd+"\n"); err != nil {
		return "", err
	}
	line, err := b.in.ReadString('\n')
	if err != nil {
		// A serial read timeout returns what arrived so far with no error
		// from the port; bufio reports it as EOF.
		if errors.Is(err, io.EOF) {
			return "", fmt.Errorf("%w: no response to %q", ErrBridge, cmd)
		}
		return "", err
	}
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "!") {
		return "", fmt.Errorf("%w: %s", ErrBridge, strings.TrimPrefix(line, "!"))
	}
	return line, nil
}

func (b *LineBus) ReadRegister(ctx context.Context, addr, reg uint8, buf []byte) error {
	resp, err := b.transact(ctx, fmt.Sprintf("r %02x %02x %02x", addr, reg, len(buf)))
	if err != nil {
		return err
	}
	data, err := hex.DecodeString(resp)
	if err != nil {
		return fmt.Errorf("%w: bad response %q", ErrBridge, resp)
	}
	if len(data) < len(buf) {
		return fmt.Errorf("%w: got %d of %d bytes", ErrShortRead, len(data), len(buf))
	}
	copy(buf, data)
	return nil
}

func (b *LineBus) WriteRegister(ctx context.Context, addr, reg uint8, data []byte) error {
	resp, err := b.transact(ctx, fmt.Sprintf("w %02x %02x %s", addr, reg, hex.EncodeToString(data)))
	if err != nil {
		return err
	}
	if resp != "ok" {
		return fmt.Errorf("%w: unexpected response %q", ErrBridge, resp)
	}
	return nil
}
