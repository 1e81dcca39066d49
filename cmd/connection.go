// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/packwatch/pkg/canbus"
	"github.com/Thermoquad/packwatch/pkg/config"
)

// FrameSource yields received CAN frames from an adapter, gateway or capture
type FrameSource interface {
	// Next blocks until a frame arrives. Errors wrapping ErrLine mean one bad
	// line or record was skipped and the source is still usable.
	Next() (canbus.Message, error)
	Close() error
}

var (
	// ErrConnectionClosed is returned once the source can produce no more frames
	ErrConnectionClosed = errors.New("frame source closed")

	// ErrLine marks a malformed SLCAN line or gateway record
	ErrLine = errors.New("malformed frame")
)

// SerialSource reads frames from an SLCAN adapter
type SerialSource struct {
	port    serial.Port
	name    string
	decoder *canbus.SLCANDecoder
	buf     []byte
	pending []byte
}

// Next decodes adapter bytes until a complete frame line arrives
func (s *SerialSource) Next() (canbus.Message, error) {
	for {
		for len(s.pending) > 0 {
			b := s.pending[0]
			s.pending = s.pending[1:]

			frame, err := s.decoder.DecodeByte(b)
			if err != nil {
				return canbus.Message{}, fmt.Errorf("%w: %v", ErrLine, err)
			}
			if frame != nil {
				return canbus.Message{Frame: *frame, Timestamp: time.Now(), Source: s.name}, nil
			}
		}

		n, err := s.port.Read(s.buf)
		if err != nil {
			return canbus.Message{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		// A zero read is the port's read timeout expiring
		s.pending = s.buf[:n]
	}
}

func (s *SerialSource) Close() error {
	s.port.Write(canbus.SLCANClose)
	return s.port.Close()
}

// WebSocketSource reads CBOR frame records from a CAN gateway, one record
// per binary message
type WebSocketSource struct {
	conn   *websocket.Conn
	name   string
	closed bool
}

func (w *WebSocketSource) Next() (canbus.Message, error) {
	if w.closed {
		return canbus.Message{}, ErrConnectionClosed
	}

	// Skip text messages without recursing
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.closed = true
			return canbus.Message{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		rec, err := canbus.UnmarshalRecord(data)
		if err != nil {
			return canbus.Message{}, fmt.Errorf("%w: %v", ErrLine, err)
		}
		msg, err := rec.Message(w.name)
		if err != nil {
			return canbus.Message{}, fmt.Errorf("%w: %v", ErrLine, err)
		}
		// Gateways that do not stamp frames send zero
		if rec.TimeNs == 0 {
			msg.Timestamp = time.Now()
		}
		return msg, nil
	}
}

func (w *WebSocketSource) Close() error {
	return w.conn.Close()
}

// ReplaySource reads a capture file. When paced, frames are released with
// the spacing they were recorded with.
type ReplaySource struct {
	file   *os.File
	reader *canbus.CaptureReader
	paced  bool
	prev   time.Time
}

func (r *ReplaySource) Next() (canbus.Message, error) {
	msg, err := r.reader.Next()
	if errors.Is(err, io.EOF) {
		return canbus.Message{}, fmt.Errorf("%w: end of capture", ErrConnectionClosed)
	}
	if err != nil {
		if errors.Is(err, canbus.ErrBadFrame) {
			return canbus.Message{}, fmt.Errorf("%w: %v", ErrLine, err)
		}
		return canbus.Message{}, fmt.Errorf("%w: %v", ErrConnectionClosed, err)
	}

	if r.paced {
		if !r.prev.IsZero() {
			if gap := msg.Timestamp.Sub(r.prev); gap > 0 && gap < 5*time.Second {
				time.Sleep(gap)
			}
		}
		r.prev = msg.Timestamp
		msg.Timestamp = time.Now()
	}
	return msg, nil
}

func (r *ReplaySource) Close() error {
	return r.file.Close()
}

// OpenSerialSource opens an SLCAN adapter and starts the CAN channel
func OpenSerialSource(portName string, baudRate, bitrate int) (*SerialSource, error) {
	setup, err := canbus.SLCANBitrate(bitrate)
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %v", portName, err)
	}
	if err := port.SetReadTimeout(500 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %v", err)
	}

	// Close first in case the adapter was left open by a previous run
	for _, command := range [][]byte{canbus.SLCANClose, setup, canbus.SLCANOpen} {
		if _, err := port.Write(command); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to configure SLCAN adapter: %v", err)
		}
	}

	return &SerialSource{
		port:    port,
		name:    portName,
		decoder: canbus.NewSLCANDecoder(),
		buf:     make([]byte, 256),
	}, nil
}

// OpenWebSocketSource connects to a CAN gateway with HTTP Basic auth
func OpenWebSocketSource(wsURL, username, password string, skipSSLVerify bool) (*WebSocketSource, error) {
	// Parse and validate URL
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %v", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		// OK
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	// Configure TLS for wss://
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %v", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %v", err)
	}

	return &WebSocketSource{conn: conn, name: u.Host}, nil
}

// OpenReplaySource opens a capture file written by the record command
func OpenReplaySource(path string, paced bool) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	return &ReplaySource{
		file:   f,
		reader: canbus.NewCaptureReader(f, path),
		paced:  paced,
	}, nil
}

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	if pw := os.Getenv("PACKWATCH_PASSWORD"); pw != "" {
		return pw, nil
	}

	// Prompt user for password (hide input)
	fmt.Fprint(os.Stderr, "Password: ")

	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %v", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// sourceOpener opens the configured frame source. The WebSocket password is
// asked for once and reused on reconnect.
type sourceOpener struct {
	cfg      config.SourceConfig
	paced    bool
	password string
	asked    bool
}

func newSourceOpener(cfg config.SourceConfig, paced bool) *sourceOpener {
	return &sourceOpener{cfg: cfg, paced: paced}
}

// Open returns the source and a description for the operator
func (o *sourceOpener) Open() (FrameSource, string, error) {
	switch {
	case o.cfg.Replay != "":
		src, err := OpenReplaySource(o.cfg.Replay, o.paced)
		if err != nil {
			return nil, "", err
		}
		return src, fmt.Sprintf("Capture: %s", o.cfg.Replay), nil

	case o.cfg.URL != "":
		if o.cfg.Username != "" && !o.asked {
			password, err := GetPassword()
			if err != nil {
				return nil, "", err
			}
			o.password, o.asked = password, true
		}
		src, err := OpenWebSocketSource(o.cfg.URL, o.cfg.Username, o.password, o.cfg.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}
		return src, fmt.Sprintf("WebSocket: %s", o.cfg.URL), nil

	case o.cfg.Port != "":
		src, err := OpenSerialSource(o.cfg.Port, o.cfg.Baud, o.cfg.Bitrate)
		if err != nil {
			return nil, "", err
		}
		return src, fmt.Sprintf("Serial: %s @ %d baud, CAN %d bit/s", o.cfg.Port, o.cfg.Baud, o.cfg.Bitrate), nil
	}

	return nil, "", fmt.Errorf("one of --port, --url or --replay must be specified")
}

// Reconnectable reports whether a lost source is worth reopening
func (o *sourceOpener) Reconnectable() bool {
	return o.cfg.Replay == ""
}
