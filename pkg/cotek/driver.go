// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package cotek drives a Cotek programmable power supply through its
// register interface.
package cotek

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// DefaultAddress is the supply's 7-bit bus address
const DefaultAddress uint8 = 0x50

// Registers
const (
	RegVoltageRead uint8 = 0x60 // u16 LE, centivolts
	RegCurrentRead uint8 = 0x62 // u16 LE, centiamps
	RegTemperature uint8 = 0x68 // u8, °C
	RegVoltageSet  uint8 = 0x70 // u16 LE, centivolts
	RegCurrentSet  uint8 = 0x72 // u16 LE, centiamps
	RegControl     uint8 = 0x7C
)

// Control register values
const (
	CtrlRemoteOff uint8 = 0x80 // remote mode, output off
	CtrlCommit    uint8 = 0x84 // remote mode, latch new setpoints
	CtrlRemoteOn  uint8 = 0x85 // remote mode, output on
	ctrlOutputOn  uint8 = 0x01
)

var (
	// ErrShortRead is returned when a register read yields fewer bytes than asked
	ErrShortRead = errors.New("short register read")
	// ErrOutOfRange is returned for setpoints the registers cannot hold
	ErrOutOfRange = errors.New("setpoint out of range")
)

// Bus moves bytes to and from device registers
type Bus interface {
	ReadRegister(ctx context.Context, addr, reg uint8, buf []byte) error
	WriteRegister(ctx context.Context, addr, reg uint8, data []byte) error
}

// Reading is one poll of the supply's measurement registers
type Reading struct {
	Voltage     float64
	Current     float64
	Temperature float64
	OutputOn    bool
}

// Driver issues register sequences to one supply
type Driver struct {
	bus  Bus
	addr uint8
}

// New creates a driver for the supply at addr
func New(bus Bus, addr uint8) *Driver {
	return &Driver{bus: bus, addr: addr}
}

func (d *Driver) read(ctx context.Context, reg uint8, n int) ([]byte, error) {
	buf := make([]byte, n)
	if err := d.bus.ReadRegister(ctx, d.addr, reg, buf); err != nil {
		return nil, fmt.Errorf("read register 0x%02X: %w", reg, err)
	}
	return buf, nil
}

func (d *Driver) write(ctx context.Context, reg uint8, data ...byte) error {
	if err := d.bus.WriteRegister(ctx, d.addr, reg, data); err != nil {
		return fmt.Errorf("write register 0x%02X: %w", reg, err)
	}
	return nil
}

func centi(raw []byte) float64 {
	return float64(uint16(raw[0])|uint16(raw[1])<<8) / 100
}

func toCenti(v float64) ([]byte, error) {
	c := math.Round(v * 100)
	if c < 0 || c > math.MaxUint16 || math.IsNaN(c) {
		return nil, fmt.Errorf("%w: %.2f", ErrOutOfRange, v)
	}
	u := uint16(c)
	return []byte{byte(u), byte(u >> 8)}, nil
}

// Voltage reads the output voltage
func (d *Driver) Voltage(ctx context.Context) (float64, error) {
	raw, err := d.read(ctx, RegVoltageRead, 2)
	if err != nil {
		return 0, err
	}
	return centi(raw), nil
}

// Current reads the output current
func (d *Driver) Current(ctx context.Context) (float64, error) {
	raw, err := d.read(ctx, RegCurrentRead, 2)
	if err != nil {
		return 0, err
	}
	return centi(raw), nil
}

// Temperature reads the internal temperature
func (d *Driver) Temperature(ctx context.Context) (float64, error) {
	raw, err := d.read(ctx, RegTemperature, 1)
	if err != nil {
		return 0, err
	}
	return float64(raw[0]), nil
}

// Control reads the control register
func (d *Driver) Control(ctx context.Context) (uint8, error) {
	raw, err := d.read(ctx, RegControl, 1)
	if err != nil {
		return 0, err
	}
	return raw[0], nil
}

// Read polls every measurement register. It returns the fields read so far
// and the number of successful reads along with the first error.
func (d *Driver) Read(ctx context.Context) (Reading, int, error) {
	var r Reading
	var firstErr error
	ok := 0
	note := func(err error) bool {
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return false
		}
		ok++
		return true
	}

	if v, err := d.Voltage(ctx); note(err) {
		r.Voltage = v
	}
	if a, err := d.Current(ctx); note(err) {
		r.Current = a
	}
	if t, err := d.Temperature(ctx); note(err) {
		r.Temperature = t
	}
	if c, err := d.Control(ctx); note(err) {
		r.OutputOn = c&ctrlOutputOn != 0
	}
	return r, ok, firstErr
}

// Apply programs a setpoint and switches the output on: remote mode,
// voltage, current, commit, power on
func (d *Driver) Apply(ctx context.Context, volts, amps float64) error {
	v, err := toCenti(volts)
	if err != nil {
		return err
	}
	a, err := toCenti(amps)
	if err != nil {
		return err
	}

	steps := []struct {
		reg  uint8
		data []byte
	}{
		{RegControl, []byte{CtrlRemoteOff}},
		{RegVoltageSet, v},
		{RegCurrentSet, a},
		{RegControl, []byte{CtrlCommit}},
		{RegControl, []byte{CtrlRemoteOn}},
	}
	for _, s := range steps {
		if err := d.write(ctx, s.reg, s.data...); err != nil {
			return err
		}
	}
	return nil
}

// Off switches the output off and leaves the supply in remote mode
func (d *Driver) Off(ctx context.Context) error {
	return d.write(ctx, RegControl, CtrlRemoteOff)
}
