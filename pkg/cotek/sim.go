// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cotek

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoDevice is returned by the simulated bus when nothing answers
var ErrNoDevice = errors.New("no device at address")

// Write records one register write seen by the simulator
type Write struct {
	Reg  uint8
	Data []byte
}

// Sim is an in-memory supply behind a Bus. The output follows the control
// register; measured voltage tracks the committed setpoint when on.
type Sim struct {
	mu      sync.Mutex
	addr    uint8
	absent  bool
	regs    [256]byte
	pending [4]byte // voltage and current set before commit
	writes  []Write

	// Temperature reported by the temperature register
	Temperature uint8
	// Load is the fraction of the current setpoint drawn when on
	Load float64
}

// NewSim returns a present supply at addr with output off
func NewSim(addr uint8) *Sim {
	return &Sim{addr: addr, Temperature: 30, Load: 0.9}
}

// SetPresent connects or disconnects the simulated supply
func (s *Sim) SetPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.absent = !present
}

// Writes returns every register write so far
func (s *Sim) Writes() []Write {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Write, len(s.writes))
	copy(out, s.writes)
	return out
}

// OutputOn reports the simulated output state
func (s *Sim) OutputOn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regs[RegControl]&ctrlOutputOn != 0
}

func (s *Sim) check(ctx context.Context, addr uint8) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.absent || addr != s.addr {
		return fmt.Errorf("%w 0x%02X", ErrNoDevice, addr)
	}
	return nil
}

func (s *Sim) ReadRegister(ctx context.Context, addr, reg uint8, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, addr); err != nil {
		return err
	}

	on := s.regs[RegControl]&ctrlOutputOn != 0
	switch reg {
	case RegVoltageRead:
		if on {
			copy(s.regs[RegVoltageRead:], s.regs[RegVoltageSet:RegVoltageSet+2])
		} else {
			s.regs[RegVoltageRead], s.regs[RegVoltageRead+1] = 0, 0
		}
	case RegCurrentRead:
		if on {
			set := uint16(s.regs[RegCurrentSet]) | uint16(s.regs[RegCurrentSet+1])<<8
			drawn := uint16(float64(set) * s.Load)
			s.regs[RegCurrentRead], s.regs[RegCurrentRead+1] = byte(drawn), byte(drawn>>8)
		} else {
			s.regs[RegCurrentRead], s.regs[RegCurrentRead+1] = 0, 0
		}
	case RegTemperature:
		s.regs[RegTemperature] = s.Temperature
	}

	if int(reg)+len(buf) > len(s.regs) {
		return ErrShortRead
	}
	copy(buf, s.regs[reg:])
	return nil
}

func (s *Sim) WriteRegister(ctx context.Context, addr, reg uint8, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx, addr); err != nil {
		return err
	}
	s.writes = append(s.writes, Write{Reg: reg, Data: append([]byte(nil), data...)})

	switch reg {
	case RegVoltageSet, RegCurrentSet:
		copy(s.pending[reg-RegVoltageSet:], data)
	case RegControl:
		if len(data) == 0 {
			return nil
		}
		if data[0] == CtrlCommit {
			copy(s.regs[RegVoltageSet:], s.pending[:])
		}
		s.regs[RegControl] = data[0]
	default:
		copy(s.regs[reg:], data)
	}
	return nil
}
