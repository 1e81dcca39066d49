// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "github.com/Thermoquad/packwatch/pkg/canbus"

// Shared extended frames (CP600 and BMZ500), big-endian

func decodeExtError(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.ErrorClass = f.Data[0]
	s.ErrorCode = f.Data[2]
}

func decodeExtPackStatus(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.PackVoltage = decivolts(f.BE16(0))
	s.CurrentDA = int16(f.BE16(2))
	s.State = f.Data[4]
	s.FaultBits = f.Data[5]
	s.Faulted = f.Data[5] != 0
}

// CP600 uses this page for charge permission, not SOC
func decodeExtChargeParams(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if det.Family != FamilyCP6 {
		s.SOC = f.Data[3]
	}
}

func decodeExtFan(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	if raw := f.BE16(0); raw != 0xFFFF {
		s.FanRPM = raw
	}
}

func decodeExtIdentity(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.Serial = f.BE32(0)
	switch {
	case f.Has(8):
		s.Firmware = f.BE32(4)
	case f.Has(6):
		s.Firmware = uint32(f.BE16(4))
	}
}

func decodeExtCells(d *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	d.setCell(&s.HighCell, millivolts(f.BE16(0)))
	d.setCell(&s.LowCell, millivolts(f.BE16(2)))
}

func decodeExtTemps(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.TempHigh = deciCelsius(f.BE16(0))
	s.TempLow = deciCelsius(f.BE16(2))
}
