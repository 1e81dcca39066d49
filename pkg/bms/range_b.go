// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "github.com/Thermoquad/packwatch/pkg/canbus"

// Hyperdrive 500 frames. All multi-byte fields are little-endian.

const currentAbsent uint16 = 0xFFFF

// The legacy status page predates the cell page and is never trusted for
// cell voltages.
func decodeJ1939LegacyStatus(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.Faulted = f.Data[0] != 0
	s.State = f.Data[1]
}

func decodeJ1939Cells(d *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.State = f.Data[0]
	s.FaultBits = f.Data[1]
	s.Faulted = f.Data[1] != 0
	d.setCell(&s.HighCell, millivolts(f.LE16(4)))
	d.setCell(&s.LowCell, millivolts(f.LE16(6)))
}

func decodeJ1939Pack(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.PackVoltage = decivolts(f.LE16(0))
	s.SOC = f.Data[2]
	if f.Has(6) {
		if raw := f.LE16(4); raw != currentAbsent {
			s.CurrentDA = int16(raw)
		}
	}
}

func decodeJ1939Temps(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.TempHigh = deciCelsius(f.LE16(0))
	s.TempLow = deciCelsius(f.LE16(2))
}

// The error announce page is sent by 400s packs too, so it carries no
// classification evidence.
func decodeJ1939Error(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.ErrorClass = f.Data[0]
	s.ErrorCode = f.Data[2]
}

func decodeJ1939Identity(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.Serial = f.LE32(0)
	s.Firmware = uint32(f.LE16(4))
}

func decodeJ1939Fan(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.FanRPM = f.LE16(0)
}

func decodeJ1939LegacySOC(_ *Decoder, f canbus.Frame, s *Snapshot, _ *DetectState) {
	s.SOC = f.Data[0]
}
