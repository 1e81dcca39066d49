// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "github.com/Thermoquad/packwatch/pkg/canbus"

// 400s paged frames, big-endian. The Hyperdrive variant reports millivolts,
// decivolts and deci-celsius. The CP400 variants report cells in 1.5 mV steps,
// pack voltage in 12 mV steps and temperatures in deci-kelvin.

func cp400Cell(raw uint16) float64 {
	return float64(raw) * 1.5 / 1000
}

func cp400Pack(raw uint16) float64 {
	return float64(raw) * 12 / 1000
}

func isHyperdrive(det *DetectState) bool {
	return pageVariant(*det) == FamilyHyperdrive4
}

func decodePageCells2(d *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if isHyperdrive(det) {
		d.setCell(&s.HighCell, millivolts(f.BE16(4)))
		d.setCell(&s.LowCell, millivolts(f.BE16(6)))
		return
	}
	d.setCell(&s.HighCell, cp400Cell(f.BE16(4)))
	d.setCell(&s.LowCell, cp400Cell(f.BE16(6)))
}

func decodePagePack(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if isHyperdrive(det) {
		s.PackVoltage = decivolts(f.BE16(0))
		return
	}
	s.PackVoltage = cp400Pack(f.BE16(0))
}

func decodePageStatusA(d *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if isHyperdrive(det) {
		d.setCell(&s.HighCell, millivolts(f.BE16(0)))
		d.setCell(&s.LowCell, millivolts(f.BE16(2)))
		s.ErrorCode = f.Data[4]
		return
	}
	d.setCell(&s.HighCell, cp400Cell(f.BE16(4)))
	d.setCell(&s.LowCell, cp400Cell(f.BE16(6)))
}

func decodePageStatusB(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if isHyperdrive(det) {
		s.PackVoltage = decivolts(f.BE16(0))
		// Older firmware leaves byte 5 empty and reports SOC one byte later
		s.SOC = f.Data[5]
		if s.SOC == 0 {
			s.SOC = f.Data[6]
		}
		return
	}
	s.PackVoltage = cp400Pack(f.BE16(0))
	s.SOC = f.Data[2]
}

func decodePageStatusC(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	s.State = f.Data[0]
	s.FaultBits = f.Data[5]
	s.Faulted = f.Data[5] != 0
	if !isHyperdrive(det) {
		// CP400 master fault code
		s.ErrorClass = f.Data[4]
	}
}

func decodePageTemps(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if isHyperdrive(det) {
		s.TempHigh = deciCelsius(f.BE16(0))
		s.TempLow = deciCelsius(f.BE16(2))
		return
	}
	s.TempHigh = deciKelvin(f.BE16(0))
	s.TempLow = deciKelvin(f.BE16(2))
}

// The Hyperdrive parameter page carries identity ahead of its tag
func decodePageParams(_ *Decoder, f canbus.Frame, s *Snapshot, det *DetectState) {
	if !isHyperdrive(det) || !f.Has(8) {
		return
	}
	s.Serial = f.BE32(0)
	s.Firmware = uint32(f.BE16(4))
}
