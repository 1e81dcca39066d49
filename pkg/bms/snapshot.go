// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// Snapshot is the unified telemetry view of the attached pack. The zero value
// is the "nothing decoded" state.
type Snapshot struct {
	Serial     uint32
	Firmware   uint32
	Family     Family
	State      uint8
	Faulted    bool
	FaultBits  uint8
	ErrorClass uint8
	ErrorCode  uint8

	PackVoltage float64 // V
	HighCell    float64 // V
	LowCell     float64 // V
	SOC         uint8   // %
	TempHigh    float64 // °C
	TempLow     float64 // °C
	FanRPM      uint16
	CurrentDA   int16 // deci-amps, positive is charge
}

// Reset zeroes every field
func (s *Snapshot) Reset() {
	*s = Snapshot{}
}

// HasCells reports whether both cell extremes have been decoded
func (s *Snapshot) HasCells() bool {
	return s.HighCell > 0 && s.LowCell > 0
}

// AverageCell returns the mean of the high and low cell voltages
func (s *Snapshot) AverageCell() float64 {
	if !s.HasCells() {
		return 0
	}
	return (s.HighCell + s.LowCell) / 2
}

// Current returns the pack current in amps
func (s *Snapshot) Current() float64 {
	return float64(s.CurrentDA) / 10
}

// MaxTemp returns the hotter of the two temperature readings
func (s *Snapshot) MaxTemp() float64 {
	return max(s.TempHigh, s.TempLow)
}

// Fault classifies the snapshot's raw fault fields for its family
func (s *Snapshot) Fault() FaultResult {
	return ClassifyFault(s.Family, FaultInput{
		Bits:  s.FaultBits,
		Class: s.ErrorClass,
		Code:  s.ErrorCode,
	})
}

// Recovery classifies whether the pack can be brought back by charging
func (s *Snapshot) Recovery() RecoveryResult {
	return ClassifyRecovery(RecoveryInput{
		Family:    s.Family,
		LowCell:   s.LowCell,
		HighCell:  s.HighCell,
		ErrorCode: s.ErrorCode,
	})
}

// Chargeable reports whether the snapshot carries neither a fault flag nor an
// error class
func (s *Snapshot) Chargeable() bool {
	return !s.Faulted && s.ErrorClass == 0
}

// StateText returns the BMS operating state name
func StateText(state uint8) string {
	switch state {
	case 0:
		return "Idle"
	case 1:
		return "Charge"
	case 2:
		return "Discharge"
	default:
		return "Unknown"
	}
}

// SerialText formats the serial number the way the detail page shows it
func (s *Snapshot) SerialText() string {
	if s.Serial == 0 {
		return "-"
	}
	return fmt.Sprintf("%08X", s.Serial)
}

// FirmwareText formats the firmware version as major.minor.patch when it fits
// in 16 bits, else as raw hex
func (s *Snapshot) FirmwareText() string {
	switch {
	case s.Firmware == 0:
		return "-"
	case s.Firmware <= 0xFFFF:
		return fmt.Sprintf("%d.%d.%d", s.Firmware>>8, (s.Firmware>>4)&0x0F, s.Firmware&0x0F)
	default:
		return fmt.Sprintf("0x%08X", s.Firmware)
	}
}
