// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// RecoveryClass says whether a pack can be brought back by charging
type RecoveryClass uint8

const (
	RecoveryUnknown RecoveryClass = iota
	RecoveryNotRecoverable
	RecoveryRecoverable
	RecoveryOperational
)

func (c RecoveryClass) String() string {
	switch c {
	case RecoveryNotRecoverable:
		return "Not Recoverable"
	case RecoveryRecoverable:
		return "Recoverable"
	case RecoveryOperational:
		return "Operational"
	default:
		return "Unknown"
	}
}

// Color returns the RGB565 color of the class label
func (c RecoveryClass) Color() uint16 {
	switch c {
	case RecoveryNotRecoverable:
		return ColorRed
	case RecoveryRecoverable:
		return ColorAmber
	case RecoveryOperational:
		return ColorGreen
	default:
		return ColorGrey
	}
}

// RecoveryUpperCell is the highest cell voltage still inside the recovery
// window for every family
const RecoveryUpperCell = 3.8

// RecoveryInput is the subset of a snapshot the classification looks at
type RecoveryInput struct {
	Family    Family
	LowCell   float64
	HighCell  float64
	ErrorCode uint8
	// Simulated marks traffic from a bench simulator, which is never judged
	Simulated bool
}

// RecoveryResult is the outcome of ClassifyRecovery
type RecoveryResult struct {
	Class  RecoveryClass
	Reason string
}

// Label returns the class name
func (r RecoveryResult) Label() string {
	return r.Class.String()
}

// Color returns the class color
func (r RecoveryResult) Color() uint16 {
	return r.Class.Color()
}

// recoveryLowCell is the lowest minimum cell voltage a family may show and
// still be charged back
func recoveryLowCell(f Family) float64 {
	switch f {
	case FamilyCP6:
		return 2.0
	case FamilyBMZ5:
		return 2.5
	case FamilyHyperdrive5:
		return 2.8
	case FamilySteatite4, FamilyDualZone4:
		return 2.5
	case FamilyHyperdrive4:
		return 2.7
	default:
		return 0
	}
}

// Error codes that mean the pack must not be charged back. The 400s have no
// such codes and rely on the voltage window alone.
var unrecoverableCodes = map[Family]map[uint8]bool{
	FamilyCP6: codeSet(0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0A,
		0x0C, 0x0D, 0x11, 0x12, 0x25, 0x30),
	FamilyBMZ5: codeSet(
		0x01,       // over-voltage
		0x0C,       // deep discharge
		0x05, 0x34, // over-temperature
		0x06, 0x32, // under-temperature
		0x08,       // PCB over-temperature
		0x2F,       // cell temperature gap
		0x0A,       // too unbalanced
		0x21,       // voltage sum mismatch or broken chain
		0x11, 0x12, // thermistor
		0x19,       // CAN error while charging
	),
	FamilyHyperdrive5: codeSet(
		0x01,             // high cell voltage
		0x02, 0x0C,       // deep discharge
		0x05, 0x06,       // cell temperature
		0x07, 0x08,       // fuse and PCB temperature
		0x09,             // charge mismatch
		0x0D,             // welded contactor
		0x20,             // discharge short circuit
		0x21, 0x22,       // BMS hardware
	),
}

func codeSet(codes ...uint8) map[uint8]bool {
	m := make(map[uint8]bool, len(codes))
	for _, c := range codes {
		m[c] = true
	}
	return m
}

// Unrecoverable reports whether code is on the family's not-recoverable list
func Unrecoverable(f Family, code uint8) bool {
	if code == 0 {
		return false
	}
	return unrecoverableCodes[f][code]
}

// ClassifyRecovery decides whether a pack can be charged back from its cell
// extremes and last error code
func ClassifyRecovery(in RecoveryInput) RecoveryResult {
	if in.Simulated {
		return RecoveryResult{Class: RecoveryUnknown, Reason: "BMS SIM active"}
	}
	if in.Family == FamilyUnknown || in.LowCell <= 0.01 || in.HighCell <= 0.01 {
		return RecoveryResult{Class: RecoveryUnknown, Reason: "type/V missing"}
	}

	if Unrecoverable(in.Family, in.ErrorCode) {
		return RecoveryResult{
			Class:  RecoveryNotRecoverable,
			Reason: fmt.Sprintf("NR error 0x%02X", in.ErrorCode),
		}
	}

	low := recoveryLowCell(in.Family)
	if low <= 0 {
		return RecoveryResult{Class: RecoveryUnknown, Reason: "unknown family"}
	}

	switch {
	case in.LowCell >= low && in.HighCell <= RecoveryUpperCell:
		return RecoveryResult{
			Class:  RecoveryRecoverable,
			Reason: fmt.Sprintf("min>=%.1f & max<=3.8", low),
		}
	case in.HighCell > RecoveryUpperCell:
		return RecoveryResult{Class: RecoveryOperational, Reason: "max>3.8"}
	case in.LowCell < low:
		return RecoveryResult{Class: RecoveryNotRecoverable, Reason: fmt.Sprintf("min<%.1f", low)}
	default:
		return RecoveryResult{Class: RecoveryNotRecoverable, Reason: "out of window"}
	}
}
