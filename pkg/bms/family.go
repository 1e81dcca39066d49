// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bms decodes battery management traffic from a CAN bus into a single
// telemetry snapshot.
//
// Six battery families share three identifier ranges. The decoder infers which
// family is attached from the traffic itself: range membership gives a
// provisional answer, family-exclusive frames and parameter tags lock it, a
// signature vote settles the shared extended range, and the ratio of pack
// voltage to cell voltage reclassifies packs that never send a strong frame.
package bms

import (
	"fmt"
	"strconv"
	"strings"
)

// Family is the battery identity code carried in the snapshot
type Family uint16

const (
	FamilyUnknown     Family = 0x0000
	FamilyHyperdrive4 Family = 0x0400 // Hyperdrive 400, 16 cells
	FamilyDualZone4   Family = 0x0401 // CP400 dual-zone, 14 cells
	FamilySteatite4   Family = 0x0402 // CP400 chill (steatite), 14 cells
	FamilyHyperdrive5 Family = 0x0500
	FamilyBMZ5        Family = 0x0501
	FamilyCP6         Family = 0x0600
)

// Range is the identifier range a family speaks on
type Range uint8

const (
	RangeNone Range = iota
	RangeA          // 0x18xx08NN / 0x18xx0ANN paged frames
	RangeB          // 0x18FFxxxx J1939-style frames
	RangeC          // 0x100000xx shared extended frames
)

func (r Range) String() string {
	switch r {
	case RangeA:
		return "A"
	case RangeB:
		return "B"
	case RangeC:
		return "C"
	default:
		return "-"
	}
}

// RGB565 label colors
const (
	ColorGreen  uint16 = 0x07E0
	ColorYellow uint16 = 0xFFE0
	ColorBlue   uint16 = 0x03FF
	ColorRed    uint16 = 0xF800
	ColorAmber  uint16 = 0xFD20
	ColorGrey   uint16 = 0xC618
)

// Families lists every known family in identity-code order
func Families() []Family {
	return []Family{
		FamilyHyperdrive4,
		FamilyDualZone4,
		FamilySteatite4,
		FamilyHyperdrive5,
		FamilyBMZ5,
		FamilyCP6,
	}
}

// String returns the family's short name
func (f Family) String() string {
	switch f {
	case FamilyHyperdrive4:
		return "HYP400"
	case FamilyDualZone4:
		return "CP400(dual)"
	case FamilySteatite4:
		return "CP400(chill)"
	case FamilyHyperdrive5:
		return "HYP500"
	case FamilyBMZ5:
		return "BMZ500"
	case FamilyCP6:
		return "CP600"
	case FamilyUnknown:
		return "Unknown"
	default:
		return fmt.Sprintf("Family(0x%04X)", uint16(f))
	}
}

// Known reports whether f is one of the six decoded families
func (f Family) Known() bool {
	return f.Range() != RangeNone
}

// Range returns the identifier range the family speaks on
func (f Family) Range() Range {
	switch f {
	case FamilyHyperdrive4, FamilyDualZone4, FamilySteatite4:
		return RangeA
	case FamilyHyperdrive5:
		return RangeB
	case FamilyBMZ5, FamilyCP6:
		return RangeC
	default:
		return RangeNone
	}
}

// Label returns the product-line label shown on the summary page
func (f Family) Label() string {
	switch f.Range() {
	case RangeA:
		return "400s"
	case RangeB, RangeC:
		if f == FamilyCP6 {
			return "600s"
		}
		return "500s"
	default:
		return "Unknown"
	}
}

// Color returns the RGB565 color of the family label
func (f Family) Color() uint16 {
	switch f.Label() {
	case "400s":
		return ColorGreen
	case "500s":
		return ColorYellow
	case "600s":
		return ColorBlue
	default:
		return ColorRed
	}
}

// ParseFamily accepts a family name ("HYP400", "steatite", "cp600") or an
// identity code ("0x0402", "1026")
func ParseFamily(s string) (Family, error) {
	key := strings.ToLower(strings.TrimSpace(s))
	switch key {
	case "hyp400", "hyperdrive400", "hyperdrive4":
		return FamilyHyperdrive4, nil
	case "dualzone", "dualzone400", "cp400dual", "cp400(dual)":
		return FamilyDualZone4, nil
	case "steatite", "steatite400", "cp400chill", "cp400(chill)":
		return FamilySteatite4, nil
	case "hyp500", "hyperdrive500", "hyperdrive5":
		return FamilyHyperdrive5, nil
	case "bmz500", "bmz":
		return FamilyBMZ5, nil
	case "cp600", "600":
		return FamilyCP6, nil
	}

	code, err := strconv.ParseUint(key, 0, 16)
	if err != nil {
		return FamilyUnknown, fmt.Errorf("unknown battery family %q", s)
	}
	f := Family(code)
	if !f.Known() {
		return FamilyUnknown, fmt.Errorf("unknown battery family code 0x%04X", code)
	}
	return f, nil
}
