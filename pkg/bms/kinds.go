// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// FrameKind is the closed set of frames the decoder understands
type FrameKind uint8

const (
	KindUnknown FrameKind = iota

	// Range B, 0x18FFxxxx, little-endian
	KindJ1939LegacyStatus // 0x18FF03xx fault + state, never authoritative for cells
	KindJ1939Cells        // 0x18FF06xx state, hw fault byte, high/low cell
	KindJ1939Pack         // 0x18FF07xx pack voltage, SOC, current
	KindJ1939Temps        // 0x18FF08xx high/low temperature
	KindJ1939Error        // 0x18FF0Exx error class and code
	KindJ1939CurrentLimit // 0x18FF19xx
	KindJ1939Identity     // 0x18FF40xx serial, firmware
	KindJ1939Fan          // 0x18FF50xx
	KindJ1939LegacySOC    // 0x18FFE0xx

	// Range A, 0x18xx08NN and 0x18xx0ANN, big-endian, NN is the node
	KindPageCells1  // 0x1800 cells 1-4
	KindPageCells2  // 0x1801 cells 5-6, max, min
	KindPagePack    // 0x1803
	KindPageStatusA // 0x1806 cell extremes, error code
	KindPageStatusB // 0x1807 pack voltage, SOC
	KindPageStatusC // 0x1808 state, flags
	KindPageTemps   // 0x180C
	KindPageParams  // 0x1804 parameter page, variant tag in the tail

	// Range C, 0x100000xx, big-endian
	KindExtError        // 0x000
	KindExtPackStatus   // 0x010 signature frame
	KindExtPower        // 0x011
	KindExtChargeParams // 0x020
	KindExtCounters     // 0x050 BMZ only
	KindExtFan          // 0x080 BMZ only
	KindExtIdentity     // 0x090
	KindExtIdentity2    // 0x091
	KindExtVendor       // 0x0A0 BMZ only
	KindExtCells        // 0x100
	KindExtTemps        // 0x110

	numFrameKinds
)

var kindNames = [numFrameKinds]string{
	KindUnknown:           "unknown",
	KindJ1939LegacyStatus: "j1939-legacy-status",
	KindJ1939Cells:        "j1939-cells",
	KindJ1939Pack:         "j1939-pack",
	KindJ1939Temps:        "j1939-temps",
	KindJ1939Error:        "j1939-error",
	KindJ1939CurrentLimit: "j1939-current-limit",
	KindJ1939Identity:     "j1939-identity",
	KindJ1939Fan:          "j1939-fan",
	KindJ1939LegacySOC:    "j1939-legacy-soc",
	KindPageCells1:        "page-cells-1",
	KindPageCells2:        "page-cells-2",
	KindPagePack:          "page-pack",
	KindPageStatusA:       "page-status-a",
	KindPageStatusB:       "page-status-b",
	KindPageStatusC:       "page-status-c",
	KindPageTemps:         "page-temps",
	KindPageParams:        "page-params",
	KindExtError:          "ext-error",
	KindExtPackStatus:     "ext-pack-status",
	KindExtPower:          "ext-power",
	KindExtChargeParams:   "ext-charge-params",
	KindExtCounters:       "ext-counters",
	KindExtFan:            "ext-fan",
	KindExtIdentity:       "ext-identity",
	KindExtIdentity2:      "ext-identity-2",
	KindExtVendor:         "ext-vendor",
	KindExtCells:          "ext-cells",
	KindExtTemps:          "ext-temps",
}

func (k FrameKind) String() string {
	if k < numFrameKinds {
		return kindNames[k]
	}
	return fmt.Sprintf("FrameKind(%d)", uint8(k))
}

// FrameKinds lists every recognized kind, excluding KindUnknown
func FrameKinds() []FrameKind {
	kinds := make([]FrameKind, 0, numFrameKinds-1)
	for k := KindUnknown + 1; k < numFrameKinds; k++ {
		kinds = append(kinds, k)
	}
	return kinds
}

// Range returns the identifier range the kind belongs to
func (k FrameKind) Range() Range {
	switch {
	case k >= KindJ1939LegacyStatus && k <= KindJ1939LegacySOC:
		return RangeB
	case k >= KindPageCells1 && k <= KindPageParams:
		return RangeA
	case k >= KindExtError && k <= KindExtTemps:
		return RangeC
	default:
		return RangeNone
	}
}

// Exclusive returns the family that alone sends this kind, if any
func (k FrameKind) Exclusive() (Family, bool) {
	switch k {
	case KindJ1939Cells:
		return FamilyHyperdrive5, true
	case KindExtCounters, KindExtFan, KindExtVendor:
		return FamilyBMZ5, true
	default:
		return FamilyUnknown, false
	}
}

const (
	rangeBMask   uint32 = 0xFFFF0000
	rangeBPrefix uint32 = 0x18FF0000
	rangeCMask   uint32 = 0xFFFFF000
	rangeCPrefix uint32 = 0x10000000
	rangeAMask   uint32 = 0xFF00FF00
	rangeAStatus uint32 = 0x18000800
	rangeAParams uint32 = 0x18000A00
)

// IdentifyFrame maps an extended identifier to its kind. The node byte of
// range A identifiers is returned separately. Range B is checked first since
// its identifiers also fit the range A pattern.
func IdentifyFrame(id uint32) (kind FrameKind, node uint8) {
	if id&rangeBMask == rangeBPrefix {
		switch (id >> 8) & 0xFF {
		case 0x03:
			return KindJ1939LegacyStatus, 0
		case 0x06:
			return KindJ1939Cells, 0
		case 0x07:
			return KindJ1939Pack, 0
		case 0x08:
			return KindJ1939Temps, 0
		case 0x0E:
			return KindJ1939Error, 0
		case 0x19:
			return KindJ1939CurrentLimit, 0
		case 0x40:
			return KindJ1939Identity, 0
		case 0x50:
			return KindJ1939Fan, 0
		case 0xE0:
			return KindJ1939LegacySOC, 0
		}
		return KindUnknown, 0
	}

	if id&rangeCMask == rangeCPrefix {
		switch id & 0xFFF {
		case 0x000:
			return KindExtError, 0
		case 0x010:
			return KindExtPackStatus, 0
		case 0x011:
			return KindExtPower, 0
		case 0x020:
			return KindExtChargeParams, 0
		case 0x050:
			return KindExtCounters, 0
		case 0x080:
			return KindExtFan, 0
		case 0x090:
			return KindExtIdentity, 0
		case 0x091:
			return KindExtIdentity2, 0
		case 0x0A0:
			return KindExtVendor, 0
		case 0x100:
			return KindExtCells, 0
		case 0x110:
			return KindExtTemps, 0
		}
		return KindUnknown, 0
	}

	node = uint8(id)
	page := (id >> 16) & 0xFF
	switch id & rangeAMask {
	case rangeAStatus:
		switch page {
		case 0x00:
			return KindPageCells1, node
		case 0x01:
			return KindPageCells2, node
		case 0x03:
			return KindPagePack, node
		case 0x06:
			return KindPageStatusA, node
		case 0x07:
			return KindPageStatusB, node
		case 0x08:
			return KindPageStatusC, node
		case 0x0C:
			return KindPageTemps, node
		}
	case rangeAParams:
		if page == 0x04 {
			return KindPageParams, node
		}
	}
	return KindUnknown, 0
}
