// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

// AnomalyType classifies a suspicious frame
type AnomalyType int

const (
	AnomalyUnknownID AnomalyType = iota
	AnomalyStandardID
	AnomalyShortFrame
	AnomalyImplausibleCell
	AnomalyImplausibleTemp
	AnomalyDecodeError
)

func (a AnomalyType) String() string {
	switch a {
	case AnomalyUnknownID:
		return "unknown identifier"
	case AnomalyStandardID:
		return "standard identifier"
	case AnomalyShortFrame:
		return "short frame"
	case AnomalyImplausibleCell:
		return "implausible cell voltage"
	case AnomalyImplausibleTemp:
		return "implausible temperature"
	case AnomalyDecodeError:
		return "decode error"
	default:
		return "unknown"
	}
}

// Anomaly describes one problem found in a frame
type Anomaly struct {
	Type    AnomalyType
	Message string
}

func (a Anomaly) Error() string {
	return a.Message
}

// Temperatures outside this range are treated as sensor garbage
const (
	minPlausibleTemp = -40.0
	maxPlausibleTemp = 120.0
)

// CheckFrame looks for anomalies a decoder would silently discard. Paged
// frames are checked in Hyperdrive units.
func (d *Decoder) CheckFrame(f canbus.Frame) []Anomaly {
	if !f.Extended {
		return []Anomaly{{AnomalyStandardID, fmt.Sprintf("standard identifier 0x%03X", f.ID)}}
	}
	if err := f.Validate(); err != nil {
		return []Anomaly{{AnomalyDecodeError, err.Error()}}
	}
	kind, _ := IdentifyFrame(f.ID)
	if kind == KindUnknown {
		return []Anomaly{{AnomalyUnknownID, fmt.Sprintf("identifier 0x%08X not in any battery range", f.ID)}}
	}
	if minLen := frameHandlers[kind].minLen; !f.Has(int(minLen)) {
		return []Anomaly{{AnomalyShortFrame, fmt.Sprintf("%s: %d bytes, need %d", kind, f.Len, minLen)}}
	}

	var anomalies []Anomaly
	cells := func(hi, lo float64) {
		for _, v := range []float64{hi, lo} {
			if v < d.cfg.CellMin || v > d.cfg.CellMax {
				anomalies = append(anomalies, Anomaly{AnomalyImplausibleCell,
					fmt.Sprintf("%s: cell %.3fV outside [%.1f, %.1f]", kind, v, d.cfg.CellMin, d.cfg.CellMax)})
			}
		}
	}
	temps := func(hi, lo float64) {
		for _, v := range []float64{hi, lo} {
			if v < minPlausibleTemp || v > maxPlausibleTemp {
				anomalies = append(anomalies, Anomaly{AnomalyImplausibleTemp,
					fmt.Sprintf("%s: temperature %.1f°C outside [%.0f, %.0f]", kind, v, minPlausibleTemp, maxPlausibleTemp)})
			}
		}
	}

	switch kind {
	case KindJ1939Cells:
		cells(millivolts(f.LE16(4)), millivolts(f.LE16(6)))
	case KindPageStatusA:
		cells(millivolts(f.BE16(0)), millivolts(f.BE16(2)))
	case KindExtCells:
		cells(millivolts(f.BE16(0)), millivolts(f.BE16(2)))
	case KindJ1939Temps:
		temps(deciCelsius(f.LE16(0)), deciCelsius(f.LE16(2)))
	case KindExtTemps:
		temps(deciCelsius(f.BE16(0)), deciCelsius(f.BE16(2)))
	}
	return anomalies
}
