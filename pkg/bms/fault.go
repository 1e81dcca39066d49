// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"strings"
)

// Severity ranks a decoded fault condition
type Severity uint8

const (
	SeverityNone Severity = iota
	SeverityWarning
	SeverityFault
	SeverityPermanent
	SeverityHardware
	SeverityFatal
)

var severityNames = [...]string{
	SeverityNone:      "None",
	SeverityWarning:   "Warning",
	SeverityFault:     "Fault",
	SeverityPermanent: "Permanent Fault",
	SeverityHardware:  "Hardware Fault",
	SeverityFatal:     "Fatal",
}

func (s Severity) String() string {
	if int(s) < len(severityNames) {
		return severityNames[s]
	}
	return "Unknown"
}

// Domain is a bitmask of the subsystems a fault touches
type Domain uint8

const (
	DomainPack    Domain = 0x01
	DomainHWComm  Domain = 0x02
	DomainTemp    Domain = 0x04
	DomainVolt    Domain = 0x08
	DomainCurrent Domain = 0x10
	DomainBalance Domain = 0x20
	DomainNode    Domain = 0x40
	DomainOther   Domain = 0x80
)

var domainNames = []struct {
	d    Domain
	name string
}{
	{DomainPack, "PACK"},
	{DomainHWComm, "HWCOMM"},
	{DomainTemp, "TEMP"},
	{DomainVolt, "VOLT"},
	{DomainCurrent, "CURR"},
	{DomainBalance, "BAL"},
	{DomainNode, "NODE"},
	{DomainOther, "OTHER"},
}

// Has reports whether every domain in o is set
func (d Domain) Has(o Domain) bool {
	return d&o == o
}

func (d Domain) String() string {
	if d == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range domainNames {
		if d&n.d != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// FaultInput carries the raw fault fields of a snapshot. Bits is the family's
// fault or flag byte, Class the error class (the master code on CP400) and
// Code the last error code.
type FaultInput struct {
	Bits  uint8
	Class uint8
	Code  uint8
}

// FaultResult is the family-independent view of a fault condition
type FaultResult struct {
	Severity Severity
	Domains  Domain
	Reason   string
}

// Active reports whether any condition triggered
func (r FaultResult) Active() bool {
	return r.Severity != SeverityNone || r.Domains != 0
}

type faultBit struct {
	mask     uint8
	reason   string
	domain   Domain
	severity Severity
}

var packFaultBits = []faultBit{
	{0x01, "Charger current > demand", DomainCurrent, SeverityWarning},
	{0x02, "Discharge overcurrent", DomainCurrent, SeverityFault},
	{0x04, "Under-voltage", DomainVolt, SeverityFault},
	{0x08, "Over-voltage", DomainVolt, SeverityFault},
	{0x10, "Over-temperature", DomainTemp, SeverityFault},
	{0x20, "Under-temperature", DomainTemp, SeverityFault},
	{0x40, "General BMS fault", DomainOther, SeverityHardware},
	{0x80, "Voltage imbalance", DomainBalance, SeverityWarning},
}

var hyperdrive5HWBits = []faultBit{
	{0x01, "I2C ch1 error", DomainHWComm, SeverityHardware},
	{0x02, "I2C ch2 error", DomainHWComm, SeverityHardware},
	{0x04, "CAN bus error", DomainHWComm, SeverityHardware},
	{0x08, "SPI error", DomainHWComm, SeverityHardware},
}

var hyperdrive4Flags = []faultBit{
	{0x01, "BMS fault", DomainOther, SeverityWarning},
	{0x02, "Cell undervoltage", DomainVolt, SeverityFault},
	{0x04, "Cell overvoltage", DomainVolt, SeverityFault},
	{0x08, "Discharge overcurrent", DomainCurrent, SeverityFault},
	{0x10, "Charge overcurrent", DomainCurrent, SeverityFault},
	{0x20, "Pack unbalanced", DomainBalance, SeverityWarning},
	{0x40, "Node missing", DomainNode, SeverityWarning},
	{0x80, "BMS hardware fault", DomainOther, SeverityHardware},
}

var cp400Flags = []faultBit{
	{0x01, "Under-voltage", DomainVolt, SeverityFault},
	{0x02, "Over-voltage", DomainVolt, SeverityFault},
	{0x04, "Over-temperature", DomainTemp, SeverityFault},
	{0x08, "Under-temperature", DomainTemp, SeverityFault},
	{0x10, "Discharge overcurrent", DomainCurrent, SeverityFault},
	{0x20, "Charge overcurrent", DomainCurrent, SeverityFault},
	{0x40, "Thermistor warning", DomainTemp, SeverityWarning},
	{0x80, "Voltage imbalance", DomainBalance, SeverityWarning},
}

// faultBuilder accumulates conditions. Any hardware-class bit pins the bit
// severity to hardware fault; otherwise the worst bit wins.
type faultBuilder struct {
	reasons  []string
	domains  Domain
	worst    Severity
	hardware bool
	base     Severity
}

func (b *faultBuilder) bits(table []faultBit, v uint8) {
	for _, fb := range table {
		if v&fb.mask == 0 {
			continue
		}
		b.reasons = append(b.reasons, fb.reason)
		b.domains |= fb.domain
		b.worst = max(b.worst, fb.severity)
		if fb.severity == SeverityHardware {
			b.hardware = true
		}
	}
}

func (b *faultBuilder) note(reason string) {
	b.reasons = append(b.reasons, reason)
}

func (b *faultBuilder) result() FaultResult {
	sev := b.worst
	if b.hardware {
		sev = SeverityHardware
	}
	sev = max(sev, b.base)

	reason := "None"
	if len(b.reasons) > 0 {
		reason = strings.Join(b.reasons, ", ")
	}
	return FaultResult{Severity: sev, Domains: b.domains, Reason: reason}
}

// codeSeverity maps the generic 0..4 error class scale
func codeSeverity(code uint8) Severity {
	switch code {
	case 0x00:
		return SeverityNone
	case 0x01:
		return SeverityWarning
	case 0x02:
		return SeverityFault
	case 0x03:
		return SeverityPermanent
	case 0x04:
		return SeverityHardware
	default:
		return SeverityFault
	}
}

func hyperdrive5Severity(raw uint8) Severity {
	switch raw {
	case 0xC1:
		return SeverityWarning
	case 0xC2:
		return SeverityFault
	case 0xC3:
		return SeverityFatal
	default:
		return codeSeverity(raw)
	}
}

// ClassifyFault maps a family's raw fault fields to a severity, the affected
// domains and a reason text
func ClassifyFault(family Family, in FaultInput) FaultResult {
	var b faultBuilder

	switch family {
	case FamilyBMZ5, FamilyCP6:
		b.bits(packFaultBits, in.Bits)
		if in.Bits != 0 {
			b.domains |= DomainPack
		}
		if in.Class != 0 {
			b.base = codeSeverity(in.Class)
			b.domains |= DomainOther
			b.note(fmt.Sprintf("Error class 0x%02X, Code: 0x%02X", in.Class, in.Code))
		}

	case FamilyHyperdrive5:
		b.bits(hyperdrive5HWBits, in.Bits)
		if in.Class != 0 || in.Code != 0 {
			b.base = hyperdrive5Severity(in.Class)
			b.note(fmt.Sprintf("Severity: %s (0x%02X), Code: 0x%02X", b.base, in.Class, in.Code))
		}

	case FamilyHyperdrive4:
		b.bits(hyperdrive4Flags, in.Bits)
		if in.Class != 0 {
			b.base = codeSeverity(in.Class)
			b.domains |= DomainOther
			b.note(fmt.Sprintf("Error class 0x%02X, Code: 0x%02X", in.Class, in.Code))
		}

	case FamilyDualZone4, FamilySteatite4:
		b.base = codeSeverity(in.Class)
		if in.Class != 0 {
			b.note(fmt.Sprintf("State: %s (0x%02X)", b.base, in.Class))
		}
		b.bits(cp400Flags, in.Bits)

	default:
		if in.Bits != 0 || in.Class != 0 {
			b.base = SeverityFault
			b.domains |= DomainOther
			b.note(fmt.Sprintf("Unknown family, bits 0x%02X, class 0x%02X", in.Bits, in.Class))
		}
	}

	return b.result()
}
