// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

// FormatFrame formats a received frame into a human-readable block
func FormatFrame(m canbus.Message) string {
	f := m.Frame
	timestamp := m.Timestamp.Format("15:04:05.000")
	kind, node := IdentifyFrame(f.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s (0x%08X) len=%d", timestamp, strings.ToUpper(kind.String()), f.ID, f.Len)
	if kind.Range() == RangeA {
		fmt.Fprintf(&b, " node=%d", node)
	}
	b.WriteString("\n")
	if f.Len > 0 {
		fmt.Fprintf(&b, "  Data: % X\n", f.Payload())
	}
	b.WriteString(FormatPayload(kind, f))
	return b.String()
}

// FormatPayload describes the fields of a recognized frame. Paged frames are
// shown in Hyperdrive units since the variant is not known from one frame.
func FormatPayload(kind FrameKind, f canbus.Frame) string {
	if !f.Has(int(frameHandlers[kind].minLen)) {
		return fmt.Sprintf("  (short frame, %d of %d bytes)\n", f.Len, frameHandlers[kind].minLen)
	}

	switch kind {
	case KindJ1939LegacyStatus:
		return fmt.Sprintf("  Fault: 0x%02X, State: %s\n", f.Data[0], StateText(f.Data[1]))
	case KindJ1939Cells:
		return fmt.Sprintf("  State: %s, HW fault: 0x%02X, High: %.3fV, Low: %.3fV\n",
			StateText(f.Data[0]), f.Data[1], millivolts(f.LE16(4)), millivolts(f.LE16(6)))
	case KindJ1939Pack:
		return fmt.Sprintf("  Pack: %.1fV, SOC: %d%%\n", decivolts(f.LE16(0)), f.Data[2])
	case KindJ1939Temps:
		return fmt.Sprintf("  High: %.1f°C, Low: %.1f°C\n", deciCelsius(f.LE16(0)), deciCelsius(f.LE16(2)))
	case KindJ1939Error, KindExtError:
		return fmt.Sprintf("  Class: 0x%02X, Code: 0x%02X\n", f.Data[0], f.Data[2])
	case KindJ1939Identity:
		return fmt.Sprintf("  Serial: %08X, Firmware: 0x%04X\n", f.LE32(0), f.LE16(4))
	case KindJ1939Fan:
		return fmt.Sprintf("  Fan: %d rpm\n", f.LE16(0))
	case KindJ1939LegacySOC:
		return fmt.Sprintf("  SOC: %d%%\n", f.Data[0])

	case KindPageStatusA:
		return fmt.Sprintf("  High: %.3fV, Low: %.3fV, Error: 0x%02X\n",
			millivolts(f.BE16(0)), millivolts(f.BE16(2)), f.Data[4])
	case KindPageStatusB:
		return fmt.Sprintf("  Pack: %.1fV, SOC: %d%%\n", decivolts(f.BE16(0)), f.Data[5])
	case KindPageStatusC:
		return fmt.Sprintf("  State: %s, Master: 0x%02X, Flags: 0x%02X\n", StateText(f.Data[0]), f.Data[4], f.Data[5])
	case KindPageTemps:
		return fmt.Sprintf("  High: %.1f°C, Low: %.1f°C\n", deciCelsius(f.BE16(0)), deciCelsius(f.BE16(2)))
	case KindPageParams:
		return fmt.Sprintf("  Tag: 0x%04X\n", pageTag(f))

	case KindExtPackStatus:
		s := fmt.Sprintf("  Pack: %.1fV, Current: %.1fA, State: %s, Fault: 0x%02X",
			decivolts(f.BE16(0)), float64(int16(f.BE16(2)))/10, StateText(f.Data[4]), f.Data[5])
		if f.Has(8) {
			if fam, ok := signature(f); ok {
				s += ", Signature: " + fam.String()
			}
		}
		return s + "\n"
	case KindExtIdentity:
		return fmt.Sprintf("  Serial: %08X\n", f.BE32(0))
	case KindExtCells:
		return fmt.Sprintf("  High: %.3fV, Low: %.3fV\n", millivolts(f.BE16(0)), millivolts(f.BE16(2)))
	case KindExtTemps:
		return fmt.Sprintf("  High: %.1f°C, Low: %.1f°C\n", deciCelsius(f.BE16(0)), deciCelsius(f.BE16(2)))
	}

	if fam, ok := kind.Exclusive(); ok {
		return fmt.Sprintf("  (%s only)\n", fam)
	}
	return ""
}

// FormatSnapshot renders the snapshot as a multi-line report
func FormatSnapshot(s Snapshot) string {
	fault := s.Fault()
	rec := s.Recovery()
	return fmt.Sprintf(`Battery: %s (%s, 0x%04X)
  Serial:   %s  Firmware: %s
  Pack:     %.2fV  %.1fA  SOC %d%%
  Cells:    high %.3fV  low %.3fV  avg %.3fV
  Temps:    high %.1f°C  low %.1f°C
  Fan:      %d rpm
  State:    %s
  Fault:    %s [%s] %s
  Recovery: %s (%s)
`,
		s.Family, s.Family.Label(), uint16(s.Family),
		s.SerialText(), s.FirmwareText(),
		s.PackVoltage, s.Current(), s.SOC,
		s.HighCell, s.LowCell, s.AverageCell(),
		s.TempHigh, s.TempLow,
		s.FanRPM,
		StateText(s.State),
		fault.Severity, fault.Domains, fault.Reason,
		rec.Label(), rec.Reason,
	)
}
