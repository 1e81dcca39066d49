// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "testing"

func TestClassifyRecovery(t *testing.T) {
	tests := []struct {
		name   string
		in     RecoveryInput
		class  RecoveryClass
		reason string
	}{
		{"simulator", RecoveryInput{Family: FamilyCP6, LowCell: 3, HighCell: 3, Simulated: true}, RecoveryUnknown, "BMS SIM active"},
		{"no family", RecoveryInput{LowCell: 3, HighCell: 3}, RecoveryUnknown, "type/V missing"},
		{"no cells", RecoveryInput{Family: FamilyCP6}, RecoveryUnknown, "type/V missing"},
		{"unknown family code", RecoveryInput{Family: Family(0x0700), LowCell: 3, HighCell: 3}, RecoveryUnknown, "unknown family"},
		{"nr code", RecoveryInput{Family: FamilyBMZ5, LowCell: 3, HighCell: 3.4, ErrorCode: 0x34}, RecoveryNotRecoverable, "NR error 0x34"},
		{"400s have no nr codes", RecoveryInput{Family: FamilyHyperdrive4, LowCell: 3, HighCell: 3.4, ErrorCode: 0x01}, RecoveryRecoverable, "min>=2.7 & max<=3.8"},
		{"recoverable window", RecoveryInput{Family: FamilyCP6, LowCell: 2.0, HighCell: 3.8}, RecoveryRecoverable, "min>=2.0 & max<=3.8"},
		{"operational", RecoveryInput{Family: FamilyHyperdrive5, LowCell: 3.7, HighCell: 3.9}, RecoveryOperational, "max>3.8"},
		{"deep discharge", RecoveryInput{Family: FamilyHyperdrive5, LowCell: 2.5, HighCell: 3.2}, RecoveryNotRecoverable, "min<2.8"},
		{"steatite threshold", RecoveryInput{Family: FamilySteatite4, LowCell: 2.49, HighCell: 3.0}, RecoveryNotRecoverable, "min<2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyRecovery(tt.in)
			if got.Class != tt.class || got.Reason != tt.reason {
				t.Errorf("got %s %q, want %s %q", got.Class, got.Reason, tt.class, tt.reason)
			}
		})
	}
}

func TestRecoveryColors(t *testing.T) {
	colors := map[RecoveryClass]uint16{
		RecoveryUnknown:        ColorGrey,
		RecoveryNotRecoverable: ColorRed,
		RecoveryRecoverable:    ColorAmber,
		RecoveryOperational:    ColorGreen,
	}
	for class, want := range colors {
		if got := class.Color(); got != want {
			t.Errorf("%s: color 0x%04X, want 0x%04X", class, got, want)
		}
	}
}

func TestUnrecoverableCodes(t *testing.T) {
	if Unrecoverable(FamilyCP6, 0x0B) {
		t.Error("0x0B is reserved on the 600s")
	}
	if !Unrecoverable(FamilyCP6, 0x30) {
		t.Error("0x30 is not recoverable on the 600s")
	}
	if Unrecoverable(FamilyHyperdrive5, 0) {
		t.Error("code zero is never an error")
	}
	if !Unrecoverable(FamilyHyperdrive5, 0x0D) {
		t.Error("welded contactor is not recoverable")
	}
}
