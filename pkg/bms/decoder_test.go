// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

// ============================================================================
// Helpers
// ============================================================================

type harness struct {
	dec         *Decoder
	snap        Snapshot
	det         DetectState
	transitions []Transition
}

func newHarness() *harness {
	h := &harness{dec: NewDecoder(DefaultConfig(), nil)}
	h.dec.OnTransition(func(t Transition) {
		h.transitions = append(h.transitions, t)
	})
	return h
}

func (h *harness) feed(id uint32, payload ...byte) bool {
	return h.dec.Decode(canbus.NewFrame(id, payload...), &h.snap, &h.det)
}

// Representative frames
var (
	cp600Signature = []byte{0x02, 0x10, 0x00, 0x00, 0x01, 0x00, 0xFF, 0x05} // 52.8 V
	bmzSignature   = []byte{0x02, 0x10, 0x00, 0x00, 0x01, 0x00, 0x00, 0x01}
	hyp500Cells    = []byte{0x01, 0x00, 0x00, 0x00, 0x7A, 0x0D, 0xE4, 0x0C} // 3.450 / 3.300 V
	extCells       = []byte{0x0D, 0x7A, 0x0C, 0xE4}
	pageStatusA    = []byte{0x0C, 0xE4, 0x0C, 0xE4, 0x00, 0x00, 0x04, 0x00} // 3.300 / 3.300 V
	pageStatusB    = []byte{0x01, 0xCE, 0x00, 0x00, 0x00, 0x50, 0x00, 0x00} // 46.2 V, 80 %
)

const (
	idJ1939Cells   = 0x18FF0600
	idJ1939Pack    = 0x18FF0700
	idJ1939Temps   = 0x18FF0800
	idJ1939Error   = 0x18FF0E00
	idJ1939Legacy  = 0x18FF0300
	idPageStatusA  = 0x18060800
	idPageStatusB  = 0x18070800
	idPageParams   = 0x18040A00
	idExtPack      = 0x10000010
	idExtCells     = 0x10000100
	idExtCounters  = 0x10000050
	idExtChargePar = 0x10000020
)

// ============================================================================
// Frame identification
// ============================================================================

func TestIdentifyFrame(t *testing.T) {
	tests := []struct {
		id   uint32
		kind FrameKind
		node uint8
	}{
		{0x18FF0300, KindJ1939LegacyStatus, 0},
		{0x18FF0600, KindJ1939Cells, 0},
		{0x18FF0700, KindJ1939Pack, 0},
		// 0x18FF0800 also fits the paged pattern; the J1939 range wins
		{0x18FF0800, KindJ1939Temps, 0},
		{0x18FF0E00, KindJ1939Error, 0},
		{0x18FF1900, KindJ1939CurrentLimit, 0},
		{0x18FF4000, KindJ1939Identity, 0},
		{0x18FF5000, KindJ1939Fan, 0},
		{0x18FFE000, KindJ1939LegacySOC, 0},
		{0x18FF9900, KindUnknown, 0},
		{0x18000800, KindPageCells1, 0},
		{0x18010801, KindPageCells2, 1},
		{0x18030800, KindPagePack, 0},
		{0x18060800, KindPageStatusA, 0},
		{0x18070800, KindPageStatusB, 0},
		{0x18080800, KindPageStatusC, 0},
		{0x180C0800, KindPageTemps, 0},
		{0x18040A00, KindPageParams, 0},
		{0x18050A00, KindUnknown, 0},
		{0x18090800, KindUnknown, 0},
		{0x10000000, KindExtError, 0},
		{0x10000010, KindExtPackStatus, 0},
		{0x10000011, KindExtPower, 0},
		{0x10000020, KindExtChargeParams, 0},
		{0x10000050, KindExtCounters, 0},
		{0x10000080, KindExtFan, 0},
		{0x10000090, KindExtIdentity, 0},
		{0x10000091, KindExtIdentity2, 0},
		{0x100000A0, KindExtVendor, 0},
		{0x10000100, KindExtCells, 0},
		{0x10000110, KindExtTemps, 0},
		{0x10000120, KindUnknown, 0},
		{0x12345678, KindUnknown, 0},
	}

	for _, tt := range tests {
		kind, node := IdentifyFrame(tt.id)
		assert.Equal(t, tt.kind, kind, "id 0x%08X", tt.id)
		assert.Equal(t, tt.node, node, "id 0x%08X", tt.id)
	}
}

func TestFrameHandlersCoverEveryKind(t *testing.T) {
	for _, k := range FrameKinds() {
		assert.NotNil(t, frameHandlers[k].decode, "kind %s has no handler", k)
		assert.NotEqual(t, RangeNone, k.Range(), "kind %s has no range", k)
		assert.LessOrEqual(t, frameHandlers[k].minLen, uint8(canbus.MaxDataLength), "kind %s", k)
	}
	assert.Nil(t, frameHandlers[KindUnknown].decode)
}

// ============================================================================
// Idempotence of unused frames
// ============================================================================

func TestDecodeUnusedFramesLeaveStateUntouched(t *testing.T) {
	h := newHarness()
	require.True(t, h.feed(idExtPack, cp600Signature...))
	require.True(t, h.feed(idExtCells, extCells...))
	snapBefore, detBefore := h.snap, h.det

	unused := []canbus.Frame{
		canbus.NewFrame(0x12345678, 1, 2, 3, 4, 5, 6, 7, 8),
		canbus.NewFrame(0x18FF9900, 1, 2),
		canbus.NewFrame(0x10000999, 0xFF),
		{ID: 0x100, Len: 2, Data: [8]byte{0x0D, 0x7A}}, // standard frame
		canbus.NewFrame(idPageStatusA+1, pageStatusA...), // secondary node
		canbus.NewFrame(idExtCells, 0x0D),                // too short
		{ID: idPageParams, Extended: true, Len: 12},      // DLC past classic CAN
	}
	for _, f := range unused {
		assert.False(t, h.dec.Decode(f, &h.snap, &h.det), "frame %s", f)
		assert.Equal(t, snapBefore, h.snap, "frame %s", f)
		assert.Equal(t, detBefore, h.det, "frame %s", f)
	}
}

func TestOversizedLengthRejected(t *testing.T) {
	h := newHarness()
	f := canbus.Frame{ID: idPageParams, Extended: true, Len: 12}

	assert.NotPanics(t, func() {
		assert.False(t, h.dec.Decode(f, &h.snap, &h.det))
	})
	assert.Equal(t, DetectState{}, h.det)

	anomalies := h.dec.CheckFrame(f)
	require.Len(t, anomalies, 1)
	assert.Equal(t, AnomalyDecodeError, anomalies[0].Type)

	// The same frame clamped to eight bytes is an ordinary parameter page
	assert.Equal(t, uint16(0), pageTag(canbus.Clamp(f)))
}

// ============================================================================
// Signature vote and lock monotonicity
// ============================================================================

func TestSignatureVoteLocksSecondFamily(t *testing.T) {
	h := newHarness()

	require.True(t, h.feed(idExtPack, cp600Signature...))
	assert.Equal(t, FamilyCP6, h.snap.Family)
	assert.Equal(t, PhaseProvisional, h.det.Phase)

	require.True(t, h.feed(idExtPack, cp600Signature...))
	assert.Equal(t, FamilyCP6, h.snap.Family)
	assert.True(t, h.det.Locked())
	assert.False(t, h.det.Hard)

	require.True(t, h.feed(idExtPack, bmzSignature...))
	assert.Equal(t, FamilyCP6, h.snap.Family, "a later contender signature must not reclassify")
	assert.True(t, h.det.Locked())
	assert.Equal(t, uint8(1), h.det.VotesFor(FamilyBMZ5))

	// Vote changes never zero the snapshot
	assert.InDelta(t, 52.8, h.snap.PackVoltage, 1e-9)
}

func TestVoteCountersSaturate(t *testing.T) {
	h := newHarness()
	for i := 0; i < 10; i++ {
		h.feed(idExtPack, cp600Signature...)
	}
	assert.Equal(t, DefaultConfig().VoteCeiling, h.det.VotesFor(FamilyCP6))
}

func TestExclusiveFrameOverridesVoteLock(t *testing.T) {
	h := newHarness()
	h.feed(idExtPack, cp600Signature...)
	h.feed(idExtPack, cp600Signature...)
	h.feed(idExtCells, extCells...)
	require.Equal(t, FamilyCP6, h.snap.Family)
	require.InDelta(t, 3.45, h.snap.HighCell, 1e-9)

	require.True(t, h.feed(idExtCounters, 0x00, 0x01))
	assert.Equal(t, FamilyBMZ5, h.snap.Family)
	assert.True(t, h.det.Hard)
	assert.Zero(t, h.snap.HighCell, "family change by exclusive frame zeroes the snapshot")
	assert.Zero(t, h.snap.PackVoltage)

	last := h.transitions[len(h.transitions)-1]
	assert.Equal(t, CauseExclusive, last.Cause)
	assert.True(t, last.Zero)
}

func TestHardLockIsMonotonic(t *testing.T) {
	tests := []struct {
		name   string
		lockID uint32
		lockPL []byte
		want   Family
	}{
		{"bmz exclusive", idExtCounters, []byte{0x00}, FamilyBMZ5},
		{"hyperdrive 500 cells", idJ1939Cells, hyp500Cells, FamilyHyperdrive5},
		{"paged tag", idPageParams, []byte{0, 0, 0, 0, 0, 0, 0x04, 0xD7}, FamilySteatite4},
	}

	others := []struct {
		id uint32
		pl []byte
	}{
		{idExtPack, cp600Signature},
		{idExtPack, bmzSignature},
		{idExtCounters, []byte{0x00}},
		{idJ1939Cells, hyp500Cells},
		{idJ1939Pack, []byte{0x10, 0x02, 0x50}},
		{idPageStatusA, pageStatusA},
		{idPageStatusB, pageStatusB},
		{idPageParams, []byte{0, 0, 0, 0, 0, 0, 0x04, 0x00}},
		{idExtCells, extCells},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			require.True(t, h.feed(tt.lockID, tt.lockPL...))
			require.Equal(t, tt.want, h.snap.Family)
			require.True(t, h.det.Hard)

			for round := 0; round < 5; round++ {
				for _, o := range others {
					h.feed(o.id, o.pl...)
					assert.Equal(t, tt.want, h.snap.Family, "after 0x%08X", o.id)
					assert.Equal(t, tt.want, h.det.Family)
				}
			}

			h.dec.Reset(&h.snap, &h.det)
			assert.Equal(t, FamilyUnknown, h.snap.Family)
			assert.Equal(t, PhaseUnknown, h.det.Phase)
		})
	}
}

func TestLockedFamilyIgnoresOtherRangeLayouts(t *testing.T) {
	h := newHarness()
	h.feed(idJ1939Cells, hyp500Cells...)
	before := h.snap

	assert.False(t, h.feed(idExtCells, 0x0F, 0xA0, 0x0F, 0xA0))
	assert.False(t, h.feed(idPageStatusB, pageStatusB...))
	assert.Equal(t, before, h.snap)
}

// ============================================================================
// Zeroing on family change
// ============================================================================

func TestHardLockZeroesProvisionalFields(t *testing.T) {
	h := newHarness()
	h.feed(idPageStatusB, pageStatusB...)
	require.Equal(t, FamilyHyperdrive4, h.snap.Family)
	require.Equal(t, uint8(80), h.snap.SOC)

	h.feed(idJ1939Cells, hyp500Cells...)
	assert.Equal(t, FamilyHyperdrive5, h.snap.Family)
	assert.Zero(t, h.snap.SOC, "fields of the previous family are cleared")
	assert.Zero(t, h.snap.PackVoltage)
	assert.InDelta(t, 3.45, h.snap.HighCell, 1e-9, "the locking frame itself is decoded")
	assert.InDelta(t, 3.30, h.snap.LowCell, 1e-9)
	assert.Equal(t, uint8(1), h.snap.State)
}

func TestRangeEvidenceSwitchZeroes(t *testing.T) {
	h := newHarness()
	h.feed(idPageStatusB, pageStatusB...)
	require.Equal(t, FamilyHyperdrive4, h.snap.Family)

	h.feed(idJ1939Pack, 0x10, 0x02, 0x32, 0x00, 0xFF, 0xFF)
	assert.Equal(t, FamilyHyperdrive5, h.snap.Family)
	assert.Equal(t, PhaseProvisional, h.det.Phase)
	assert.InDelta(t, 52.8, h.snap.PackVoltage, 1e-9)
	assert.Equal(t, uint8(50), h.snap.SOC)
	assert.Zero(t, h.snap.CurrentDA, "0xFFFF means no current reading")
}

// ============================================================================
// Plausibility gating
// ============================================================================

func TestImplausibleCellsDoNotOverwrite(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		id    uint32
		bad   []byte
	}{
		{
			name:  "j1939 cells",
			setup: func(h *harness) { h.feed(idJ1939Cells, hyp500Cells...) },
			id:    idJ1939Cells,
			bad:   []byte{0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x70, 0x17}, // 0 V, 6.0 V
		},
		{
			name:  "extended cells",
			setup: func(h *harness) { h.feed(idExtCells, extCells...) },
			id:    idExtCells,
			bad:   []byte{0x03, 0x1F, 0x13, 0x89}, // 0.799 V, 5.001 V
		},
		{
			name:  "paged status",
			setup: func(h *harness) { h.feed(idPageStatusA, pageStatusA...) },
			id:    idPageStatusA,
			bad:   []byte{0xFF, 0xFF, 0x00, 0x10, 0x00, 0x00, 0x04, 0x00},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			tt.setup(h)
			hi, lo := h.snap.HighCell, h.snap.LowCell
			require.NotZero(t, hi)

			assert.True(t, h.feed(tt.id, tt.bad...))
			assert.Equal(t, hi, h.snap.HighCell)
			assert.Equal(t, lo, h.snap.LowCell)
		})
	}
}

func TestPlausibilityWindowEdgesAccepted(t *testing.T) {
	h := newHarness()
	h.feed(idExtCells, 0x13, 0x88, 0x03, 0x20) // 5.000 V, 0.800 V
	assert.InDelta(t, 5.0, h.snap.HighCell, 1e-9)
	assert.InDelta(t, 0.8, h.snap.LowCell, 1e-9)
}

// ============================================================================
// Ratio reclassification
// ============================================================================

func TestRatioReclassifiesWithoutZeroing(t *testing.T) {
	h := newHarness()
	h.feed(idPageStatusA, pageStatusA...)
	require.Equal(t, FamilyHyperdrive4, h.snap.Family)

	// 46.2 V over 3.3 V is 14 cells in series
	h.feed(idPageStatusB, pageStatusB...)
	assert.Equal(t, FamilySteatite4, h.snap.Family)
	assert.Equal(t, PhaseProvisional, h.det.Phase)
	assert.InDelta(t, 46.2, h.snap.PackVoltage, 1e-9)
	assert.InDelta(t, 3.3, h.snap.HighCell, 1e-9)
	assert.Equal(t, uint8(80), h.snap.SOC)

	last := h.transitions[len(h.transitions)-1]
	assert.Equal(t, CauseRatio, last.Cause)
	assert.False(t, last.Zero)
}

func TestRatioIgnoredWhenLockedOrOutOfRange(t *testing.T) {
	t.Run("tag lock wins", func(t *testing.T) {
		h := newHarness()
		h.feed(idPageParams, 0, 0, 0, 0, 0, 0, 0x04, 0x00)
		h.feed(idPageStatusA, pageStatusA...)
		h.feed(idPageStatusB, pageStatusB...)
		assert.Equal(t, FamilyHyperdrive4, h.snap.Family)
	})

	t.Run("band family in another range", func(t *testing.T) {
		h := newHarness()
		h.feed(idExtPack, bmzSignature...) // provisional BMZ, 52.8 V
		h.feed(idExtCells, 0x0C, 0xE4, 0x0C, 0xE4)
		assert.Equal(t, FamilyBMZ5, h.snap.Family, "16 series cells must not pull a shared-range pack into the 400s")
	})

	t.Run("below floor", func(t *testing.T) {
		h := newHarness()
		h.feed(idPageStatusA, 0x03, 0xE8, 0x03, 0xE8, 0, 0, 0, 0) // 1.0 V cells
		h.feed(idPageStatusB, 0x00, 0x8C, 0, 0, 0, 0x10, 0, 0)    // 14.0 V
		assert.Equal(t, FamilyHyperdrive4, h.snap.Family)
	})
}

func TestRatioBandsFromConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RatioBands = []RatioBand{{Min: 13.5, Max: 14.5, Family: FamilyDualZone4}}
	h := newHarness()
	h.dec = NewDecoder(cfg, nil)

	h.feed(idPageStatusA, pageStatusA...)
	h.feed(idPageStatusB, pageStatusB...)
	assert.Equal(t, FamilyDualZone4, h.snap.Family)
}

// ============================================================================
// Per-family decodes
// ============================================================================

func TestLegacyStatusNeverWritesCells(t *testing.T) {
	h := newHarness()
	h.feed(idJ1939Cells, hyp500Cells...)
	h.feed(idJ1939Legacy, 0x01, 0x02, 0x7A, 0x0D, 0xE4, 0x0C, 0, 0)
	assert.InDelta(t, 3.45, h.snap.HighCell, 1e-9)
	assert.True(t, h.snap.Faulted)
	assert.Equal(t, uint8(2), h.snap.State)
}

func TestJ1939ErrorIsFamilyNeutral(t *testing.T) {
	h := newHarness()
	h.feed(idPageStatusB, pageStatusB...)
	require.True(t, h.feed(idJ1939Error, 0x82, 0x00, 0x15))
	assert.Equal(t, FamilyHyperdrive4, h.snap.Family)
	assert.Equal(t, uint8(0x82), h.snap.ErrorClass)
	assert.Equal(t, uint8(0x15), h.snap.ErrorCode)
}

func TestHyperdrive500Fields(t *testing.T) {
	h := newHarness()
	h.feed(idJ1939Cells, hyp500Cells...)
	h.feed(idJ1939Pack, 0x10, 0x02, 0x4B, 0x00, 0x9C, 0xFF)
	h.feed(idJ1939Temps, 0xFA, 0x00, 0xF6, 0xFF)
	h.feed(0x18FF4000, 0x78, 0x56, 0x34, 0x12, 0x05, 0x01)
	h.feed(0x18FF5000, 0xB8, 0x0B)

	assert.InDelta(t, 52.8, h.snap.PackVoltage, 1e-9)
	assert.Equal(t, uint8(75), h.snap.SOC)
	assert.Equal(t, int16(-100), h.snap.CurrentDA)
	assert.InDelta(t, 25.0, h.snap.TempHigh, 1e-9)
	assert.InDelta(t, -1.0, h.snap.TempLow, 1e-9)
	assert.Equal(t, uint32(0x12345678), h.snap.Serial)
	assert.Equal(t, uint32(0x0105), h.snap.Firmware)
	assert.Equal(t, uint16(3000), h.snap.FanRPM)
}

func TestCP400Fields(t *testing.T) {
	h := newHarness()
	require.True(t, h.feed(idPageParams, 0x03, 0xE8, 0x0A, 0xF0, 0xCC, 0xCC))
	require.Equal(t, FamilyDualZone4, h.snap.Family)

	h.feed(idPageStatusA, 0, 0, 0, 0, 0x08, 0xCA, 0x08, 0x98) // 2250 and 2200 steps
	h.feed(idPageStatusB, 0x0F, 0x0A, 0x41, 0, 0, 0, 0, 0)    // 3850 x 12 mV
	h.feed(0x18080800, 0x00, 0, 0, 0, 0x02, 0x04, 0, 0)
	h.feed(0x180C0800, 0x0B, 0xBF, 0x0B, 0x9D) // 300.7 K, 297.3 K

	assert.InDelta(t, 3.375, h.snap.HighCell, 1e-9)
	assert.InDelta(t, 3.3, h.snap.LowCell, 1e-9)
	assert.InDelta(t, 46.2, h.snap.PackVoltage, 1e-9)
	assert.Equal(t, uint8(65), h.snap.SOC)
	assert.Equal(t, uint8(0x02), h.snap.ErrorClass)
	assert.Equal(t, uint8(0x04), h.snap.FaultBits)
	assert.InDelta(t, 27.55, h.snap.TempHigh, 1e-9)
	assert.InDelta(t, 24.15, h.snap.TempLow, 1e-9)
}

func TestHyperdrive400ParamsIdentity(t *testing.T) {
	h := newHarness()
	h.feed(idPageParams, 0x00, 0x01, 0xE2, 0x40, 0x01, 0x23, 0x04, 0x00)
	assert.Equal(t, FamilyHyperdrive4, h.snap.Family)
	assert.True(t, h.det.Hard)
	assert.Equal(t, uint32(123456), h.snap.Serial)
	assert.Equal(t, uint32(0x0123), h.snap.Firmware)
}

func TestChargeParamsSOCSkippedForCP600(t *testing.T) {
	h := newHarness()
	h.feed(idExtPack, bmzSignature...)
	h.feed(idExtChargePar, 0x01, 0x00, 0x00, 0x5A)
	assert.Equal(t, uint8(90), h.snap.SOC)

	h = newHarness()
	h.feed(idExtPack, cp600Signature...)
	h.feed(idExtChargePar, 0x01, 0x00, 0x00, 0x5A)
	assert.Zero(t, h.snap.SOC)
}

func TestExtIdentityFirmwareWidth(t *testing.T) {
	h := newHarness()
	h.feed(0x10000090, 0x00, 0x00, 0x30, 0x39, 0x00, 0x02, 0x00, 0x07)
	assert.Equal(t, uint32(12345), h.snap.Serial)
	assert.Equal(t, uint32(0x00020007), h.snap.Firmware)

	h.feed(0x10000090, 0x00, 0x00, 0x30, 0x39, 0x01, 0x02)
	assert.Equal(t, uint32(0x0102), h.snap.Firmware)
}

// ============================================================================
// Configuration
// ============================================================================

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"inverted cell window", func(c *Config) { c.CellMin, c.CellMax = 5, 1 }},
		{"zero vote lock", func(c *Config) { c.VoteLock = 0 }},
		{"ceiling below lock", func(c *Config) { c.VoteCeiling = 1 }},
		{"inverted band", func(c *Config) { c.RatioBands[0].Min = 20 }},
		{"band without family", func(c *Config) { c.RatioBands[0].Family = FamilyUnknown }},
		{"tag for shared range", func(c *Config) { c.Tags[0x1234] = FamilyCP6 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseFamily(t *testing.T) {
	tests := []struct {
		in   string
		want Family
		ok   bool
	}{
		{"HYP400", FamilyHyperdrive4, true},
		{"steatite", FamilySteatite4, true},
		{"0x0401", FamilyDualZone4, true},
		{"1536", FamilyCP6, true},
		{" bmz500 ", FamilyBMZ5, true},
		{"0x0700", FamilyUnknown, false},
		{"lead-acid", FamilyUnknown, false},
	}
	for _, tt := range tests {
		got, err := ParseFamily(tt.in)
		if tt.ok {
			assert.NoError(t, err, tt.in)
		} else {
			assert.Error(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestFamilyLabels(t *testing.T) {
	assert.Equal(t, "400s", FamilySteatite4.Label())
	assert.Equal(t, ColorGreen, FamilyHyperdrive4.Color())
	assert.Equal(t, "500s", FamilyBMZ5.Label())
	assert.Equal(t, ColorYellow, FamilyHyperdrive5.Color())
	assert.Equal(t, "600s", FamilyCP6.Label())
	assert.Equal(t, ColorBlue, FamilyCP6.Color())
	assert.Equal(t, "Unknown", FamilyUnknown.Label())
	assert.Equal(t, ColorRed, FamilyUnknown.Color())
}
