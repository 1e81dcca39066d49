// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

// RatioBand maps a range of pack-to-cell voltage ratios (a series cell count)
// to a family
type RatioBand struct {
	Min    float64
	Max    float64
	Family Family
}

// Contains reports whether ratio falls inside the band, edges included
func (b RatioBand) Contains(ratio float64) bool {
	return ratio >= b.Min && ratio <= b.Max
}

// Config holds the decoder heuristics
type Config struct {
	// Cell readings outside [CellMin, CellMax] volts are discarded
	CellMin float64
	CellMax float64

	// Ratio reclassification only runs above this pack voltage
	RatioFloor float64
	RatioBands []RatioBand

	// Signature votes needed to lock a shared-range family, and the vote
	// counter ceiling
	VoteLock    uint8
	VoteCeiling uint8

	// Parameter page tail tags that lock a range A variant
	Tags map[uint16]Family
}

// DefaultConfig returns the heuristics tuned against captured traffic
func DefaultConfig() Config {
	return Config{
		CellMin:    0.8,
		CellMax:    5.0,
		RatioFloor: 20.0,
		RatioBands: []RatioBand{
			{Min: 15.5, Max: 16.5, Family: FamilyHyperdrive4},
			{Min: 13.5, Max: 14.5, Family: FamilySteatite4},
		},
		VoteLock:    2,
		VoteCeiling: 3,
		Tags: map[uint16]Family{
			0x0400: FamilyHyperdrive4,
			0x0401: FamilyDualZone4,
			0x0402: FamilySteatite4,
			0xCCCC: FamilyDualZone4,
			0x04D7: FamilySteatite4,
		},
	}
}

// Validate checks the configuration for values the decoder cannot work with
func (c Config) Validate() error {
	if c.CellMin <= 0 || c.CellMax <= c.CellMin {
		return fmt.Errorf("invalid cell window [%.2f, %.2f]", c.CellMin, c.CellMax)
	}
	if c.VoteLock == 0 || c.VoteCeiling < c.VoteLock {
		return fmt.Errorf("invalid vote thresholds: lock %d, ceiling %d", c.VoteLock, c.VoteCeiling)
	}
	for i, b := range c.RatioBands {
		if b.Max < b.Min {
			return fmt.Errorf("ratio band %d: max %.2f below min %.2f", i, b.Max, b.Min)
		}
		if !b.Family.Known() {
			return fmt.Errorf("ratio band %d: unknown family %s", i, b.Family)
		}
	}
	for tag, f := range c.Tags {
		if f.Range() != RangeA {
			return fmt.Errorf("tag 0x%04X: %s is not a paged-range family", tag, f)
		}
	}
	return nil
}

// Decoder applies frames to a snapshot and its detection state. It holds no
// per-pack state itself, so one Decoder can serve any number of packs.
type Decoder struct {
	cfg          Config
	logger       *zap.Logger
	onTransition func(Transition)
}

// NewDecoder creates a decoder. A nil logger disables logging.
func NewDecoder(cfg Config, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{cfg: cfg, logger: logger}
}

// OnTransition registers a callback for every classification change
func (d *Decoder) OnTransition(fn func(Transition)) {
	d.onTransition = fn
}

// Config returns the decoder's heuristics
func (d *Decoder) Config() Config {
	return d.cfg
}

// Decode applies one frame. It returns false, leaving snap and det untouched,
// when the frame is not one the decoder uses.
func (d *Decoder) Decode(f canbus.Frame, snap *Snapshot, det *DetectState) bool {
	if !f.Extended || f.Validate() != nil {
		return false
	}
	kind, node := IdentifyFrame(f.ID)
	if kind == KindUnknown {
		return false
	}
	// Secondary nodes mirror the master's pages
	if kind.Range() == RangeA && node != 0 {
		return false
	}
	h := frameHandlers[kind]
	if !f.Has(int(h.minLen)) {
		return false
	}
	// A locked family ignores the layouts of the other ranges
	if det.Locked() && !h.neutral && kind.Range() != det.Family.Range() {
		return false
	}

	next, t := d.classify(kind, f, *det)
	d.apply(snap, det, next, t)

	h.decode(d, f, snap, det)

	d.reclassify(snap, det)
	return true
}

func (d *Decoder) classify(kind FrameKind, f canbus.Frame, det DetectState) (DetectState, Transition) {
	if fam, ok := kind.Exclusive(); ok {
		return det.Lock(fam, CauseExclusive)
	}

	switch kind.Range() {
	case RangeB:
		if kind == KindJ1939Error {
			break
		}
		return det.Observe(FamilyHyperdrive5)

	case RangeA:
		if kind == KindPageParams {
			if fam, ok := d.cfg.Tags[pageTag(f)]; ok {
				return det.Lock(fam, CauseTag)
			}
		}
		return det.Observe(pageVariant(det))

	case RangeC:
		if kind == KindExtPackStatus && f.Has(8) {
			if fam, ok := signature(f); ok {
				return det.Vote(fam, d.cfg.VoteLock, d.cfg.VoteCeiling)
			}
		}
	}
	return det, Transition{From: det.Family, To: det.Family}
}

func (d *Decoder) apply(snap *Snapshot, det *DetectState, next DetectState, t Transition) {
	*det = next
	if t.Zero {
		snap.Reset()
	}
	snap.Family = det.Family
	if !t.Changed() {
		return
	}

	d.logger.Info("battery classification changed",
		zap.Stringer("from", t.From),
		zap.Stringer("to", t.To),
		zap.Stringer("cause", t.Cause),
		zap.Bool("locked", t.Locked),
		zap.Bool("zeroed", t.Zero))
	if d.onTransition != nil {
		d.onTransition(t)
	}
}

// reclassify infers the series cell count from pack and cell voltages
func (d *Decoder) reclassify(snap *Snapshot, det *DetectState) {
	if det.Locked() || snap.PackVoltage <= d.cfg.RatioFloor || !snap.HasCells() {
		return
	}
	ratio := snap.PackVoltage / snap.AverageCell()
	for _, band := range d.cfg.RatioBands {
		if !band.Contains(ratio) {
			continue
		}
		next, t := det.Ratio(band.Family)
		if t.Changed() {
			d.logger.Debug("cell ratio matched band",
				zap.Float64("ratio", ratio),
				zap.Float64("pack_v", snap.PackVoltage),
				zap.Float64("avg_cell_v", snap.AverageCell()))
		}
		d.apply(snap, det, next, t)
		return
	}
}

// Reset clears the snapshot and detection state, as on comms loss
func (d *Decoder) Reset(snap *Snapshot, det *DetectState) {
	next, t := det.Reset()
	d.apply(snap, det, next, t)
}

// setCell stores a cell voltage only when it falls inside the plausible window
func (d *Decoder) setCell(dst *float64, volts float64) {
	if volts >= d.cfg.CellMin && volts <= d.cfg.CellMax {
		*dst = volts
	}
}

// pageVariant returns the range A variant whose layout applies to the frame
func pageVariant(det DetectState) Family {
	if det.Family.Range() == RangeA {
		return det.Family
	}
	return FamilyHyperdrive4
}

// pageTag reads the variant tag from the last two payload bytes
func pageTag(f canbus.Frame) uint16 {
	p := f.Payload()
	n := len(p)
	if n < 2 {
		return 0
	}
	return uint16(p[n-2])<<8 | uint16(p[n-1])
}

// signature reads the contender marker in bytes 6 and 7 of the pack status
// frame
func signature(f canbus.Frame) (Family, bool) {
	d6, d7 := f.Data[6], f.Data[7]
	switch {
	case d6 == 0xFF && d7 == 0x05:
		return FamilyCP6, true
	case d6 == 0x00 && (d7 == 0x01 || d7 == 0x05):
		return FamilyBMZ5, true
	default:
		return FamilyUnknown, false
	}
}
