// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"math"
	"math/bits"
	"time"

	"github.com/Thermoquad/packwatch/pkg/bms"
)

const (
	summarySeed uint32 = 0x9E3779B9
	detailSeed  uint32 = 0x85EBCA6B
)

// quantized hashing so sensor jitter does not count as a change
type rotlHash uint32

func (h *rotlHash) mix(v uint32) {
	*h = rotlHash(bits.RotateLeft32(uint32(*h)^v, 7))
}

func (h *rotlHash) text(s string) {
	for i := 0; i < len(s); i++ {
		*h = rotlHash(bits.RotateLeft32(uint32(*h)^uint32(s[i]), 5))
	}
}

// 0.05 V steps
func qVolts(v float64) uint32 {
	return uint32(int32(math.Round(v * 20)))
}

// 1 °C steps
func qTemp(t float64) uint32 {
	return uint32(int32(math.Round(t)))
}

func b2u(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

func summaryHash(s *bms.Snapshot, charging bool, reason string) uint32 {
	h := rotlHash(summarySeed)
	h.mix(uint32(s.Family))
	h.mix(qVolts(s.PackVoltage))
	h.mix(uint32(s.State))
	h.mix(uint32(s.FaultBits))
	h.mix(b2u(s.Faulted))
	h.mix(uint32(s.ErrorClass)<<8 | uint32(s.ErrorCode))
	h.mix(uint32(s.SOC))
	h.mix(qVolts(s.LowCell)<<16 ^ qVolts(s.HighCell))
	h.mix(b2u(charging))
	h.text(reason)
	return uint32(h)
}

func detailHash(s *bms.Snapshot) uint32 {
	h := rotlHash(detailSeed)
	h.mix(qVolts(s.PackVoltage))
	h.mix(qVolts(s.HighCell))
	h.mix(qVolts(s.LowCell))
	h.mix(qTemp(s.TempHigh))
	h.mix(qTemp(s.TempLow))
	h.mix(uint32(s.FanRPM))
	h.mix(uint32(s.SOC))
	h.mix(uint32(s.State))
	h.mix(uint32(s.FaultBits))
	h.mix(uint32(s.ErrorClass))
	h.mix(uint32(s.ErrorCode))
	h.mix(uint32(s.Family))
	h.mix(uint32(uint16(s.CurrentDA)))
	h.mix(s.Serial ^ s.Firmware)
	return uint32(h)
}

// publishGate suppresses a publish whose hash matches the last one sent, and
// any publish inside the minimum interval unless it is urgent
type publishGate struct {
	interval time.Duration
	hash     uint32
	at       time.Time
	sent     bool
}

func (g *publishGate) allow(now time.Time, hash uint32, urgent bool) bool {
	if g.sent && hash == g.hash {
		return false
	}
	if g.sent && !urgent && now.Sub(g.at) < g.interval {
		return false
	}
	g.hash = hash
	g.at = now
	g.sent = true
	return true
}

// reset forgets the last publish so the next one always goes out
func (g *publishGate) reset() {
	g.sent = false
}
