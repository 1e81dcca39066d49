// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// softTimer is a one-shot timer owned by a single actor. Each Arm bumps the
// generation; the fire callback receives the generation it was armed with
// and the owner accepts the firing only if Fired confirms it is current.
// A firing already queued when the timer is disarmed or re-armed is stale.
type softTimer struct {
	clk   clockwork.Clock
	t     clockwork.Timer
	gen   uint64
	armed bool
}

func newSoftTimer(clk clockwork.Clock) softTimer {
	return softTimer{clk: clk}
}

// Arm schedules fire(gen) after d, replacing any pending arm
func (s *softTimer) Arm(d time.Duration, fire func(gen uint64)) {
	s.Disarm()
	s.armed = true
	gen := s.gen
	s.t = s.clk.AfterFunc(d, func() { fire(gen) })
}

// Disarm cancels the pending arm and invalidates queued firings
func (s *softTimer) Disarm() {
	if s.t != nil {
		s.t.Stop()
		s.t = nil
	}
	s.gen++
	s.armed = false
}

// Fired reports whether a firing with gen belongs to the current arm and
// consumes it
func (s *softTimer) Fired(gen uint64) bool {
	if !s.armed || gen != s.gen {
		return false
	}
	s.armed = false
	s.t = nil
	return true
}

// Armed reports whether a firing is pending
func (s *softTimer) Armed() bool {
	return s.armed
}
