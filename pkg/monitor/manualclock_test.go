// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

// manualClock is a clockwork fake clock whose AfterFunc callbacks run on the
// goroutine calling Advance, in deadline order. clockwork starts its own
// goroutine per callback, which leaves the order of queued events to the
// scheduler.
type manualClock struct {
	*clockwork.FakeClock

	mu      sync.Mutex
	seq     uint64
	pending []*manualTimer
}

type manualTimer struct {
	clockwork.Timer
	clk      *manualClock
	deadline time.Time
	seq      uint64
	f        func()
}

func newManualClock(start time.Time) *manualClock {
	return &manualClock{FakeClock: clockwork.NewFakeClockAt(start)}
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) clockwork.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{
		Timer:    c.FakeClock.NewTimer(d),
		clk:      c,
		deadline: c.FakeClock.Now().Add(d),
		seq:      c.seq,
		f:        f,
	}
	c.pending = append(c.pending, t)
	return t
}

// Advance moves the fake clock and runs the callbacks that came due
func (c *manualClock) Advance(d time.Duration) {
	c.FakeClock.Advance(d)
	for _, t := range c.due() {
		t.f()
	}
}

// Pending returns the number of callbacks not yet run or stopped
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *manualClock) due() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.pending, func(i, j int) bool {
		a, b := c.pending[i], c.pending[j]
		if a.deadline.Equal(b.deadline) {
			return a.seq < b.seq
		}
		return a.deadline.Before(b.deadline)
	})

	var fired []*manualTimer
	kept := c.pending[:0]
	for _, t := range c.pending {
		select {
		case <-t.Chan():
			fired = append(fired, t)
		default:
			kept = append(kept, t)
		}
	}
	c.pending = kept
	return fired
}

func (t *manualTimer) Stop() bool {
	stopped := t.Timer.Stop()
	c := t.clk
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.pending {
		if other == t {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	return stopped
}

func TestManualClockRunsCallbacksInDeadlineOrder(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := newManualClock(start)
	var fired []string

	clk.AfterFunc(300*time.Millisecond, func() { fired = append(fired, "c") })
	clk.AfterFunc(100*time.Millisecond, func() { fired = append(fired, "a") })
	clk.AfterFunc(200*time.Millisecond, func() { fired = append(fired, "b") })
	stopped := clk.AfterFunc(150*time.Millisecond, func() { fired = append(fired, "x") })
	assert.True(t, stopped.Stop())

	clk.Advance(250 * time.Millisecond)
	assert.Equal(t, []string{"a", "b"}, fired)
	assert.Equal(t, start.Add(250*time.Millisecond), clk.Now())
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(50 * time.Millisecond)
	assert.Equal(t, []string{"a", "b", "c"}, fired)
	assert.Zero(t, clk.Pending())
}
