// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/canbus"
)

type eventLog struct {
	events []Event
}

func (l *eventLog) Post(ev Event) bool {
	l.events = append(l.events, ev)
	return true
}

func (l *eventLog) last() Event {
	if len(l.events) == 0 {
		return nil
	}
	return l.events[len(l.events)-1]
}

// 48.0 V, 80 %
var packFrame = canbus.NewFrame(0x18FF0700, 0xE0, 0x01, 0x50)

func newTelemetry(out Poster) (*TelemetryActor, *manualClock) {
	clk := newManualClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	dec := bms.NewDecoder(bms.DefaultConfig(), nil)
	return NewTelemetryActor(DefaultTelemetryConfig(), dec, out, clk, nil, nil), clk
}

// tick advances the clock one tick period and runs the tick
func tick(a *TelemetryActor, clk *manualClock) {
	clk.Advance(a.cfg.Tick)
	a.Tick(clk.Now())
}

func TestPublishCadence(t *testing.T) {
	out := &eventLog{}
	a, clk := newTelemetry(out)

	for i := 0; i < 4; i++ {
		tick(a, clk)
	}
	assert.Empty(t, out.events)

	tick(a, clk)
	require.Len(t, out.events, 1)
	assert.Equal(t, NoBattery{}, out.events[0])

	a.HandleFrame(packFrame)
	for i := 0; i < 5; i++ {
		tick(a, clk)
	}
	require.Len(t, out.events, 2)
	upd, ok := out.events[1].(TelemetryUpdated)
	require.True(t, ok)
	assert.InDelta(t, 48.0, upd.Snapshot.PackVoltage, 1e-9)
	assert.Equal(t, uint8(80), upd.Snapshot.SOC)
	assert.Equal(t, bms.FamilyHyperdrive5, upd.Snapshot.Family)
}

func TestUnusedFrameDoesNotFeedWatchdog(t *testing.T) {
	out := &eventLog{}
	a, _ := newTelemetry(out)

	a.HandleFrame(canbus.NewFrame(0x0CF00400, 1, 2, 3))
	assert.False(t, a.HaveData())
	assert.Equal(t, bms.Snapshot{}, a.Snapshot())
}

func TestWatchdogDeclaresConnectionLost(t *testing.T) {
	out := &eventLog{}
	a, clk := newTelemetry(out)

	a.HandleFrame(packFrame)
	require.True(t, a.HaveData())

	// 1.5 s of silence is still tolerated
	for i := 0; i < 15; i++ {
		tick(a, clk)
	}
	assert.NotContains(t, out.events, Event(ConnectionLost{}))

	tick(a, clk)
	assert.Equal(t, ConnectionLost{}, out.last())
	assert.False(t, a.HaveData())
	assert.Equal(t, bms.Snapshot{}, a.Snapshot())
	assert.Equal(t, bms.DetectState{}, a.Detect())

	// Lost only once, then the next publish reports no battery
	for i := 0; i < 5; i++ {
		tick(a, clk)
	}
	assert.Equal(t, NoBattery{}, out.last())
	lost := 0
	for _, ev := range out.events {
		if ev == Event(ConnectionLost{}) {
			lost++
		}
	}
	assert.Equal(t, 1, lost)
}

func TestIngestDropsNewestWhenFull(t *testing.T) {
	clk := newManualClock(time.Unix(0, 0))
	cfg := DefaultTelemetryConfig()
	cfg.FrameQueue = 2
	a := NewTelemetryActor(cfg, bms.NewDecoder(bms.DefaultConfig(), nil), &eventLog{}, clk, nil, nil)

	assert.True(t, a.Ingest(packFrame))
	assert.True(t, a.Ingest(packFrame))
	assert.False(t, a.Ingest(packFrame))
	assert.Equal(t, uint64(1), a.Frames().Drops())
}

// Comms loss recovers cleanly: Detect with a valid snapshot, silence past
// the watchdog, then Wait with a zeroed snapshot.
func TestCommsLossReturnsControllerToWait(t *testing.T) {
	h := newControllerHarness(t)
	dec := bms.NewDecoder(bms.DefaultConfig(), nil)
	a := NewTelemetryActor(DefaultTelemetryConfig(), dec, h.ctl, h.clk, nil, nil)

	step := func() {
		h.clk.Advance(a.cfg.Tick)
		a.Tick(h.clk.Now())
		h.drain()
	}

	a.HandleFrame(packFrame)
	for i := 0; i < 5; i++ {
		step()
	}
	require.Equal(t, StateDetect, h.ctl.State())
	assert.InDelta(t, 48.0, h.ctl.last.PackVoltage, 1e-9)
	assert.Equal(t, uint8(80), h.ctl.last.SOC)
	assert.False(t, h.ctl.last.Faulted)

	for i := 0; i < 15 && h.ctl.State() == StateDetect; i++ {
		step()
	}
	assert.Equal(t, StateWait, h.ctl.State())
	assert.Equal(t, bms.Snapshot{}, a.Snapshot())
	assert.Equal(t, PageWait, h.display.pages[len(h.display.pages)-1])
}

type chanPoster chan Event

func (c chanPoster) Post(ev Event) bool {
	select {
	case c <- ev:
		return true
	default:
		return false
	}
}

func TestTelemetryRunLoop(t *testing.T) {
	out := make(chanPoster, 16)
	a, clk := newTelemetry(out)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return clk.Pending() > 0 }, time.Second, time.Millisecond)
	require.True(t, a.Ingest(packFrame))
	require.Eventually(t, func() bool { return a.frames.Len() == 0 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		clk.Advance(100 * time.Millisecond)
		require.Eventually(t, func() bool { return a.ticks.Len() == 0 }, time.Second, time.Millisecond)
	}

	select {
	case ev := <-out:
		upd, ok := ev.(TelemetryUpdated)
		require.True(t, ok, "got %T", ev)
		assert.Equal(t, uint8(80), upd.Snapshot.SOC)
	case <-time.After(time.Second):
		t.Fatal("no telemetry published")
	}

	cancel()
	<-done
}
