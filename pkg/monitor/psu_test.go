// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/packwatch/pkg/cotek"
)

var errNack = errors.New("nack")

type fakeDriver struct {
	reading cotek.Reading
	fail    bool
	applied int
	offs    int
}

func (f *fakeDriver) Read(context.Context) (cotek.Reading, int, error) {
	if f.fail {
		return cotek.Reading{}, 0, errNack
	}
	return f.reading, 4, nil
}

func (f *fakeDriver) Apply(context.Context, float64, float64) error {
	f.applied++
	return nil
}

func (f *fakeDriver) Off(context.Context) error {
	f.offs++
	if f.fail {
		return errNack
	}
	return nil
}

func newPSU(drv PowerDriver) (*PSUMonitor, *eventLog) {
	out := &eventLog{}
	clk := newManualClock(time.Unix(0, 0))
	return NewPSUMonitor(DefaultPSUConfig(), drv, out, clk, nil, nil), out
}

func statuses(l *eventLog) []PowerStatus {
	var out []PowerStatus
	for _, ev := range l.events {
		if s, ok := ev.(PowerStatus); ok {
			out = append(out, s)
		}
	}
	return out
}

func TestPSUPresenceFromReplies(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Temperature: 30}}
	p, out := newPSU(drv)
	ctx := context.Background()
	assert.False(t, p.Present())

	p.Poll(ctx)
	require.Len(t, statuses(out), 1)
	assert.True(t, statuses(out)[0].Present)

	p.Poll(ctx)
	p.Poll(ctx)
	assert.Len(t, statuses(out), 1, "unchanged readings are not reported")

	// Five missed polls (1 s) are tolerated, the sixth drops presence
	drv.fail = true
	for i := 0; i < 5; i++ {
		p.Poll(ctx)
	}
	assert.True(t, p.Present())
	assert.Len(t, statuses(out), 1)

	p.Poll(ctx)
	assert.False(t, p.Present())
	require.Len(t, statuses(out), 2)
	assert.False(t, statuses(out)[1].Present)

	// Age is capped, so one good reply restores presence
	for i := 0; i < 20; i++ {
		p.Poll(ctx)
	}
	drv.fail = false
	p.Poll(ctx)
	assert.True(t, p.Present())
	assert.True(t, statuses(out)[2].Present)
}

func TestPSUHysteresis(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Voltage: 12.0, Current: 1.0, Temperature: 30}}
	p, out := newPSU(drv)
	ctx := context.Background()
	p.Poll(ctx)
	require.Len(t, statuses(out), 1)

	drv.reading.Voltage = 12.03
	drv.reading.Current = 1.02
	drv.reading.Temperature = 30.4
	p.Poll(ctx)
	assert.Len(t, statuses(out), 1)

	drv.reading.Voltage = 12.1
	p.Poll(ctx)
	assert.Len(t, statuses(out), 2)

	drv.reading.Temperature = 31
	p.Poll(ctx)
	assert.Len(t, statuses(out), 3)

	drv.reading.OutputOn = true
	p.Poll(ctx)
	assert.Len(t, statuses(out), 4)
}

func TestPSUSetpointIgnoredWhenAbsent(t *testing.T) {
	drv := &fakeDriver{}
	p, out := newPSU(drv)

	p.Setpoint(context.Background(), 12, 1)
	assert.Zero(t, drv.applied)
	assert.Empty(t, out.events)
	on, _, _ := p.Commanded()
	assert.False(t, on)
}

func TestPSUSetpointReportsOptimistically(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Temperature: 30}}
	p, out := newPSU(drv)
	ctx := context.Background()
	p.Poll(ctx)

	p.Setpoint(ctx, 12, 1)
	assert.Equal(t, 1, drv.applied)
	got := statuses(out)
	require.Len(t, got, 2)
	assert.Equal(t, PowerStatus{Present: true, OutputOn: true, Voltage: 12, Current: 1, Temperature: 30}, got[1])

	on, volts, amps := p.Commanded()
	assert.True(t, on)
	assert.Equal(t, 12.0, volts)
	assert.Equal(t, 1.0, amps)

	// Readback corrects the optimistic report
	p.Poll(ctx)
	got = statuses(out)
	require.Len(t, got, 3)
	assert.False(t, got[2].OutputOn)
}

func TestPSUOffAlwaysExecutes(t *testing.T) {
	drv := &fakeDriver{fail: true}
	p, _ := newPSU(drv)

	p.Off(context.Background())
	assert.Equal(t, 1, drv.offs)
}

func TestPSUOffForcesNextReport(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Temperature: 30}}
	p, out := newPSU(drv)
	ctx := context.Background()
	p.Poll(ctx)
	p.Poll(ctx)
	require.Len(t, statuses(out), 1)

	p.Off(ctx)
	p.Poll(ctx)
	got := statuses(out)
	require.Len(t, got, 2, "readback after off is reported even if unchanged")
	assert.False(t, got[1].OutputOn)
}

func TestPSUWithSimulatedSupply(t *testing.T) {
	sim := cotek.NewSim(cotek.DefaultAddress)
	sim.Load = 1
	p, out := newPSU(cotek.New(sim, cotek.DefaultAddress))
	ctx := context.Background()

	p.Poll(ctx)
	p.handle(ctx, psuCommand{kind: psuSetpoint, volts: 12, amps: 1})
	assert.True(t, sim.OutputOn())

	p.Poll(ctx)
	assert.InDelta(t, 12.0, p.Status().Voltage, 1e-9)

	p.handle(ctx, psuCommand{kind: psuOff})
	assert.False(t, sim.OutputOn())
	p.Poll(ctx)
	last, ok := out.last().(PowerStatus)
	require.True(t, ok)
	assert.True(t, last.Present)
	assert.False(t, last.OutputOn)
}

func TestPSUPollBacklogKeepsOff(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Temperature: 30}}
	p, _ := newPSU(drv)
	clk := p.clk.(*manualClock)

	p.RequestOff()
	p.armPoll()
	for i := 0; i < 3*p.cfg.Queue; i++ {
		clk.Advance(p.cfg.Poll)
	}

	assert.Equal(t, 1, p.polls.Len(), "due polls coalesce")
	assert.Equal(t, uint64(3*p.cfg.Queue-1), p.polls.Drops())

	cmd, ok := p.commands.TryReceive()
	require.True(t, ok)
	assert.Equal(t, psuOff, cmd.kind)
	assert.Zero(t, p.commands.Drops())
}

func TestPSURunExecutesOffBeforePolls(t *testing.T) {
	drv := &fakeDriver{reading: cotek.Reading{Temperature: 30}}
	p, _ := newPSU(drv)

	p.RequestOff()
	for i := 0; i < 3*p.cfg.Queue; i++ {
		p.polls.Post(struct{}{})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return p.commands.Len() == 0 && p.polls.Len() == 0
	}, time.Second, time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, 1, drv.offs)
}
