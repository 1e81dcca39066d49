// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/canbus"
	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// TelemetryConfig sets the telemetry actor's cadence
type TelemetryConfig struct {
	Tick         time.Duration
	PublishEvery int
	Watchdog     time.Duration
	FrameQueue   int
}

// DefaultTelemetryConfig ticks at 10 Hz, publishes at 2 Hz and declares
// the battery lost after 1.5 s of silence
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Tick:         100 * time.Millisecond,
		PublishEvery: 5,
		Watchdog:     1500 * time.Millisecond,
		FrameQueue:   64,
	}
}

// TelemetryActor owns the decoded snapshot. Frames arrive through Ingest;
// a periodic tick publishes the snapshot and watches for silence.
type TelemetryActor struct {
	cfg     TelemetryConfig
	clk     clockwork.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	dec     *bms.Decoder
	out     Poster

	frames  *Mailbox[canbus.Frame]
	ticks   *Mailbox[time.Time]
	stopped atomic.Bool

	snap      bms.Snapshot
	det       bms.DetectState
	haveData  bool
	tickCount int
	lastFrame time.Time
}

// NewTelemetryActor creates the actor. Published events go to out.
func NewTelemetryActor(cfg TelemetryConfig, dec *bms.Decoder, out Poster, clk clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *TelemetryActor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PublishEvery < 1 {
		cfg.PublishEvery = 1
	}
	return &TelemetryActor{
		cfg:     cfg,
		clk:     clk,
		log:     logger.Named("telemetry"),
		metrics: m,
		dec:     dec,
		out:     out,
		frames:  NewMailbox[canbus.Frame]("frames", cfg.FrameQueue, DropNewest, m),
		ticks:   NewMailbox[time.Time]("telemetry_tick", 1, DropNewest, nil),
	}
}

// Ingest queues a received frame. It never blocks; when the queue is full
// the frame is dropped and false is returned.
func (a *TelemetryActor) Ingest(f canbus.Frame) bool {
	return a.frames.Post(f)
}

// Frames exposes the ingress mailbox for drop accounting
func (a *TelemetryActor) Frames() *Mailbox[canbus.Frame] {
	return a.frames
}

// Run processes frames and ticks until ctx is done
func (a *TelemetryActor) Run(ctx context.Context) {
	a.lastFrame = a.clk.Now()
	a.stopped.Store(false)
	a.armTick()
	defer a.stopped.Store(true)

	for {
		select {
		case <-ctx.Done():
			return
		case f := <-a.frames.C():
			a.HandleFrame(f)
		case now := <-a.ticks.C():
			a.Tick(now)
		}
	}
}

// armTick chains one-shot callbacks into a periodic tick that stops once
// Run returns
func (a *TelemetryActor) armTick() {
	a.clk.AfterFunc(a.cfg.Tick, func() {
		if a.stopped.Load() {
			return
		}
		a.ticks.Post(a.clk.Now())
		a.armTick()
	})
}

// HandleFrame decodes one frame into the snapshot
func (a *TelemetryActor) HandleFrame(f canbus.Frame) {
	if !a.dec.Decode(f, &a.snap, &a.det) {
		a.metrics.Frame(metrics.FrameUnused)
		return
	}
	a.metrics.Frame(metrics.FrameRecognized)
	if !a.haveData {
		a.log.Info("battery traffic detected", zap.String("frame", f.String()))
	}
	a.haveData = true
	a.lastFrame = a.clk.Now()
}

// Tick advances the publish counter and checks the watchdog
func (a *TelemetryActor) Tick(now time.Time) {
	a.tickCount++
	if a.tickCount >= a.cfg.PublishEvery {
		a.tickCount = 0
		a.publish()
	}

	if a.haveData && now.Sub(a.lastFrame) > a.cfg.Watchdog {
		a.log.Warn("battery connection lost",
			zap.Duration("silence", now.Sub(a.lastFrame)),
			zap.Stringer("family", a.snap.Family))
		a.metrics.CommsLost()
		a.post(ConnectionLost{})
		a.dec.Reset(&a.snap, &a.det)
		a.haveData = false
	}
}

func (a *TelemetryActor) publish() {
	if !a.haveData {
		a.post(NoBattery{})
		return
	}
	a.metrics.Battery(uint16(a.snap.Family), a.snap.PackVoltage, a.snap.SOC)
	a.post(TelemetryUpdated{Snapshot: a.snap})
}

func (a *TelemetryActor) post(ev Event) {
	if !a.out.Post(ev) {
		a.log.Debug("controller inbox full, oldest event dropped")
	}
}

// Snapshot returns a copy of the current snapshot. Only safe from the
// actor's own goroutine or when the actor is not running.
func (a *TelemetryActor) Snapshot() bms.Snapshot {
	return a.snap
}

// Detect returns the classifier state. Same rules as Snapshot.
func (a *TelemetryActor) Detect() bms.DetectState {
	return a.det
}

// HaveData reports whether any frame has been recognized since the last
// reset
func (a *TelemetryActor) HaveData() bool {
	return a.haveData
}
