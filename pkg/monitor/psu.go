// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/cotek"
	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// PowerDriver is the register-level supply interface, implemented by
// cotek.Driver
type PowerDriver interface {
	// Read polls the supply. ok counts the registers read successfully.
	Read(ctx context.Context) (r cotek.Reading, ok int, err error)
	Apply(ctx context.Context, volts, amps float64) error
	Off(ctx context.Context) error
}

// PSUConfig sets the supply monitor's polling and reporting thresholds
type PSUConfig struct {
	Poll            time.Duration
	PresenceTimeout time.Duration
	IOTimeout       time.Duration
	VoltHysteresis  float64
	CurrHysteresis  float64
	TempHysteresis  float64
	Queue           int
}

// DefaultPSUConfig polls at 5 Hz and drops presence after 1 s of silence
func DefaultPSUConfig() PSUConfig {
	return PSUConfig{
		Poll:            200 * time.Millisecond,
		PresenceTimeout: time.Second,
		IOTimeout:       100 * time.Millisecond,
		VoltHysteresis:  0.05,
		CurrHysteresis:  0.05,
		TempHysteresis:  0.5,
		Queue:           8,
	}
}

type psuCommandKind uint8

const (
	psuSetpoint psuCommandKind = iota
	psuOff
)

type psuCommand struct {
	kind  psuCommandKind
	volts float64
	amps  float64
}

// PSUMonitor polls the supply, derives presence from reply timeliness and
// reports status changes to the controller
type PSUMonitor struct {
	cfg     PSUConfig
	clk     clockwork.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	drv     PowerDriver
	out     Poster

	// Commands never share a queue with polls, so a poll backlog cannot
	// evict an off. A pending poll absorbs later ones.
	commands *Mailbox[psuCommand]
	polls    *Mailbox[struct{}]
	stopped  atomic.Bool

	age         int
	maxAge      int // age at which presence is lost
	status      PowerStatus
	reported    PowerStatus
	hasReported bool
	forceReport bool
	commandedOn bool
	setVolts    float64
	setAmps     float64
}

// NewPSUMonitor creates the actor. Status changes go to out.
func NewPSUMonitor(cfg PSUConfig, drv PowerDriver, out Poster, clk clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *PSUMonitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxAge := 1
	if cfg.Poll > 0 {
		maxAge = int(cfg.PresenceTimeout / cfg.Poll)
	}
	return &PSUMonitor{
		cfg:     cfg,
		clk:     clk,
		log:     logger.Named("psu"),
		metrics: m,
		drv:     drv,
		out:     out,
		age:     maxAge + 1,
		maxAge:  maxAge,

		commands: NewMailbox[psuCommand]("psu", cfg.Queue, DropOldest, m),
		polls:    NewMailbox[struct{}]("psu_poll", 1, DropNewest, nil),
	}
}

// RequestSetpoint asks for the output to be programmed and switched on
func (p *PSUMonitor) RequestSetpoint(volts, amps float64) {
	p.commands.Post(psuCommand{kind: psuSetpoint, volts: volts, amps: amps})
}

// RequestOff asks for the output to be switched off
func (p *PSUMonitor) RequestOff() {
	p.commands.Post(psuCommand{kind: psuOff})
}

// Run polls and executes commands until ctx is done
func (p *PSUMonitor) Run(ctx context.Context) {
	p.stopped.Store(false)
	p.armPoll()
	defer p.stopped.Store(true)

	for {
		// Queued commands run before a due poll
		select {
		case cmd := <-p.commands.C():
			p.handle(ctx, cmd)
			continue
		default:
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-p.commands.C():
			p.handle(ctx, cmd)
		case <-p.polls.C():
			p.Poll(ctx)
		}
	}
}

func (p *PSUMonitor) armPoll() {
	p.clk.AfterFunc(p.cfg.Poll, func() {
		if p.stopped.Load() {
			return
		}
		p.polls.Post(struct{}{})
		p.armPoll()
	})
}

func (p *PSUMonitor) handle(ctx context.Context, cmd psuCommand) {
	switch cmd.kind {
	case psuSetpoint:
		p.Setpoint(ctx, cmd.volts, cmd.amps)
	case psuOff:
		p.Off(ctx)
	}
}

func (p *PSUMonitor) ioContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.cfg.IOTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.cfg.IOTimeout)
}

// Present reports whether the supply has answered recently
func (p *PSUMonitor) Present() bool {
	return p.age <= p.maxAge
}

// Commanded returns the last setpoint and whether the output should be on
func (p *PSUMonitor) Commanded() (on bool, volts, amps float64) {
	return p.commandedOn, p.setVolts, p.setAmps
}

// Status returns the last known supply state
func (p *PSUMonitor) Status() PowerStatus {
	return p.status
}

// Poll reads the supply once and reports if anything moved
func (p *PSUMonitor) Poll(ctx context.Context) {
	ioCtx, cancel := p.ioContext(ctx)
	r, ok, err := p.drv.Read(ioCtx)
	cancel()

	switch {
	case ok == 0:
		if p.age <= p.maxAge {
			p.age++
		}
		p.metrics.PSUReadError()
		p.log.Debug("supply read failed", zap.Int("age", p.age), zap.Error(err))
	case err != nil:
		// Partial read: the supply is alive but the fields are suspect
		p.age = 0
		p.metrics.PSUReadError()
		p.log.Debug("partial supply read", zap.Int("registers", ok), zap.Error(err))
	default:
		p.age = 0
		p.status.OutputOn = r.OutputOn
		p.status.Voltage = r.Voltage
		p.status.Current = r.Current
		p.status.Temperature = r.Temperature
	}

	wasPresent := p.status.Present
	p.status.Present = p.Present()
	if wasPresent != p.status.Present {
		p.metrics.PSUPresent(p.status.Present)
		p.log.Info("supply presence changed", zap.Bool("present", p.status.Present))
	}
	p.report(false)
}

// Setpoint programs the supply unless it is absent, then reports the
// commanded values until the next poll reads them back
func (p *PSUMonitor) Setpoint(ctx context.Context, volts, amps float64) {
	if !p.Present() {
		p.log.Warn("setpoint ignored, supply not present",
			zap.Float64("volts", volts), zap.Float64("amps", amps))
		return
	}

	ioCtx, cancel := p.ioContext(ctx)
	err := p.drv.Apply(ioCtx, volts, amps)
	cancel()
	if err != nil {
		p.log.Warn("setpoint failed", zap.Error(err))
		return
	}

	p.commandedOn = true
	p.setVolts, p.setAmps = volts, amps
	p.status.OutputOn = true
	p.status.Voltage = volts
	p.status.Current = amps
	p.log.Info("setpoint applied", zap.Float64("volts", volts), zap.Float64("amps", amps))
	p.report(true)
}

// Off switches the output off regardless of presence. The next poll is
// always reported so the controller can confirm the readback.
func (p *PSUMonitor) Off(ctx context.Context) {
	p.commandedOn = false
	p.forceReport = true

	ioCtx, cancel := p.ioContext(ctx)
	err := p.drv.Off(ioCtx)
	cancel()
	if err != nil {
		p.log.Warn("power off failed", zap.Error(err))
		return
	}
	p.log.Info("power off sent")
}

func (p *PSUMonitor) report(force bool) {
	force = force || p.forceReport
	if p.hasReported && !force && !p.moved() {
		return
	}
	p.forceReport = false
	p.reported = p.status
	p.hasReported = true
	p.out.Post(p.status)
}

func (p *PSUMonitor) moved() bool {
	prev, cur := p.reported, p.status
	return prev.Present != cur.Present ||
		prev.OutputOn != cur.OutputOn ||
		math.Abs(prev.Voltage-cur.Voltage) > p.cfg.VoltHysteresis ||
		math.Abs(prev.Current-cur.Current) > p.cfg.CurrHysteresis ||
		math.Abs(prev.Temperature-cur.Temperature) > p.cfg.TempHysteresis
}
