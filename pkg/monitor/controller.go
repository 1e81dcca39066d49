// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// ChargeConfig sets the charge sequence setpoint, limits and timers
type ChargeConfig struct {
	Voltage         float64
	Current         float64
	Duration        time.Duration
	MaxTemp         float64
	OffWatchdog     time.Duration
	OffRetries      int
	UIRefresh       time.Duration
	SummaryInterval time.Duration
	DetailInterval  time.Duration
	InboxSize       int
}

// DefaultChargeConfig charges at 12 V / 1 A for a minute below 35 °C
func DefaultChargeConfig() ChargeConfig {
	return ChargeConfig{
		Voltage:         12.0,
		Current:         1.0,
		Duration:        60 * time.Second,
		MaxTemp:         35.0,
		OffWatchdog:     300 * time.Millisecond,
		OffRetries:      10,
		UIRefresh:       500 * time.Millisecond,
		SummaryInterval: 120 * time.Millisecond,
		DetailInterval:  250 * time.Millisecond,
		InboxSize:       16,
	}
}

// State is a charge controller state. All states nest under Running.
type State uint8

const (
	StateWait State = iota
	StateDetect
	StateCharge
	StatePoweringDown
)

func (s State) String() string {
	switch s {
	case StateWait:
		return "Wait"
	case StateDetect:
		return "Detect"
	case StateCharge:
		return "Charge"
	case StatePoweringDown:
		return "PoweringDown"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Summary reasons
const (
	ReasonUpdated        = "BMS updated"
	ReasonReady          = "ready to charge"
	ReasonCharging       = "charging"
	ReasonPSUAbsent      = "PSU not present"
	ReasonNotRecoverable = "not recoverable"
	ReasonNewError       = "Stopped: new error"
	ReasonFault          = "Stopped: fault"
	ReasonTimeout        = "Stopped: timeout"
	ReasonBMSLost        = "Stopped: BMS lost"
	ReasonUser           = "Stopped: user"
	ReasonPSULost        = "Stopped: PSU lost"
	ReasonOffConfirmed   = "power off confirmed"
	ReasonOffUnconfirmed = "Stopped: PSU off unconfirmed"
)

// Charge stop causes, used as metric labels
const (
	stopTemperature = "temperature"
	stopNewError    = "error"
	stopFault       = "fault"
	stopTimeout     = "timeout"
	stopBMSLost     = "bms_lost"
	stopUser        = "user"
	stopPSULost     = "psu_lost"
)

// Controller is the charge-control state machine. It consumes telemetry and
// supply status from its inbox, commands the supply through PowerControl
// and drives the display.
type Controller struct {
	cfg     ChargeConfig
	clk     clockwork.Clock
	log     *zap.Logger
	metrics *metrics.Metrics
	psu     PowerControl
	display Display
	newID   func() string

	inbox *Mailbox[Event]

	state      State
	shared     atomic.Uint32 // state, for readers outside the actor
	page       Page
	last       bms.Snapshot
	haveData   bool
	power      PowerStatus
	session    string
	stopReason string
	offTries   int

	uiRefresh   softTimer
	chargeTimer softTimer
	offWatchdog softTimer

	summaryGate publishGate
	detailGate  publishGate
}

// NewController creates the controller in Wait
func NewController(cfg ChargeConfig, psu PowerControl, display Display, clk clockwork.Clock, m *metrics.Metrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	if display == nil {
		display = Displays(nil)
	}
	c := &Controller{
		cfg:         cfg,
		clk:         clk,
		log:         logger.Named("charge"),
		metrics:     m,
		psu:         psu,
		display:     display,
		newID:       uuid.NewString,
		inbox:       NewMailbox[Event]("controller", cfg.InboxSize, DropOldest, m),
		state:       StateWait,
		page:        PageWait,
		uiRefresh:   newSoftTimer(clk),
		chargeTimer: newSoftTimer(clk),
		offWatchdog: newSoftTimer(clk),
		summaryGate: publishGate{interval: cfg.SummaryInterval},
		detailGate:  publishGate{interval: cfg.DetailInterval},
	}
	c.shared.Store(uint32(c.state))
	return c
}

// Post queues an event, dropping the oldest queued event when full
func (c *Controller) Post(ev Event) bool {
	return c.inbox.Post(ev)
}

// RequestStart asks to begin a charge
func (c *Controller) RequestStart() {
	c.Post(StartRequested{})
}

// RequestStop asks to end a charge
func (c *Controller) RequestStop() {
	c.Post(StopRequested{})
}

// Inbox exposes the controller mailbox for drop accounting
func (c *Controller) Inbox() *Mailbox[Event] {
	return c.inbox
}

// Run processes events until ctx is done
func (c *Controller) Run(ctx context.Context) {
	c.log.Info("charge controller started", zap.Stringer("state", c.state))
	defer c.disarmAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-c.inbox.C():
			c.Dispatch(ev)
		}
	}
}

// State returns the state as of the last completed transition. Safe from
// any goroutine.
func (c *Controller) State() State {
	return State(c.shared.Load())
}

// Session returns the current charge session id, empty outside a charge
func (c *Controller) Session() string {
	return c.session
}

// Dispatch runs one event to completion. The state handler sees it first;
// anything it leaves unhandled falls through to Running.
func (c *Controller) Dispatch(ev Event) {
	var handled bool
	switch c.state {
	case StateWait:
		handled = c.onWait(ev)
	case StateDetect:
		handled = c.onDetect(ev)
	case StateCharge:
		handled = c.onCharge(ev)
	case StatePoweringDown:
		handled = c.onPoweringDown(ev)
	default:
		c.invariant("unknown_state", zap.Stringer("state", c.state))
		c.transition(StateWait)
		return
	}
	if !handled {
		c.onRunning(ev)
	}
}

// onRunning handles state-independent bookkeeping
func (c *Controller) onRunning(ev Event) {
	switch e := ev.(type) {
	case PowerStatus:
		if e.Present != c.power.Present {
			c.log.Info("supply status", zap.Stringer("status", e))
		}
		c.power = e
	case TelemetryUpdated:
		c.last = e.Snapshot
		c.haveData = true
	case StartRequested:
		c.log.Debug("start ignored", zap.Stringer("state", c.state))
	case StopRequested:
		c.log.Debug("stop ignored", zap.Stringer("state", c.state))
	case NoBattery, ConnectionLost:
	case uiRefreshFired, chargeTimeoutFired, offWatchdogFired:
		c.log.Debug("stale timer ignored",
			zap.String("timer", fmt.Sprintf("%T", e)),
			zap.Stringer("state", c.state))
	default:
		c.log.Warn("unexpected event", zap.String("event", fmt.Sprintf("%T", e)))
	}
}

// -----------------------------------------------------------------------------
// Wait: no battery yet
// -----------------------------------------------------------------------------

func (c *Controller) onWait(ev Event) bool {
	switch e := ev.(type) {
	case TelemetryUpdated:
		c.last = e.Snapshot
		c.haveData = true
		c.showPage(PageMain)
		c.publish(false, ReasonUpdated, true)
		c.transition(StateDetect)
		return true
	case NoBattery, ConnectionLost:
		return true
	}
	return false
}

// -----------------------------------------------------------------------------
// Detect: battery present, idle
// -----------------------------------------------------------------------------

func (c *Controller) onDetect(ev Event) bool {
	switch e := ev.(type) {
	case TelemetryUpdated:
		c.last = e.Snapshot
		c.haveData = true
		c.publish(false, ReasonReady, false)
		return true
	case uiRefreshFired:
		if !c.uiRefresh.Fired(e.gen) {
			return false
		}
		c.publish(false, ReasonReady, false)
		c.armUIRefresh()
		return true
	case ConnectionLost:
		c.haveData = false
		c.showPage(PageWait)
		c.transition(StateWait)
		return true
	case StartRequested:
		c.start()
		return true
	}
	return false
}

func (c *Controller) start() {
	switch {
	case !c.power.Present:
		c.log.Warn("start rejected", zap.String("reason", ReasonPSUAbsent))
		c.publish(false, ReasonPSUAbsent, true)
	case !c.last.Chargeable():
		c.log.Warn("start rejected",
			zap.String("reason", ReasonNotRecoverable),
			zap.Bool("faulted", c.last.Faulted),
			zap.Uint8("error_class", c.last.ErrorClass))
		c.publish(false, ReasonNotRecoverable, true)
	default:
		c.transition(StateCharge)
	}
}

// -----------------------------------------------------------------------------
// Charge: supply on, guarded by temperature, errors and the duration timer
// -----------------------------------------------------------------------------

func (c *Controller) onCharge(ev Event) bool {
	switch e := ev.(type) {
	case TelemetryUpdated:
		c.last = e.Snapshot
		c.haveData = true
		switch {
		case c.last.MaxTemp() > c.cfg.MaxTemp:
			c.stop(stopTemperature, fmt.Sprintf("Stopped: temp > %.0fC", c.cfg.MaxTemp))
		case c.last.ErrorClass != 0:
			c.stop(stopNewError, ReasonNewError)
		case c.last.Faulted:
			c.stop(stopFault, ReasonFault)
		default:
			c.publish(true, ReasonCharging, false)
		}
		return true
	case chargeTimeoutFired:
		if !c.chargeTimer.Fired(e.gen) {
			return false
		}
		c.stop(stopTimeout, ReasonTimeout)
		return true
	case ConnectionLost:
		c.haveData = false
		c.stop(stopBMSLost, ReasonBMSLost)
		return true
	case StopRequested:
		c.stop(stopUser, ReasonUser)
		return true
	case PowerStatus:
		c.power = e
		if !e.Present {
			c.stop(stopPSULost, ReasonPSULost)
		}
		return true
	}
	return false
}

func (c *Controller) stop(cause, reason string) {
	c.log.Info("charge stopping",
		zap.String("session", c.session),
		zap.String("reason", reason),
		zap.Float64("temp", c.last.MaxTemp()),
		zap.Uint8("error_class", c.last.ErrorClass))
	c.metrics.ChargeStop(cause)
	c.stopReason = reason
	c.psu.RequestOff()
	c.publish(false, reason, true)
	c.transition(StatePoweringDown)
}

// -----------------------------------------------------------------------------
// PoweringDown: repeat the off command until the supply confirms it
// -----------------------------------------------------------------------------

func (c *Controller) onPoweringDown(ev Event) bool {
	switch e := ev.(type) {
	case PowerStatus:
		c.power = e
		if e.Present && !e.OutputOn {
			c.log.Info("power off confirmed",
				zap.String("session", c.session),
				zap.String("stop_reason", c.stopReason),
				zap.Int("attempts", c.offTries+1))
			c.finishPowerDown(ReasonOffConfirmed)
		}
		return true
	case offWatchdogFired:
		if !c.offWatchdog.Fired(e.gen) {
			return false
		}
		c.offTries++
		if c.offTries >= c.cfg.OffRetries {
			c.invariant("power_off_unconfirmed",
				zap.String("session", c.session),
				zap.Int("attempts", c.offTries),
				zap.Stringer("supply", c.power))
			c.finishPowerDown(ReasonOffUnconfirmed)
			return true
		}
		c.log.Debug("power off not confirmed, retrying", zap.Int("attempt", c.offTries))
		c.psu.RequestOff()
		c.armOffWatchdog()
		return true
	case TelemetryUpdated:
		c.last = e.Snapshot
		c.haveData = true
		return true
	case ConnectionLost:
		c.haveData = false
		return true
	case StartRequested:
		c.log.Info("start ignored while powering down")
		return true
	}
	return false
}

func (c *Controller) finishPowerDown(reason string) {
	if !c.haveData {
		c.showPage(PageWait)
		c.transition(StateWait)
		return
	}
	c.publish(false, reason, true)
	c.transition(StateDetect)
}

// -----------------------------------------------------------------------------
// Transitions
// -----------------------------------------------------------------------------

func (c *Controller) transition(to State) {
	from := c.state
	c.exit(from)
	c.state = to
	c.shared.Store(uint32(to))
	c.log.Debug("state transition", zap.Stringer("from", from), zap.Stringer("to", to))
	c.enter(to)
}

func (c *Controller) enter(s State) {
	switch s {
	case StateWait:
		c.session = ""
	case StateDetect:
		c.session = ""
		c.armUIRefresh()
	case StateCharge:
		// The only place a setpoint is ever issued
		c.session = c.newID()
		c.stopReason = ""
		c.log.Info("charge started",
			zap.String("session", c.session),
			zap.Float64("volts", c.cfg.Voltage),
			zap.Float64("amps", c.cfg.Current),
			zap.Duration("duration", c.cfg.Duration))
		c.psu.RequestSetpoint(c.cfg.Voltage, c.cfg.Current)
		c.publish(true, ReasonCharging, true)
		c.chargeTimer.Arm(c.cfg.Duration, func(gen uint64) {
			c.Post(chargeTimeoutFired{gen: gen})
		})
	case StatePoweringDown:
		c.offTries = 0
		c.psu.RequestOff()
		c.armOffWatchdog()
	}
}

func (c *Controller) exit(s State) {
	switch s {
	case StateDetect:
		c.uiRefresh.Disarm()
	case StateCharge:
		c.chargeTimer.Disarm()
	case StatePoweringDown:
		c.offWatchdog.Disarm()
	}
}

func (c *Controller) armUIRefresh() {
	c.uiRefresh.Arm(c.cfg.UIRefresh, func(gen uint64) {
		c.Post(uiRefreshFired{gen: gen})
	})
}

func (c *Controller) armOffWatchdog() {
	c.offWatchdog.Arm(c.cfg.OffWatchdog, func(gen uint64) {
		c.Post(offWatchdogFired{gen: gen})
	})
}

func (c *Controller) disarmAll() {
	c.uiRefresh.Disarm()
	c.chargeTimer.Disarm()
	c.offWatchdog.Disarm()
}

func (c *Controller) invariant(kind string, fields ...zap.Field) {
	c.metrics.InvariantViolation(kind)
	c.log.Error("invariant violation", append([]zap.Field{zap.String("kind", kind)}, fields...)...)
}

// -----------------------------------------------------------------------------
// Display
// -----------------------------------------------------------------------------

func (c *Controller) showPage(p Page) {
	if p == c.page {
		return
	}
	c.page = p
	c.summaryGate.reset()
	c.detailGate.reset()
	c.display.ShowPage(PageChange{Page: p, At: c.clk.Now()})
}

// publish sends the summary and detail pages if they changed and their rate
// limit allows. Urgent summaries carry a state change and skip the rate
// limit, never the change check.
func (c *Controller) publish(charging bool, reason string, urgent bool) {
	if c.page != PageMain {
		return
	}
	now := c.clk.Now()

	if c.summaryGate.allow(now, summaryHash(&c.last, charging, reason), urgent) {
		c.display.UpdateSummary(c.summary(now, charging, reason))
		c.metrics.Publish("summary", false)
	} else {
		c.metrics.Publish("summary", true)
	}

	if c.detailGate.allow(now, detailHash(&c.last), false) {
		c.display.UpdateDetail(c.detail(now))
		c.metrics.Publish("detail", false)
	} else {
		c.metrics.Publish("detail", true)
	}
}

func (c *Controller) summary(now time.Time, charging bool, reason string) SummaryUpdate {
	s := &c.last
	fault := s.Fault()
	recovery := s.Recovery()

	faultText := "None"
	if fault.Active() {
		faultText = fault.Reason
	}
	return SummaryUpdate{
		Session:       c.session,
		Family:        s.Family.String(),
		TypeLabel:     s.Family.Label(),
		TypeColor:     s.Family.Color(),
		PackVoltage:   s.PackVoltage,
		SOC:           s.SOC,
		Status:        bms.StateText(s.State),
		Fault:         faultText,
		Severity:      fault.Severity.String(),
		Domains:       fault.Domains.String(),
		WarnIcon:      s.Faulted || s.FaultBits != 0,
		Charging:      charging,
		Recovery:      recovery.Label(),
		RecoveryColor: recovery.Color(),
		Reason:        reason,
		At:            now,
	}
}

func (c *Controller) detail(now time.Time) DetailUpdate {
	s := &c.last
	faultText := "None"
	if s.FaultBits != 0 {
		faultText = fmt.Sprintf("0x%02X", s.FaultBits)
	}
	return DetailUpdate{
		HighCell:    s.HighCell,
		LowCell:     s.LowCell,
		AvgCell:     s.AverageCell(),
		TempHigh:    s.TempHigh,
		TempLow:     s.TempLow,
		Serial:      s.SerialText(),
		Firmware:    s.FirmwareText(),
		FanRPM:      s.FanRPM,
		SOC:         s.SOC,
		SOC2:        s.SOC,
		Current:     s.Current(),
		PackVoltage: s.PackVoltage,
		State:       bms.StateText(s.State),
		Fault:       faultText,
		At:          now,
	}
}
