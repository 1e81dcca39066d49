// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"fmt"

	"github.com/Thermoquad/packwatch/pkg/bms"
)

// Event is a message in the charge controller's inbox
type Event interface {
	event()
}

// TelemetryUpdated carries a copy of the decoded snapshot
type TelemetryUpdated struct {
	Snapshot bms.Snapshot
}

// NoBattery is published in place of TelemetryUpdated when nothing has been
// decoded yet
type NoBattery struct{}

// ConnectionLost is published when the battery stops talking
type ConnectionLost struct{}

// PowerStatus is the power supply state as seen by its monitor
type PowerStatus struct {
	Present     bool
	OutputOn    bool
	Voltage     float64
	Current     float64
	Temperature float64
}

func (p PowerStatus) String() string {
	if !p.Present {
		return "absent"
	}
	out := "off"
	if p.OutputOn {
		out = "on"
	}
	return fmt.Sprintf("%s %.2fV %.2fA %.1f°C", out, p.Voltage, p.Current, p.Temperature)
}

// StartRequested asks the controller to begin charging
type StartRequested struct{}

// StopRequested asks the controller to end charging
type StopRequested struct{}

// Timer firings. Each kind has one meaning and carries the generation of
// the arm that produced it.
type (
	uiRefreshFired     struct{ gen uint64 }
	chargeTimeoutFired struct{ gen uint64 }
	offWatchdogFired   struct{ gen uint64 }
)

func (TelemetryUpdated) event()   {}
func (NoBattery) event()          {}
func (ConnectionLost) event()     {}
func (PowerStatus) event()        {}
func (StartRequested) event()     {}
func (StopRequested) event()      {}
func (uiRefreshFired) event()     {}
func (chargeTimeoutFired) event() {}
func (offWatchdogFired) event()   {}

// Poster accepts events without blocking
type Poster interface {
	Post(Event) bool
}

// PowerControl accepts power supply commands without blocking
type PowerControl interface {
	RequestSetpoint(volts, amps float64)
	RequestOff()
}
