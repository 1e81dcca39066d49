// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// Page is the display screen the controller asks for
type Page uint8

const (
	PageWait Page = iota + 1
	PageMain
)

func (p Page) String() string {
	switch p {
	case PageWait:
		return "wait"
	case PageMain:
		return "main"
	default:
		return "unknown"
	}
}

// PageChange switches the display screen
type PageChange struct {
	Page Page      `json:"page"`
	At   time.Time `json:"at"`
}

// SummaryUpdate is the compact pack overview
type SummaryUpdate struct {
	Session       string    `json:"session,omitempty"`
	Family        string    `json:"family"`
	TypeLabel     string    `json:"type_label"`
	TypeColor     uint16    `json:"type_color"`
	PackVoltage   float64   `json:"pack_voltage"`
	SOC           uint8     `json:"soc"`
	Status        string    `json:"status"`
	Fault         string    `json:"fault"`
	Severity      string    `json:"severity"`
	Domains       string    `json:"domains"`
	WarnIcon      bool      `json:"warn_icon"`
	Charging      bool      `json:"charging"`
	Recovery      string    `json:"recovery"`
	RecoveryColor uint16    `json:"recovery_color"`
	Reason        string    `json:"reason"`
	At            time.Time `json:"at"`
}

// DetailUpdate is the full pack readout
type DetailUpdate struct {
	HighCell    float64   `json:"high_cell"`
	LowCell     float64   `json:"low_cell"`
	AvgCell     float64   `json:"avg_cell"`
	TempHigh    float64   `json:"temp_high"`
	TempLow     float64   `json:"temp_low"`
	Serial      string    `json:"serial"`
	Firmware    string    `json:"firmware"`
	FanRPM      uint16    `json:"fan_rpm"`
	SOC         uint8     `json:"soc"`
	SOC2        uint8     `json:"soc2"`
	Current     float64   `json:"current"`
	PackVoltage float64   `json:"pack_voltage"`
	State       string    `json:"state"`
	Fault       string    `json:"fault"`
	At          time.Time `json:"at"`
}

// Display receives the controller's screen updates. Implementations must
// not block the caller for long; wrap slow sinks with NewAsyncDisplay.
type Display interface {
	ShowPage(PageChange)
	UpdateSummary(SummaryUpdate)
	UpdateDetail(DetailUpdate)
}

// Displays fans updates out to several sinks
type Displays []Display

func (ds Displays) ShowPage(p PageChange) {
	for _, d := range ds {
		d.ShowPage(p)
	}
}

func (ds Displays) UpdateSummary(s SummaryUpdate) {
	for _, d := range ds {
		d.UpdateSummary(s)
	}
}

func (ds Displays) UpdateDetail(u DetailUpdate) {
	for _, d := range ds {
		d.UpdateDetail(u)
	}
}

// AsyncDisplay delivers updates to a sink from its own goroutine. When the
// sink falls behind the oldest queued update is dropped.
type AsyncDisplay struct {
	sink  Display
	inbox *Mailbox[any]
	log   *zap.Logger
}

// NewAsyncDisplay wraps sink with a queue of size updates
func NewAsyncDisplay(name string, sink Display, size int, m *metrics.Metrics, logger *zap.Logger) *AsyncDisplay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncDisplay{
		sink:  sink,
		inbox: NewMailbox[any]("display_"+name, size, DropOldest, m),
		log:   logger.Named(name),
	}
}

func (a *AsyncDisplay) ShowPage(p PageChange)         { a.inbox.Post(p) }
func (a *AsyncDisplay) UpdateSummary(s SummaryUpdate) { a.inbox.Post(s) }
func (a *AsyncDisplay) UpdateDetail(u DetailUpdate)   { a.inbox.Post(u) }

// Run delivers queued updates until ctx is done
func (a *AsyncDisplay) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-a.inbox.C():
			a.deliver(msg)
		}
	}
}

func (a *AsyncDisplay) deliver(msg any) {
	switch m := msg.(type) {
	case PageChange:
		a.sink.ShowPage(m)
	case SummaryUpdate:
		a.sink.UpdateSummary(m)
	case DetailUpdate:
		a.sink.UpdateDetail(m)
	default:
		a.log.Warn("unexpected display message", zap.Any("message", msg))
	}
}
