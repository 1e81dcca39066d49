// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/monitor"
)

// Log writes display updates as structured log lines, for headless runs
type Log struct {
	log *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{log: logger.Named("display")}
}

func (l *Log) ShowPage(p monitor.PageChange) {
	l.log.Info("page", zap.Stringer("page", p.Page))
}

func (l *Log) UpdateSummary(u monitor.SummaryUpdate) {
	l.log.Info("summary",
		zap.String("family", u.Family),
		zap.Float64("pack_v", u.PackVoltage),
		zap.Uint8("soc", u.SOC),
		zap.String("status", u.Status),
		zap.String("fault", u.Fault),
		zap.String("recovery", u.Recovery),
		zap.Bool("charging", u.Charging),
		zap.String("reason", u.Reason),
		zap.String("session", u.Session))
}

func (l *Log) UpdateDetail(u monitor.DetailUpdate) {
	l.log.Debug("detail",
		zap.Float64("cell_high", u.HighCell),
		zap.Float64("cell_low", u.LowCell),
		zap.Float64("temp_high", u.TempHigh),
		zap.Float64("temp_low", u.TempLow),
		zap.Float64("current", u.Current),
		zap.Uint16("fan_rpm", u.FanRPM),
		zap.String("serial", u.Serial),
		zap.String("firmware", u.Firmware))
}
