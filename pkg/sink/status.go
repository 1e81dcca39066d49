// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sink delivers the charge controller's display updates to the
// outside world: MQTT, Kafka, an HTTP status API and the log.
package sink

import (
	"sync"
	"time"

	"github.com/Thermoquad/packwatch/pkg/monitor"
)

// Controls is the user input side of the charge controller
type Controls interface {
	RequestStart()
	RequestStop()
}

// StatusView is a point-in-time copy of the latest display state
type StatusView struct {
	Page    string                 `json:"page"`
	Summary *monitor.SummaryUpdate `json:"summary,omitempty"`
	Detail  *monitor.DetailUpdate  `json:"detail,omitempty"`
	Updated time.Time              `json:"updated"`
}

// Status keeps the latest display updates for readers on other goroutines
type Status struct {
	mu      sync.RWMutex
	page    monitor.Page
	summary *monitor.SummaryUpdate
	detail  *monitor.DetailUpdate
	updated time.Time
}

// NewStatus starts on the wait page
func NewStatus() *Status {
	return &Status{page: monitor.PageWait}
}

func (s *Status) ShowPage(p monitor.PageChange) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = p.Page
	s.updated = p.At
	if p.Page == monitor.PageWait {
		s.summary = nil
		s.detail = nil
	}
}

func (s *Status) UpdateSummary(u monitor.SummaryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summary = &u
	s.updated = u.At
}

func (s *Status) UpdateDetail(u monitor.DetailUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detail = &u
	s.updated = u.At
}

// View returns a copy safe to hold after the lock is released
func (s *Status) View() StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v := StatusView{Page: s.page.String(), Updated: s.updated}
	if s.summary != nil {
		sum := *s.summary
		v.Summary = &sum
	}
	if s.detail != nil {
		det := *s.detail
		v.Detail = &det
	}
	return v
}
