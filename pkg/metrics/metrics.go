// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package metrics exposes packwatch counters to Prometheus. All methods are
// safe on a nil *Metrics, which records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "packwatch"

// Metrics holds the collectors and the registry they are registered with
type Metrics struct {
	registry *prometheus.Registry

	frames        *prometheus.CounterVec
	mailboxDrops  *prometheus.CounterVec
	commsLost     prometheus.Counter
	transitions   *prometheus.CounterVec
	invariants    *prometheus.CounterVec
	publishes     *prometheus.CounterVec
	chargeStops   *prometheus.CounterVec
	psuErrors     prometheus.Counter
	psuPresent    prometheus.Gauge
	packVoltage   prometheus.Gauge
	stateOfCharge prometheus.Gauge
	family        prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	sinkFailures  *prometheus.CounterVec
	reconnects    prometheus.Counter
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "CAN frames received, by outcome (recognized, unused, filtered, line_error).",
		}, []string{"result"}),
		mailboxDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mailbox_drops_total",
			Help:      "Messages dropped because an actor mailbox was full.",
		}, []string{"mailbox"}),
		commsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "comms_lost_total",
			Help:      "Times the battery watchdog declared the connection lost.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classification_transitions_total",
			Help:      "Battery family classification changes, by cause.",
		}, []string{"cause"}),
		invariants: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "invariant_violations_total",
			Help:      "Internal invariant violations, by kind.",
		}, []string{"kind"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "display_publishes_total",
			Help:      "Display messages by kind and result (sent, deduplicated).",
		}, []string{"kind", "result"}),
		chargeStops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "charge_stops_total",
			Help:      "Charge sessions ended, by reason.",
		}, []string{"reason"}),
		psuErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "psu_read_errors_total",
			Help:      "Failed power supply register reads.",
		}),
		psuPresent: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "psu_present",
			Help:      "1 when the power supply answers register reads.",
		}),
		packVoltage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pack_voltage_volts",
			Help:      "Last published pack voltage.",
		}),
		stateOfCharge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state_of_charge_percent",
			Help:      "Last published state of charge.",
		}),
		family: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "battery_family_code",
			Help:      "Identity code of the attached battery family, 0 when unknown.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Display sink delivery failures, by sink.",
		}, []string{"sink"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_reconnects_total",
			Help:      "Frame source reconnect attempts.",
		}),
	}

	m.registry.MustRegister(
		m.frames,
		m.mailboxDrops,
		m.commsLost,
		m.transitions,
		m.invariants,
		m.publishes,
		m.chargeStops,
		m.psuErrors,
		m.psuPresent,
		m.packVoltage,
		m.stateOfCharge,
		m.family,
		m.httpRequests,
		m.httpDuration,
		m.sinkFailures,
		m.reconnects,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts requests and their duration under route
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		if m != nil {
			m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
			m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
	})
}

// Frame outcomes
const (
	FrameRecognized = "recognized"
	FrameUnused     = "unused"
	FrameFiltered   = "filtered"
	FrameLineError  = "line_error"
)

func (m *Metrics) Frame(result string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(result).Inc()
}

func (m *Metrics) MailboxDrop(mailbox string) {
	if m == nil {
		return
	}
	m.mailboxDrops.WithLabelValues(mailbox).Inc()
}

func (m *Metrics) CommsLost() {
	if m == nil {
		return
	}
	m.commsLost.Inc()
}

func (m *Metrics) Transition(cause string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(cause).Inc()
}

// InvariantViolation records a state the controller should never reach
func (m *Metrics) InvariantViolation(kind string) {
	if m == nil {
		return
	}
	m.invariants.WithLabelValues(kind).Inc()
}

func (m *Metrics) Publish(kind string, deduplicated bool) {
	if m == nil {
		return
	}
	result := "sent"
	if deduplicated {
		result = "deduplicated"
	}
	m.publishes.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) ChargeStop(reason string) {
	if m == nil {
		return
	}
	m.chargeStops.WithLabelValues(reason).Inc()
}

func (m *Metrics) PSUReadError() {
	if m == nil {
		return
	}
	m.psuErrors.Inc()
}

func (m *Metrics) PSUPresent(present bool) {
	if m == nil {
		return
	}
	v := 0.0
	if present {
		v = 1
	}
	m.psuPresent.Set(v)
}

// Battery records the published pack state
func (m *Metrics) Battery(family uint16, packVoltage float64, soc uint8) {
	if m == nil {
		return
	}
	m.family.Set(float64(family))
	m.packVoltage.Set(packVoltage)
	m.stateOfCharge.Set(float64(soc))
}

func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
