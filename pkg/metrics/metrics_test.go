// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Frame(FrameRecognized)
	m.MailboxDrop("frames")
	m.CommsLost()
	m.Transition("vote")
	m.InvariantViolation("unknown_state")
	m.Publish("summary", true)
	m.ChargeStop("user")
	m.PSUReadError()
	m.PSUPresent(true)
	m.Battery(0x0600, 52.8, 80)
	m.SinkFailure("mqtt")
	m.Reconnect()
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.Frame(FrameRecognized)
	m.Frame(FrameRecognized)
	m.Frame(FrameFiltered)
	m.InvariantViolation("psu_off_unconfirmed")
	m.Publish("summary", false)
	m.Publish("summary", true)
	m.Battery(0x0501, 48.2, 77)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.frames.WithLabelValues(FrameRecognized)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.frames.WithLabelValues(FrameFiltered)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.invariants.WithLabelValues("psu_off_unconfirmed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.publishes.WithLabelValues("summary", "deduplicated")))
	assert.Equal(t, float64(0x0501), testutil.ToFloat64(m.family))
	assert.Equal(t, 77.0, testutil.ToFloat64(m.stateOfCharge))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.CommsLost()

	wrapped := m.WrapHandler("metrics", m.Handler())
	srv := httptest.NewServer(wrapped)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), "packwatch_comms_lost_total 1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequests.WithLabelValues("metrics", "200")))
}
