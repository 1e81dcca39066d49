// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/metrics"
	"github.com/Thermoquad/packwatch/pkg/monitor"
)

// messageWriter is the part of kafka.Writer the sink needs
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Record is one telemetry history entry
type Record struct {
	Kind    string          `json:"kind"`
	Session string          `json:"session,omitempty"`
	Family  string          `json:"family,omitempty"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// Kafka appends every display update to a topic as telemetry history
type Kafka struct {
	w       messageWriter
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger

	// Last summary seen, used to key detail records
	session string
	family  string
}

// NewKafka creates a sink writing to topic on brokers
func NewKafka(brokers []string, topic string, m *metrics.Metrics, logger *zap.Logger) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newKafka(w, m, logger)
}

func newKafka(w messageWriter, m *metrics.Metrics, logger *zap.Logger) *Kafka {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Kafka{
		w:       w,
		timeout: 5 * time.Second,
		metrics: m,
		log:     logger.Named("kafka"),
	}
}

// Close flushes and closes the writer
func (k *Kafka) Close() error {
	return k.w.Close()
}

func (k *Kafka) write(kind string, at time.Time, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		k.log.Error("marshal record", zap.Error(err))
		return
	}
	rec := Record{Kind: kind, Session: k.session, Family: k.family, At: at, Payload: payload}
	value, err := json.Marshal(rec)
	if err != nil {
		k.log.Error("marshal record", zap.Error(err))
		return
	}

	// Keyed by family so one pack's history stays in one partition
	key := k.family
	if key == "" {
		key = "unknown"
	}

	ctx, cancel := context.WithTimeout(context.Background(), k.timeout)
	defer cancel()
	err = k.w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: value, Time: at})
	if err != nil {
		k.metrics.SinkFailure("kafka")
		k.log.Warn("write failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (k *Kafka) ShowPage(p monitor.PageChange) {
	if p.Page == monitor.PageWait {
		k.session, k.family = "", ""
	}
	k.write("page", p.At, map[string]string{"page": p.Page.String()})
}

func (k *Kafka) UpdateSummary(u monitor.SummaryUpdate) {
	k.session, k.family = u.Session, u.Family
	k.write("summary", u.At, u)
}

func (k *Kafka) UpdateDetail(u monitor.DetailUpdate) {
	k.write("detail", u.At, u)
}
