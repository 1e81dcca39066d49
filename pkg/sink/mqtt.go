// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sink

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	mqttLib "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/metrics"
	"github.com/Thermoquad/packwatch/pkg/monitor"
)

// MQTTConfig configures the MQTT display sink
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Timeout     time.Duration
}

// MQTT topics under the prefix
const (
	TopicPage    = "page"
	TopicSummary = "summary"
	TopicDetail  = "detail"
	TopicCommand = "command"
)

// commandMessage is the JSON form of a command; a bare "start" or "stop"
// payload is accepted too
type commandMessage struct {
	Command string `json:"command"`
}

// publisher is the part of the paho client the sink needs
type publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqttLib.Token
}

// subscriber is the part of the paho client used for the command topic
type subscriber interface {
	Subscribe(topic string, qos byte, callback mqttLib.MessageHandler) mqttLib.Token
}

// MQTT publishes display updates as retained JSON messages and accepts
// start/stop commands
type MQTT struct {
	cfg      MQTTConfig
	client   mqttLib.Client
	pub      publisher
	controls Controls
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// NewMQTT creates the sink. Call Connect before use.
func NewMQTT(cfg MQTTConfig, controls Controls, m *metrics.Metrics, logger *zap.Logger) *MQTT {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "packwatch-" + uuid.NewString()[:8]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	cfg.TopicPrefix = strings.TrimSuffix(cfg.TopicPrefix, "/")
	return &MQTT{
		cfg:      cfg,
		controls: controls,
		metrics:  m,
		log:      logger.Named("mqtt"),
	}
}

// Topic returns the full topic name for a suffix
func (s *MQTT) Topic(suffix string) string {
	if s.cfg.TopicPrefix == "" {
		return suffix
	}
	return s.cfg.TopicPrefix + "/" + suffix
}

// Connect dials the broker and subscribes to the command topic. The client
// reconnects on its own and resubscribes on every connect.
func (s *MQTT) Connect() error {
	opts := mqttLib.NewClientOptions()
	opts.AddBroker(s.cfg.Broker)
	opts.SetClientID(s.cfg.ClientID)
	opts.SetConnectTimeout(s.cfg.Timeout)
	opts.SetAutoReconnect(true)
	opts.SetKeepAlive(30 * time.Second)
	if s.cfg.Username != "" && s.cfg.Password != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqttLib.Client, err error) {
		s.log.Warn("connection to broker lost", zap.Error(err))
	})

	s.client = mqttLib.NewClient(opts)
	s.pub = s.client
	token := s.client.Connect()
	if !token.WaitTimeout(s.cfg.Timeout) {
		return fmt.Errorf("mqtt connect to %s: timed out", s.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", s.cfg.Broker, err)
	}
	return nil
}

func (s *MQTT) onConnect(c mqttLib.Client) {
	s.log.Info("connected to broker", zap.String("broker", s.cfg.Broker))
	s.subscribeCommands(c)
}

// subscribeCommands subscribes to the command topic and reports whether the
// broker confirmed it in time
func (s *MQTT) subscribeCommands(c subscriber) bool {
	topic := s.Topic(TopicCommand)
	token := c.Subscribe(topic, s.cfg.QoS, func(_ mqttLib.Client, msg mqttLib.Message) {
		s.HandleCommand(msg.Payload())
	})
	if !token.WaitTimeout(s.cfg.Timeout) {
		s.metrics.SinkFailure("mqtt")
		s.log.Warn("command subscription not confirmed",
			zap.String("topic", topic), zap.Duration("timeout", s.cfg.Timeout))
		return false
	}
	if err := token.Error(); err != nil {
		s.metrics.SinkFailure("mqtt")
		s.log.Error("command subscription failed", zap.String("topic", topic), zap.Error(err))
		return false
	}
	s.log.Info("listening for commands", zap.String("topic", topic))
	return true
}

// Close disconnects from the broker
func (s *MQTT) Close() {
	if s.client != nil && s.client.IsConnected() {
		s.client.Disconnect(250)
	}
}

// HandleCommand turns a command payload into a controller request
func (s *MQTT) HandleCommand(payload []byte) {
	cmd := strings.TrimSpace(string(payload))
	var msg commandMessage
	if json.Unmarshal(payload, &msg) == nil && msg.Command != "" {
		cmd = msg.Command
	}

	switch strings.ToLower(cmd) {
	case "start":
		s.log.Info("start requested over mqtt")
		s.controls.RequestStart()
	case "stop":
		s.log.Info("stop requested over mqtt")
		s.controls.RequestStop()
	default:
		s.log.Warn("unknown mqtt command", zap.String("payload", string(payload)))
	}
}

func (s *MQTT) publish(suffix string, v any) {
	if s.pub == nil {
		return
	}
	payload, err := json.Marshal(v)
	if err != nil {
		s.log.Error("marshal display update", zap.Error(err))
		return
	}
	token := s.pub.Publish(s.Topic(suffix), s.cfg.QoS, true, payload)
	if !token.WaitTimeout(s.cfg.Timeout) {
		s.metrics.SinkFailure("mqtt")
		s.log.Warn("publish timed out", zap.String("topic", s.Topic(suffix)))
		return
	}
	if err := token.Error(); err != nil {
		s.metrics.SinkFailure("mqtt")
		s.log.Warn("publish failed", zap.String("topic", s.Topic(suffix)), zap.Error(err))
	}
}

func (s *MQTT) ShowPage(p monitor.PageChange) {
	s.publish(TopicPage, struct {
		Page string    `json:"page"`
		At   time.Time `json:"at"`
	}{p.Page.String(), p.At})
}

func (s *MQTT) UpdateSummary(u monitor.SummaryUpdate) { s.publish(TopicSummary, u) }
func (s *MQTT) UpdateDetail(u monitor.DetailUpdate)   { s.publish(TopicDetail, u) }
