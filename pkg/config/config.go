// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads packwatch settings from defaults, an optional YAML
// file, PACKWATCH_* environment variables and bound command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/Thermoquad/packwatch/pkg/bms"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "PACKWATCH"

// Config is the full packwatch configuration
type Config struct {
	Source    SourceConfig    `mapstructure:"source"`
	Decoder   DecoderConfig   `mapstructure:"decoder"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Charge    ChargeConfig    `mapstructure:"charge"`
	PSU       PSUConfig       `mapstructure:"psu"`
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// SourceConfig selects where CAN frames come from
type SourceConfig struct {
	Port        string `mapstructure:"port"`
	Baud        int    `mapstructure:"baud"`
	Bitrate     int    `mapstructure:"bitrate"`
	URL         string `mapstructure:"url"`
	Username    string `mapstructure:"username"`
	NoSSLVerify bool   `mapstructure:"no_ssl_verify"`
	Replay      string `mapstructure:"replay"`
	// Filter applies the receive acceptance filter before decoding
	Filter bool `mapstructure:"filter"`
}

// BandConfig is one ratio band; Family takes a name or identity code
type BandConfig struct {
	Min    float64 `mapstructure:"min"`
	Max    float64 `mapstructure:"max"`
	Family string  `mapstructure:"family"`
}

// DecoderConfig holds the classification heuristics
type DecoderConfig struct {
	CellMin     float64           `mapstructure:"cell_min"`
	CellMax     float64           `mapstructure:"cell_max"`
	RatioFloor  float64           `mapstructure:"ratio_floor"`
	RatioBands  []BandConfig      `mapstructure:"ratio_bands"`
	VoteLock    int               `mapstructure:"vote_lock"`
	VoteCeiling int               `mapstructure:"vote_ceiling"`
	Tags        map[string]string `mapstructure:"tags"`
}

// TelemetryConfig times the telemetry actor
type TelemetryConfig struct {
	Tick         time.Duration `mapstructure:"tick"`
	PublishEvery int           `mapstructure:"publish_every"`
	Watchdog     time.Duration `mapstructure:"watchdog"`
	FrameQueue   int           `mapstructure:"frame_queue"`
}

// ChargeConfig holds the charge controller setpoints and timers
type ChargeConfig struct {
	Voltage         float64       `mapstructure:"voltage"`
	Current         float64       `mapstructure:"current"`
	Duration        time.Duration `mapstructure:"duration"`
	MaxTemp         float64       `mapstructure:"max_temp"`
	OffWatchdog     time.Duration `mapstructure:"off_watchdog"`
	OffRetries      int           `mapstructure:"off_retries"`
	UIRefresh       time.Duration `mapstructure:"ui_refresh"`
	SummaryInterval time.Duration `mapstructure:"summary_interval"`
	DetailInterval  time.Duration `mapstructure:"detail_interval"`
	InboxSize       int           `mapstructure:"inbox_size"`
}

// PSUConfig configures the power supply monitor and its bus
type PSUConfig struct {
	Poll              time.Duration `mapstructure:"poll"`
	PresenceTimeout   time.Duration `mapstructure:"presence_timeout"`
	VoltageHysteresis float64       `mapstructure:"voltage_hysteresis"`
	CurrentHysteresis float64       `mapstructure:"current_hysteresis"`
	TempHysteresis    float64       `mapstructure:"temp_hysteresis"`
	// Bus is "sim" for the built-in simulated supply or "serial" for an
	// I2C bridge on Port
	Bus     string `mapstructure:"bus"`
	Port    string `mapstructure:"port"`
	Baud    int    `mapstructure:"baud"`
	Address int    `mapstructure:"address"`
}

// MQTTConfig configures the MQTT display sink
type MQTTConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"client_id"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topic_prefix"`
	QoS         int           `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// KafkaConfig configures the telemetry history sink
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// HTTPConfig configures the status API
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// LogConfig configures zap
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.baud", 115200)
	v.SetDefault("source.bitrate", 250000)
	v.SetDefault("source.filter", true)

	d := bms.DefaultConfig()
	v.SetDefault("decoder.cell_min", d.CellMin)
	v.SetDefault("decoder.cell_max", d.CellMax)
	v.SetDefault("decoder.ratio_floor", d.RatioFloor)
	bands := make([]map[string]any, 0, len(d.RatioBands))
	for _, b := range d.RatioBands {
		bands = append(bands, map[string]any{
			"min":    b.Min,
			"max":    b.Max,
			"family": fmt.Sprintf("0x%04X", uint16(b.Family)),
		})
	}
	v.SetDefault("decoder.ratio_bands", bands)
	v.SetDefault("decoder.vote_lock", int(d.VoteLock))
	v.SetDefault("decoder.vote_ceiling", int(d.VoteCeiling))
	tags := make(map[string]string, len(d.Tags))
	for tag, f := range d.Tags {
		tags[fmt.Sprintf("0x%04x", tag)] = fmt.Sprintf("0x%04X", uint16(f))
	}
	v.SetDefault("decoder.tags", tags)

	v.SetDefault("telemetry.tick", 100*time.Millisecond)
	v.SetDefault("telemetry.publish_every", 5)
	v.SetDefault("telemetry.watchdog", 1500*time.Millisecond)
	v.SetDefault("telemetry.frame_queue", 64)

	v.SetDefault("charge.voltage", 12.0)
	v.SetDefault("charge.current", 1.0)
	v.SetDefault("charge.duration", 60*time.Second)
	v.SetDefault("charge.max_temp", 35.0)
	v.SetDefault("charge.off_watchdog", 300*time.Millisecond)
	v.SetDefault("charge.off_retries", 10)
	v.SetDefault("charge.ui_refresh", 500*time.Millisecond)
	v.SetDefault("charge.summary_interval", 120*time.Millisecond)
	v.SetDefault("charge.detail_interval", 250*time.Millisecond)
	v.SetDefault("charge.inbox_size", 16)

	v.SetDefault("psu.poll", 200*time.Millisecond)
	v.SetDefault("psu.presence_timeout", time.Second)
	v.SetDefault("psu.voltage_hysteresis", 0.05)
	v.SetDefault("psu.current_hysteresis", 0.05)
	v.SetDefault("psu.temp_hysteresis", 0.5)
	v.SetDefault("psu.bus", "sim")
	v.SetDefault("psu.baud", 115200)
	v.SetDefault("psu.address", 0x50)

	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic_prefix", "packwatch")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("kafka.topic", "packwatch.telemetry")

	v.SetDefault("log.level", "info")
}

// Load reads the configuration. path may be empty. flags maps configuration
// keys ("source.port") to command line flags that override them when set.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	for key, flag := range flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration with no file, environment or flags
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Validate checks values the actors cannot work with
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Decoder.BMS(); err != nil {
		errs = append(errs, err)
	}
	if c.Telemetry.Tick <= 0 || c.Telemetry.PublishEvery <= 0 {
		errs = append(errs, fmt.Errorf("telemetry tick and publish_every must be positive"))
	}
	if c.Telemetry.Watchdog <= c.Telemetry.Tick {
		errs = append(errs, fmt.Errorf("telemetry watchdog %s must exceed the tick %s", c.Telemetry.Watchdog, c.Telemetry.Tick))
	}
	if c.Charge.Voltage <= 0 || c.Charge.Current <= 0 {
		errs = append(errs, fmt.Errorf("charge setpoint %.2fV %.2fA must be positive", c.Charge.Voltage, c.Charge.Current))
	}
	if c.Charge.OffRetries < 0 {
		errs = append(errs, fmt.Errorf("charge off_retries must not be negative"))
	}
	if c.PSU.Poll <= 0 || c.PSU.PresenceTimeout < c.PSU.Poll {
		errs = append(errs, fmt.Errorf("psu poll %s and presence timeout %s are inconsistent", c.PSU.Poll, c.PSU.PresenceTimeout))
	}
	switch c.PSU.Bus {
	case "sim", "serial":
	default:
		errs = append(errs, fmt.Errorf("psu bus %q must be sim or serial", c.PSU.Bus))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("mqtt enabled without a broker"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, fmt.Errorf("kafka enabled without brokers"))
	}
	return errors.Join(errs...)
}

// BMS converts the decoder section into decoder heuristics
func (d DecoderConfig) BMS() (bms.Config, error) {
	cfg := bms.Config{
		CellMin:    d.CellMin,
		CellMax:    d.CellMax,
		RatioFloor: d.RatioFloor,
		Tags:       make(map[uint16]bms.Family, len(d.Tags)),
	}
	if d.VoteLock < 0 || d.VoteLock > 255 || d.VoteCeiling < 0 || d.VoteCeiling > 255 {
		return cfg, fmt.Errorf("vote thresholds out of range")
	}
	cfg.VoteLock = uint8(d.VoteLock)
	cfg.VoteCeiling = uint8(d.VoteCeiling)

	for i, b := range d.RatioBands {
		f, err := bms.ParseFamily(b.Family)
		if err != nil {
			return cfg, fmt.Errorf("ratio band %d: %w", i, err)
		}
		cfg.RatioBands = append(cfg.RatioBands, bms.RatioBand{Min: b.Min, Max: b.Max, Family: f})
	}

	for tag, family := range d.Tags {
		code, err := strconv.ParseUint(tag, 0, 16)
		if err != nil {
			return cfg, fmt.Errorf("invalid tag %q: %w", tag, err)
		}
		f, err := bms.ParseFamily(family)
		if err != nil {
			return cfg, fmt.Errorf("tag %s: %w", tag, err)
		}
		cfg.Tags[uint16(code)] = f
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("decoder: %w", err)
	}
	return cfg, nil
}
