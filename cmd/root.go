// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/config"
	"github.com/Thermoquad/packwatch/pkg/logging"
)

var (
	// Serial SLCAN adapter flags
	portName string
	baudRate int
	bitrate  int

	// WebSocket gateway flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Capture replay
	replayFile string

	configFile string
	logLevel   string
	logFile    string
)

var rootCmd = &cobra.Command{
	Use:   "packwatch",
	Short: "CAN battery pack monitor and charge controller",
	Long: `Packwatch - A CLI tool for identifying, monitoring and charging lithium
battery packs over CAN.

Frames come from an SLCAN adapter, a WebSocket CAN gateway or a capture file.
The monitor command classifies the attached pack, publishes its telemetry and
runs a guarded charge sequence through a Cotek power supply.

Frame sources:
  Serial:    --port /dev/ttyACM0 [--baud 115200] [--bitrate 250000]
  WebSocket: --url ws://host/path [--username user]
  Capture:   --replay capture.cbor

Settings not given as flags come from --config (YAML) and PACKWATCH_*
environment variables, e.g. PACKWATCH_CHARGE_VOLTAGE=12.6.

For WebSocket authentication, the password is read from the PACKWATCH_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:       "1.0.0",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	flags := rootCmd.PersistentFlags()

	// Serial adapter flags
	flags.StringVarP(&portName, "port", "p", "", "SLCAN serial device")
	flags.IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial only)")
	flags.IntVar(&bitrate, "bitrate", 250000, "CAN bitrate (serial only)")

	// WebSocket gateway flags
	flags.StringVarP(&wsURL, "url", "u", "", "WebSocket gateway URL (ws:// or wss://)")
	flags.StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	flags.BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	flags.StringVar(&replayFile, "replay", "", "Read frames from a capture file instead of a bus")

	flags.StringVarP(&configFile, "config", "c", "", "YAML configuration file")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	flags.StringVar(&logFile, "log-file", "", "Write logs to a file instead of stdout")
}

// flagBindings maps configuration keys to the persistent flags overriding them
func flagBindings(cmd *cobra.Command) map[string]*pflag.Flag {
	flags := cmd.Flags()
	return map[string]*pflag.Flag{
		"source.port":          flags.Lookup("port"),
		"source.baud":          flags.Lookup("baud"),
		"source.bitrate":       flags.Lookup("bitrate"),
		"source.url":           flags.Lookup("url"),
		"source.username":      flags.Lookup("username"),
		"source.no_ssl_verify": flags.Lookup("no-ssl-verify"),
		"source.replay":        flags.Lookup("replay"),
		"log.level":            flags.Lookup("log-level"),
		"log.file":             flags.Lookup("log-file"),
	}
}

// setup loads the configuration and builds the logger for a command
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile, flagBindings(cmd))
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log.Level, cfg.Log.File)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
