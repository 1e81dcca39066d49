// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/canbus"
	"github.com/Thermoquad/packwatch/pkg/config"
	"github.com/Thermoquad/packwatch/pkg/cotek"
	"github.com/Thermoquad/packwatch/pkg/metrics"
	"github.com/Thermoquad/packwatch/pkg/monitor"
	"github.com/Thermoquad/packwatch/pkg/sink"
)

var (
	monitorTUI    bool
	monitorRecord string
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Identify the attached pack, publish telemetry and run charge sequences",
	Long: `Run the battery monitor.

Received frames classify the attached pack and fill its telemetry snapshot.
The charge controller waits for a pack, shows its status and, on request,
charges it through the Cotek supply until the time limit, a fault, an over
temperature reading or a lost link stops it. The supply is always switched
off and the off state confirmed before another charge can start.

Status is published to every enabled sink:
  - terminal UI (--tui, default on)
  - HTTP status API and Prometheus metrics (--http)
  - MQTT retained topics, with start/stop commands (--mqtt-broker)
  - Kafka telemetry history (--kafka-brokers)

Keys in the terminal UI: s starts a charge, x stops it, q quits.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	flags := monitorCmd.Flags()
	flags.BoolVar(&monitorTUI, "tui", true, "Use terminal UI (false for log output)")
	flags.StringVar(&monitorRecord, "record", "", "Also write received frames to a capture file")
	flags.String("http", "", "Listen address for the status API, e.g. :8080")
	flags.String("mqtt-broker", "", "MQTT broker URL, e.g. tcp://localhost:1883")
	flags.StringSlice("kafka-brokers", nil, "Kafka brokers for telemetry history")
	flags.Float64("voltage", 12.0, "Charge voltage setpoint (V)")
	flags.Float64("current", 1.0, "Charge current limit (A)")
	flags.Duration("duration", 60*time.Second, "Charge time limit")
	flags.String("psu", "sim", "Power supply bus: sim or serial")
	flags.String("psu-port", "", "Serial device of the supply's I2C bridge")
}

// monitorBindings maps configuration keys to the monitor's own flags
var monitorBindings = map[string]string{
	"http.listen":     "http",
	"mqtt.broker":     "mqtt-broker",
	"kafka.brokers":   "kafka-brokers",
	"charge.voltage":  "voltage",
	"charge.current":  "current",
	"charge.duration": "duration",
	"psu.bus":         "psu",
	"psu.port":        "psu-port",
}

// hub routes to the controller for parts created before it. Requests made
// before the controller exists are dropped.
type hub struct {
	ctl atomic.Pointer[monitor.Controller]
}

func (h *hub) Post(ev monitor.Event) bool {
	if ctl := h.ctl.Load(); ctl != nil {
		return ctl.Post(ev)
	}
	return false
}

func (h *hub) RequestStart() {
	if ctl := h.ctl.Load(); ctl != nil {
		ctl.RequestStart()
	}
}

func (h *hub) RequestStop() {
	if ctl := h.ctl.Load(); ctl != nil {
		ctl.RequestStop()
	}
}

func telemetryConfig(c config.TelemetryConfig) monitor.TelemetryConfig {
	return monitor.TelemetryConfig{
		Tick:         c.Tick,
		PublishEvery: c.PublishEvery,
		Watchdog:     c.Watchdog,
		FrameQueue:   c.FrameQueue,
	}
}

func chargeConfig(c config.ChargeConfig) monitor.ChargeConfig {
	return monitor.ChargeConfig{
		Voltage:         c.Voltage,
		Current:         c.Current,
		Duration:        c.Duration,
		MaxTemp:         c.MaxTemp,
		OffWatchdog:     c.OffWatchdog,
		OffRetries:      c.OffRetries,
		UIRefresh:       c.UIRefresh,
		SummaryInterval: c.SummaryInterval,
		DetailInterval:  c.DetailInterval,
		InboxSize:       c.InboxSize,
	}
}

func psuConfig(c config.PSUConfig) monitor.PSUConfig {
	p := monitor.DefaultPSUConfig()
	p.Poll = c.Poll
	p.PresenceTimeout = c.PresenceTimeout
	p.VoltHysteresis = c.VoltageHysteresis
	p.CurrHysteresis = c.CurrentHysteresis
	p.TempHysteresis = c.TempHysteresis
	return p
}

// openPowerSupply returns the supply driver and a function releasing its bus
func openPowerSupply(c config.PSUConfig, logger *zap.Logger) (*cotek.Driver, func(), error) {
	if c.Address < 0 || c.Address > 0x7F {
		return nil, nil, fmt.Errorf("psu address 0x%X is not a 7-bit I2C address", c.Address)
	}
	addr := uint8(c.Address)

	switch c.Bus {
	case "serial":
		bus, err := cotek.OpenSerialBus(c.Port, c.Baud, 200*time.Millisecond)
		if err != nil {
			return nil, nil, err
		}
		return cotek.New(bus, addr), func() { bus.Close() }, nil
	default:
		logger.Warn("using the simulated power supply")
		return cotek.New(cotek.NewSim(addr), addr), func() {}, nil
	}
}

func runMonitor(cmd *cobra.Command, args []string) error {
	bindings := flagBindings(cmd)
	for key, name := range monitorBindings {
		bindings[key] = cmd.Flags().Lookup(name)
	}
	cfg, err := config.Load(configFile, bindings)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("mqtt-broker") {
		cfg.MQTT.Enabled = true
	}
	if cmd.Flags().Changed("kafka-brokers") {
		cfg.Kafka.Enabled = true
	}

	// The terminal UI owns stdout, so logs are dropped unless sent to a file
	logger := zap.NewNop()
	if !monitorTUI || cfg.Log.File != "" {
		if logger, err = newLogger(cfg); err != nil {
			return err
		}
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	clk := clockwork.NewRealClock()
	h := &hub{}

	// Decoder
	bmsCfg, err := cfg.Decoder.BMS()
	if err != nil {
		return err
	}
	dec := bms.NewDecoder(bmsCfg, logger)
	dec.OnTransition(func(t bms.Transition) {
		m.Transition(t.Cause.String())
	})

	// Power supply
	drv, closeBus, err := openPowerSupply(cfg.PSU, logger)
	if err != nil {
		return err
	}
	defer closeBus()
	psu := monitor.NewPSUMonitor(psuConfig(cfg.PSU), drv, h, clk, m, logger)

	// Displays
	var (
		displays monitor.Displays
		runners  []func(context.Context)
	)
	addAsync := func(name string, d monitor.Display) {
		async := monitor.NewAsyncDisplay(name, d, 32, m, logger)
		displays = append(displays, async)
		runners = append(runners, async.Run)
	}

	status := sink.NewStatus()
	displays = append(displays, status)
	if !monitorTUI {
		addAsync("log", sink.NewLog(logger))
	}

	if cfg.MQTT.Enabled {
		mq := sink.NewMQTT(sink.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         byte(cfg.MQTT.QoS),
			Timeout:     cfg.MQTT.Timeout,
		}, h, m, logger)
		if err := mq.Connect(); err != nil {
			return err
		}
		defer mq.Close()
		addAsync("mqtt", mq)
	}

	if cfg.Kafka.Enabled {
		k := sink.NewKafka(cfg.Kafka.Brokers, cfg.Kafka.Topic, m, logger)
		defer k.Close()
		addAsync("kafka", k)
	}

	// Frame source
	var filter canbus.Filter
	if cfg.Source.Filter {
		filter = canbus.DefaultFilter()
	}
	reader := newFrameReader(newSourceOpener(cfg.Source, true), filter, m, logger)
	connInfo, err := reader.Open()
	if err != nil {
		return err
	}

	var program *tea.Program
	var frameCount atomic.Uint64
	if monitorTUI {
		model := newMonitorModel(h, connInfo, cfg.Charge.Duration, frameCount.Load)
		program = tea.NewProgram(model, tea.WithAltScreen())
		addAsync("tui", &tuiDisplay{p: program})
		reader.onLost = func() { program.Send(connectionLostMsg{}) }
		reader.onReconnect = func(info string) { program.Send(reconnectedMsg{connInfo: info}) }
	}

	// Actors
	ctl := monitor.NewController(chargeConfig(cfg.Charge), psu, displays, clk, m, logger)
	h.ctl.Store(ctl)
	telemetry := monitor.NewTelemetryActor(telemetryConfig(cfg.Telemetry), dec, ctl, clk, m, logger)
	runners = append(runners, telemetry.Run, ctl.Run, psu.Run)

	if cfg.HTTP.Listen != "" {
		api := sink.NewAPI(status, h, m, logger)
		runners = append(runners, func(ctx context.Context) {
			if err := api.Serve(ctx, cfg.HTTP.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP API stopped", zap.Error(err))
			}
		})
	}

	// Optional capture of everything received
	var capture *canbus.CaptureWriter
	if monitorRecord != "" {
		f, err := os.Create(monitorRecord)
		if err != nil {
			return fmt.Errorf("failed to create capture: %w", err)
		}
		defer f.Close()
		capture = canbus.NewCaptureWriter(f)
		defer capture.Flush()
	}

	logger.Info("monitor started", zap.String("source", connInfo), zap.Stringer("state", ctl.State()))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, run := range runners {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(runCtx)
		}(run)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		reader.Run(runCtx, func(msg canbus.Message) {
			frameCount.Add(1)
			if capture != nil {
				if err := capture.Write(msg); err != nil {
					logger.Warn("capture write failed", zap.Error(err))
				}
			}
			telemetry.Ingest(msg.Frame)
		})
	}()

	if program != nil {
		go func() {
			<-runCtx.Done()
			program.Quit()
		}()
		if _, err := program.Run(); err != nil {
			cancel()
			return fmt.Errorf("TUI error: %v", err)
		}
	} else {
		select {
		case <-runCtx.Done():
		case <-readerDone:
			// Let the watchdog see the end of a replay before exiting
			time.Sleep(cfg.Telemetry.Watchdog + cfg.Charge.OffWatchdog)
		}
	}

	cancel()
	reader.Close()
	<-readerDone
	wg.Wait()

	// The actors are stopped; make sure nothing is left charging
	offCtx, offCancel := context.WithTimeout(context.Background(), time.Second)
	defer offCancel()
	if err := drv.Off(offCtx); err != nil {
		logger.Warn("final power off failed", zap.Error(err))
	}
	logger.Info("monitor stopped", zap.Stringer("state", ctl.State()))
	return nil
}
