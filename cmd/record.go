// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

var recordDuration time.Duration

var recordCmd = &cobra.Command{
	Use:   "record <file>",
	Short: "Capture received CAN frames to a file",
	Long: `Write every received frame to a capture file until Ctrl+C or --duration.

Captures are CBOR sequences of timestamped frame records, the same records a
WebSocket gateway sends. Replay one with --replay on any command; the monitor
replays captures at their recorded pace.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "Stop after this long (0 runs until Ctrl+C)")
}

func runRecord(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var filter canbus.Filter
	if cfg.Source.Filter {
		filter = canbus.DefaultFilter()
	}
	reader := newFrameReader(newSourceOpener(cfg.Source, false), filter, nil, logger)
	connInfo, err := reader.Open()
	if err != nil {
		return err
	}
	defer reader.Close()

	f, err := os.Create(args[0])
	if err != nil {
		return fmt.Errorf("failed to create capture: %w", err)
	}
	defer f.Close()
	capture := canbus.NewCaptureWriter(f)

	fmt.Printf("Packwatch - Recording\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Output: %s\n", args[0])
	fmt.Printf("Press Ctrl+C to stop\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if recordDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	err = reader.Run(ctx, func(msg canbus.Message) {
		if err := capture.Write(msg); err != nil {
			logger.Warn("capture write failed", zap.Error(err))
		}
	})
	if flushErr := capture.Flush(); flushErr != nil && err == nil {
		err = flushErr
	}

	fmt.Printf("\nRecorded %d frames\n", capture.Count())
	return err
}
