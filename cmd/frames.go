// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/canbus"
)

var (
	framesAll      bool
	framesSnapshot bool
)

var framesCmd = &cobra.Command{
	Use:   "frames",
	Short: "Display received CAN frames in human-readable format",
	Long: `Continuously decode and display battery frames as they arrive.

Each frame is shown with its arrival time, frame kind, identifier and decoded
fields. Frames outside every battery identifier range are hidden unless
--all is given. With --snapshot, the decoded pack snapshot is printed after
every frame the decoder used.

Supports serial, WebSocket and capture sources.`,
	RunE: runFrames,
}

func init() {
	rootCmd.AddCommand(framesCmd)
	framesCmd.Flags().BoolVar(&framesAll, "all", false, "Show frames outside the battery ranges")
	framesCmd.Flags().BoolVar(&framesSnapshot, "snapshot", false, "Print the pack snapshot after each used frame")
}

func runFrames(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reader := newFrameReader(newSourceOpener(cfg.Source, false), nil, nil, logger)
	connInfo, err := reader.Open()
	if err != nil {
		return err
	}
	defer reader.Close()

	fmt.Printf("Packwatch - Frame Log\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Press Ctrl+C to exit\n\n")

	bmsCfg, err := cfg.Decoder.BMS()
	if err != nil {
		return err
	}
	dec := bms.NewDecoder(bmsCfg, logger)
	var (
		snap bms.Snapshot
		det  bms.DetectState
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	reader.onLineError = func(err error) {
		fmt.Printf("[ERROR] %v\n", err)
	}
	return reader.Run(ctx, func(msg canbus.Message) {
		kind, _ := bms.IdentifyFrame(msg.Frame.ID)
		if kind == bms.KindUnknown && !framesAll {
			return
		}
		fmt.Print(bms.FormatFrame(msg))

		if dec.Decode(msg.Frame, &snap, &det) && framesSnapshot {
			fmt.Print(bms.FormatSnapshot(snap))
			fmt.Println()
		}
	})
}
