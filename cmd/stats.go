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

	"github.com/Thermoquad/packwatch/pkg/bms"
	"github.com/Thermoquad/packwatch/pkg/canbus"
)

var (
	showAll       bool
	statsInterval int
	topIDs        int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Detect malformed frames and anomalous values with statistics",
	Long: `Track frame errors, unexpected identifiers and anomalous values with statistics.

This command checks each received frame and detects:
  - Malformed SLCAN lines and gateway records
  - Standard identifiers and identifiers outside every battery range
  - Battery frames shorter than their fields need
  - Implausible cell voltages and temperatures

By default, only problems are displayed. Use --show-all to display valid frames too.

Statistics summaries, including the busiest identifiers, are displayed at
configurable intervals and once more on exit.`,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just problems)")
	statsCmd.Flags().IntVar(&statsInterval, "stats-interval", 10, "Statistics update interval (seconds)")
	statsCmd.Flags().IntVar(&topIDs, "top", 5, "Number of busiest identifiers to list")
}

// frameEvent is one reader result handed to the statistics loop
type frameEvent struct {
	msg canbus.Message
	err error
}

// printLineError prints a malformed line in highlighted format
func printLineError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mLINE ERROR:\033[0m %v\n\n", timestamp, err)
}

// printAnomalies prints the problems found in one frame
func printAnomalies(msg canbus.Message, anomalies []bms.Anomaly) {
	timestamp := msg.Timestamp.Format("15:04:05.000")
	kind, _ := bms.IdentifyFrame(msg.Frame.ID)

	fmt.Printf("[%s] \033[1;33mANOMALY:\033[0m %s %s\n", timestamp, kind, msg.Frame)
	for i, a := range anomalies {
		color := "\033[1;33m"
		if a.Type == bms.AnomalyShortFrame {
			color = "\033[1;31m"
		}
		fmt.Printf("  Issue %d: %s%s\033[0m (%s)\n", i+1, color, a.Message, a.Type)
	}
	fmt.Println()
}

func printStatistics(stats *canbus.Statistics) {
	fmt.Println()
	fmt.Print(stats.String())
	if ids := stats.TopIdentifiers(topIDs); len(ids) > 0 {
		fmt.Printf("  Busiest IDs:\n")
		for _, id := range ids {
			kind, _ := bms.IdentifyFrame(id)
			fmt.Printf("    0x%08X %-22s %d\n", id, kind, stats.PerIdentifier[id])
		}
	}
	fmt.Println()
}

func runStats(cmd *cobra.Command, args []string) error {
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

	bmsCfg, err := cfg.Decoder.BMS()
	if err != nil {
		return err
	}
	dec := bms.NewDecoder(bmsCfg, logger)
	filter := canbus.DefaultFilter()
	stats := canbus.NewStatistics()

	fmt.Printf("Packwatch - Frame Statistics\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %d seconds\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Problems only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// Reader results are handled on this goroutine so stats needs no lock
	events := make(chan frameEvent, 64)
	readerDone := make(chan struct{})
	reader.onLineError = func(err error) {
		events <- frameEvent{err: err}
	}
	go func() {
		defer close(readerDone)
		reader.Run(ctx, func(msg canbus.Message) {
			events <- frameEvent{msg: msg}
		})
	}()

	statsTicker := time.NewTicker(time.Duration(statsInterval) * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case ev := <-events:
			if ev.err != nil {
				stats.Update(nil, ev.err, false, false)
				printLineError(ev.err)
				continue
			}

			frame := ev.msg.Frame
			accepted := filter.Accept(frame)
			anomalies := dec.CheckFrame(frame)
			stats.Update(&frame, nil, accepted, accepted && len(anomalies) == 0)

			if len(anomalies) > 0 {
				printAnomalies(ev.msg, anomalies)
			} else if showAll {
				fmt.Print(bms.FormatFrame(ev.msg))
			}

		case <-statsTicker.C:
			printStatistics(stats)

		case <-readerDone:
			// Drain what the reader queued before finishing
			for {
				select {
				case ev := <-events:
					if ev.err != nil {
						stats.Update(nil, ev.err, false, false)
						continue
					}
					frame := ev.msg.Frame
					accepted := filter.Accept(frame)
					stats.Update(&frame, nil, accepted, accepted && len(dec.CheckFrame(frame)) == 0)
				default:
					printStatistics(stats)
					return nil
				}
			}
		}
	}
}
