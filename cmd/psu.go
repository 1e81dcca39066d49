// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/packwatch/pkg/cotek"
)

var (
	psuTimeout  int
	psuCount    int
	psuVoltage  float64
	psuCurrent  float64
	psuInterval time.Duration
)

var psuCmd = &cobra.Command{
	Use:   "psu <status|on|off>",
	Short: "Read or switch the Cotek power supply directly",
	Long: `Talk to the Cotek supply without the charge controller.

  status  Poll the supply --count times and print voltage, current,
          temperature and output state
  on      Program --voltage and --current and switch the output on
  off     Switch the output off

The supply bus comes from the psu section of the configuration (--config or
PACKWATCH_PSU_* variables). The default is the built-in simulated supply.

This is useful for verifying:
  - The I2C bridge and supply address are correct
  - Setpoints are accepted and the output follows them

Exit codes:
  0 - All operations successful
  1 - One or more reads or writes failed
  2 - Bus error`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"status", "on", "off"},
	RunE:      runPSU,
}

func init() {
	rootCmd.AddCommand(psuCmd)
	psuCmd.Flags().IntVar(&psuTimeout, "timeout", 1, "Timeout in seconds for each operation")
	psuCmd.Flags().IntVar(&psuCount, "count", 3, "Number of status polls")
	psuCmd.Flags().DurationVar(&psuInterval, "interval", time.Second, "Time between status polls")
	psuCmd.Flags().Float64Var(&psuVoltage, "voltage", 12.0, "Voltage setpoint for on (V)")
	psuCmd.Flags().Float64Var(&psuCurrent, "current", 1.0, "Current limit for on (A)")
}

func printReading(r cotek.Reading, ok int) {
	output := "off"
	if r.OutputOn {
		output = "\033[1;32mon\033[0m"
	}
	fmt.Printf("[%s] %.2fV %.2fA %.0f°C output %s (%d/4 registers)\n",
		time.Now().Format("15:04:05.000"), r.Voltage, r.Current, r.Temperature, output, ok)
}

func runPSU(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	defer logger.Sync()

	drv, closeBus, err := openPowerSupply(cfg.PSU, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Bus error: %v\n", err)
		os.Exit(2)
	}
	defer closeBus()

	fmt.Printf("Packwatch - Power Supply\n")
	fmt.Printf("Bus: %s, address 0x%02X\n\n", cfg.PSU.Bus, cfg.PSU.Address)

	timeout := time.Duration(psuTimeout) * time.Second
	op := func(fn func(ctx context.Context) error) error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return fn(ctx)
	}

	failed := 0
	switch args[0] {
	case "status":
		for i := 0; i < psuCount; i++ {
			if i > 0 {
				time.Sleep(psuInterval)
			}
			err := op(func(ctx context.Context) error {
				r, ok, err := drv.Read(ctx)
				if ok > 0 {
					printReading(r, ok)
				}
				return err
			})
			if err != nil {
				fmt.Printf("[%s] \033[1;31mREAD FAILED:\033[0m %v\n", time.Now().Format("15:04:05.000"), err)
				failed++
			}
		}

	case "on":
		err := op(func(ctx context.Context) error {
			return drv.Apply(ctx, psuVoltage, psuCurrent)
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Setpoint failed: %v\n", err)
			failed++
		} else {
			fmt.Printf("Output on at %.2fV / %.2fA\n", psuVoltage, psuCurrent)
		}

	case "off":
		if err := op(drv.Off); err != nil {
			fmt.Fprintf(os.Stderr, "Off failed: %v\n", err)
			failed++
		} else {
			fmt.Printf("Output off\n")
		}

	default:
		return fmt.Errorf("unknown psu operation %q (use status, on or off)", args[0])
	}

	if failed > 0 {
		os.Exit(1)
	}
	return nil
}
