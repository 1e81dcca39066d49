// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// Packwatch - CAN Battery Pack Monitor
//
// A CLI tool for identifying lithium battery packs on a CAN bus, publishing
// their telemetry and running guarded charge sequences.

package main

import (
	"os"

	"github.com/Thermoquad/packwatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
