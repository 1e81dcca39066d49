// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/Thermoquad/packwatch/pkg/canbus"
)

// getFuzzRounds returns the number of fuzz rounds from FUZZ_ROUNDS env var, default 1000
func getFuzzRounds() int {
	if envRounds := os.Getenv("FUZZ_ROUNDS"); envRounds != "" {
		if rounds, err := strconv.Atoi(envRounds); err == nil && rounds > 0 {
			return rounds
		}
	}
	return 1000
}

// getFuzzSeed returns the seed from FUZZ_SEED env var, or generates one from current time
func getFuzzSeed() int64 {
	if envSeed := os.Getenv("FUZZ_SEED"); envSeed != "" {
		if seed, err := strconv.ParseInt(envSeed, 10, 64); err == nil {
			return seed
		}
	}
	return time.Now().UnixNano()
}

// Identifiers biased towards the recognized ranges
var fuzzIDs = []uint32{
	0x18FF0300, 0x18FF0600, 0x18FF0700, 0x18FF0800, 0x18FF0E00, 0x18FF4000, 0x18FF5000, 0x18FFE000,
	0x18000800, 0x18010800, 0x18030800, 0x18060800, 0x18070800, 0x18080800, 0x180C0800, 0x18040A00,
	0x10000000, 0x10000010, 0x10000020, 0x10000050, 0x10000080, 0x10000090, 0x100000A0, 0x10000100, 0x10000110,
}

func randomBatteryFrame(rng *rand.Rand) canbus.Frame {
	var id uint32
	if rng.Intn(4) == 0 {
		id = uint32(rng.Int63n(canbus.MaxExtendedID + 1))
	} else {
		id = fuzzIDs[rng.Intn(len(fuzzIDs))]
	}
	payload := make([]byte, rng.Intn(canbus.MaxDataLength+1))
	for i := range payload {
		payload[i] = byte(rng.Intn(256))
	}
	// Signature bytes often enough for votes to happen
	if id == 0x10000010 && len(payload) == 8 && rng.Intn(2) == 0 {
		payload[6], payload[7] = 0xFF, 0x05
		if rng.Intn(2) == 0 {
			payload[6], payload[7] = 0x00, 0x01
		}
	}
	return canbus.NewFrame(id, payload...)
}

func TestFuzz_DecoderInvariants(t *testing.T) {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	rng := rand.New(rand.NewSource(seed))

	cfg := DefaultConfig()
	dec := NewDecoder(cfg, nil)
	var snap Snapshot
	var det DetectState

	for round := 0; round < getFuzzRounds(); round++ {
		if rng.Intn(200) == 0 {
			dec.Reset(&snap, &det)
		}

		wasHard := det.Locked() && det.Hard
		lockedFamily := det.Family
		prevSnap, prevDet := snap, det

		f := randomBatteryFrame(rng)
		used := dec.Decode(f, &snap, &det)

		if !used && (snap != prevSnap || det != prevDet) {
			t.Fatalf("round %d: unused frame %s changed state", round, f)
		}
		if wasHard && det.Family != lockedFamily {
			t.Fatalf("round %d: hard lock %s replaced by %s after %s", round, lockedFamily, det.Family, f)
		}
		if snap.Family != det.Family {
			t.Fatalf("round %d: snapshot family %s, detector %s", round, snap.Family, det.Family)
		}
		for _, v := range []float64{snap.HighCell, snap.LowCell} {
			if v != 0 && (v < cfg.CellMin || v > cfg.CellMax) {
				t.Fatalf("round %d: implausible cell %.3f stored after %s", round, v, f)
			}
		}
		for _, v := range det.Votes {
			if v > cfg.VoteCeiling {
				t.Fatalf("round %d: vote counter %d above ceiling", round, v)
			}
		}
	}
}
