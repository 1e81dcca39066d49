// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"math/rand"
	"os"
	"strconv"
	"testing"
	"time"
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

// newFuzzRng creates a new random number generator and logs the seed for reproducibility
func newFuzzRng(t *testing.T) *rand.Rand {
	seed := getFuzzSeed()
	t.Logf("Seed: %d (reproduce with FUZZ_SEED=%d)", seed, seed)
	return rand.New(rand.NewSource(seed))
}

func randomFrame(rng *rand.Rand) Frame {
	f := Frame{Extended: rng.Intn(2) == 1, Len: uint8(rng.Intn(MaxDataLength + 1))}
	if f.Extended {
		f.ID = uint32(rng.Int63n(MaxExtendedID + 1))
	} else {
		f.ID = uint32(rng.Intn(MaxStandardID + 1))
	}
	for i := 0; i < int(f.Len); i++ {
		f.Data[i] = byte(rng.Intn(256))
	}
	return f
}

func TestFuzz_SLCANRandomBytes(t *testing.T) {
	rng := newFuzzRng(t)
	d := NewSLCANDecoder()

	for round := 0; round < getFuzzRounds(); round++ {
		n := rng.Intn(64)
		for i := 0; i < n; i++ {
			frame, err := d.DecodeByte(byte(rng.Intn(256)))
			if frame != nil {
				if vErr := frame.Validate(); vErr != nil {
					t.Fatalf("round %d: decoder emitted invalid frame: %v", round, vErr)
				}
			}
			_ = err
		}
	}
}

func TestFuzz_SLCANRoundTrip(t *testing.T) {
	rng := newFuzzRng(t)
	d := NewSLCANDecoder()

	for round := 0; round < getFuzzRounds(); round++ {
		want := randomFrame(rng)
		line, err := EncodeSLCAN(want)
		if err != nil {
			t.Fatalf("round %d: encode failed: %v", round, err)
		}

		var got *Frame
		for _, b := range line {
			got, err = d.DecodeByte(b)
			if err != nil {
				t.Fatalf("round %d: decode %q failed: %v", round, line, err)
			}
		}
		if got == nil || *got != want {
			t.Fatalf("round %d: round trip mismatch for %q: got %+v want %+v", round, line, got, want)
		}
	}
}
