// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import (
	"fmt"
	"sort"
	"time"
)

// Statistics tracks frame counts and error rates for one frame source
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames   uint64
	LineErrors    uint64 // Malformed SLCAN lines or CBOR records
	Filtered      uint64 // Rejected by the acceptance filter
	Recognized    uint64 // Used by the battery decoder
	Unrecognized  uint64 // Accepted but not used
	StandardIDs   uint64
	PerIdentifier map[uint32]uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
		PerIdentifier:  make(map[uint32]uint64),
	}
}

// Update records one decode attempt. frame is nil when decodeErr is set.
func (s *Statistics) Update(frame *Frame, decodeErr error, accepted, recognized bool) {
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		s.LineErrors++
		return
	}
	if frame == nil {
		return
	}

	s.TotalFrames++
	s.PerIdentifier[frame.ID]++
	if !frame.Extended {
		s.StandardIDs++
	}

	switch {
	case !accepted:
		s.Filtered++
	case recognized:
		s.Recognized++
	default:
		s.Unrecognized++
	}
}

// CalculateRates updates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.LineErrors) / elapsed
	}
}

// TopIdentifiers returns up to n identifiers ordered by frame count
func (s *Statistics) TopIdentifiers(n int) []uint32 {
	ids := make([]uint32, 0, len(s.PerIdentifier))
	for id := range s.PerIdentifier {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		ci, cj := s.PerIdentifier[ids[i]], s.PerIdentifier[ids[j]]
		if ci != cj {
			return ci > cj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	uptime := time.Since(s.StartTime)
	recognizedPct := 0.0
	if s.TotalFrames > 0 {
		recognizedPct = float64(s.Recognized) / float64(s.TotalFrames) * 100
	}

	return fmt.Sprintf(`Statistics:
  Uptime:         %s
  Total Frames:   %d (%.1f/sec)
  Recognized:     %d (%.1f%%)
  Unrecognized:   %d
  Filtered:       %d
  Standard IDs:   %d
  Line Errors:    %d (%.2f/sec)
  Distinct IDs:   %d
`,
		uptime.Round(time.Second),
		s.TotalFrames, s.FrameRate,
		s.Recognized, recognizedPct,
		s.Unrecognized,
		s.Filtered,
		s.StandardIDs,
		s.LineErrors, s.ErrorRate,
		len(s.PerIdentifier),
	)
}

// Reset clears all statistics
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
