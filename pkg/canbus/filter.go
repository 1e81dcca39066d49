// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package canbus

import "fmt"

// FilterRule admits extended identifiers where id&Mask == ID&Mask
type FilterRule struct {
	ID   uint32
	Mask uint32
	Name string
}

// Matches reports whether the identifier passes this rule
func (r FilterRule) Matches(id uint32) bool {
	return id&r.Mask == r.ID&r.Mask
}

func (r FilterRule) String() string {
	return fmt.Sprintf("%s 0x%08X/0x%08X", r.Name, r.ID, r.Mask)
}

// Filter is the receive acceptance filter. Only extended frames are admitted.
type Filter []FilterRule

// DefaultFilter admits every identifier range the battery decoder understands
func DefaultFilter() Filter {
	return Filter{
		{ID: 0x18FF0000, Mask: 0xFFFF0000, Name: "j1939 status"},
		{ID: 0x10000000, Mask: 0xFFFF0000, Name: "shared extended"},
		{ID: 0x18000800, Mask: 0xFF00FF00, Name: "400s status pages"},
		{ID: 0x18000A00, Mask: 0xFF00FF00, Name: "400s parameter pages"},
	}
}

// Accept reports whether the frame should be handed to the decoder.
// An empty filter admits every extended frame.
func (f Filter) Accept(frame Frame) bool {
	if !frame.Extended {
		return false
	}
	if len(f) == 0 {
		return true
	}
	for _, rule := range f {
		if rule.Matches(frame.ID) {
			return true
		}
	}
	return false
}

// Clamp returns the frame with its length limited to eight bytes, as some
// adapters report DLC values up to 15 for classic frames.
func Clamp(frame Frame) Frame {
	if frame.Len > MaxDataLength {
		frame.Len = MaxDataLength
	}
	return frame
}
