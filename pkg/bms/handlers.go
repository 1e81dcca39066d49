// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "github.com/Thermoquad/packwatch/pkg/canbus"

type frameHandler struct {
	// Frames shorter than minLen are not used
	minLen uint8
	// Neutral frames carry the same layout for every family and are
	// decoded even when the locked family speaks on another range
	neutral bool
	decode  func(d *Decoder, f canbus.Frame, s *Snapshot, det *DetectState)
}

// frameHandlers is indexed by FrameKind. Every kind except KindUnknown must
// have a decode function.
var frameHandlers = [numFrameKinds]frameHandler{
	KindJ1939LegacyStatus: {minLen: 2, decode: decodeJ1939LegacyStatus},
	KindJ1939Cells:        {minLen: 8, decode: decodeJ1939Cells},
	KindJ1939Pack:         {minLen: 3, decode: decodeJ1939Pack},
	KindJ1939Temps:        {minLen: 4, decode: decodeJ1939Temps},
	KindJ1939Error:        {minLen: 3, neutral: true, decode: decodeJ1939Error},
	KindJ1939CurrentLimit: {decode: decodeNothing},
	KindJ1939Identity:     {minLen: 6, decode: decodeJ1939Identity},
	KindJ1939Fan:          {minLen: 2, decode: decodeJ1939Fan},
	KindJ1939LegacySOC:    {minLen: 1, decode: decodeJ1939LegacySOC},

	KindPageCells1:  {decode: decodeNothing},
	KindPageCells2:  {minLen: 8, decode: decodePageCells2},
	KindPagePack:    {minLen: 2, decode: decodePagePack},
	KindPageStatusA: {minLen: 8, decode: decodePageStatusA},
	KindPageStatusB: {minLen: 7, decode: decodePageStatusB},
	KindPageStatusC: {minLen: 6, decode: decodePageStatusC},
	KindPageTemps:   {minLen: 4, decode: decodePageTemps},
	KindPageParams:  {minLen: 2, decode: decodePageParams},

	KindExtError:        {minLen: 3, decode: decodeExtError},
	KindExtPackStatus:   {minLen: 6, decode: decodeExtPackStatus},
	KindExtPower:        {decode: decodeNothing},
	KindExtChargeParams: {minLen: 4, decode: decodeExtChargeParams},
	KindExtCounters:     {decode: decodeNothing},
	KindExtFan:          {minLen: 2, decode: decodeExtFan},
	KindExtIdentity:     {minLen: 4, decode: decodeExtIdentity},
	KindExtIdentity2:    {decode: decodeNothing},
	KindExtVendor:       {decode: decodeNothing},
	KindExtCells:        {minLen: 4, decode: decodeExtCells},
	KindExtTemps:        {minLen: 4, decode: decodeExtTemps},
}

// decodeNothing handles frames that only matter for classification and
// liveness
func decodeNothing(*Decoder, canbus.Frame, *Snapshot, *DetectState) {}

func millivolts(raw uint16) float64 {
	return float64(raw) / 1000
}

func decivolts(raw uint16) float64 {
	return float64(raw) / 10
}

func deciCelsius(raw uint16) float64 {
	return float64(int16(raw)) / 10
}

func deciKelvin(raw uint16) float64 {
	return float64(raw)/10 - 273.15
}
