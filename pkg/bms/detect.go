// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bms

import "fmt"

// Phase is the confidence level of a family classification
type Phase uint8

const (
	PhaseUnknown     Phase = iota // nothing classified yet
	PhaseProvisional              // may be overwritten by any later evidence
	PhaseLocked                   // final until Reset
)

func (p Phase) String() string {
	switch p {
	case PhaseUnknown:
		return "unknown"
	case PhaseProvisional:
		return "provisional"
	case PhaseLocked:
		return "locked"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Cause names the evidence behind a classification transition
type Cause uint8

const (
	CauseNone      Cause = iota
	CauseRange           // a frame from a range only some families use
	CauseVote            // a signature frame in the shared extended range
	CauseVoteLock        // a signature vote reached the lock threshold
	CauseExclusive       // a frame only one family ever sends
	CauseTag             // a parameter frame tail tag
	CauseRatio           // pack voltage over cell voltage
	CauseReset           // comms loss
)

var causeNames = [...]string{
	CauseNone:      "none",
	CauseRange:     "range",
	CauseVote:      "vote",
	CauseVoteLock:  "vote-lock",
	CauseExclusive: "exclusive",
	CauseTag:       "tag",
	CauseRatio:     "ratio",
	CauseReset:     "reset",
}

func (c Cause) String() string {
	if int(c) < len(causeNames) {
		return causeNames[c]
	}
	return fmt.Sprintf("Cause(%d)", uint8(c))
}

// Contenders of the shared extended range, indexed into DetectState.Votes
const (
	voteCP6 = iota
	voteBMZ5
	numContenders
)

func contender(f Family) (int, bool) {
	switch f {
	case FamilyCP6:
		return voteCP6, true
	case FamilyBMZ5:
		return voteBMZ5, true
	default:
		return 0, false
	}
}

// DetectState is the family detection state machine. Every transition is a
// value-receiver method returning the next state, so the machine can be
// exercised without a decoder.
type DetectState struct {
	Phase  Phase
	Family Family
	// Hard is set when the lock came from a frame or tag only the locked
	// family sends. A vote lock may still be replaced by a hard lock.
	Hard  bool
	Votes [numContenders]uint8
}

// Locked reports whether the classification is final
func (d DetectState) Locked() bool {
	return d.Phase == PhaseLocked
}

// VotesFor returns the signature vote count for a shared-range contender
func (d DetectState) VotesFor(f Family) uint8 {
	if i, ok := contender(f); ok {
		return d.Votes[i]
	}
	return 0
}

func (d DetectState) String() string {
	s := fmt.Sprintf("%s %s", d.Phase, d.Family)
	if d.Hard {
		s += " (hard)"
	}
	return s
}

// Transition records one step of the state machine
type Transition struct {
	From, To Family
	Cause    Cause
	Locked   bool
	// Zero asks the caller to clear the snapshot before decoding the
	// current frame, because the old family's fields mean something else.
	Zero bool
}

// Changed reports whether the family or the lock changed
func (t Transition) Changed() bool {
	return t.From != t.To || t.Locked
}

func (t Transition) String() string {
	s := fmt.Sprintf("%s -> %s (%s)", t.From, t.To, t.Cause)
	if t.Locked {
		s += " locked"
	}
	if t.Zero {
		s += " zeroed"
	}
	return s
}

// Observe applies soft evidence: a frame from a range that implies family f.
// Switching away from another known family asks for a zeroed snapshot.
func (d DetectState) Observe(f Family) (DetectState, Transition) {
	t := Transition{From: d.Family, To: d.Family, Cause: CauseRange}
	if d.Locked() || d.Family == f || !f.Known() {
		return d, t
	}
	t.To = f
	t.Zero = d.Family != FamilyUnknown
	d.Phase = PhaseProvisional
	d.Family = f
	return d, t
}

// Vote counts one signature frame for a shared-range contender. Counters
// saturate at ceiling. The first vote sets the family provisionally; reaching
// lockAt locks it. Votes never zero the snapshot since the contenders share a
// field layout.
func (d DetectState) Vote(f Family, lockAt, ceiling uint8) (DetectState, Transition) {
	t := Transition{From: d.Family, To: d.Family, Cause: CauseVote}
	i, ok := contender(f)
	if !ok {
		return d, t
	}
	if d.Votes[i] < ceiling {
		d.Votes[i]++
	}
	if d.Locked() {
		return d, t
	}

	if d.Votes[i] >= lockAt {
		d.Phase = PhaseLocked
		d.Family = f
		t.To = f
		t.Cause = CauseVoteLock
		t.Locked = true
		return d, t
	}

	d.Phase = PhaseProvisional
	d.Family = f
	t.To = f
	return d, t
}

// Lock applies strong evidence for f. It replaces anything except an existing
// hard lock, and zeroes the snapshot when a different known family was set.
func (d DetectState) Lock(f Family, cause Cause) (DetectState, Transition) {
	t := Transition{From: d.Family, To: d.Family, Cause: cause}
	if !f.Known() || (d.Locked() && d.Hard) {
		return d, t
	}
	if d.Locked() && d.Family == f {
		d.Hard = true
		return d, t
	}
	t.To = f
	t.Locked = true
	t.Zero = d.Family != FamilyUnknown && d.Family != f
	d.Phase = PhaseLocked
	d.Family = f
	d.Hard = true
	return d, t
}

// Ratio applies a cell-count inference. It only acts while unlocked, and only
// moves within the current family's range or out of Unknown. Fields are kept.
func (d DetectState) Ratio(f Family) (DetectState, Transition) {
	t := Transition{From: d.Family, To: d.Family, Cause: CauseRatio}
	if d.Locked() || d.Family == f || !f.Known() {
		return d, t
	}
	if d.Family != FamilyUnknown && d.Family.Range() != f.Range() {
		return d, t
	}
	t.To = f
	d.Phase = PhaseProvisional
	d.Family = f
	return d, t
}

// Reset returns the machine to Unknown, as on comms loss
func (d DetectState) Reset() (DetectState, Transition) {
	return DetectState{}, Transition{From: d.Family, To: FamilyUnknown, Cause: CauseReset, Zero: true}
}
