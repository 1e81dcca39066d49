// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainInts(m *Mailbox[int]) []int {
	var out []int
	for {
		v, ok := m.TryReceive()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

func TestMailboxDropNewest(t *testing.T) {
	m := NewMailbox[int]("frames", 2, DropNewest, nil)

	assert.True(t, m.Post(1))
	assert.True(t, m.Post(2))
	assert.False(t, m.Post(3))
	assert.Equal(t, uint64(1), m.Drops())
	assert.Equal(t, []int{1, 2}, drainInts(m))
}

func TestMailboxDropOldest(t *testing.T) {
	m := NewMailbox[int]("controller", 2, DropOldest, nil)

	m.Post(1)
	m.Post(2)
	assert.False(t, m.Post(3))
	assert.False(t, m.Post(4))
	assert.Equal(t, uint64(2), m.Drops())
	assert.Equal(t, []int{3, 4}, drainInts(m))
	assert.Zero(t, m.Len())
}

func TestMailboxMinimumSize(t *testing.T) {
	m := NewMailbox[int]("tiny", 0, DropNewest, nil)
	assert.True(t, m.Post(1))
	assert.False(t, m.Post(2))
}

func TestSoftTimerGenerations(t *testing.T) {
	clk := newManualClock(time.Unix(0, 0))
	st := newSoftTimer(clk)
	var fired []uint64

	st.Arm(time.Second, func(gen uint64) { fired = append(fired, gen) })
	first := st.gen
	st.Arm(time.Second, func(gen uint64) { fired = append(fired, gen) })
	clk.Advance(time.Second)

	// Re-arming stopped the first callback
	require.Len(t, fired, 1)
	assert.False(t, st.Fired(first), "older generation is stale")
	assert.True(t, st.Fired(fired[0]))
	assert.False(t, st.Fired(fired[0]), "a firing is consumed once")

	st.Arm(time.Second, func(gen uint64) { fired = append(fired, gen) })
	clk.Advance(time.Second)
	st.Disarm()
	assert.False(t, st.Fired(fired[1]), "queued firing after disarm is stale")
	assert.False(t, st.Armed())
}
