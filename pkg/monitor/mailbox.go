// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package monitor runs the battery monitor as three actors: telemetry,
// charge control and power-supply polling. Each actor owns its state and
// talks to the others only through mailboxes.
package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// DropPolicy decides which message is lost when a mailbox is full
type DropPolicy int

const (
	// DropNewest discards the message being posted
	DropNewest DropPolicy = iota
	// DropOldest discards the oldest queued message to make room
	DropOldest
)

// Mailbox is a bounded, non-blocking queue owned by one actor
type Mailbox[T any] struct {
	name    string
	policy  DropPolicy
	ch      chan T
	mu      sync.Mutex // serializes DropOldest evictions
	drops   atomic.Uint64
	metrics *metrics.Metrics
}

// NewMailbox creates a mailbox holding up to size messages
func NewMailbox[T any](name string, size int, policy DropPolicy, m *metrics.Metrics) *Mailbox[T] {
	if size < 1 {
		size = 1
	}
	return &Mailbox[T]{
		name:    name,
		policy:  policy,
		ch:      make(chan T, size),
		metrics: m,
	}
}

// Post enqueues v without blocking. It returns false if a message was
// dropped to honor the policy.
func (m *Mailbox[T]) Post(v T) bool {
	select {
	case m.ch <- v:
		return true
	default:
	}

	if m.policy == DropNewest {
		m.drop()
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		select {
		case m.ch <- v:
			return false
		default:
		}
		select {
		case <-m.ch:
			m.drop()
		default:
		}
	}
}

func (m *Mailbox[T]) drop() {
	m.drops.Add(1)
	m.metrics.MailboxDrop(m.name)
}

// C is the receive side for the owning actor
func (m *Mailbox[T]) C() <-chan T {
	return m.ch
}

// TryReceive returns the next message if one is queued
func (m *Mailbox[T]) TryReceive() (T, bool) {
	select {
	case v := <-m.ch:
		return v, true
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of queued messages
func (m *Mailbox[T]) Len() int {
	return len(m.ch)
}

// Drops returns how many messages the mailbox has discarded
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}

// Name identifies the mailbox in logs and metrics
func (m *Mailbox[T]) Name() string {
	return m.name
}
