// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/packwatch/pkg/canbus"
	"github.com/Thermoquad/packwatch/pkg/metrics"
)

// frameReader pumps frames from a source to a handler and reopens the source
// with exponential backoff when it is lost
type frameReader struct {
	opener  *sourceOpener
	filter  canbus.Filter
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	src      FrameSource
	connInfo string

	// Optional callbacks, called from the reader goroutine
	onLineError func(err error)
	onLost      func()
	onReconnect func(connInfo string)
}

func newFrameReader(opener *sourceOpener, filter canbus.Filter, m *metrics.Metrics, logger *zap.Logger) *frameReader {
	return &frameReader{
		opener:  opener,
		filter:  filter,
		metrics: m,
		log:     logger.Named("source"),
	}
}

// Open opens the initial source
func (r *frameReader) Open() (string, error) {
	src, info, err := r.opener.Open()
	if err != nil {
		return "", err
	}
	r.setSource(src, info)
	return info, nil
}

func (r *frameReader) setSource(src FrameSource, info string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.src = src
	r.connInfo = info
}

func (r *frameReader) source() FrameSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.src
}

// Close closes the current source, unblocking Run
func (r *frameReader) Close() {
	if src := r.source(); src != nil {
		src.Close()
	}
}

// Run delivers frames to handle until ctx is done or a capture ends. Frames
// rejected by the acceptance filter are counted and dropped.
func (r *frameReader) Run(ctx context.Context, handle func(canbus.Message)) error {
	go func() {
		<-ctx.Done()
		r.Close()
	}()

	for {
		lost := r.readFromSource(ctx, handle)
		if !lost {
			return nil
		}
		if r.onLost != nil {
			r.onLost()
		}
		if !r.opener.Reconnectable() {
			r.log.Info("capture finished")
			return nil
		}
		if !r.reconnect(ctx) {
			return nil
		}
	}
}

// readFromSource returns true when the source was lost, false on shutdown
func (r *frameReader) readFromSource(ctx context.Context, handle func(canbus.Message)) bool {
	src := r.source()
	for {
		msg, err := src.Next()
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			if errors.Is(err, ErrLine) {
				r.metrics.Frame(metrics.FrameLineError)
				if r.onLineError != nil {
					r.onLineError(err)
				}
				r.log.Debug("skipped malformed frame", zap.Error(err))
				continue
			}
			r.log.Warn("frame source lost", zap.Error(err))
			return true
		}

		msg.Frame = canbus.Clamp(msg.Frame)
		if r.filter != nil && !r.filter.Accept(msg.Frame) {
			r.metrics.Frame(metrics.FrameFiltered)
			continue
		}
		handle(msg)
	}
}

// reconnect returns false if shutdown was requested during reconnection
func (r *frameReader) reconnect(ctx context.Context) bool {
	r.Close()

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}

		r.metrics.Reconnect()
		src, info, err := r.opener.Open()
		if err == nil {
			r.setSource(src, info)
			r.log.Info("frame source reconnected", zap.String("source", info))
			if r.onReconnect != nil {
				r.onReconnect(info)
			}
			// Shutdown may have raced the reopen
			if ctx.Err() != nil {
				src.Close()
				return false
			}
			return true
		}
		r.log.Debug("reconnect failed", zap.Error(err), zap.Duration("backoff", backoff))

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
