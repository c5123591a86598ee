// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-u2fzero.
//
// go-u2fzero is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"time"
)

// PingFunc checks that the secure element is reachable.
type PingFunc func(ctx context.Context) error

// LivenessCollector periodically pings the element and updates ElementUp.
type LivenessCollector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	ping     PingFunc
	now      func() time.Time
}

// NewLivenessCollector creates a collector that calls ping every interval.
//
// Example:
//
//	collector := metrics.NewLivenessCollector(ctx, 30*time.Second, func(ctx context.Context) error {
//	    _, err := conn.Info(ctx)
//	    return err
//	})
//	go collector.Start()
//	defer collector.Stop()
func NewLivenessCollector(ctx context.Context, interval time.Duration, ping PingFunc) *LivenessCollector {
	collectorCtx, cancel := context.WithCancel(ctx)
	return &LivenessCollector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		ping:     ping,
		now:      time.Now,
	}
}

// Start checks immediately and then at the configured interval until Stop
// is called or the parent context is cancelled. It blocks.
func (pc *LivenessCollector) Start() {
	ticker := time.NewTicker(pc.interval)
	defer ticker.Stop()

	pc.collect()

	for {
		select {
		case <-pc.ctx.Done():
			return
		case <-ticker.C:
			pc.collect()
		}
	}
}

// Stop halts the collector.
func (pc *LivenessCollector) Stop() {
	pc.cancel()
}

// CollectOnce runs a single check.
func (pc *LivenessCollector) CollectOnce() error {
	return pc.collect()
}

func (pc *LivenessCollector) collect() error {
	err := pc.ping(pc.ctx)
	if !IsEnabled() {
		return err
	}
	SetElementUp(err == nil)
	CheckTimestamp.Set(float64(pc.now().Unix()))
	return err
}

// StartLivenessCollector creates a collector and runs it in a goroutine.
func StartLivenessCollector(ctx context.Context, interval time.Duration, ping PingFunc) *LivenessCollector {
	collector := NewLivenessCollector(ctx, interval, ping)
	go collector.Start()
	return collector
}
