// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"log/slog"
	"time"
)

// Trigger drives the orchestrator from the background: a periodic timer
// (only when there is pending work and connectivity), an immediate drain on
// connectivity restoration, and RunOnce for platform-granted background
// execution slots.
type Trigger struct {
	orch   *Orchestrator
	reach  Reachability
	config *Config
	logger *slog.Logger
}

func NewTrigger(orch *Orchestrator, reach Reachability, config *Config, logger *slog.Logger) *Trigger {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{orch: orch, reach: reach, config: config, logger: logger}
}

// Run blocks until ctx is done, firing quick syncs on the timer and on
// connectivity restoration. Failed passes back off exponentially up to
// BackoffMax.
func (t *Trigger) Run(ctx context.Context) {
	kick := make(chan struct{}, 1)
	cancel := t.reach.Subscribe(func(connected bool) {
		if connected {
			select {
			case kick <- struct{}{}:
			default:
			}
		}
	})
	defer cancel()

	interval := t.config.DrainInterval
	var backoff time.Duration
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			// Connectivity restored: drain immediately.
			if err := t.orch.QuickSync(ctx); err != nil {
				t.logger.Warn("post-reconnect drain failed", "error", err)
			}
			backoff = 0
			interval = t.config.DrainInterval
			resetTimer(timer, interval)
		case <-timer.C:
			if t.fire(ctx) {
				backoff = 0
				interval = t.config.DrainInterval
			} else {
				backoff = t.config.nextBackoff(backoff)
				interval = backoff
			}
			resetTimer(timer, interval)
		}
	}
}

// fire runs one gated drain and reports whether the next tick should use the
// normal interval (true) or back off (false).
func (t *Trigger) fire(ctx context.Context) bool {
	if !t.reach.IsConnected() {
		return true
	}
	pending, err := t.orch.PendingOperations(ctx)
	if err != nil {
		t.logger.Warn("failed to read pending gauge", "error", err)
		return false
	}
	if pending == 0 {
		return true
	}
	if err := t.orch.QuickSync(ctx); err != nil {
		t.logger.Warn("periodic drain failed", "error", err)
		return false
	}
	return true
}

// RunOnce performs a single quick sync for a short-lived background
// execution slot. The drain cooperatively abandons between records when ctx
// expires; a record mid-drain simply remains pending for the next trigger.
func (t *Trigger) RunOnce(ctx context.Context) error {
	if !t.reach.IsConnected() {
		return nil
	}
	return t.orch.QuickSync(ctx)
}

func resetTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
