// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import "time"

// Config holds engine tuning knobs. None of these are load-bearing
// invariants; tests and hosts override them freely.
type Config struct {
	// RefreshThrottle limits opportunistic background refreshes to at most
	// one per filter key within this window.
	RefreshThrottle time.Duration // 30s

	// DrainInterval is the background trigger's timer period.
	DrainInterval time.Duration // 60s

	// BackoffMin and BackoffMax bound the background trigger's exponential
	// backoff after failed drains.
	BackoffMin time.Duration // 1s
	BackoffMax time.Duration // 60s

	// PageLimit is the page size hint for remote list fetches.
	PageLimit int // 200

	// MaxAttempts is a UI hint only: records past this many failed attempts
	// should be surfaced prominently for manual retry. The engine never
	// abandons a record automatically.
	MaxAttempts int // 3
}

// DefaultConfig returns the engine defaults as observed in production use.
func DefaultConfig() *Config {
	return &Config{
		RefreshThrottle: 30 * time.Second,
		DrainInterval:   60 * time.Second,
		BackoffMin:      1 * time.Second,
		BackoffMax:      60 * time.Second,
		PageLimit:       200,
		MaxAttempts:     3,
	}
}

// nextBackoff advances the retry delay after a failed drain: BackoffMin on
// the first failure, then doubling until BackoffMax. A zero cur restarts
// the ladder.
func (c *Config) nextBackoff(cur time.Duration) time.Duration {
	if cur < c.BackoffMin {
		return c.BackoffMin
	}
	cur *= 2
	if cur > c.BackoffMax {
		cur = c.BackoffMax
	}
	return cur
}
