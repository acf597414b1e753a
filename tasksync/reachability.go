// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import "sync"

// Reachability is the connectivity signal that gates background sync
// attempts. Subscribe registers a change listener and returns a cancel
// function that removes it.
type Reachability interface {
	IsConnected() bool
	Subscribe(fn func(connected bool)) (cancel func())
}

// ManualReachability is a switchable Reachability for hosts that feed
// connectivity state from a platform monitor, and for tests.
type ManualReachability struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	subs      map[int]func(bool)
}

// NewManualReachability creates a signal in the given initial state.
func NewManualReachability(connected bool) *ManualReachability {
	return &ManualReachability{
		connected: connected,
		subs:      make(map[int]func(bool)),
	}
}

func (r *ManualReachability) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// SetConnected flips the state and notifies subscribers on change.
func (r *ManualReachability) SetConnected(connected bool) {
	r.mu.Lock()
	if r.connected == connected {
		r.mu.Unlock()
		return
	}
	r.connected = connected
	fns := make([]func(bool), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn(connected)
	}
}

func (r *ManualReachability) Subscribe(fn func(connected bool)) (cancel func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
}
