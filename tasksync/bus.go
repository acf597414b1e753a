// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"sync"
	"time"
)

// EventKind identifies a sync lifecycle event.
type EventKind string

const (
	EventEntityCreated       EventKind = "entity.created"
	EventEntityUpdated       EventKind = "entity.updated"
	EventEntityDeleted       EventKind = "entity.deleted"
	EventEntitySynced        EventKind = "entity.synced"
	EventEntitySyncFailed    EventKind = "entity.sync_failed"
	EventCollectionRefreshed EventKind = "collection.refreshed"
	EventPassCompleted       EventKind = "pass.completed"
)

// Event is published on the Bus so the UI layer can react to sync progress
// without ambient broadcast. OldID is set on EventEntitySynced when a temp ID
// was replaced by a canonical one.
type Event struct {
	Kind       EventKind
	EntityType string
	ID         string
	OldID      string
	Error      string
	At         time.Time
}

// Bus is a typed in-process event bus. Handlers run synchronously on the
// publishing goroutine; panics in handlers are isolated.
type Bus struct {
	mu       sync.RWMutex
	handlers map[EventKind][]func(Event)
}

func NewBus() *Bus {
	return &Bus{handlers: make(map[EventKind][]func(Event))}
}

// Subscribe registers a handler for one event kind and returns a cancel
// function that removes it.
func (b *Bus) Subscribe(kind EventKind, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], fn)
	idx := len(b.handlers[kind]) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[kind]
		if idx < len(hs) && hs[idx] != nil {
			hs[idx] = nil
		}
	}
}

// Publish delivers the event to every registered handler for its kind.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	b.mu.RLock()
	hs := make([]func(Event), len(b.handlers[ev.Kind]))
	copy(hs, b.handlers[ev.Kind])
	b.mu.RUnlock()

	for _, h := range hs {
		if h == nil {
			continue
		}
		func() {
			defer func() { _ = recover() }()
			h(ev)
		}()
	}
}
