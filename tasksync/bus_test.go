// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversToKindSubscribers(t *testing.T) {
	bus := NewBus()
	var created, deleted []Event
	bus.Subscribe(EventEntityCreated, func(ev Event) { created = append(created, ev) })
	bus.Subscribe(EventEntityDeleted, func(ev Event) { deleted = append(deleted, ev) })

	bus.Publish(Event{Kind: EventEntityCreated, EntityType: "tasks", ID: "t1"})
	bus.Publish(Event{Kind: EventEntityCreated, EntityType: "tasks", ID: "t2"})

	require.Len(t, created, 2)
	require.Empty(t, deleted)
	require.Equal(t, "t1", created[0].ID)
	require.False(t, created[0].At.IsZero(), "publish stamps the event time")
}

func TestBusCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	var n int
	cancel := bus.Subscribe(EventEntitySynced, func(Event) { n++ })

	bus.Publish(Event{Kind: EventEntitySynced})
	cancel()
	bus.Publish(Event{Kind: EventEntitySynced})
	require.Equal(t, 1, n)
}

func TestBusIsolatesPanickingHandler(t *testing.T) {
	bus := NewBus()
	var reached bool
	bus.Subscribe(EventEntitySynced, func(Event) { panic("bad handler") })
	bus.Subscribe(EventEntitySynced, func(Event) { reached = true })

	require.NotPanics(t, func() {
		bus.Publish(Event{Kind: EventEntitySynced})
	})
	require.True(t, reached, "a panicking handler must not starve the others")
}

func TestNilBusPublishIsSafe(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() {
		bus.Publish(Event{Kind: EventEntityCreated})
	})
}
