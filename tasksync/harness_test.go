// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store for engine tests. Queue order is tracked
// with a sequence counter; Batch applies fn directly (transactional rollback
// is exercised against the real SQLite store).
type memStore struct {
	mu   sync.Mutex
	recs map[string]StoredRecord
	seq  map[string]int
	next int
	meta map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		recs: make(map[string]StoredRecord),
		seq:  make(map[string]int),
		meta: make(map[string]string),
	}
}

func storeKey(entityType, id string) string { return entityType + "/" + id }

func (m *memStore) Get(_ context.Context, entityType, id string) (*StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[storeKey(entityType, id)]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *memStore) List(_ context.Context, entityType string) ([]StoredRecord, error) {
	return m.filter(entityType, func(StoredRecord) bool { return true }), nil
}

func (m *memStore) Pending(_ context.Context, entityType string) ([]StoredRecord, error) {
	return m.filter(entityType, func(r StoredRecord) bool {
		return r.Op != OpNone && !r.Terminal
	}), nil
}

func (m *memStore) ByStatus(_ context.Context, entityType string, status SyncStatus) ([]StoredRecord, error) {
	return m.filter(entityType, func(r StoredRecord) bool { return r.Status == status }), nil
}

func (m *memStore) ByReference(_ context.Context, entityType, refID string) ([]StoredRecord, error) {
	return m.filter(entityType, func(r StoredRecord) bool {
		for _, ref := range r.References {
			if ref == refID {
				return true
			}
		}
		return false
	}), nil
}

func (m *memStore) filter(entityType string, keep func(StoredRecord) bool) []StoredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StoredRecord
	for _, rec := range m.recs {
		if rec.EntityType == entityType && keep(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return m.seq[storeKey(out[i].EntityType, out[i].ID)] < m.seq[storeKey(out[j].EntityType, out[j].ID)]
	})
	return out
}

func (m *memStore) Upsert(_ context.Context, rec StoredRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(rec.EntityType, rec.ID)
	if _, exists := m.seq[key]; !exists {
		m.seq[key] = m.next
		m.next++
	}
	m.recs[key] = rec
	return nil
}

func (m *memStore) Rekey(_ context.Context, entityType, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldKey, newKey := storeKey(entityType, oldID), storeKey(entityType, newID)
	rec, ok := m.recs[oldKey]
	if !ok {
		return fmt.Errorf("rekey source %s not found", oldKey)
	}
	rec.ID = newID
	delete(m.recs, newKey)
	m.recs[newKey] = rec
	m.seq[newKey] = m.seq[oldKey]
	delete(m.recs, oldKey)
	delete(m.seq, oldKey)
	return nil
}

func (m *memStore) Delete(_ context.Context, entityType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := storeKey(entityType, id)
	delete(m.recs, key)
	delete(m.seq, key)
	return nil
}

func (m *memStore) Counts(_ context.Context, entityType string) (pending, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.EntityType != entityType {
			continue
		}
		if rec.Status == StatusFailed {
			failed++
		} else if rec.Op != OpNone {
			pending++
		}
	}
	return pending, failed, nil
}

func (m *memStore) Batch(_ context.Context, fn func(tx Store) error) error {
	return fn(m)
}

func (m *memStore) GetMeta(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.meta[key], nil
}

func (m *memStore) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// fakeRemote is a programmable in-memory server for one entity type.
// Canonical IDs are assigned sequentially ("srv-1", "srv-2", ...).
type fakeRemote[E any] struct {
	mu     sync.Mutex
	desc   Descriptor[E]
	items  map[string]E
	prefix string
	nextID int

	listErr   error
	createErr error
	updateErr error
	deleteErr error

	listCalls   int
	createCalls int
	updateCalls int
	deleteCalls int

	lastCreateStaged Fields
	lastCreated      E
	createDelay      time.Duration
}

func newFakeRemote[E any](desc Descriptor[E]) *fakeRemote[E] {
	return &fakeRemote[E]{desc: desc, items: make(map[string]E), prefix: "srv", nextID: 1}
}

func (f *fakeRemote[E]) setCreateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createErr = err
}

func (f *fakeRemote[E]) setUpdateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateErr = err
}

func (f *fakeRemote[E]) setListErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// seed installs an item server-side under its existing ID.
func (f *fakeRemote[E]) seed(e E) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[f.desc.ID(e)] = e
}

func (f *fakeRemote[E]) calls() (list, create, update, del int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.createCalls, f.updateCalls, f.deleteCalls
}

func (f *fakeRemote[E]) List(_ context.Context) ([]E, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]E, 0, len(f.items))
	for _, e := range f.items {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeRemote[E]) Create(_ context.Context, entity E, staged Fields) (E, error) {
	f.mu.Lock()
	delay := f.createDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	f.lastCreateStaged = staged
	var zero E
	if f.createErr != nil {
		return zero, f.createErr
	}
	applied, err := ApplyFields(entity, staged)
	if err != nil {
		return zero, err
	}
	id := fmt.Sprintf("%s-%d", f.prefix, f.nextID)
	f.nextID++
	applied = f.desc.WithID(applied, id)
	if f.desc.Touch != nil {
		applied = f.desc.Touch(applied, time.Now().UTC())
	}
	f.items[id] = applied
	f.lastCreated = applied
	return applied, nil
}

func (f *fakeRemote[E]) Update(_ context.Context, id string, fields Fields) (E, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	var zero E
	if f.updateErr != nil {
		return zero, f.updateErr
	}
	cur, ok := f.items[id]
	if !ok {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	applied, err := ApplyFields(cur, fields)
	if err != nil {
		return zero, err
	}
	if f.desc.Touch != nil {
		applied = f.desc.Touch(applied, time.Now().UTC())
	}
	f.items[id] = applied
	return applied, nil
}

func (f *fakeRemote[E]) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.items[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(f.items, id)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.RefreshThrottle = time.Hour // no opportunistic refreshes unless a test wants them
	cfg.DrainInterval = time.Hour
	return cfg
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func recordEvents(bus *Bus, kinds ...EventKind) *eventRecorder {
	rec := &eventRecorder{}
	for _, kind := range kinds {
		bus.Subscribe(kind, func(ev Event) {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		})
	}
	return rec
}

func (r *eventRecorder) ofKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}
