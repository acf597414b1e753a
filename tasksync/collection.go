// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Collection is the sync service for one entity type. It combines an
// in-memory cache (instant UI reads), a durable store (offline survival) and
// a reconciliation loop against the remote API. Instantiate once per entity
// type with that type's Descriptor.
//
// All cache mutation happens under a single mutex and all durable writes for
// this entity type flow through a single worker goroutine, so there is one
// logical writer per entity type.
type Collection[E any] struct {
	desc   Descriptor[E]
	store  Store
	remote Remote[E]
	reach  Reachability
	bus    *Bus
	config *Config
	logger *slog.Logger

	// onRekey is invoked synchronously after a temp ID is swapped for its
	// canonical ID, before the record is reported synced. The orchestrator
	// uses it to fan out reference rewrites to dependent entity types.
	onRekey func(ctx context.Context, entityType, oldID, newID string)

	mu             sync.Mutex
	cache          map[string]E
	loaded         bool
	lastRefresh    map[string]time.Time
	refreshCancels map[string]context.CancelFunc

	draining int32 // in-flight drain guard

	jobs     chan func(ctx context.Context)
	lifeCtx  context.Context
	lifeStop context.CancelFunc
	done     chan struct{}
}

// NewCollection creates a collection and starts its worker loop. Call Close
// when the collection is no longer needed.
func NewCollection[E any](desc Descriptor[E], store Store, remote Remote[E], reach Reachability, bus *Bus, config *Config, logger *slog.Logger) *Collection[E] {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	lifeCtx, stop := context.WithCancel(context.Background())
	c := &Collection[E]{
		desc:           desc,
		store:          store,
		remote:         remote,
		reach:          reach,
		bus:            bus,
		config:         config,
		logger:         logger.With("entity_type", desc.EntityType),
		cache:          make(map[string]E),
		lastRefresh:    make(map[string]time.Time),
		refreshCancels: make(map[string]context.CancelFunc),
		jobs:           make(chan func(ctx context.Context), 256),
		lifeCtx:        lifeCtx,
		lifeStop:       stop,
		done:           make(chan struct{}),
	}
	go c.worker()
	return c
}

// Close stops the worker loop. Queued background work is abandoned; any
// record mid-flight remains pending for the next process lifetime.
func (c *Collection[E]) Close() {
	c.lifeStop()
	<-c.done
}

// EntityType returns the entity type name this collection owns.
func (c *Collection[E]) EntityType() string { return c.desc.EntityType }

// SetRekeyHook registers the cross-entity reconciliation hook.
func (c *Collection[E]) SetRekeyHook(fn func(ctx context.Context, entityType, oldID, newID string)) {
	c.onRekey = fn
}

func (c *Collection[E]) worker() {
	defer close(c.done)
	for {
		select {
		case <-c.lifeCtx.Done():
			return
		case job := <-c.jobs:
			job(c.lifeCtx)
		}
	}
}

func (c *Collection[E]) enqueue(job func(ctx context.Context)) {
	select {
	case c.jobs <- job:
	case <-c.lifeCtx.Done():
	}
}

// Flush blocks until all background work enqueued so far has completed.
// Intended for tests and for cooperative shutdown.
func (c *Collection[E]) Flush(ctx context.Context) error {
	signal := make(chan struct{})
	c.enqueue(func(context.Context) { close(signal) })
	select {
	case <-signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.lifeCtx.Done():
		return nil
	}
}

// ---- reads ----

// Fetch is the cache-hierarchy read. A memory-cache hit returns instantly and
// opportunistically schedules a throttled background refresh for the filter
// key. On miss the durable store is loaded; only when the store is empty too
// does Fetch block on the remote, and a remote failure with no fallback data
// surfaces as ErrUnavailable.
func (c *Collection[E]) Fetch(ctx context.Context, key string, match func(E) bool) ([]E, error) {
	c.mu.Lock()
	if c.loaded {
		snapshot := c.snapshotLocked(match)
		refresh := time.Since(c.lastRefresh[key]) >= c.config.RefreshThrottle
		if refresh {
			c.lastRefresh[key] = time.Now()
		}
		c.mu.Unlock()
		if refresh {
			c.scheduleRefresh(ctx, key)
		}
		return snapshot, nil
	}
	c.mu.Unlock()

	n, err := c.ensureLoaded(ctx)
	if err != nil {
		return nil, err
	}
	if n > 0 {
		c.mu.Lock()
		snapshot := c.snapshotLocked(match)
		c.mu.Unlock()
		return snapshot, nil
	}

	// Cold start: nothing cached anywhere. Blocking remote fetch.
	remoteSet, err := c.remote.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := c.applyRemoteSet(ctx, remoteSet, true); err != nil {
		return nil, err
	}
	c.mu.Lock()
	snapshot := c.snapshotLocked(match)
	c.mu.Unlock()
	return snapshot, nil
}

// Get returns one entity from the cache hierarchy.
func (c *Collection[E]) Get(ctx context.Context, id string) (E, bool) {
	var zero E
	if _, err := c.ensureLoaded(ctx); err != nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[id]
	return e, ok
}

// All returns every cached entity ordered by creation time.
func (c *Collection[E]) All(ctx context.Context) ([]E, error) {
	if _, err := c.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(nil), nil
}

// CachedLen reports the number of entities currently in memory.
func (c *Collection[E]) CachedLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// ClearCache drops the in-memory cache. The durable store is untouched.
func (c *Collection[E]) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]E)
	c.lastRefresh = make(map[string]time.Time)
	c.loaded = false
}

// PendingCount is the live gauge of staged-but-unconfirmed operations.
func (c *Collection[E]) PendingCount(ctx context.Context) (int, error) {
	pending, _, err := c.store.Counts(ctx, c.desc.EntityType)
	return pending, err
}

// FailedCount is the live gauge of records awaiting retry.
func (c *Collection[E]) FailedCount(ctx context.Context) (int, error) {
	_, failed, err := c.store.Counts(ctx, c.desc.EntityType)
	return failed, err
}

func (c *Collection[E]) snapshotLocked(match func(E) bool) []E {
	out := make([]E, 0, len(c.cache))
	for _, e := range c.cache {
		if match == nil || match(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ci, cj := c.desc.CreatedAt(out[i]), c.desc.CreatedAt(out[j])
		if !ci.Equal(cj) {
			return ci.Before(cj)
		}
		return c.desc.ID(out[i]) < c.desc.ID(out[j])
	})
	return out
}

// ensureLoaded populates the cache from the durable store once. Undecodable
// rows are logged and dropped; they will be re-fetched on the next full sync.
func (c *Collection[E]) ensureLoaded(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded {
		return len(c.cache), nil
	}
	recs, err := c.store.List(ctx, c.desc.EntityType)
	if err != nil {
		return 0, fmt.Errorf("failed to load %s records: %w", c.desc.EntityType, err)
	}
	for _, rec := range recs {
		if rec.Op == OpDelete {
			continue // optimistically deleted; stays out of the cache
		}
		var e E
		if err := json.Unmarshal(rec.Entity, &e); err != nil {
			c.logger.Warn("dropping undecodable record", "pk", rec.ID, "error", err)
			_ = c.store.Delete(ctx, c.desc.EntityType, rec.ID)
			continue
		}
		c.cache[c.desc.ID(e)] = e
	}
	c.loaded = true
	return len(recs), nil
}

// ---- writes ----

// Create stages an optimistic create. The entity receives a temp ID if it has
// none, lands in the memory cache immediately, and is persisted and drained
// in the background. The returned entity is the optimistic one.
func (c *Collection[E]) Create(ctx context.Context, entity E, staged Fields) (E, error) {
	_, _ = c.ensureLoaded(ctx)
	e := entity
	if c.desc.ID(e) == "" {
		e = c.desc.WithID(e, NewTempID())
	}
	if c.desc.Touch != nil {
		e = c.desc.Touch(e, time.Now().UTC())
	}
	id := c.desc.ID(e)

	c.mu.Lock()
	c.cache[id] = e
	c.mu.Unlock()

	rec, err := c.makeRecord(e, OpCreate, staged)
	if err != nil {
		return e, err
	}
	c.enqueue(func(jctx context.Context) {
		if err := c.store.Upsert(jctx, rec); err != nil {
			c.logger.Warn("failed to persist pending create", "pk", id, "error", err)
		}
	})
	c.publish(EventEntityCreated, id, "", "")
	c.drainSoon()
	return e, nil
}

// Update applies fields optimistically and stages a pending update. The
// optimistic state is kept on later sync failure; retry is the recovery path.
func (c *Collection[E]) Update(ctx context.Context, id string, fields Fields) (E, error) {
	var zero E
	if _, err := c.ensureLoaded(ctx); err != nil {
		return zero, err
	}
	c.mu.Lock()
	cur, ok := c.cache[id]
	c.mu.Unlock()
	if !ok {
		return zero, fmt.Errorf("%s %s not found locally", c.desc.EntityType, id)
	}
	updated, err := c.desc.merge(cur, fields)
	if err != nil {
		return zero, err
	}
	if c.desc.Touch != nil {
		updated = c.desc.Touch(updated, time.Now().UTC())
	}
	c.mu.Lock()
	c.cache[id] = updated
	c.mu.Unlock()

	c.enqueue(func(jctx context.Context) {
		if err := c.stageUpdate(jctx, id, updated, fields); err != nil {
			c.logger.Warn("failed to persist pending update", "pk", id, "error", err)
		}
	})
	c.publish(EventEntityUpdated, id, "", "")
	c.drainSoon()
	return updated, nil
}

// stageUpdate coalesces the new fields into the record's staged payload. An
// unconfirmed create stays a create with a refreshed snapshot rather than
// turning into an update the server could not resolve.
func (c *Collection[E]) stageUpdate(ctx context.Context, id string, updated E, fields Fields) error {
	existing, err := c.store.Get(ctx, c.desc.EntityType, id)
	if err != nil {
		return err
	}
	op := OpUpdate
	staged := fields
	if existing != nil {
		prior, err := existing.StagedFields()
		if err == nil && len(prior) > 0 {
			merged := make(Fields, len(prior)+len(fields))
			for k, v := range prior {
				merged[k] = v
			}
			for k, v := range fields {
				merged[k] = v
			}
			staged = merged
		}
		if existing.Op == OpCreate {
			op = OpCreate
		}
	}
	rec, err := c.makeRecord(updated, op, staged)
	if err != nil {
		return err
	}
	return c.store.Upsert(ctx, rec)
}

// Delete removes the entity from the cache immediately and stages a pending
// delete. The durable record is only physically removed once the server
// confirms. Deleting an entity the server never saw just drops it.
func (c *Collection[E]) Delete(ctx context.Context, id string) error {
	if _, err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	cur, ok := c.cache[id]
	delete(c.cache, id)
	c.mu.Unlock()

	c.enqueue(func(jctx context.Context) {
		existing, err := c.store.Get(jctx, c.desc.EntityType, id)
		if err != nil {
			c.logger.Warn("failed to stage delete", "pk", id, "error", err)
			return
		}
		if existing != nil && existing.Op == OpCreate {
			// Never reached the server; nothing to reconcile.
			if err := c.store.Delete(jctx, c.desc.EntityType, id); err != nil {
				c.logger.Warn("failed to drop unsynced create", "pk", id, "error", err)
			}
			return
		}
		var rec StoredRecord
		if existing != nil {
			rec = *existing
		} else if ok {
			made, err := c.makeRecord(cur, OpDelete, nil)
			if err != nil {
				c.logger.Warn("failed to stage delete", "pk", id, "error", err)
				return
			}
			rec = made
		} else {
			return
		}
		rec.Op = OpDelete
		rec.Status = StatusPendingDelete
		rec.PendingFields = nil
		rec.Attempts = 0
		rec.LastError = ""
		rec.Terminal = false
		rec.QueuedAt = time.Now().UTC()
		if err := c.store.Upsert(jctx, rec); err != nil {
			c.logger.Warn("failed to stage delete", "pk", id, "error", err)
		}
	})
	c.publish(EventEntityDeleted, id, "", "")
	c.drainSoon()
	return nil
}

func (c *Collection[E]) makeRecord(entity E, op PendingOp, staged Fields) (StoredRecord, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return StoredRecord{}, fmt.Errorf("failed to marshal %s entity: %w", c.desc.EntityType, err)
	}
	var stagedRaw json.RawMessage
	if len(staged) > 0 {
		stagedRaw, err = json.Marshal(staged)
		if err != nil {
			return StoredRecord{}, fmt.Errorf("failed to marshal staged fields: %w", err)
		}
	}
	return StoredRecord{
		EntityType:    c.desc.EntityType,
		ID:            c.desc.ID(entity),
		Entity:        raw,
		Status:        statusForOp(op),
		Op:            op,
		PendingFields: stagedRaw,
		References:    c.desc.references(entity),
		QueuedAt:      time.Now().UTC(),
	}, nil
}

// drainSoon schedules an asynchronous drain without making the caller wait.
// No-op while disconnected; the background trigger picks the work up later.
func (c *Collection[E]) drainSoon() {
	if c.reach == nil || !c.reach.IsConnected() {
		return
	}
	c.enqueue(func(jctx context.Context) {
		if err := c.SyncPending(jctx); err != nil {
			c.logger.Warn("background drain failed", "error", err)
		}
	})
}

func (c *Collection[E]) publish(kind EventKind, id, oldID, errMsg string) {
	c.bus.Publish(Event{Kind: kind, EntityType: c.desc.EntityType, ID: id, OldID: oldID, Error: errMsg})
}
