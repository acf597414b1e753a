// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// SyncPending drains every staged operation for this entity type. It is a
// no-op while disconnected, and concurrent calls collapse to a single drain:
// each pending record is submitted to the remote at most once.
//
// Per-record failures never abort the drain; they are recorded on the record
// and logged. Connectivity loss is detected record-by-record and abandons the
// rest of the pass.
func (c *Collection[E]) SyncPending(ctx context.Context) error {
	if c.reach != nil && !c.reach.IsConnected() {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&c.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&c.draining, 0)

	recs, err := c.store.Pending(ctx, c.desc.EntityType)
	if err != nil {
		return fmt.Errorf("failed to read pending %s records: %w", c.desc.EntityType, err)
	}
	for i := range recs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.reach != nil && !c.reach.IsConnected() {
			c.logger.Debug("connectivity lost mid-drain, abandoning pass", "remaining", len(recs)-i)
			return nil
		}
		if err := c.reconcile(ctx, recs[i]); err != nil {
			c.logger.Warn("failed to reconcile record", "pk", recs[i].ID, "op", string(recs[i].Op), "error", err)
		}
	}
	return nil
}

// reconcile pushes one staged operation to the remote and applies the
// authoritative result. Returned errors are store-level only; remote
// failures are absorbed into the record's failed state.
func (c *Collection[E]) reconcile(ctx context.Context, rec StoredRecord) error {
	var entity E
	if err := json.Unmarshal(rec.Entity, &entity); err != nil {
		// Local corruption: treat the record as absent rather than wedging
		// the drain. The next full sync re-fetches from remote.
		c.logger.Warn("dropping undecodable record", "pk", rec.ID, "error", err)
		c.mu.Lock()
		delete(c.cache, rec.ID)
		c.mu.Unlock()
		return c.store.Delete(ctx, c.desc.EntityType, rec.ID)
	}
	staged, err := rec.StagedFields()
	if err != nil {
		return c.markFailed(ctx, rec, err, false)
	}

	switch rec.Op {
	case OpCreate:
		return c.reconcileCreate(ctx, rec, entity, staged)
	case OpUpdate:
		return c.reconcileUpdate(ctx, rec, entity, staged)
	case OpDelete:
		return c.reconcileDelete(ctx, rec)
	default:
		return nil
	}
}

func (c *Collection[E]) reconcileCreate(ctx context.Context, rec StoredRecord, entity E, staged Fields) error {
	if !c.desc.ready(entity, staged) {
		// Unresolved dependency (e.g. a referenced upload still in flight).
		// Not an error: skip with no attempt penalty, retry next pass.
		c.logger.Debug("skipping create with unresolved dependency", "pk", rec.ID)
		return nil
	}
	created, err := c.remote.Create(ctx, entity, staged)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The parent container genuinely does not exist; there is nothing
			// sensible to keep showing. Roll the optimistic state back.
			c.logger.Warn("rolling back create, parent missing on remote", "pk", rec.ID, "error", err)
			c.mu.Lock()
			delete(c.cache, rec.ID)
			c.mu.Unlock()
			if derr := c.store.Delete(ctx, c.desc.EntityType, rec.ID); derr != nil {
				return derr
			}
			c.publish(EventEntitySyncFailed, rec.ID, "", err.Error())
			return nil
		}
		return c.markFailed(ctx, rec, err, false)
	}

	oldID := rec.ID
	newID := c.desc.ID(created)
	synced, err := c.makeRecord(created, OpNone, nil)
	if err != nil {
		return err
	}
	synced.LastSyncedAt = time.Now().UTC()
	err = c.store.Batch(ctx, func(tx Store) error {
		if newID != oldID {
			if err := tx.Rekey(ctx, c.desc.EntityType, oldID, newID); err != nil {
				return err
			}
		}
		return tx.Upsert(ctx, synced)
	})
	if err != nil {
		return fmt.Errorf("failed to confirm create for %s.%s: %w", c.desc.EntityType, oldID, err)
	}

	// Fan out the canonical ID to dependents before anything observes the
	// record as synced, so no reference window points at a dead temp ID.
	if newID != oldID && c.onRekey != nil {
		c.onRekey(ctx, c.desc.EntityType, oldID, newID)
	}

	c.mu.Lock()
	if newID != oldID {
		delete(c.cache, oldID)
	}
	c.cache[newID] = created
	c.mu.Unlock()
	c.publish(EventEntitySynced, newID, oldID, "")
	return nil
}

func (c *Collection[E]) reconcileUpdate(ctx context.Context, rec StoredRecord, entity E, staged Fields) error {
	if !c.desc.ready(entity, staged) {
		c.logger.Debug("skipping update with unresolved dependency", "pk", rec.ID)
		return nil
	}
	updated, err := c.remote.Update(ctx, rec.ID, staged)
	if err != nil {
		// A permanently gone record stops retrying; transient failures keep
		// the optimistic state visible and wait for the next drain.
		return c.markFailed(ctx, rec, err, errors.Is(err, ErrNotFound))
	}
	synced, err := c.makeRecord(updated, OpNone, nil)
	if err != nil {
		return err
	}
	synced.LastSyncedAt = time.Now().UTC()
	if err := c.store.Upsert(ctx, synced); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache[rec.ID] = updated
	c.mu.Unlock()
	c.publish(EventEntitySynced, rec.ID, "", "")
	return nil
}

func (c *Collection[E]) reconcileDelete(ctx context.Context, rec StoredRecord) error {
	if err := c.remote.Delete(ctx, rec.ID); err != nil {
		return c.markFailed(ctx, rec, err, errors.Is(err, ErrNotFound))
	}
	// Physical removal only after server confirmation.
	if err := c.store.Delete(ctx, c.desc.EntityType, rec.ID); err != nil {
		return err
	}
	c.publish(EventEntitySynced, rec.ID, "", "")
	return nil
}

func (c *Collection[E]) markFailed(ctx context.Context, rec StoredRecord, cause error, terminal bool) error {
	rec.Attempts++
	rec.Status = StatusFailed
	rec.LastError = cause.Error()
	rec.Terminal = terminal
	if err := c.store.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("failed to record sync failure for %s.%s: %w", c.desc.EntityType, rec.ID, err)
	}
	c.logger.Warn("sync attempt failed", "pk", rec.ID, "op", string(rec.Op),
		"attempts", rec.Attempts, "terminal", terminal, "error", cause)
	c.publish(EventEntitySyncFailed, rec.ID, "", cause.Error())
	return nil
}

// RetryFailed resets every failed record back to its pending state with a
// clean attempt counter, then drains.
func (c *Collection[E]) RetryFailed(ctx context.Context) error {
	recs, err := c.store.ByStatus(ctx, c.desc.EntityType, StatusFailed)
	if err != nil {
		return fmt.Errorf("failed to read failed %s records: %w", c.desc.EntityType, err)
	}
	if len(recs) > 0 {
		err = c.store.Batch(ctx, func(tx Store) error {
			for _, rec := range recs {
				rec.Status = statusForOp(rec.Op)
				rec.Attempts = 0
				rec.LastError = ""
				rec.Terminal = false
				if err := tx.Upsert(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to reset failed %s records: %w", c.desc.EntityType, err)
		}
	}
	return c.SyncPending(ctx)
}
