// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// ListRemote fetches the full current remote set for this entity type.
func (c *Collection[E]) ListRemote(ctx context.Context) ([]E, error) {
	return c.remote.List(ctx)
}

// RefreshFromRemote fetches the remote set and merges it in: a remote item
// overwrites its local counterpart only when strictly newer, absent items are
// inserted, and local edits not yet synced are never overwritten.
func (c *Collection[E]) RefreshFromRemote(ctx context.Context) error {
	remoteSet, err := c.remote.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch %s from remote: %w", c.desc.EntityType, err)
	}
	return c.applyRemoteSet(ctx, remoteSet, false)
}

// ReplaceFromRemote swaps the collection's contents for an already-fetched
// remote set (full sync path). Unsynced local records are preserved and
// merged back; synced records absent from the result set are dropped.
func (c *Collection[E]) ReplaceFromRemote(ctx context.Context, remoteSet []E) error {
	return c.applyRemoteSet(ctx, remoteSet, true)
}

// scheduleRefresh runs a background refresh for a filter key on the worker
// queue. A newer request for the same key supersedes and cancels an in-flight
// one (search-as-you-type).
func (c *Collection[E]) scheduleRefresh(ctx context.Context, key string) {
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.mu.Lock()
	if prev, ok := c.refreshCancels[key]; ok {
		prev()
	}
	c.refreshCancels[key] = cancel
	c.mu.Unlock()

	c.enqueue(func(context.Context) {
		defer func() {
			c.mu.Lock()
			if c.refreshCancels[key] != nil {
				c.refreshCancels[key]()
				delete(c.refreshCancels, key)
			}
			c.mu.Unlock()
		}()
		if err := c.RefreshFromRemote(rctx); err != nil {
			// Background refreshes never surface network errors to callers.
			c.logger.Debug("background refresh failed", "key", key, "error", err)
		}
	})
}

// applyRemoteSet merges a remote result set into cache and store under the
// collection's writer lock. Duplicate IDs within the set resolve last-wins.
func (c *Collection[E]) applyRemoteSet(ctx context.Context, remoteSet []E, replace bool) error {
	if _, err := c.ensureLoaded(ctx); err != nil {
		return err
	}
	recs, err := c.store.List(ctx, c.desc.EntityType)
	if err != nil {
		return fmt.Errorf("failed to read %s records: %w", c.desc.EntityType, err)
	}
	recByID := make(map[string]StoredRecord, len(recs))
	for _, r := range recs {
		recByID[r.ID] = r
	}

	// Last-write-wins on duplicate IDs within the same fetch.
	deduped := make(map[string]E, len(remoteSet))
	for _, e := range remoteSet {
		deduped[c.desc.ID(e)] = e
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	newCache := make(map[string]E, len(deduped)+len(c.cache))
	if !replace {
		for id, e := range c.cache {
			newCache[id] = e
		}
	}

	var upserts []StoredRecord
	var removals []string

	for id, re := range deduped {
		if meta, ok := recByID[id]; ok && (meta.Op != OpNone || meta.Status == StatusFailed) {
			// Local unsynced edits win unconditionally over a refresh.
			if local, inCache := c.cache[id]; inCache {
				newCache[id] = local
			} else {
				delete(newCache, id) // pending delete stays deleted
			}
			continue
		}
		if local, inCache := c.cache[id]; inCache {
			newCache[id] = c.pickWinner(local, re)
			if c.remoteWins(local, re) {
				rec, err := c.makeRecord(re, OpNone, nil)
				if err != nil {
					return err
				}
				rec.LastSyncedAt = time.Now().UTC()
				upserts = append(upserts, rec)
			}
			continue
		}
		newCache[id] = re
		rec, err := c.makeRecord(re, OpNone, nil)
		if err != nil {
			return err
		}
		rec.LastSyncedAt = time.Now().UTC()
		upserts = append(upserts, rec)
	}

	if replace {
		// Carry local-only unsynced records over; drop synced records the
		// server no longer returns.
		for id, meta := range recByID {
			if _, inRemote := deduped[id]; inRemote {
				continue
			}
			if meta.Op != OpNone || meta.Status == StatusFailed {
				if local, inCache := c.cache[id]; inCache {
					newCache[id] = local
				}
				continue
			}
			removals = append(removals, id)
		}
		// Unpersisted optimistic entities (create still in the write queue).
		for id, e := range c.cache {
			if _, seen := newCache[id]; seen {
				continue
			}
			if _, hasRec := recByID[id]; !hasRec && IsTempID(id) {
				newCache[id] = e
			}
		}
	}

	err = c.store.Batch(ctx, func(tx Store) error {
		for _, rec := range upserts {
			if err := tx.Upsert(ctx, rec); err != nil {
				return err
			}
		}
		for _, id := range removals {
			if err := tx.Delete(ctx, c.desc.EntityType, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist %s refresh: %w", c.desc.EntityType, err)
	}

	c.cache = newCache
	c.loaded = true
	c.publish(EventCollectionRefreshed, "", "", "")
	return nil
}

// remoteWins implements the conflict rule: the strictly greater updatedAt
// wins, ties keep the local (optimistic) side. A zero updatedAt falls back to
// createdAt.
func (c *Collection[E]) remoteWins(local, remote E) bool {
	lt := c.desc.UpdatedAt(local)
	if lt.IsZero() {
		lt = c.desc.CreatedAt(local)
	}
	rt := c.desc.UpdatedAt(remote)
	if rt.IsZero() {
		rt = c.desc.CreatedAt(remote)
	}
	return rt.After(lt)
}

func (c *Collection[E]) pickWinner(local, remote E) E {
	if c.remoteWins(local, remote) {
		return remote
	}
	return local
}

// RewriteReferences replaces a reconciled temp ID with its canonical ID in
// every dependent entity of this collection, in memory and in the durable
// store. Dependents already confirmed by the server are re-staged as pending
// updates so the canonical link propagates remotely as well.
func (c *Collection[E]) RewriteReferences(ctx context.Context, oldID, newID string) error {
	recs, err := c.store.ByReference(ctx, c.desc.EntityType, oldID)
	if err != nil {
		return fmt.Errorf("failed to find %s records referencing %s: %w", c.desc.EntityType, oldID, err)
	}
	if len(recs) > 0 && c.desc.RewriteReference != nil {
		err = c.store.Batch(ctx, func(tx Store) error {
			for _, rec := range recs {
				var e E
				if err := json.Unmarshal(rec.Entity, &e); err != nil {
					c.logger.Warn("skipping undecodable dependent", "pk", rec.ID, "error", err)
					continue
				}
				rewritten, changed := c.desc.RewriteReference(e, oldID, newID)
				if !changed {
					continue
				}
				raw, err := json.Marshal(rewritten)
				if err != nil {
					return err
				}
				rec.Entity = raw
				rec.References = c.desc.references(rewritten)
				if rec.Status == StatusSynced && rec.Op == OpNone {
					staged, err := EntityToFields(rewritten)
					if err != nil {
						return err
					}
					stagedRaw, err := json.Marshal(staged)
					if err != nil {
						return err
					}
					rec.Op = OpUpdate
					rec.Status = StatusPendingUpdate
					rec.PendingFields = stagedRaw
					rec.Attempts = 0
					rec.LastError = ""
					rec.Terminal = false
					rec.QueuedAt = time.Now().UTC()
				}
				if err := tx.Upsert(ctx, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to rewrite %s references %s->%s: %w", c.desc.EntityType, oldID, newID, err)
		}
	}

	if c.desc.RewriteReference != nil {
		c.mu.Lock()
		for id, e := range c.cache {
			if rewritten, changed := c.desc.RewriteReference(e, oldID, newID); changed {
				c.cache[id] = rewritten
			}
		}
		c.mu.Unlock()
	}
	return nil
}
