// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PassState is the orchestrator's sync-pass state machine position.
type PassState string

const (
	PassIdle               PassState = "idle"
	PassFetching           PassState = "fetching"
	PassReconciling        PassState = "reconciling"
	PassUpdatingTimestamps PassState = "updating_timestamps"
)

// Meta keys for global sync timestamps.
const (
	metaLastFullSync        = "last_full_sync"
	metaLastIncrementalSync = "last_incremental_sync"
)

// serviceCollection is the entity-type-erased view the orchestrator holds of
// each Collection, in fixed dependency order.
type serviceCollection interface {
	EntityType() string
	SyncPending(ctx context.Context) error
	RetryFailed(ctx context.Context) error
	RefreshFromRemote(ctx context.Context) error
	RewriteReferences(ctx context.Context, oldID, newID string) error
	PendingCount(ctx context.Context) (int, error)
	FailedCount(ctx context.Context) (int, error)
	CachedLen() int
	ClearCache()
	Flush(ctx context.Context) error
}

// Orchestrator sequences the entity collections into coherent sync passes:
// lists always before tasks (tasks reference list IDs), comments, members and
// reminder settings drained last. It owns the global sync timestamps and the
// cross-entity temp-ID reconciliation fan-out.
type Orchestrator struct {
	Lists     *Collection[List]
	Tasks     *Collection[Task]
	Comments  *Collection[Comment]
	Members   *Collection[ListMember]
	Reminders *Collection[ReminderSetting]

	store  Store
	reach  Reachability
	bus    *Bus
	logger *slog.Logger
	userID string

	ordered  []serviceCollection
	inFlight int32

	mu    sync.Mutex
	state PassState
}

// NewOrchestrator wires the five collections together and installs the
// temp-ID reconciliation hook on each of them.
func NewOrchestrator(userID string, store Store, reach Reachability, bus *Bus, logger *slog.Logger,
	lists *Collection[List], tasks *Collection[Task], comments *Collection[Comment],
	members *Collection[ListMember], reminders *Collection[ReminderSetting]) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		Lists:     lists,
		Tasks:     tasks,
		Comments:  comments,
		Members:   members,
		Reminders: reminders,
		store:     store,
		reach:     reach,
		bus:       bus,
		logger:    logger,
		userID:    userID,
		state:     PassIdle,
	}
	o.ordered = []serviceCollection{lists, tasks, comments, members, reminders}

	lists.SetRekeyHook(o.reconcileReferences)
	tasks.SetRekeyHook(o.reconcileReferences)
	comments.SetRekeyHook(o.reconcileReferences)
	members.SetRekeyHook(o.reconcileReferences)
	reminders.SetRekeyHook(o.reconcileReferences)
	return o
}

// State reports the current pass position.
func (o *Orchestrator) State() PassState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) setState(s PassState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// reconcileReferences fans a temp-to-canonical ID swap out to every other
// collection, synchronously with the swap. Dependents holding the stale temp
// ID are rewritten in memory and in the durable store before the swapped
// record is reported synced.
func (o *Orchestrator) reconcileReferences(ctx context.Context, entityType, oldID, newID string) {
	for _, col := range o.ordered {
		if col.EntityType() == entityType {
			continue
		}
		if err := col.RewriteReferences(ctx, oldID, newID); err != nil {
			o.logger.Warn("failed to rewrite dependent references",
				"entity_type", col.EntityType(), "old", oldID, "new", newID, "error", err)
		}
	}
}

// FullSync fetches lists then tasks, replaces the in-memory collections, runs
// the data-isolation guard, and drains comments, members and reminder
// settings in that order. The pass aborts only when the initial fetch fails
// entirely with no cached data, or on an isolation violation.
func (o *Orchestrator) FullSync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.inFlight, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&o.inFlight, 0)
	defer o.setState(PassIdle)

	o.setState(PassFetching)

	lists, listsErr := o.Lists.ListRemote(ctx)
	if listsErr != nil {
		// Load from the durable store before deciding there is nothing to
		// show; a cold restart has data on disk but nothing in memory yet.
		listLen, _ := o.Lists.ensureLoaded(ctx)
		taskLen, _ := o.Tasks.ensureLoaded(ctx)
		if listLen == 0 && taskLen == 0 {
			return fmt.Errorf("%w: %v", ErrUnavailable, listsErr)
		}
		o.logger.Warn("full sync: list fetch failed, continuing with cached data", "error", listsErr)
	} else {
		if err := o.Lists.ReplaceFromRemote(ctx, lists); err != nil {
			return err
		}
	}

	tasks, tasksErr := o.Tasks.ListRemote(ctx)
	if tasksErr != nil {
		o.logger.Warn("full sync: task fetch failed, continuing with cached data", "error", tasksErr)
	} else {
		if err := o.guardTaskOwnership(tasks); err != nil {
			return err
		}
		if err := o.Tasks.ReplaceFromRemote(ctx, tasks); err != nil {
			return err
		}
	}

	o.setState(PassReconciling)
	for _, col := range []serviceCollection{o.Comments, o.Members, o.Reminders} {
		if err := col.SyncPending(ctx); err != nil {
			o.logger.Warn("full sync: drain failed", "entity_type", col.EntityType(), "error", err)
		}
	}

	o.setState(PassUpdatingTimestamps)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := o.store.SetMeta(ctx, metaLastFullSync, now); err != nil {
		o.logger.Warn("failed to persist full sync timestamp", "error", err)
	}
	o.bus.Publish(Event{Kind: EventPassCompleted})
	return nil
}

// guardTaskOwnership is the data-isolation check: tasks were fetched, yet not
// a single one belongs to the authenticated user as creator or assignee. That
// is a backend or session bug, never a normal state; displaying foreign data
// silently is not an option, so all caches are cleared and a hard error is
// raised.
func (o *Orchestrator) guardTaskOwnership(tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}
	for _, t := range tasks {
		if t.OwnedBy(o.userID) {
			return nil
		}
	}
	o.logger.Error("data isolation violation detected, clearing caches",
		"fetched", len(tasks), "user", o.userID)
	for _, col := range o.ordered {
		col.ClearCache()
	}
	return fmt.Errorf("%w: %d tasks fetched, none owned by %s", ErrDataIsolation, len(tasks), o.userID)
}

// IncrementalSync merges each entity type's remote set (overwrite only when
// strictly newer, insert when absent) and then drains all pending local
// operations. Falls back to a full sync when there is no prior sync
// timestamp (incremental or full), or when both primary collections are
// empty in memory and on disk despite one — the cache-eviction case.
func (o *Orchestrator) IncrementalSync(ctx context.Context) error {
	last, err := o.store.GetMeta(ctx, metaLastIncrementalSync)
	if err != nil {
		o.logger.Warn("failed to read incremental sync timestamp", "error", err)
	}
	if last == "" {
		// A completed full pass also counts as a prior sync point.
		last, err = o.store.GetMeta(ctx, metaLastFullSync)
		if err != nil {
			o.logger.Warn("failed to read full sync timestamp", "error", err)
		}
	}
	if last == "" {
		return o.FullSync(ctx)
	}
	listLen, _ := o.Lists.ensureLoaded(ctx)
	taskLen, _ := o.Tasks.ensureLoaded(ctx)
	if listLen == 0 && taskLen == 0 {
		return o.FullSync(ctx)
	}

	if !atomic.CompareAndSwapInt32(&o.inFlight, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&o.inFlight, 0)
	defer o.setState(PassIdle)

	o.setState(PassFetching)
	for _, col := range o.ordered {
		if err := col.RefreshFromRemote(ctx); err != nil {
			o.logger.Warn("incremental sync: refresh failed", "entity_type", col.EntityType(), "error", err)
		}
	}

	o.setState(PassReconciling)
	for _, col := range o.ordered {
		if err := col.SyncPending(ctx); err != nil {
			o.logger.Warn("incremental sync: drain failed", "entity_type", col.EntityType(), "error", err)
		}
	}

	o.setState(PassUpdatingTimestamps)
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if err := o.store.SetMeta(ctx, metaLastIncrementalSync, now); err != nil {
		o.logger.Warn("failed to persist incremental sync timestamp", "error", err)
	}
	o.bus.Publish(Event{Kind: EventPassCompleted})
	return nil
}

// QuickSync drains pending operations for all entity types without any
// remote fetch, in dependency order. Used to push local changes fast.
func (o *Orchestrator) QuickSync(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&o.inFlight, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&o.inFlight, 0)
	defer o.setState(PassIdle)

	o.setState(PassReconciling)
	for _, col := range o.ordered {
		if err := col.SyncPending(ctx); err != nil {
			o.logger.Warn("quick sync: drain failed", "entity_type", col.EntityType(), "error", err)
		}
	}
	return nil
}

// RetryFailed resets and re-drains every failed record across all types.
func (o *Orchestrator) RetryFailed(ctx context.Context) error {
	for _, col := range o.ordered {
		if err := col.RetryFailed(ctx); err != nil {
			return err
		}
	}
	return nil
}

// PendingOperations sums the pending gauge across all entity types.
func (o *Orchestrator) PendingOperations(ctx context.Context) (int, error) {
	total := 0
	for _, col := range o.ordered {
		n, err := col.PendingCount(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// FailedOperations sums the failed gauge across all entity types.
func (o *Orchestrator) FailedOperations(ctx context.Context) (int, error) {
	total := 0
	for _, col := range o.ordered {
		n, err := col.FailedCount(ctx)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// Flush waits for all collections' background work. Intended for tests and
// cooperative shutdown.
func (o *Orchestrator) Flush(ctx context.Context) error {
	for _, col := range o.ordered {
		if err := col.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
