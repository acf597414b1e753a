// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTaskCollection builds a manually drained task collection (nil
// reachability means drains only run when a test calls SyncPending).
func newTaskCollection(t *testing.T) (*Collection[Task], *memStore, *fakeRemote[Task], *Bus) {
	t.Helper()
	store := newMemStore()
	remote := newFakeRemote(TaskDescriptor())
	bus := NewBus()
	col := NewCollection(TaskDescriptor(), store, remote, nil, bus, testConfig(), testLogger())
	t.Cleanup(col.Close)
	return col, store, remote, bus
}

func TestCreateStagesDurablyOffline(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	task, err := col.Create(ctx, Task{Title: "Buy milk"}, nil)
	require.NoError(t, err)
	require.True(t, IsTempID(task.ID), "optimistic create must receive a temp ID")
	require.False(t, task.UpdatedAt.IsZero())

	// Visible in the cache immediately, before any background work lands.
	got, ok := col.Get(ctx, task.ID)
	require.True(t, ok)
	require.Equal(t, "Buy milk", got.Title)

	require.NoError(t, col.Flush(ctx))

	rec, err := store.Get(ctx, "tasks", task.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, OpCreate, rec.Op)

	pending, err := col.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)

	_, creates, _, _ := remote.calls()
	require.Equal(t, 0, creates, "no remote traffic without a drain")
}

func TestDrainConfirmsCreateAndRekeys(t *testing.T) {
	ctx := context.Background()
	col, store, _, bus := newTaskCollection(t)
	events := recordEvents(bus, EventEntitySynced)

	task, err := col.Create(ctx, Task{Title: "Buy milk"}, nil)
	require.NoError(t, err)
	tempID := task.ID
	require.NoError(t, col.Flush(ctx))

	require.NoError(t, col.SyncPending(ctx))

	// Temp ID is gone from both cache and store.
	_, ok := col.Get(ctx, tempID)
	require.False(t, ok)
	rec, err := store.Get(ctx, "tasks", tempID)
	require.NoError(t, err)
	require.Nil(t, rec)

	rec, err = store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusSynced, rec.Status)
	require.Equal(t, OpNone, rec.Op)
	require.False(t, rec.LastSyncedAt.IsZero())

	got, ok := col.Get(ctx, "srv-1")
	require.True(t, ok)
	require.Equal(t, "Buy milk", got.Title)

	synced := events.ofKind(EventEntitySynced)
	require.Len(t, synced, 1)
	require.Equal(t, "srv-1", synced[0].ID)
	require.Equal(t, tempID, synced[0].OldID)
}

func TestUpdateCoalescesIntoPendingCreate(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	task, err := col.Create(ctx, Task{Title: "Draft"}, nil)
	require.NoError(t, err)
	_, err = col.Update(ctx, task.ID, Fields{"title": "Draft v2"})
	require.NoError(t, err)
	_, err = col.Update(ctx, task.ID, Fields{"notes": "tomorrow"})
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	// Still one staged create carrying every coalesced field.
	rec, err := store.Get(ctx, "tasks", task.ID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, OpCreate, rec.Op)
	staged, err := rec.StagedFields()
	require.NoError(t, err)
	require.Equal(t, "Draft v2", staged["title"])
	require.Equal(t, "tomorrow", staged["notes"])

	pending, err := col.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending, "edits to an unconfirmed create coalesce into one operation")

	require.NoError(t, col.SyncPending(ctx))
	_, creates, updates, _ := remote.calls()
	require.Equal(t, 1, creates)
	require.Equal(t, 0, updates)
	require.Equal(t, "Draft v2", remote.lastCreated.Title)
}

func TestUpdateSyncedRecordStagesUpdate(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	_, err := col.Create(ctx, Task{Title: "Draft"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))
	require.NoError(t, col.SyncPending(ctx))

	_, err = col.Update(ctx, "srv-1", Fields{"title": "Final"})
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	rec, err := store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.Equal(t, OpUpdate, rec.Op)
	require.Equal(t, StatusPendingUpdate, rec.Status)

	require.NoError(t, col.SyncPending(ctx))
	_, _, updates, _ := remote.calls()
	require.Equal(t, 1, updates)

	rec, err = store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
	got, ok := col.Get(ctx, "srv-1")
	require.True(t, ok)
	require.Equal(t, "Final", got.Title)
}

func TestDeleteUnsyncedCreateDropsRecord(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	task, err := col.Create(ctx, Task{Title: "Oops"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	require.NoError(t, col.Delete(ctx, task.ID))
	require.NoError(t, col.Flush(ctx))

	// The server never saw the create, so nothing to reconcile.
	rec, err := store.Get(ctx, "tasks", task.ID)
	require.NoError(t, err)
	require.Nil(t, rec)
	_, ok := col.Get(ctx, task.ID)
	require.False(t, ok)

	require.NoError(t, col.SyncPending(ctx))
	_, creates, _, deletes := remote.calls()
	require.Equal(t, 0, creates)
	require.Equal(t, 0, deletes)
}

func TestDeleteSyncedRecordStagesAndConfirms(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	_, err := col.Create(ctx, Task{Title: "Done with this"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))
	require.NoError(t, col.SyncPending(ctx))

	require.NoError(t, col.Delete(ctx, "srv-1"))
	require.NoError(t, col.Flush(ctx))

	// Gone from the cache immediately, durable until the server confirms.
	_, ok := col.Get(ctx, "srv-1")
	require.False(t, ok)
	rec, err := store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusPendingDelete, rec.Status)
	require.Equal(t, OpDelete, rec.Op)

	require.NoError(t, col.SyncPending(ctx))
	rec, err = store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.Nil(t, rec, "physical removal only after server confirmation")
	_, _, _, deletes := remote.calls()
	require.Equal(t, 1, deletes)
}

func TestConcurrentDrainsCollapseToOne(t *testing.T) {
	ctx := context.Background()
	col, _, remote, _ := newTaskCollection(t)
	remote.createDelay = 50 * time.Millisecond

	_, err := col.Create(ctx, Task{Title: "Once only"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = col.SyncPending(ctx)
		}()
	}
	wg.Wait()
	// Stragglers saw the in-flight guard and returned; the record may still
	// be draining on the winner, so wait for quiescence.
	require.NoError(t, col.SyncPending(ctx))

	_, creates, _, _ := remote.calls()
	require.Equal(t, 1, creates, "each pending record is submitted at most once")
}

func TestTransientFailureKeepsOptimisticStateAndRetries(t *testing.T) {
	ctx := context.Background()
	col, store, remote, bus := newTaskCollection(t)
	events := recordEvents(bus, EventEntitySyncFailed)

	seeded := Task{ID: "srv-9", Title: "Original", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	remote.seed(seeded)
	rec := mustRecord(t, col, seeded, OpNone, nil)
	rec.Status = StatusSynced
	require.NoError(t, store.Upsert(ctx, rec))

	remote.setUpdateErr(&RemoteError{StatusCode: 500, Message: "boom"})
	_, err := col.Update(ctx, "srv-9", Fields{"title": "Edited"})
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	// Three drains, three failed attempts; the optimistic edit stays visible.
	for i := 0; i < 3; i++ {
		require.NoError(t, col.SyncPending(ctx))
	}
	got, ok := col.Get(ctx, "srv-9")
	require.True(t, ok)
	require.Equal(t, "Edited", got.Title)

	stored, err := store.Get(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, 3, stored.Attempts)
	require.False(t, stored.Terminal, "a 500 is transient, not terminal")
	require.Contains(t, stored.LastError, "500")
	require.Len(t, events.ofKind(EventEntitySyncFailed), 3)

	failed, err := col.FailedCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, failed)

	// Server recovers; the next drain picks the record up automatically.
	remote.setUpdateErr(nil)
	require.NoError(t, col.SyncPending(ctx))
	stored, err = store.Get(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, stored.Status)
	got, ok = col.Get(ctx, "srv-9")
	require.True(t, ok)
	require.Equal(t, "Edited", got.Title)
}

func TestNotFoundUpdateIsTerminalUntilManualRetry(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	seeded := Task{ID: "srv-9", Title: "Ghost", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	rec := mustRecord(t, col, seeded, OpNone, nil)
	rec.Status = StatusSynced
	require.NoError(t, store.Upsert(ctx, rec))
	// Deliberately not seeded on the remote: the server has lost the record.

	_, err := col.Update(ctx, "srv-9", Fields{"title": "Edited"})
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))
	require.NoError(t, col.SyncPending(ctx))

	stored, err := store.Get(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, stored.Status)
	require.True(t, stored.Terminal)
	require.Equal(t, 1, stored.Attempts)

	// Further drains leave the terminal record alone.
	require.NoError(t, col.SyncPending(ctx))
	require.NoError(t, col.SyncPending(ctx))
	stored, err = store.Get(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	require.Equal(t, 1, stored.Attempts, "terminal failures are excluded from automatic drains")

	// Manual retry clears the terminal flag; the record now exists remotely.
	remote.seed(seeded)
	require.NoError(t, col.RetryFailed(ctx))
	stored, err = store.Get(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, stored.Status)
	require.Equal(t, 0, stored.Attempts)
}

func TestCreateWithMissingParentRollsBack(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	remote := newFakeRemote(CommentDescriptor())
	bus := NewBus()
	col := NewCollection(CommentDescriptor(), store, remote, nil, bus, testConfig(), testLogger())
	t.Cleanup(col.Close)
	events := recordEvents(bus, EventEntitySyncFailed)

	remote.setCreateErr(ErrNotFound)
	comment, err := col.Create(ctx, Comment{TaskID: "srv-404", Content: "into the void"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))
	require.NoError(t, col.SyncPending(ctx))

	// The parent task is gone server-side; the optimistic comment is rolled
	// back rather than left failing forever.
	_, ok := col.Get(ctx, comment.ID)
	require.False(t, ok)
	rec, err := store.Get(ctx, "comments", comment.ID)
	require.NoError(t, err)
	require.Nil(t, rec)
	require.Len(t, events.ofKind(EventEntitySyncFailed), 1)
}

func TestDependencyNotReadySkipsWithoutPenalty(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	remote := newFakeRemote(CommentDescriptor())
	col := NewCollection(CommentDescriptor(), store, remote, nil, NewBus(), testConfig(), testLogger())
	t.Cleanup(col.Close)

	comment, err := col.Create(ctx, Comment{TaskID: NewTempID(), Content: "waiting on task"}, nil)
	require.NoError(t, err)
	require.NoError(t, col.Flush(ctx))

	require.NoError(t, col.SyncPending(ctx))
	require.NoError(t, col.SyncPending(ctx))

	_, creates, _, _ := remote.calls()
	require.Equal(t, 0, creates, "not submitted while the task reference is a temp ID")
	rec, err := store.Get(ctx, "comments", comment.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 0, rec.Attempts, "a dependency skip is not a failed attempt")
}

func TestFetchColdStartBlocksOnRemote(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	now := time.Now().UTC()
	remote.seed(Task{ID: "srv-1", Title: "From server", CreatedAt: now, UpdatedAt: now})

	tasks, err := col.Fetch(ctx, "all", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "From server", tasks[0].Title)

	// The cold-start fetch persisted the result.
	rec, err := store.Get(ctx, "tasks", "srv-1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, StatusSynced, rec.Status)
}

func TestFetchColdStartOfflineIsUnavailable(t *testing.T) {
	ctx := context.Background()
	col, _, remote, _ := newTaskCollection(t)
	remote.setListErr(&RemoteError{StatusCode: 503, Message: "down"})

	_, err := col.Fetch(ctx, "all", nil)
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestFetchServesStoreWithoutRemote(t *testing.T) {
	ctx := context.Background()
	col, store, remote, _ := newTaskCollection(t)

	now := time.Now().UTC()
	seeded := Task{ID: "srv-1", Title: "Cached", CreatedAt: now, UpdatedAt: now}
	rec := mustRecord(t, col, seeded, OpNone, nil)
	rec.Status = StatusSynced
	require.NoError(t, store.Upsert(ctx, rec))
	remote.setListErr(&RemoteError{StatusCode: 503, Message: "down"})

	tasks, err := col.Fetch(ctx, "all", nil)
	require.NoError(t, err, "durable store satisfies the read while offline")
	require.Len(t, tasks, 1)
	require.Equal(t, "Cached", tasks[0].Title)
}

// Simulated process restart: a fresh collection over the same durable store
// must reproduce the exact pending set and field values.
func TestOfflineStateSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cfg, logger := testConfig(), testLogger()

	first := NewCollection(TaskDescriptor(), store, newFakeRemote(TaskDescriptor()), nil, NewBus(), cfg, logger)
	task, err := first.Create(ctx, Task{Title: "Before restart"}, nil)
	require.NoError(t, err)
	_, err = first.Update(ctx, task.ID, Fields{"notes": "still here"})
	require.NoError(t, err)
	require.NoError(t, first.Flush(ctx))
	first.Close()

	second := NewCollection(TaskDescriptor(), store, newFakeRemote(TaskDescriptor()), nil, NewBus(), cfg, logger)
	t.Cleanup(second.Close)

	got, ok := second.Get(ctx, task.ID)
	require.True(t, ok)
	require.Equal(t, "Before restart", got.Title)
	require.Equal(t, "still here", got.Notes)

	pending, err := second.PendingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, pending)
	rec, err := store.Get(ctx, "tasks", task.ID)
	require.NoError(t, err)
	require.Equal(t, OpCreate, rec.Op, "the coalesced create is reproduced intact")
}

func mustRecord[E any](t *testing.T, col *Collection[E], entity E, op PendingOp, staged Fields) StoredRecord {
	t.Helper()
	rec, err := col.makeRecord(entity, op, staged)
	require.NoError(t, err)
	return rec
}
