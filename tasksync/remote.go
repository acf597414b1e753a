// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"context"
	"errors"
	"fmt"
)

// Remote is the per-entity-type server contract the engine reconciles
// against. Implementations own pagination: List returns the fully
// materialized result set. Create returns the entity with its canonical
// server-assigned ID and server timestamps.
type Remote[E any] interface {
	List(ctx context.Context) ([]E, error)
	Create(ctx context.Context, entity E, staged Fields) (E, error)
	Update(ctx context.Context, id string, fields Fields) (E, error)
	Delete(ctx context.Context, id string) error
}

// ErrNotFound signals the remote no longer has the record. It is a permanent
// condition: the drain marks the record terminally failed (or rolls back a
// create whose parent container is gone) instead of retrying forever.
var ErrNotFound = errors.New("not found on remote")

// ErrUnavailable signals there is no data and no network to get any: the
// caller has nothing to fall back to and should treat state as offline,
// unknown.
var ErrUnavailable = errors.New("network unavailable")

// ErrDataIsolation signals fetched data provably belongs to a different
// principal. Caches are cleared and the sync pass fails hard; this is a
// security guard, not a retryable condition.
var ErrDataIsolation = errors.New("fetched data does not belong to the authenticated user")

// RemoteError carries an HTTP-layer failure that is not a 404. These are
// transient from the engine's point of view and retried on later drains.
type RemoteError struct {
	StatusCode int
	Message    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsRetryable reports whether a reconciliation failure should be retried by
// later drains. Everything except a permanent not-found is retryable.
func IsRetryable(err error) bool {
	return err != nil && !errors.Is(err, ErrNotFound)
}
