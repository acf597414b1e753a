// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import "context"

// Store is the durable local persistence contract. Implementations must
// support concurrent reads from multiple goroutines; all writes for a given
// record flow through the owning Collection's single-writer discipline.
//
// Get returns (nil, nil) when the record is absent. Query methods return
// plain data copies, never live handles.
type Store interface {
	Get(ctx context.Context, entityType, id string) (*StoredRecord, error)
	List(ctx context.Context, entityType string) ([]StoredRecord, error)

	// Pending returns records with a staged operation that are eligible for
	// automatic drain (terminal failures excluded), in queue order.
	Pending(ctx context.Context, entityType string) ([]StoredRecord, error)

	ByStatus(ctx context.Context, entityType string, status SyncStatus) ([]StoredRecord, error)

	// ByReference returns records whose entity references the given ID.
	ByReference(ctx context.Context, entityType, refID string) ([]StoredRecord, error)

	Upsert(ctx context.Context, rec StoredRecord) error

	// Rekey atomically rewrites a record's ID (temp to canonical). The old
	// row must not survive the swap.
	Rekey(ctx context.Context, entityType, oldID, newID string) error

	Delete(ctx context.Context, entityType, id string) error

	// Counts returns the pending and failed gauges for one entity type.
	Counts(ctx context.Context, entityType string) (pending, failed int, err error)

	// Batch runs fn against a transactional view of the store. Either every
	// write in fn applies or the returned error reports the failure.
	Batch(ctx context.Context, fn func(tx Store) error) error

	// GetMeta and SetMeta persist engine-level key/value state such as global
	// sync timestamps. GetMeta returns "" when the key is absent.
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}
