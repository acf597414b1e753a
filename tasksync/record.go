// Package tasksync provides a local-first offline sync engine for
// task-management entities. Mutations apply optimistically to an in-memory
// cache and a durable store, and are reconciled with a remote server in the
// background under intermittent connectivity.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyncStatus describes where a record sits in its reconciliation lifecycle.
type SyncStatus string

const (
	StatusSynced        SyncStatus = "synced"
	StatusPending       SyncStatus = "pending"        // create not yet confirmed
	StatusPendingUpdate SyncStatus = "pending_update" // update not yet confirmed
	StatusPendingDelete SyncStatus = "pending_delete" // delete not yet confirmed
	StatusFailed        SyncStatus = "failed"
)

// PendingOp is the operation staged for the next drain.
type PendingOp string

const (
	OpNone   PendingOp = ""
	OpCreate PendingOp = "create"
	OpUpdate PendingOp = "update"
	OpDelete PendingOp = "delete"
)

// statusForOp maps a staged operation to its pending status.
func statusForOp(op PendingOp) SyncStatus {
	switch op {
	case OpCreate:
		return StatusPending
	case OpUpdate:
		return StatusPendingUpdate
	case OpDelete:
		return StatusPendingDelete
	default:
		return StatusSynced
	}
}

// Fields is an operation-specific staged payload: the not-yet-confirmed
// changes for an update, or extra create-time data the entity itself does not
// carry (e.g. an invite email).
type Fields map[string]any

// TempIDPrefix marks locally assigned placeholder IDs. A temp ID is replaced
// by the server-assigned canonical ID when the create is confirmed.
const TempIDPrefix = "temp_"

// NewTempID generates a placeholder ID for an optimistic create.
func NewTempID() string {
	return TempIDPrefix + uuid.New().String()
}

// IsTempID reports whether id is a locally assigned placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// StoredRecord is the durable envelope around one entity: the entity snapshot
// plus sync metadata. It is the unit the Store persists and the drain loop
// operates on.
type StoredRecord struct {
	EntityType    string          `json:"entity_type"`
	ID            string          `json:"id"`
	Entity        json.RawMessage `json:"entity"`
	Status        SyncStatus      `json:"status"`
	Op            PendingOp       `json:"op"`
	PendingFields json.RawMessage `json:"pending_fields,omitempty"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	// Terminal marks a failure that must not be retried automatically
	// (remote reported the record permanently gone). Manual retry clears it.
	Terminal     bool      `json:"terminal,omitempty"`
	References   []string  `json:"references,omitempty"`
	LastSyncedAt time.Time `json:"last_synced_at,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

// StagedFields decodes the pending payload. A nil payload decodes to nil.
func (r *StoredRecord) StagedFields() (Fields, error) {
	if len(r.PendingFields) == 0 {
		return nil, nil
	}
	var f Fields
	if err := json.Unmarshal(r.PendingFields, &f); err != nil {
		return nil, fmt.Errorf("failed to decode pending fields for %s.%s: %w", r.EntityType, r.ID, err)
	}
	return f, nil
}

// ApplyFields overlays staged fields onto an entity via its JSON
// representation. Keys absent from fields are left untouched.
func ApplyFields[E any](entity E, fields Fields) (E, error) {
	var zero E
	if len(fields) == 0 {
		return entity, nil
	}
	raw, err := json.Marshal(entity)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return zero, fmt.Errorf("failed to decode entity: %w", err)
	}
	for k, v := range fields {
		m[k] = v
	}
	merged, err := json.Marshal(m)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal merged entity: %w", err)
	}
	var out E
	if err := json.Unmarshal(merged, &out); err != nil {
		return zero, fmt.Errorf("failed to decode merged entity: %w", err)
	}
	return out, nil
}

// EntityToFields flattens an entity into a staged payload, dropping the
// identity and timestamp keys the server owns.
func EntityToFields[E any](entity E) (Fields, error) {
	raw, err := json.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	delete(m, "id")
	delete(m, "created_at")
	delete(m, "updated_at")
	return m, nil
}
