// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import "time"

// Descriptor binds one entity type to the generic sync machinery. It is the
// only type-specific surface a Collection needs: identity access, timestamp
// access for conflict resolution, staged-field merging, cross-entity
// reference handling, and optional gates for dependency readiness and
// ownership checks.
type Descriptor[E any] struct {
	// EntityType names the durable table/partition, e.g. "tasks".
	EntityType string

	// ID returns the entity's current ID (temp or canonical).
	ID func(entity E) string

	// WithID returns a copy of the entity with its ID replaced.
	WithID func(entity E, id string) E

	// UpdatedAt and CreatedAt feed timestamp conflict resolution.
	UpdatedAt func(entity E) time.Time
	CreatedAt func(entity E) time.Time

	// Touch returns a copy with UpdatedAt set; applied on optimistic mutation.
	Touch func(entity E, at time.Time) E

	// Merge applies staged fields to an entity. When nil, the JSON overlay in
	// ApplyFields is used.
	Merge func(entity E, fields Fields) (E, error)

	// References enumerates IDs of other entities this entity points at.
	// Used to find dependents during temp-ID reconciliation.
	References func(entity E) []string

	// RewriteReference replaces oldID with newID wherever the entity holds it
	// and reports whether anything changed. When nil the entity holds no
	// cross-entity references.
	RewriteReference func(entity E, oldID, newID string) (E, bool)

	// DependencyReady reports whether a pending operation may be submitted.
	// A false return skips the record with no attempt penalty; the next drain
	// retries. When nil the operation is always ready.
	DependencyReady func(entity E, staged Fields) bool

	// OwnedBy reports whether the entity belongs to the given principal.
	// Used by the data-isolation guard. When nil the check is skipped.
	OwnedBy func(entity E, userID string) bool
}

func (d Descriptor[E]) merge(entity E, fields Fields) (E, error) {
	if d.Merge != nil {
		return d.Merge(entity, fields)
	}
	return ApplyFields(entity, fields)
}

func (d Descriptor[E]) references(entity E) []string {
	if d.References == nil {
		return nil
	}
	return d.References(entity)
}

func (d Descriptor[E]) ready(entity E, staged Fields) bool {
	if d.DependencyReady == nil {
		return true
	}
	return d.DependencyReady(entity, staged)
}
