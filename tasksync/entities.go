// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksync

import "time"

// List is a task container. Tasks reference lists by ID, so lists are always
// synced before tasks.
type List struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Color     string    `json:"color,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Task is the primary entity. ListIDs may hold temp IDs for lists created
// offline; those are rewritten when the list reconciles.
type Task struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Notes      string     `json:"notes,omitempty"`
	Completed  bool       `json:"completed"`
	CreatorID  string     `json:"creator_id,omitempty"`
	AssigneeID string     `json:"assignee_id,omitempty"`
	ListIDs    []string   `json:"list_ids,omitempty"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// OwnedBy reports whether the task belongs to the user as creator or
// assignee. Feeds the data-isolation guard.
func (t Task) OwnedBy(userID string) bool {
	return userID != "" && (t.CreatorID == userID || t.AssigneeID == userID)
}

// Comment belongs to a task and may reference a file attachment whose upload
// is still in flight (temp attachment ID).
type Comment struct {
	ID           string    `json:"id"`
	TaskID       string    `json:"task_id"`
	AuthorID     string    `json:"author_id,omitempty"`
	Content      string    `json:"content"`
	AttachmentID string    `json:"attachment_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ListMember is a membership/invite row on a list. The invite email travels
// in the staged create payload, not on the entity.
type ListMember struct {
	ID        string    `json:"id"`
	ListID    string    `json:"list_id"`
	UserID    string    `json:"user_id,omitempty"`
	Role      string    `json:"role,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReminderSetting is per-task reminder configuration, drained last in a full
// sync pass.
type ReminderSetting struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	RemindAt  time.Time `json:"remind_at"`
	Method    string    `json:"method,omitempty"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func replaceID(ids []string, oldID, newID string) ([]string, bool) {
	changed := false
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == oldID {
			out[i] = newID
			changed = true
		} else {
			out[i] = id
		}
	}
	return out, changed
}

// ListDescriptor binds List to the sync engine.
func ListDescriptor() Descriptor[List] {
	return Descriptor[List]{
		EntityType: "lists",
		ID:         func(l List) string { return l.ID },
		WithID:     func(l List, id string) List { l.ID = id; return l },
		UpdatedAt:  func(l List) time.Time { return l.UpdatedAt },
		CreatedAt:  func(l List) time.Time { return l.CreatedAt },
		Touch:      func(l List, at time.Time) List { l.UpdatedAt = at; return l },
	}
}

// TaskDescriptor binds Task to the sync engine. A task create is submitted
// even while its list references are still temp IDs; the canonical IDs are
// fanned out to the task after the list reconciles.
func TaskDescriptor() Descriptor[Task] {
	return Descriptor[Task]{
		EntityType: "tasks",
		ID:         func(t Task) string { return t.ID },
		WithID:     func(t Task, id string) Task { t.ID = id; return t },
		UpdatedAt:  func(t Task) time.Time { return t.UpdatedAt },
		CreatedAt:  func(t Task) time.Time { return t.CreatedAt },
		Touch:      func(t Task, at time.Time) Task { t.UpdatedAt = at; return t },
		References: func(t Task) []string { return t.ListIDs },
		RewriteReference: func(t Task, oldID, newID string) (Task, bool) {
			ids, changed := replaceID(t.ListIDs, oldID, newID)
			if changed {
				t.ListIDs = ids
			}
			return t, changed
		},
		OwnedBy: func(t Task, userID string) bool { return t.OwnedBy(userID) },
	}
}

// CommentDescriptor binds Comment to the sync engine. A comment is not ready
// to sync while it references an unreconciled task or an attachment upload
// still in flight.
func CommentDescriptor() Descriptor[Comment] {
	return Descriptor[Comment]{
		EntityType: "comments",
		ID:         func(c Comment) string { return c.ID },
		WithID:     func(c Comment, id string) Comment { c.ID = id; return c },
		UpdatedAt:  func(c Comment) time.Time { return c.UpdatedAt },
		CreatedAt:  func(c Comment) time.Time { return c.CreatedAt },
		Touch:      func(c Comment, at time.Time) Comment { c.UpdatedAt = at; return c },
		References: func(c Comment) []string {
			refs := []string{c.TaskID}
			if c.AttachmentID != "" {
				refs = append(refs, c.AttachmentID)
			}
			return refs
		},
		RewriteReference: func(c Comment, oldID, newID string) (Comment, bool) {
			changed := false
			if c.TaskID == oldID {
				c.TaskID = newID
				changed = true
			}
			if c.AttachmentID == oldID {
				c.AttachmentID = newID
				changed = true
			}
			return c, changed
		},
		DependencyReady: func(c Comment, _ Fields) bool {
			return !IsTempID(c.TaskID) && !IsTempID(c.AttachmentID)
		},
	}
}

// MemberDescriptor binds ListMember to the sync engine. Membership cannot be
// created on the server while the list itself is still a temp ID.
func MemberDescriptor() Descriptor[ListMember] {
	return Descriptor[ListMember]{
		EntityType: "list_members",
		ID:         func(m ListMember) string { return m.ID },
		WithID:     func(m ListMember, id string) ListMember { m.ID = id; return m },
		UpdatedAt:  func(m ListMember) time.Time { return m.UpdatedAt },
		CreatedAt:  func(m ListMember) time.Time { return m.CreatedAt },
		Touch:      func(m ListMember, at time.Time) ListMember { m.UpdatedAt = at; return m },
		References: func(m ListMember) []string { return []string{m.ListID} },
		RewriteReference: func(m ListMember, oldID, newID string) (ListMember, bool) {
			if m.ListID == oldID {
				m.ListID = newID
				return m, true
			}
			return m, false
		},
		DependencyReady: func(m ListMember, _ Fields) bool { return !IsTempID(m.ListID) },
	}
}

// ReminderDescriptor binds ReminderSetting to the sync engine.
func ReminderDescriptor() Descriptor[ReminderSetting] {
	return Descriptor[ReminderSetting]{
		EntityType: "reminder_settings",
		ID:         func(r ReminderSetting) string { return r.ID },
		WithID:     func(r ReminderSetting, id string) ReminderSetting { r.ID = id; return r },
		UpdatedAt:  func(r ReminderSetting) time.Time { return r.UpdatedAt },
		CreatedAt:  func(r ReminderSetting) time.Time { return r.CreatedAt },
		Touch:      func(r ReminderSetting, at time.Time) ReminderSetting { r.UpdatedAt = at; return r },
		References: func(r ReminderSetting) []string { return []string{r.TaskID} },
		RewriteReference: func(r ReminderSetting, oldID, newID string) (ReminderSetting, bool) {
			if r.TaskID == oldID {
				r.TaskID = newID
				return r, true
			}
			return r, false
		},
		DependencyReady: func(r ReminderSetting, _ Fields) bool { return !IsTempID(r.TaskID) },
	}
}
