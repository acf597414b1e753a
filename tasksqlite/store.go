// Package tasksqlite provides the SQLite-backed durable local store for the
// tasksync engine. One row per entity holds the entity snapshot plus its sync
// metadata; the store survives app restarts and supports concurrent reads
// while all writes for a record flow through the owning collection.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package tasksqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-tasksync/tasksync"
)

// querier abstracts *sql.DB and *sql.Tx so the same statements serve both
// direct access and Batch transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements tasksync.Store on a single SQLite database file.
type Store struct {
	db     *sql.DB
	q      querier
	logger *slog.Logger
}

// Open opens (creating if needed) the sync database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open sync database: %w", err)
	}
	// A single connection sidesteps SQLite write contention entirely.
	db.SetMaxOpenConns(1)
	if err := initialize(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, q: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil // tx-scoped view
	}
	return s.db.Close()
}

func initialize(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS sync_records (
			entity_type    TEXT NOT NULL,
			id             TEXT NOT NULL,
			entity         TEXT NOT NULL,            -- JSON snapshot
			status         TEXT NOT NULL,
			op             TEXT NOT NULL DEFAULT '',
			pending_fields TEXT,                     -- staged JSON payload (NULL when none)
			attempts       INTEGER NOT NULL DEFAULT 0,
			last_error     TEXT NOT NULL DEFAULT '',
			terminal       INTEGER NOT NULL DEFAULT 0,
			refs           TEXT NOT NULL DEFAULT '[]', -- JSON array of referenced IDs
			last_synced_at TEXT,
			queued_at      TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%f000000Z','now')),
			PRIMARY KEY (entity_type, id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_records_status
			ON sync_records(entity_type, status)`,

		`CREATE INDEX IF NOT EXISTS idx_sync_records_op
			ON sync_records(entity_type, op)`,

		`CREATE TABLE IF NOT EXISTS sync_meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, table := range tables {
		if _, err := db.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// timeFormat keeps a fixed-width fraction so lexicographic ORDER BY on the
// stored strings matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

const recordColumns = `entity_type, id, entity, status, op, pending_fields,
	attempts, last_error, terminal, refs, last_synced_at, queued_at`

func (s *Store) Get(ctx context.Context, entityType, id string) (*tasksync.StoredRecord, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM sync_records WHERE entity_type = ? AND id = ?
	`, entityType, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record %s.%s: %w", entityType, id, err)
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, entityType string) ([]tasksync.StoredRecord, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? ORDER BY queued_at, id
	`, entityType)
}

func (s *Store) Pending(ctx context.Context, entityType string) ([]tasksync.StoredRecord, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? AND op != '' AND terminal = 0
		ORDER BY queued_at, id
	`, entityType)
}

func (s *Store) ByStatus(ctx context.Context, entityType string, status tasksync.SyncStatus) ([]tasksync.StoredRecord, error) {
	return s.query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? AND status = ? ORDER BY queued_at, id
	`, entityType, string(status))
}

func (s *Store) ByReference(ctx context.Context, entityType, refID string) ([]tasksync.StoredRecord, error) {
	// The LIKE match over the JSON refs column is a prefilter; exact
	// membership is verified after decoding.
	recs, err := s.query(ctx, `
		SELECT `+recordColumns+` FROM sync_records
		WHERE entity_type = ? AND refs LIKE ? ORDER BY queued_at, id
	`, entityType, `%"`+refID+`"%`)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if slices.Contains(rec.References, refID) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Store) Upsert(ctx context.Context, rec tasksync.StoredRecord) error {
	refs, err := json.Marshal(rec.References)
	if err != nil {
		return fmt.Errorf("failed to marshal references: %w", err)
	}
	if rec.QueuedAt.IsZero() {
		rec.QueuedAt = time.Now().UTC()
	}
	_, err = s.q.ExecContext(ctx, `
		INSERT INTO sync_records
			(entity_type, id, entity, status, op, pending_fields, attempts,
			 last_error, terminal, refs, last_synced_at, queued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_type, id) DO UPDATE SET
			entity = excluded.entity,
			status = excluded.status,
			op = excluded.op,
			pending_fields = excluded.pending_fields,
			attempts = excluded.attempts,
			last_error = excluded.last_error,
			terminal = excluded.terminal,
			refs = excluded.refs,
			last_synced_at = excluded.last_synced_at,
			queued_at = excluded.queued_at
	`, rec.EntityType, rec.ID, string(rec.Entity), string(rec.Status), string(rec.Op),
		nullableJSON(rec.PendingFields), rec.Attempts, rec.LastError, boolToInt(rec.Terminal),
		string(refs), nullableTime(rec.LastSyncedAt), rec.QueuedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("failed to upsert record %s.%s: %w", rec.EntityType, rec.ID, err)
	}
	return nil
}

func (s *Store) Rekey(ctx context.Context, entityType, oldID, newID string) error {
	// The old temp-ID row must not survive the swap; a stale row under the
	// canonical ID (from an earlier refresh) is replaced.
	if _, err := s.q.ExecContext(ctx, `
		DELETE FROM sync_records WHERE entity_type = ? AND id = ?
	`, entityType, newID); err != nil {
		return fmt.Errorf("failed to clear rekey target %s.%s: %w", entityType, newID, err)
	}
	if _, err := s.q.ExecContext(ctx, `
		UPDATE sync_records SET id = ? WHERE entity_type = ? AND id = ?
	`, newID, entityType, oldID); err != nil {
		return fmt.Errorf("failed to rekey %s.%s: %w", entityType, oldID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, entityType, id string) error {
	if _, err := s.q.ExecContext(ctx, `
		DELETE FROM sync_records WHERE entity_type = ? AND id = ?
	`, entityType, id); err != nil {
		return fmt.Errorf("failed to delete record %s.%s: %w", entityType, id, err)
	}
	return nil
}

func (s *Store) Counts(ctx context.Context, entityType string) (pending, failed int, err error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN op != '' AND status != 'failed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM sync_records WHERE entity_type = ?
	`, entityType)
	if err := row.Scan(&pending, &failed); err != nil {
		return 0, 0, fmt.Errorf("failed to count records: %w", err)
	}
	return pending, failed, nil
}

// Batch runs fn against a transactional view. All writes apply atomically or
// the returned error reports the rollback. Nested Batch calls inside fn join
// the same transaction.
func (s *Store) Batch(ctx context.Context, fn func(tx tasksync.Store) error) error {
	if s.db == nil {
		return fn(s) // already inside a transaction
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	if err := fn(&Store{q: tx, logger: s.logger}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get meta %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) query(ctx context.Context, stmt string, args ...any) ([]tasksync.StoredRecord, error) {
	rows, err := s.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []tasksync.StoredRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			// Corrupt rows are logged and skipped, never fatal to the pass.
			if s.logger != nil {
				s.logger.Warn("skipping unreadable sync record", "error", err)
			}
			continue
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (tasksync.StoredRecord, error) {
	var rec tasksync.StoredRecord
	var entity, status, op, refs string
	var pendingFields, lastSyncedAt sql.NullString
	var terminal int
	var queuedAt string
	if err := row.Scan(&rec.EntityType, &rec.ID, &entity, &status, &op, &pendingFields,
		&rec.Attempts, &rec.LastError, &terminal, &refs, &lastSyncedAt, &queuedAt); err != nil {
		return rec, err
	}
	rec.Entity = json.RawMessage(entity)
	rec.Status = tasksync.SyncStatus(status)
	rec.Op = tasksync.PendingOp(op)
	if pendingFields.Valid && pendingFields.String != "" {
		rec.PendingFields = json.RawMessage(pendingFields.String)
	}
	rec.Terminal = terminal != 0
	if err := json.Unmarshal([]byte(refs), &rec.References); err != nil {
		return rec, fmt.Errorf("failed to decode references: %w", err)
	}
	if lastSyncedAt.Valid && lastSyncedAt.String != "" {
		if t, err := time.Parse(timeFormat, lastSyncedAt.String); err == nil {
			rec.LastSyncedAt = t
		}
	}
	if t, err := time.Parse(timeFormat, queuedAt); err == nil {
		rec.QueuedAt = t
	}
	return rec, nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
