package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/paddocklabs/paddock/internal/schema"
)

// ErrEntryNotFound is returned when a queue entry id doesn't exist.
var ErrEntryNotFound = errors.New("queue entry not found")

// Enqueue records a mutation intent and applies its local side effect in one
// transaction: create/update upsert the cache row as pending, delete removes
// the cache row immediately. The queue entry and the cache write commit or
// roll back together.
//
// The payload stored is a snapshot of e at enqueue time; later edits to the
// same entity do not retroactively change this intent.
func (s *Store) Enqueue(ctx context.Context, action schema.Action, e schema.Entity) (int64, error) {
	if !action.Valid() {
		return 0, fmt.Errorf("unknown action %q", action)
	}

	payload, err := schema.EncodePayload(e)
	if err != nil {
		return 0, err
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback()

	switch action {
	case schema.ActionCreate, schema.ActionUpdate:
		e.SetState(schema.StatePending)
		if err := upsertEntity(ctx, tx, e); err != nil {
			return 0, err
		}
	case schema.ActionDelete:
		// The row disappears from local reads right away; the queue entry
		// carries the id needed to confirm the delete remotely.
		if err := deleteEntity(ctx, tx, e.Type(), e.EntityID()); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO mutation_queue (action, entity_type, payload, status, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		string(action),
		string(e.Type()),
		string(payload),
		string(schema.StatusPending),
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert queue entry: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue entry id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return id, nil
}

// PendingEntries returns all queue entries with status 'pending' in id order.
// Id order is the only ordering guarantee the queue makes.
func (s *Store) PendingEntries(ctx context.Context) ([]schema.QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, action, entity_type, payload, status, enqueued_at
		FROM mutation_queue
		WHERE status = ?
		ORDER BY id ASC`,
		string(schema.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// EntryStatus re-reads the current status of one entry. The reconciler calls
// this immediately before processing each entry so work completed by an
// earlier, staleness-interrupted drain is not repeated.
func (s *Store) EntryStatus(ctx context.Context, id int64) (schema.QueueStatus, error) {
	var status string
	err := s.conn.QueryRowContext(ctx,
		"SELECT status FROM mutation_queue WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read entry %d status: %w", id, err)
	}
	return schema.QueueStatus(status), nil
}

// MarkEntryDone flips an entry to 'done'. Done entries are retained but
// excluded from all future drains.
func (s *Store) MarkEntryDone(ctx context.Context, id int64) error {
	return s.setEntryStatus(ctx, id, schema.StatusDone)
}

// MarkEntryDead parks an entry that failed with a permanent remote error.
// Dead entries are never retried automatically.
func (s *Store) MarkEntryDead(ctx context.Context, id int64) error {
	return s.setEntryStatus(ctx, id, schema.StatusDead)
}

func (s *Store) setEntryStatus(ctx context.Context, id int64, status schema.QueueStatus) error {
	res, err := s.conn.ExecContext(ctx,
		"UPDATE mutation_queue SET status = ? WHERE id = ?", string(status), id)
	if err != nil {
		return fmt.Errorf("failed to mark entry %d %s: %w", id, status, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// CountQueueByStatus returns queue entry counts per status.
func (s *Store) CountQueueByStatus(ctx context.Context) (map[schema.QueueStatus]int, error) {
	rows, err := s.conn.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM mutation_queue GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[schema.QueueStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan queue count: %w", err)
		}
		counts[schema.QueueStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue counts: %w", err)
	}
	return counts, nil
}

// RecentEntries returns the newest limit entries regardless of status,
// newest first. Used by the status surfaces only.
func (s *Store) RecentEntries(ctx context.Context, limit int) ([]schema.QueueEntry, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT id, action, entity_type, payload, status, enqueued_at
		FROM mutation_queue
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]schema.QueueEntry, error) {
	var entries []schema.QueueEntry

	for rows.Next() {
		var entry schema.QueueEntry
		var action, entityType, payload, status, enqueuedAt string

		if err := rows.Scan(&entry.ID, &action, &entityType, &payload, &status, &enqueuedAt); err != nil {
			return nil, fmt.Errorf("failed to scan queue entry: %w", err)
		}

		entry.Action = schema.Action(action)
		entry.Entity = schema.EntityType(entityType)
		entry.Payload = []byte(payload)
		entry.Status = schema.QueueStatus(status)
		if t, err := time.Parse(time.RFC3339, enqueuedAt); err == nil {
			entry.EnqueuedAt = t
		}

		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue entries: %w", err)
	}
	return entries, nil
}
