package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/paddocklabs/paddock/internal/schema"
)

// ErrNotFound is returned by GetEntity when no row matches the id.
var ErrNotFound = errors.New("entity not found")

// execer abstracts *sql.DB and *sql.Tx so entity writes can run standalone
// or inside the enqueue transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// UpsertEntity inserts or replaces the cache row for e, preserving whatever
// sync state is set on the entity.
func (s *Store) UpsertEntity(ctx context.Context, e schema.Entity) error {
	return upsertEntity(ctx, s.conn, e)
}

func upsertEntity(ctx context.Context, x execer, e schema.Entity) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid %s: %w", e.Type(), err)
	}

	tbl, ok := schema.TableFor(e.Type())
	if !ok {
		return fmt.Errorf("unknown entity type %q", e.Type())
	}

	cols := append([]string{"id", "temp_id", "sync_state"}, tbl.Fields...)
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")

	var updates []string
	for _, col := range cols[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", col, col))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		tbl.Name, strings.Join(cols, ", "), placeholders, strings.Join(updates, ", "))

	args := append([]any{e.EntityID(), nullString(e.TempID()), string(e.State())}, e.FieldValues()...)

	if _, err := x.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", e.Type(), e.EntityID(), err)
	}
	return nil
}

// GetEntity loads one cached entity by id. Returns ErrNotFound if absent.
func (s *Store) GetEntity(ctx context.Context, t schema.EntityType, id string) (schema.Entity, error) {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", selectColumns(tbl), tbl.Name)
	row := s.conn.QueryRowContext(ctx, query, id)

	e, err := scanEntity(tbl, row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s %s: %w", t, id, err)
	}
	return e, nil
}

// ListFilter narrows ListEntities results.
type ListFilter struct {
	// State filters by sync state (empty = all states)
	State schema.SyncState
	// Field/Value filter by one entity column, e.g. Field="farmer_id"
	Field string
	Value string
}

// ListEntities returns cached rows for one entity type, pending and synced
// alike. This backs the UI-facing readLocal operation.
func (s *Store) ListEntities(ctx context.Context, t schema.EntityType, filter ListFilter) ([]schema.Entity, error) {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	var conditions []string
	var args []any

	if filter.State != "" {
		conditions = append(conditions, "sync_state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Field != "" {
		if !validColumn(tbl, filter.Field) {
			return nil, fmt.Errorf("unknown column %q for %s", filter.Field, t)
		}
		conditions = append(conditions, filter.Field+" = ?")
		args = append(args, filter.Value)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", selectColumns(tbl), tbl.Name)
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id ASC"

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", t, err)
	}
	defer rows.Close()

	var out []schema.Entity
	for rows.Next() {
		e, err := scanEntity(tbl, rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s rows: %w", t, err)
	}
	return out, nil
}

// DeleteEntity removes a cache row. Idempotent.
func (s *Store) DeleteEntity(ctx context.Context, t schema.EntityType, id string) error {
	return deleteEntity(ctx, s.conn, t, id)
}

func deleteEntity(ctx context.Context, x execer, t schema.EntityType, id string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	if _, err := x.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", tbl.Name), id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, id, err)
	}
	return nil
}

// DeleteByTempID removes the row still keyed by a client temp id. Used when
// a pull has already landed the canonical row before the create confirmed.
func (s *Store) DeleteByTempID(ctx context.Context, t schema.EntityType, tempID string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	if _, err := s.conn.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM %s WHERE temp_id = ?", tbl.Name), tempID); err != nil {
		return fmt.Errorf("failed to delete %s by temp id %s: %w", t, tempID, err)
	}
	return nil
}

// RemapEntityID rewrites the temp-id row in place to the server canonical id,
// clears the temp id, and marks the row synced. This happens exactly once per
// offline create: after remapping no row carries that temp id, so a replayed
// create response is a no-op here.
func (s *Store) RemapEntityID(ctx context.Context, t schema.EntityType, tempID, canonicalID string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}

	query := fmt.Sprintf(
		"UPDATE %s SET id = ?, temp_id = NULL, sync_state = ? WHERE temp_id = ?", tbl.Name)
	if _, err := s.conn.ExecContext(ctx, query, canonicalID, string(schema.StateSynced), tempID); err != nil {
		return fmt.Errorf("failed to remap %s %s -> %s: %w", t, tempID, canonicalID, err)
	}
	return nil
}

// MarkEntitySynced flips a row's sync state to synced without touching fields.
func (s *Store) MarkEntitySynced(ctx context.Context, t schema.EntityType, id string) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}
	query := fmt.Sprintf("UPDATE %s SET sync_state = ? WHERE id = ?", tbl.Name)
	if _, err := s.conn.ExecContext(ctx, query, string(schema.StateSynced), id); err != nil {
		return fmt.Errorf("failed to mark %s %s synced: %w", t, id, err)
	}
	return nil
}

// MergePulled applies one authoritative remote listing to the cache:
// every remote row is upserted as synced unless the local row is pending,
// and previously synced rows absent from the listing are deleted. Pending
// rows are never touched by either path.
func (s *Store) MergePulled(ctx context.Context, t schema.EntityType, remote []schema.Entity) error {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return fmt.Errorf("unknown entity type %q", t)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin merge transaction: %w", err)
	}
	defer tx.Rollback()

	// Load pending ids up front; these rows win over the pull.
	pending := make(map[string]bool)
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE sync_state = ?", tbl.Name),
		string(schema.StatePending))
	if err != nil {
		return fmt.Errorf("failed to query pending %s rows: %w", t, err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan pending id: %w", err)
		}
		pending[id] = true
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("error iterating pending ids: %w", err)
	}
	rows.Close()

	seen := make(map[string]bool, len(remote))
	for _, e := range remote {
		seen[e.EntityID()] = true
		if pending[e.EntityID()] {
			continue
		}
		e.SetState(schema.StateSynced)
		e.SetTempID("")
		if err := upsertEntity(ctx, tx, e); err != nil {
			return err
		}
	}

	// Synced rows the server no longer has are gone remotely; drop them.
	// Pending rows are never deleted by this path.
	delRows, err := tx.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s WHERE sync_state = ?", tbl.Name),
		string(schema.StateSynced))
	if err != nil {
		return fmt.Errorf("failed to query synced %s rows: %w", t, err)
	}
	var stale []string
	for delRows.Next() {
		var id string
		if err := delRows.Scan(&id); err != nil {
			delRows.Close()
			return fmt.Errorf("failed to scan synced id: %w", err)
		}
		if !seen[id] {
			stale = append(stale, id)
		}
	}
	if err := delRows.Err(); err != nil {
		delRows.Close()
		return fmt.Errorf("error iterating synced ids: %w", err)
	}
	delRows.Close()

	for _, id := range stale {
		if err := deleteEntity(ctx, tx, t, id); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}
	return nil
}

// CountEntitiesByState returns row counts per sync state for one table.
func (s *Store) CountEntitiesByState(ctx context.Context, t schema.EntityType) (map[schema.SyncState]int, error) {
	tbl, ok := schema.TableFor(t)
	if !ok {
		return nil, fmt.Errorf("unknown entity type %q", t)
	}

	rows, err := s.conn.QueryContext(ctx,
		fmt.Sprintf("SELECT sync_state, COUNT(*) FROM %s GROUP BY sync_state", tbl.Name))
	if err != nil {
		return nil, fmt.Errorf("failed to count %s rows: %w", t, err)
	}
	defer rows.Close()

	counts := make(map[schema.SyncState]int)
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[schema.SyncState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

// selectColumns builds the shared SELECT column list for a table.
func selectColumns(tbl schema.Table) string {
	cols := append([]string{"id", "temp_id", "sync_state"}, tbl.Fields...)
	return strings.Join(cols, ", ")
}

// scanEntity scans one row into a freshly allocated entity.
func scanEntity(tbl schema.Table, scan func(dest ...any) error) (schema.Entity, error) {
	e := tbl.New()

	var id string
	var tempID sql.NullString
	var state string

	dest := append([]any{&id, &tempID, &state}, e.FieldPointers()...)
	if err := scan(dest...); err != nil {
		return nil, err
	}

	e.SetEntityID(id)
	if tempID.Valid {
		e.SetTempID(tempID.String)
	}
	e.SetState(schema.SyncState(state))
	return e, nil
}

func validColumn(tbl schema.Table, col string) bool {
	for _, c := range tbl.Fields {
		if c == col {
			return true
		}
	}
	return col == "id" || col == "temp_id" || col == "sync_state"
}

// nullString maps "" to NULL for the temp_id column.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
