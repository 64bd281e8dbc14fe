// Package store provides the durable local store for the paddock sync
// engine: one SQLite table per entity type acting as the entity cache, plus
// the mutation_queue table holding pending write intents.
//
// The database runs embedded (ncruces/go-sqlite3) with WAL mode so UI-facing
// reads stay fast while the reconciler writes. All access is through
// context-taking methods on Store; callers never see SQL.
//
// Two invariants live here:
//  1. An enqueue writes the entity cache row and the queue entry in one
//     transaction, so a crash can never leave a pending row without its
//     corresponding intent (or the reverse).
//  2. Pull merges only ever touch rows whose sync_state is 'synced';
//     pending rows are invisible to MergePulled until their queue entry
//     completes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/paddocklabs/paddock/internal/schema"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Store wraps the SQLite connection with entity cache and mutation queue
// operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the local database at path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{
		conn: conn,
		path: path,
	}

	// WAL for concurrent reads during reconciler writes
	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := s.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return s, nil
}

// RawDB returns the underlying sql.DB connection.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the entity cache tables and the mutation queue.
// Idempotent - safe to call on every startup.
func (s *Store) InitSchema(ctx context.Context) error {
	var b strings.Builder

	for _, tbl := range schema.Tables() {
		b.WriteString("CREATE TABLE IF NOT EXISTS ")
		b.WriteString(tbl.Name)
		b.WriteString(" (\n")
		b.WriteString("\tid TEXT PRIMARY KEY,\n")
		b.WriteString("\ttemp_id TEXT,\n")
		b.WriteString("\tsync_state TEXT NOT NULL DEFAULT 'synced'")
		for _, col := range tbl.Fields {
			b.WriteString(",\n\t")
			b.WriteString(col)
			b.WriteString(" TEXT")
		}
		b.WriteString("\n);\n")
		b.WriteString(fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_sync_state ON %s(sync_state);\n",
			tbl.Name, tbl.Name))
		b.WriteString(fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_%s_temp_id ON %s(temp_id);\n",
			tbl.Name, tbl.Name))
	}

	b.WriteString(`
	CREATE TABLE IF NOT EXISTS mutation_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		enqueued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_queue_status ON mutation_queue(status);
	CREATE INDEX IF NOT EXISTS idx_queue_entity ON mutation_queue(entity_type);
	`)

	if _, err := s.conn.ExecContext(ctx, b.String()); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
