// Package sqlite - database migrations
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is a single schema change. Versions increase monotonically
// and are never reused; each Func is idempotent so a fresh database
// (which already has the full baseline schema) can record them all.
type migration struct {
	Version int
	Name    string
	Func    func(ctx context.Context, conn *sql.Conn) error
}

var migrationsList = []migration{
	{1, "baseline", migrateBaseline},
	{2, "task_stale_scan_index", migrateTaskStaleScanIndex},
	{3, "queue_codex_session", migrateQueueCodexSession},
}

// runMigrations applies all unapplied migrations in order inside a single
// exclusive transaction, so two processes opening the database at once
// cannot interleave schema changes.
func runMigrations(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("begin migration transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	applied := make(map[int]bool)
	rows, err := conn.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return fmt.Errorf("read applied migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return err
		}
		applied[v] = true
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	last := 0
	for _, m := range migrationsList {
		if m.Version <= last {
			return fmt.Errorf("migration versions out of order at %d (%s)", m.Version, m.Name)
		}
		last = m.Version
		if applied[m.Version] {
			continue
		}
		if err := m.Func(ctx, conn); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
		if _, err := conn.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, name) VALUES (?, ?)",
			m.Version, m.Name); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	committed = true
	return nil
}

// migrateBaseline is a no-op: the baseline tables come from the schema
// constant, which New applies before migrations run. Recording it keeps
// the version history anchored at 1.
func migrateBaseline(ctx context.Context, conn *sql.Conn) error {
	return nil
}

// migrateTaskStaleScanIndex adds the (status, claimed_at) index the stale
// janitor scans on every tick.
func migrateTaskStaleScanIndex(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_tasks_status_claimed ON tasks(status, claimed_at)")
	return err
}

// migrateQueueCodexSession adds the opaque runner continuation token to
// queues.
func migrateQueueCodexSession(ctx context.Context, conn *sql.Conn) error {
	exists, err := columnExists(ctx, conn, "queues", "codex_session_id")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = conn.ExecContext(ctx,
		"ALTER TABLE queues ADD COLUMN codex_session_id TEXT NOT NULL DEFAULT ''")
	return err
}

func columnExists(ctx context.Context, conn *sql.Conn, table, column string) (bool, error) {
	rows, err := conn.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
