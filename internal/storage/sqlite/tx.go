package sqlite

import (
	"context"
	"database/sql"
	"strings"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// RunInExclusive runs fn inside an exclusive write transaction.
//
//   - BEGIN IMMEDIATE acquires the write lock up front, serializing
//     concurrent writers instead of deadlocking at commit.
//   - If fn returns an error the transaction is rolled back.
//   - If fn panics the transaction is rolled back and the panic re-raised.
//   - Lock contention past the busy timeout surfaces as a Busy error.
func (s *Store) RunInExclusive(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return mapSQLError(err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		return mapSQLError(err)
	}

	committed := false
	defer func() {
		if !committed {
			// Rollback must run even when ctx is already cancelled.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return mapSQLError(err)
	}
	committed = true
	return nil
}

// isBusyError checks if err is SQLite lock contention that outlived the
// busy timeout.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueConstraintError checks if err is a UNIQUE constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "constraint failed: UNIQUE")
}

// isFKConstraintError checks if err is a FOREIGN KEY constraint violation.
func isFKConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

// mapSQLError translates driver errors into the domain error taxonomy.
// Callers that know more context (which row, which uniqueness scope)
// build their own Conflict/NotFound errors instead.
func mapSQLError(err error) error {
	switch {
	case err == nil:
		return nil
	case isBusyError(err):
		return types.Busyf("store_busy", "store is busy, retry shortly").Wrap(err)
	case isUniqueConstraintError(err):
		return types.Conflictf("duplicate", "conflicts with an existing row").Wrap(err)
	default:
		return types.Internalf("store_error", "storage failure: %v", err).Wrap(err)
	}
}
