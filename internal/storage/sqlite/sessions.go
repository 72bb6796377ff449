package sqlite

import (
	"context"
	"database/sql"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

const sessionColumns = `id, project_id, name, description, status, started_at, ended_at, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var (
		s       types.Session
		endedAt sql.NullTime
	)
	err := row.Scan(&s.ID, &s.ProjectID, &s.Name, &s.Description, &s.Status,
		&s.StartedAt, &endedAt, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.StartedAt = s.StartedAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	return &s, nil
}

// CreateSession inserts a new active session under the singleton project.
// The name must be unique among existing sessions.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	if sess.Name == "" {
		return types.Validationf("empty_name", "session name must not be empty")
	}

	now := types.UTCNow()
	sess.ID = idgen.New(idgen.PrefixSession)
	sess.Status = types.SessionActive
	sess.StartedAt = now
	sess.EndedAt = nil
	sess.CreatedAt = now
	sess.UpdatedAt = now

	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		p, err := getProjectConn(ctx, conn)
		if err != nil {
			if types.IsNotFound(err) {
				return types.Conflictf("project_missing", "create a project before creating sessions")
			}
			return err
		}
		sess.ProjectID = p.ID

		var count int
		if err := conn.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sessions WHERE name = ?", sess.Name).Scan(&count); err != nil {
			return mapSQLError(err)
		}
		if count > 0 {
			return types.Conflictf("duplicate_session_name", "session %q already exists", sess.Name)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO sessions (id, project_id, name, description, status, started_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.ProjectID, sess.Name, sess.Description, sess.Status,
			sess.StartedAt, sess.CreatedAt, sess.UpdatedAt)
		return mapSQLError(err)
	})
}

// GetSession returns a session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("session_not_found", "session %s not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return sess, nil
}

// GetSessionByName returns a session by its unique name.
func (s *Store) GetSessionByName(ctx context.Context, name string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+sessionColumns+" FROM sessions WHERE name = ?", name)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("session_not_found", "session %q not found", name)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return sess, nil
}

// ListSessions returns sessions, newest first, optionally filtered by
// status.
func (s *Store) ListSessions(ctx context.Context, f storage.SessionFilter) ([]*types.Session, error) {
	if f.Status != "" && f.Status != string(types.SessionActive) && f.Status != string(types.SessionEnded) {
		return nil, types.Validationf("invalid_status", "unknown session status %q", f.Status)
	}

	query := "SELECT " + sessionColumns + " FROM sessions"
	var args []any
	if f.Status != "" {
		query += " WHERE status = ?"
		args = append(args, f.Status)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, mapSQLError(err)
		}
		out = append(out, sess)
	}
	return out, mapSQLError(rows.Err())
}

// UpdateSession applies the non-nil fields of upd. Renames re-check name
// uniqueness.
func (s *Store) UpdateSession(ctx context.Context, id string, upd storage.SessionUpdate) (*types.Session, error) {
	if upd.Name != nil && *upd.Name == "" {
		return nil, types.Validationf("empty_name", "session name must not be empty")
	}

	var out *types.Session
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
		sess, err := scanSession(row)
		if err == sql.ErrNoRows {
			return types.NotFoundf("session_not_found", "session %s not found", id)
		}
		if err != nil {
			return mapSQLError(err)
		}

		if upd.Name != nil && *upd.Name != sess.Name {
			var count int
			if err := conn.QueryRowContext(ctx,
				"SELECT COUNT(*) FROM sessions WHERE name = ? AND id != ?",
				*upd.Name, id).Scan(&count); err != nil {
				return mapSQLError(err)
			}
			if count > 0 {
				return types.Conflictf("duplicate_session_name", "session %q already exists", *upd.Name)
			}
			sess.Name = *upd.Name
		}
		if upd.Description != nil {
			sess.Description = *upd.Description
		}
		sess.UpdatedAt = types.UTCNow()

		_, err = conn.ExecContext(ctx,
			"UPDATE sessions SET name = ?, description = ?, updated_at = ? WHERE id = ?",
			sess.Name, sess.Description, sess.UpdatedAt, id)
		if err != nil {
			return mapSQLError(err)
		}
		out = sess
		return nil
	})
	return out, err
}

// EndSession transitions an active session to ended. Ending twice is a
// Conflict; the transition is irreversible.
func (s *Store) EndSession(ctx context.Context, id string) (*types.Session, error) {
	var out *types.Session
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		now := types.UTCNow()
		res, err := conn.ExecContext(ctx, `
			UPDATE sessions SET status = ?, ended_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			types.SessionEnded, now, now, id, types.SessionActive)
		if err != nil {
			return mapSQLError(err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return mapSQLError(err)
		}
		if n == 0 {
			var status string
			err := conn.QueryRowContext(ctx,
				"SELECT status FROM sessions WHERE id = ?", id).Scan(&status)
			if err == sql.ErrNoRows {
				return types.NotFoundf("session_not_found", "session %s not found", id)
			}
			if err != nil {
				return mapSQLError(err)
			}
			return types.Conflictf("session_already_ended", "session %s has already ended", id)
		}

		row := conn.QueryRowContext(ctx,
			"SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
		out, err = scanSession(row)
		return mapSQLError(err)
	})
	return out, err
}

// DeleteSession removes a session and cascades to its queues and their
// tasks. Irreversible.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFoundf("session_not_found", "session %s not found", id)
		}
		return nil
	})
}
