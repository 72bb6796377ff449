package sqlite

import (
	"context"
	"database/sql"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

const queueColumns = `id, session_id, name, instructions, status, model_profile, codex_session_id, ended_at, created_at, updated_at`

func scanQueue(row interface{ Scan(...any) error }) (*types.Queue, error) {
	var (
		q       types.Queue
		endedAt sql.NullTime
	)
	err := row.Scan(&q.ID, &q.SessionID, &q.Name, &q.Instructions, &q.Status,
		&q.ModelProfile, &q.CodexSessionID, &endedAt, &q.CreatedAt, &q.UpdatedAt)
	if err != nil {
		return nil, err
	}
	q.CreatedAt = q.CreatedAt.UTC()
	q.UpdatedAt = q.UpdatedAt.UTC()
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		q.EndedAt = &t
	}
	return &q, nil
}

// queueNameTaken reports whether a non-archived queue with this name
// exists in the session, excluding excludeID.
func queueNameTaken(ctx context.Context, conn *sql.Conn, sessionID, name, excludeID string) (bool, error) {
	var count int
	err := conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queues
		WHERE session_id = ? AND name = ? AND status != ? AND id != ?`,
		sessionID, name, types.QueueArchived, excludeID).Scan(&count)
	if err != nil {
		return false, mapSQLError(err)
	}
	return count > 0, nil
}

// CreateQueue inserts a new active queue. The parent session must be
// active and the name unique among the session's non-archived queues.
func (s *Store) CreateQueue(ctx context.Context, q *types.Queue) error {
	if q.Name == "" {
		return types.Validationf("empty_name", "queue name must not be empty")
	}
	if q.SessionID == "" {
		return types.Validationf("missing_session", "queue requires a session_id")
	}

	now := types.UTCNow()
	q.ID = idgen.New(idgen.PrefixQueue)
	q.Status = types.QueueActive
	q.EndedAt = nil
	q.CreatedAt = now
	q.UpdatedAt = now

	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		var status string
		err := conn.QueryRowContext(ctx,
			"SELECT status FROM sessions WHERE id = ?", q.SessionID).Scan(&status)
		if err == sql.ErrNoRows {
			return types.NotFoundf("session_not_found", "session %s not found", q.SessionID)
		}
		if err != nil {
			return mapSQLError(err)
		}
		if status != string(types.SessionActive) {
			return types.Conflictf("session_ended", "session %s has ended; cannot create queues in it", q.SessionID)
		}

		taken, err := queueNameTaken(ctx, conn, q.SessionID, q.Name, "")
		if err != nil {
			return err
		}
		if taken {
			return types.Conflictf("duplicate_queue_name", "queue %q already exists in session %s", q.Name, q.SessionID)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO queues (id, session_id, name, instructions, status, model_profile, codex_session_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			q.ID, q.SessionID, q.Name, q.Instructions, q.Status,
			q.ModelProfile, q.CodexSessionID, q.CreatedAt, q.UpdatedAt)
		return mapSQLError(err)
	})
}

// GetQueue returns a queue by id.
func (s *Store) GetQueue(ctx context.Context, id string) (*types.Queue, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+queueColumns+" FROM queues WHERE id = ?", id)
	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("queue_not_found", "queue %s not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return q, nil
}

// GetQueueByName returns the non-archived queue with this name in the
// session. Archived queues are invisible to name lookup.
func (s *Store) GetQueueByName(ctx context.Context, sessionID, name string) (*types.Queue, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+queueColumns+` FROM queues
		WHERE session_id = ? AND name = ? AND status != ?`,
		sessionID, name, types.QueueArchived)
	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("queue_not_found", "queue %q not found in session %s", name, sessionID)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return q, nil
}

// ListQueues returns queues, newest first. Archived queues are excluded
// unless requested explicitly.
func (s *Store) ListQueues(ctx context.Context, f storage.QueueFilter) ([]*types.Queue, error) {
	switch types.QueueStatus(f.Status) {
	case "", types.QueueActive, types.QueueEnded, types.QueueArchived:
	default:
		return nil, types.Validationf("invalid_status", "unknown queue status %q", f.Status)
	}

	query := "SELECT " + queueColumns + " FROM queues WHERE 1=1"
	var args []any
	if f.SessionID != "" {
		query += " AND session_id = ?"
		args = append(args, f.SessionID)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	} else if !f.IncludeArchived {
		query += " AND status != ?"
		args = append(args, types.QueueArchived)
	}
	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []*types.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, mapSQLError(err)
		}
		out = append(out, q)
	}
	return out, mapSQLError(rows.Err())
}

// UpdateQueue applies the non-nil fields of upd. Renames re-check the
// live-name uniqueness scope.
func (s *Store) UpdateQueue(ctx context.Context, id string, upd storage.QueueUpdate) (*types.Queue, error) {
	if upd.Name != nil && *upd.Name == "" {
		return nil, types.Validationf("empty_name", "queue name must not be empty")
	}

	var out *types.Queue
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			"SELECT "+queueColumns+" FROM queues WHERE id = ?", id)
		q, err := scanQueue(row)
		if err == sql.ErrNoRows {
			return types.NotFoundf("queue_not_found", "queue %s not found", id)
		}
		if err != nil {
			return mapSQLError(err)
		}

		if upd.Name != nil && *upd.Name != q.Name {
			taken, err := queueNameTaken(ctx, conn, q.SessionID, *upd.Name, id)
			if err != nil {
				return err
			}
			if taken {
				return types.Conflictf("duplicate_queue_name", "queue %q already exists in session %s", *upd.Name, q.SessionID)
			}
			q.Name = *upd.Name
		}
		if upd.Instructions != nil {
			q.Instructions = *upd.Instructions
		}
		if upd.ModelProfile != nil {
			q.ModelProfile = *upd.ModelProfile
		}
		if upd.CodexSessionID != nil {
			q.CodexSessionID = *upd.CodexSessionID
		}
		q.UpdatedAt = types.UTCNow()

		_, err = conn.ExecContext(ctx, `
			UPDATE queues SET name = ?, instructions = ?, model_profile = ?, codex_session_id = ?, updated_at = ?
			WHERE id = ?`,
			q.Name, q.Instructions, q.ModelProfile, q.CodexSessionID, q.UpdatedAt, id)
		if err != nil {
			return mapSQLError(err)
		}
		out = q
		return nil
	})
	return out, err
}

// EndQueue transitions an active queue to ended. Ended queues refuse new
// enqueues but keep draining. The continuation token is preserved.
func (s *Store) EndQueue(ctx context.Context, id string) (*types.Queue, error) {
	var out *types.Queue
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		now := types.UTCNow()
		res, err := conn.ExecContext(ctx, `
			UPDATE queues SET status = ?, ended_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			types.QueueEnded, now, now, id, types.QueueActive)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return queueTransitionError(ctx, conn, id, "end")
		}
		out, err = getQueueConn(ctx, conn, id)
		return err
	})
	return out, err
}

// ArchiveQueue hides a queue from default listings without destroying
// it. Both active and ended queues can be archived; ended_at survives.
func (s *Store) ArchiveQueue(ctx context.Context, id string) (*types.Queue, error) {
	var out *types.Queue
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE queues SET status = ?, updated_at = ?
			WHERE id = ? AND status IN (?, ?)`,
			types.QueueArchived, types.UTCNow(), id, types.QueueActive, types.QueueEnded)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return queueTransitionError(ctx, conn, id, "archive")
		}
		out, err = getQueueConn(ctx, conn, id)
		return err
	})
	return out, err
}

// UnarchiveQueue restores an archived queue, back to ended when it had
// ended before archival, otherwise to active. If a non-archived queue
// with the same name meanwhile exists in the session, unarchive is
// rejected with Conflict rather than silently renaming or overwriting.
func (s *Store) UnarchiveQueue(ctx context.Context, id string) (*types.Queue, error) {
	var out *types.Queue
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx,
			"SELECT "+queueColumns+" FROM queues WHERE id = ?", id)
		q, err := scanQueue(row)
		if err == sql.ErrNoRows {
			return types.NotFoundf("queue_not_found", "queue %s not found", id)
		}
		if err != nil {
			return mapSQLError(err)
		}
		if q.Status != types.QueueArchived {
			return types.Conflictf("queue_not_archived", "queue %s is %s, not archived", id, q.Status)
		}

		taken, err := queueNameTaken(ctx, conn, q.SessionID, q.Name, id)
		if err != nil {
			return err
		}
		if taken {
			return types.Conflictf("duplicate_queue_name",
				"cannot unarchive %s: queue %q already exists in session %s", id, q.Name, q.SessionID)
		}

		restored := types.QueueActive
		if q.EndedAt != nil {
			restored = types.QueueEnded
		}
		_, err = conn.ExecContext(ctx,
			"UPDATE queues SET status = ?, updated_at = ? WHERE id = ? AND status = ?",
			restored, types.UTCNow(), id, types.QueueArchived)
		if err != nil {
			return mapSQLError(err)
		}
		out, err = getQueueConn(ctx, conn, id)
		return err
	})
	return out, err
}

// DeleteQueue removes a queue and cascades to its tasks. Irreversible.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, "DELETE FROM queues WHERE id = ?", id)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFoundf("queue_not_found", "queue %s not found", id)
		}
		return nil
	})
}

func getQueueConn(ctx context.Context, conn *sql.Conn, id string) (*types.Queue, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT "+queueColumns+" FROM queues WHERE id = ?", id)
	q, err := scanQueue(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("queue_not_found", "queue %s not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return q, nil
}

// queueTransitionError explains a zero-row conditional update on a queue.
func queueTransitionError(ctx context.Context, conn *sql.Conn, id, verb string) error {
	var status string
	err := conn.QueryRowContext(ctx,
		"SELECT status FROM queues WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return types.NotFoundf("queue_not_found", "queue %s not found", id)
	}
	if err != nil {
		return mapSQLError(err)
	}
	return types.Conflictf("queue_wrong_state", "cannot %s queue %s in status %s", verb, id, status)
}
