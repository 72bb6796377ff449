package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/types"
)

const taskColumns = `t.id, t.queue_id, t.tool_name, t.task_class, t.payload, t.status,
	t.timeout, t.attempts, t.result, t.error, t.stdout, t.stderr,
	t.claimed_at, t.finished_at, t.stale_warned_at, t.created_at, t.updated_at`

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var (
		t             types.Task
		payload       string
		result        sql.NullString
		errMsg        sql.NullString
		stdout        sql.NullString
		stderr        sql.NullString
		claimedAt     sql.NullTime
		finishedAt    sql.NullTime
		staleWarnedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.QueueID, &t.ToolName, &t.TaskClass, &payload, &t.Status,
		&t.Timeout, &t.Attempts, &result, &errMsg, &stdout, &stderr,
		&claimedAt, &finishedAt, &staleWarnedAt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	if claimedAt.Valid {
		at := claimedAt.Time.UTC()
		t.ClaimedAt = &at
		t.StartedAt = &at
	}
	if finishedAt.Valid {
		at := finishedAt.Time.UTC()
		t.FinishedAt = &at
	}
	if staleWarnedAt.Valid {
		at := staleWarnedAt.Time.UTC()
		t.StaleWarnedAt = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// EnqueueTask validates and inserts a new queued task. The queue and its
// session must both be active; ended queues drain but refuse new work.
//
// created_at keeps full sub-second precision here. FIFO claim order is
// (created_at asc, id asc) and ids are random, so second-truncated
// timestamps would scramble same-second enqueues.
func (s *Store) EnqueueTask(ctx context.Context, t *types.Task) error {
	if t.ToolName == "" {
		return types.Validationf("missing_tool", "task tool_name must not be empty")
	}
	if !types.ValidTaskClass(string(t.TaskClass)) {
		return types.Validationf("invalid_task_class", "unknown task class %q", t.TaskClass)
	}
	if t.Timeout <= 0 {
		return types.Validationf("invalid_timeout", "timeout must be a positive number of seconds, got %d", t.Timeout)
	}
	if len(t.Payload) == 0 {
		t.Payload = json.RawMessage("{}")
	}
	if !json.Valid(t.Payload) {
		return types.Validationf("invalid_payload", "payload must be valid JSON")
	}

	now := time.Now().UTC()
	t.ID = idgen.New(idgen.PrefixTask)
	t.Status = types.TaskQueued
	t.Attempts = 0
	t.Result = nil
	t.Error = ""
	t.Stdout = ""
	t.Stderr = ""
	t.ClaimedAt = nil
	t.StartedAt = nil
	t.FinishedAt = nil
	t.StaleWarnedAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now

	return s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		var queueStatus, sessionStatus string
		err := conn.QueryRowContext(ctx, `
			SELECT q.status, s.status FROM queues q
			JOIN sessions s ON s.id = q.session_id
			WHERE q.id = ?`, t.QueueID).Scan(&queueStatus, &sessionStatus)
		if err == sql.ErrNoRows {
			return types.NotFoundf("queue_not_found", "queue %s not found", t.QueueID)
		}
		if err != nil {
			return mapSQLError(err)
		}
		if sessionStatus != string(types.SessionActive) {
			return types.Conflictf("session_ended", "session of queue %s has ended; cannot enqueue", t.QueueID)
		}
		if queueStatus != string(types.QueueActive) {
			return types.Conflictf("queue_not_active", "queue %s is %s; only active queues accept new tasks", t.QueueID, queueStatus)
		}

		_, err = conn.ExecContext(ctx, `
			INSERT INTO tasks (id, queue_id, tool_name, task_class, payload, status, timeout, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.QueueID, t.ToolName, t.TaskClass, string(t.Payload), t.Status,
			t.Timeout, t.Attempts, t.CreatedAt, t.UpdatedAt)
		return mapSQLError(err)
	})
}

// GetTask returns a task by id with its parent queue name populated.
func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`, q.name FROM tasks t
		JOIN queues q ON q.id = t.queue_id
		WHERE t.id = ?`, id)
	t, err := scanTaskWithQueueName(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("task_not_found", "task %s not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return t, nil
}

func scanTaskWithQueueName(row interface{ Scan(...any) error }) (*types.Task, error) {
	// Same shape as scanTask plus the trailing queue name column.
	var (
		t             types.Task
		payload       string
		result        sql.NullString
		errMsg        sql.NullString
		stdout        sql.NullString
		stderr        sql.NullString
		claimedAt     sql.NullTime
		finishedAt    sql.NullTime
		staleWarnedAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.QueueID, &t.ToolName, &t.TaskClass, &payload, &t.Status,
		&t.Timeout, &t.Attempts, &result, &errMsg, &stdout, &stderr,
		&claimedAt, &finishedAt, &staleWarnedAt, &t.CreatedAt, &t.UpdatedAt, &t.QueueName)
	if err != nil {
		return nil, err
	}
	t.Payload = json.RawMessage(payload)
	if result.Valid {
		t.Result = json.RawMessage(result.String)
	}
	t.Error = errMsg.String
	t.Stdout = stdout.String
	t.Stderr = stderr.String
	if claimedAt.Valid {
		at := claimedAt.Time.UTC()
		t.ClaimedAt = &at
		t.StartedAt = &at
	}
	if finishedAt.Valid {
		at := finishedAt.Time.UTC()
		t.FinishedAt = &at
	}
	if staleWarnedAt.Valid {
		at := staleWarnedAt.Time.UTC()
		t.StaleWarnedAt = &at
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

// NextQueuedTask returns the oldest queued task in the queue without
// claiming it. NotFound when the queue is empty.
func (s *Store) NextQueuedTask(ctx context.Context, queueID string) (*types.Task, error) {
	if _, err := s.GetQueue(ctx, queueID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.queue_id = ? AND t.status = ?
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT 1`, queueID, types.TaskQueued)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("no_queued_tasks", "queue %s has no queued tasks", queueID)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return t, nil
}

// ClaimTask atomically transitions one specific queued task to running.
// A zero-row update means another claimer won the race (or the task is
// gone); both surface as NotFound, which runners treat as "try again".
func (s *Store) ClaimTask(ctx context.Context, id string) (*types.Task, error) {
	var out *types.Task
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		// Full precision, like created_at: a second-truncated claimed_at
		// could land before the task's own creation instant.
		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks SET status = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status = ?`,
			types.TaskRunning, now, now, id, types.TaskQueued)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return types.NotFoundf("task_not_claimable", "task %s is not queued", id)
		}
		out, err = getTaskConn(ctx, conn, id)
		return err
	})
	return out, err
}

// ClaimNext claims the oldest queued task in the queue in one exclusive
// transaction. Archived queues never serve claims; ended queues keep
// draining.
func (s *Store) ClaimNext(ctx context.Context, queueID string) (*types.Task, error) {
	var out *types.Task
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		var status string
		err := conn.QueryRowContext(ctx,
			"SELECT status FROM queues WHERE id = ?", queueID).Scan(&status)
		if err == sql.ErrNoRows {
			return types.NotFoundf("queue_not_found", "queue %s not found", queueID)
		}
		if err != nil {
			return mapSQLError(err)
		}
		if status == string(types.QueueArchived) {
			return types.Conflictf("queue_archived", "queue %s is archived", queueID)
		}

		now := time.Now().UTC()
		var claimedID string
		err = conn.QueryRowContext(ctx, `
			UPDATE tasks SET status = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE queue_id = ? AND status = ?
				ORDER BY created_at ASC, id ASC
				LIMIT 1
			)
			RETURNING id`,
			types.TaskRunning, now, now, queueID, types.TaskQueued).Scan(&claimedID)
		if err == sql.ErrNoRows {
			return types.NotFoundf("no_queued_tasks", "queue %s has no queued tasks", queueID)
		}
		if err != nil {
			return mapSQLError(err)
		}
		out, err = getTaskConn(ctx, conn, claimedID)
		return err
	})
	return out, err
}

// CompleteTask transitions a running task to succeeded. The result must
// be a JSON object with a non-empty string "summary".
func (s *Store) CompleteTask(ctx context.Context, id string, result json.RawMessage, stdout, stderr string) (*types.Task, error) {
	if err := validateResult(result); err != nil {
		return nil, err
	}

	var out *types.Task
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks SET status = ?, result = ?, stdout = ?, stderr = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			types.TaskSucceeded, string(result), stdout, stderr, now, now,
			id, types.TaskRunning)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return taskTransitionError(ctx, conn, id, "complete")
		}
		out, err = getTaskConn(ctx, conn, id)
		return err
	})
	return out, err
}

// FailTask transitions a running task to failed with a non-empty error
// message.
func (s *Store) FailTask(ctx context.Context, id, errMsg, stdout, stderr string) (*types.Task, error) {
	if errMsg == "" {
		return nil, types.Validationf("missing_error", "fail requires a non-empty error message")
	}

	var out *types.Task
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		now := time.Now().UTC()
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, stdout = ?, stderr = ?, finished_at = ?, updated_at = ?
			WHERE id = ? AND status = ?`,
			types.TaskFailed, errMsg, stdout, stderr, now, now,
			id, types.TaskRunning)
		if err != nil {
			return mapSQLError(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return taskTransitionError(ctx, conn, id, "fail")
		}
		out, err = getTaskConn(ctx, conn, id)
		return err
	})
	return out, err
}

// RequeueTask creates a fresh queued task carrying the payload, tool,
// class and timeout of a failed task. The source task is never mutated;
// the failure record stays intact for inspection.
func (s *Store) RequeueTask(ctx context.Context, id string) (*types.Task, error) {
	var out *types.Task
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		src, err := getTaskConn(ctx, conn, id)
		if err != nil {
			return err
		}
		if src.Status != types.TaskFailed {
			return types.Conflictf("task_not_failed", "only failed tasks can be requeued; task %s is %s", id, src.Status)
		}

		var queueStatus string
		err = conn.QueryRowContext(ctx,
			"SELECT status FROM queues WHERE id = ?", src.QueueID).Scan(&queueStatus)
		if err != nil {
			return mapSQLError(err)
		}
		if queueStatus != string(types.QueueActive) {
			return types.Conflictf("queue_not_active", "queue %s is %s; cannot requeue into it", src.QueueID, queueStatus)
		}

		now := time.Now().UTC()
		fresh := &types.Task{
			ID:        idgen.New(idgen.PrefixTask),
			QueueID:   src.QueueID,
			ToolName:  src.ToolName,
			TaskClass: src.TaskClass,
			Payload:   src.Payload,
			Status:    types.TaskQueued,
			Timeout:   src.Timeout,
			CreatedAt: now,
			UpdatedAt: now,
		}
		_, err = conn.ExecContext(ctx, `
			INSERT INTO tasks (id, queue_id, tool_name, task_class, payload, status, timeout, attempts, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			fresh.ID, fresh.QueueID, fresh.ToolName, fresh.TaskClass, string(fresh.Payload),
			fresh.Status, fresh.Timeout, fresh.CreatedAt, fresh.UpdatedAt)
		if err != nil {
			return mapSQLError(err)
		}
		out = fresh
		return nil
	})
	return out, err
}

// SweepStale stamps stale_warned_at on running tasks past 1x their
// timeout and auto-fails tasks past 2x. Both updates run in one exclusive
// transaction; the warn pass runs first so every auto-failed task has
// been warned. Idempotent over an unchanged database.
func (s *Store) SweepStale(ctx context.Context, now time.Time) (warned, autoFailed int64, err error) {
	now = now.UTC()
	err = s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE tasks SET stale_warned_at = ?, updated_at = ?
			WHERE status = ? AND stale_warned_at IS NULL
			  AND unixepoch(?) - unixepoch(claimed_at) > timeout`,
			now, now, types.TaskRunning, now)
		if err != nil {
			return mapSQLError(err)
		}
		warned, _ = res.RowsAffected()

		res, err = conn.ExecContext(ctx, `
			UPDATE tasks SET status = ?, error = ?, finished_at = ?, updated_at = ?
			WHERE status = ?
			  AND unixepoch(?) - unixepoch(claimed_at) > 2 * timeout`,
			types.TaskFailed, "Auto-failed: exceeded 2x timeout", now, now,
			types.TaskRunning, now)
		if err != nil {
			return mapSQLError(err)
		}
		autoFailed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return warned, autoFailed, nil
}

// PurgeTerminal deletes succeeded and failed tasks created before
// olderThan and returns how many rows went away.
func (s *Store) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	var purged int64
	err := s.RunInExclusive(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			DELETE FROM tasks
			WHERE status IN (?, ?) AND created_at < ?`,
			types.TaskSucceeded, types.TaskFailed, olderThan.UTC())
		if err != nil {
			return mapSQLError(err)
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	return purged, err
}

func getTaskConn(ctx context.Context, conn *sql.Conn, id string) (*types.Task, error) {
	row := conn.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks t WHERE t.id = ?", id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, types.NotFoundf("task_not_found", "task %s not found", id)
	}
	if err != nil {
		return nil, mapSQLError(err)
	}
	return t, nil
}

// taskTransitionError explains a zero-row conditional update on a task.
func taskTransitionError(ctx context.Context, conn *sql.Conn, id, verb string) error {
	var status string
	err := conn.QueryRowContext(ctx,
		"SELECT status FROM tasks WHERE id = ?", id).Scan(&status)
	if err == sql.ErrNoRows {
		return types.NotFoundf("task_not_found", "task %s not found", id)
	}
	if err != nil {
		return mapSQLError(err)
	}
	return types.Conflictf("task_not_running", "cannot %s task %s in status %s", verb, id, status)
}

// validateResult enforces that a completion result is a JSON object with
// a non-empty string summary. Everything else in the object is opaque.
func validateResult(result json.RawMessage) error {
	if len(result) == 0 {
		return types.Validationf("missing_result", "complete requires a JSON result object")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(result, &obj); err != nil {
		return types.Validationf("invalid_result", "result must be a JSON object")
	}
	raw, ok := obj["summary"]
	if !ok {
		return types.Validationf("missing_summary", "result must contain a summary field")
	}
	var summary string
	if err := json.Unmarshal(raw, &summary); err != nil || summary == "" {
		return types.Validationf("missing_summary", "result summary must be a non-empty string")
	}
	return nil
}
