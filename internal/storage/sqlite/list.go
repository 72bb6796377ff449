package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// sortExprs maps the public sort keys onto SQL expressions over the
// tasks-join-queues row. started_at is the historical alias for
// claimed_at.
var sortExprs = map[string]string{
	storage.SortCreatedAt:  "t.created_at",
	storage.SortStartedAt:  "t.claimed_at",
	storage.SortFinishedAt: "t.finished_at",
	storage.SortStatus:     "t.status",
	storage.SortQueueName:  "q.name",
}

// ListTasks returns one page of tasks. Offset mode (the default) carries
// an exact total count and also mints a next_cursor so a caller can
// switch to keyset paging; cursor mode skips the count and reports
// truncated instead. Out-of-range limits are rejected, not clamped, so
// callers notice their mistake.
func (s *Store) ListTasks(ctx context.Context, req storage.TaskListRequest) (*storage.TaskPage, error) {
	if req.SortBy == "" {
		req.SortBy = storage.SortCreatedAt
	}
	if req.SortDir == "" {
		req.SortDir = "desc"
	}
	sortExpr, ok := sortExprs[req.SortBy]
	if !ok {
		return nil, types.Validationf("invalid_sort", "unknown sort key %q", req.SortBy)
	}
	if req.SortDir != "asc" && req.SortDir != "desc" {
		return nil, types.Validationf("invalid_sort", "sort direction must be asc or desc, got %q", req.SortDir)
	}
	if req.Status != "" && !types.ValidTaskStatus(req.Status) {
		return nil, types.Validationf("invalid_status", "unknown task status %q", req.Status)
	}
	if req.TaskClass != "" && !types.ValidTaskClass(req.TaskClass) {
		return nil, types.Validationf("invalid_task_class", "unknown task class %q", req.TaskClass)
	}

	limit := storage.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
		if limit < 1 || limit > storage.MaxLimit {
			return nil, types.Validationf("invalid_limit",
				"limit must be between 1 and %d, got %d", storage.MaxLimit, limit)
		}
	}
	if req.Offset != nil && req.Cursor != "" {
		return nil, types.Validationf("offset_and_cursor", "offset and cursor are mutually exclusive")
	}
	if req.Offset != nil && *req.Offset < 0 {
		return nil, types.Validationf("invalid_offset", "offset must not be negative, got %d", *req.Offset)
	}

	where := "1=1"
	var args []any
	if req.QueueID != "" {
		where += " AND t.queue_id = ?"
		args = append(args, req.QueueID)
	}
	if req.Status != "" {
		where += " AND t.status = ?"
		args = append(args, req.Status)
	}
	if req.TaskClass != "" {
		where += " AND t.task_class = ?"
		args = append(args, req.TaskClass)
	}
	if req.ToolName != "" {
		where += " AND t.tool_name = ?"
		args = append(args, req.ToolName)
	}

	// NULL sort values (claimed_at on queued tasks, for instance) collapse
	// to '' so keyset comparisons stay total. Text collation of the sqlite
	// datetime format orders chronologically.
	keyExpr := fmt.Sprintf("IFNULL(CAST(%s AS TEXT), '')", sortExpr)

	if req.Cursor != "" {
		return s.listTasksCursor(ctx, req, where, args, keyExpr, limit)
	}
	return s.listTasksOffset(ctx, req, where, args, keyExpr, limit)
}

func (s *Store) listTasksOffset(ctx context.Context, req storage.TaskListRequest, where string, args []any, keyExpr string, limit int) (*storage.TaskPage, error) {
	var total int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks t JOIN queues q ON q.id = t.queue_id WHERE "+where,
		args...).Scan(&total)
	if err != nil {
		return nil, mapSQLError(err)
	}

	offset := 0
	if req.Offset != nil {
		offset = *req.Offset
	}

	query := pageQuery(where, keyExpr, req.SortDir) + " LIMIT ? OFFSET ?"
	items, err := s.queryKeyedTasks(ctx, query, append(args, limit, offset))
	if err != nil {
		return nil, err
	}

	page := &storage.TaskPage{
		Items:      make([]*types.Task, 0, len(items)),
		Limit:      limit,
		Offset:     &offset,
		TotalCount: &total,
	}
	for _, it := range items {
		page.Items = append(page.Items, it.task)
	}
	if int64(offset+len(items)) < total && len(items) > 0 {
		last := items[len(items)-1]
		page.NextCursor = encodeCursor(taskCursor{
			K: last.key, ID: last.task.ID, F: cursorFingerprint(req),
		})
	}
	return page, nil
}

func (s *Store) listTasksCursor(ctx context.Context, req storage.TaskListRequest, where string, args []any, keyExpr string, limit int) (*storage.TaskPage, error) {
	cur, err := decodeCursor(req.Cursor, req)
	if err != nil {
		return nil, err
	}

	cmp := "<"
	if req.SortDir == "asc" {
		cmp = ">"
	}
	where += fmt.Sprintf(" AND (%s %s ? OR (%s = ? AND t.id %s ?))", keyExpr, cmp, keyExpr, cmp)
	args = append(args, cur.K, cur.K, cur.ID)

	// One extra row tells us whether another page exists without a second
	// query.
	query := pageQuery(where, keyExpr, req.SortDir) + " LIMIT ?"
	items, err := s.queryKeyedTasks(ctx, query, append(args, limit+1))
	if err != nil {
		return nil, err
	}

	page := &storage.TaskPage{Limit: limit, Items: []*types.Task{}}
	if len(items) > limit {
		items = items[:limit]
		last := items[len(items)-1]
		page.NextCursor = encodeCursor(taskCursor{
			K: last.key, ID: last.task.ID, F: cursorFingerprint(req),
		})
		page.Truncated = true
	}
	for _, it := range items {
		page.Items = append(page.Items, it.task)
	}
	return page, nil
}

// pageQuery builds the shared SELECT of a task page. The sort key rides
// along as a trailing column so the next cursor can be minted without
// re-deriving sqlite's text rendering in Go.
func pageQuery(where, keyExpr, sortDir string) string {
	dir := "DESC"
	if sortDir == "asc" {
		dir = "ASC"
	}
	return fmt.Sprintf(`
		SELECT %s, q.name, %s AS sort_key FROM tasks t
		JOIN queues q ON q.id = t.queue_id
		WHERE %s
		ORDER BY %s %s, t.id %s`,
		taskColumns, keyExpr, where, keyExpr, dir, dir)
}

type keyedTask struct {
	task *types.Task
	key  string
}

func (s *Store) queryKeyedTasks(ctx context.Context, query string, args []any) ([]keyedTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapSQLError(err)
	}
	defer func() { _ = rows.Close() }()

	var out []keyedTask
	for rows.Next() {
		kt, err := scanKeyedTask(rows)
		if err != nil {
			return nil, mapSQLError(err)
		}
		out = append(out, kt)
	}
	return out, mapSQLError(rows.Err())
}

func scanKeyedTask(rows *sql.Rows) (keyedTask, error) {
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
		key           string
	)
	err := rows.Scan(&t.ID, &t.QueueID, &t.ToolName, &t.TaskClass, &payload, &t.Status,
		&t.Timeout, &t.Attempts, &result, &errMsg, &stdout, &stderr,
		&claimedAt, &finishedAt, &staleWarnedAt, &t.CreatedAt, &t.UpdatedAt,
		&t.QueueName, &key)
	if err != nil {
		return keyedTask{}, err
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
	return keyedTask{task: &t, key: key}, nil
}
