// Package storage defines the interface the rest of sparkq uses to talk
// to the persistence layer. Domain errors (Validation, NotFound,
// Conflict, Busy) are raised here and in the implementations; transport
// layers only translate them.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// Pagination bounds for list endpoints. Out-of-range limits are rejected,
// never clamped.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Task sort keys accepted by ListTasks.
const (
	SortCreatedAt  = "created_at"
	SortStartedAt  = "started_at"
	SortFinishedAt = "finished_at"
	SortStatus     = "status"
	SortQueueName  = "queue_name"
)

// ProjectUpdate carries the mutable project fields; nil means unchanged.
type ProjectUpdate struct {
	Name     *string
	RepoPath *string
	PRDPath  *string
}

// SessionUpdate carries the mutable session fields; nil means unchanged.
type SessionUpdate struct {
	Name        *string
	Description *string
}

// QueueUpdate carries the mutable queue fields; nil means unchanged.
type QueueUpdate struct {
	Name           *string
	Instructions   *string
	ModelProfile   *string
	CodexSessionID *string
}

// SessionFilter narrows ListSessions.
type SessionFilter struct {
	Status string // "", "active" or "ended"
}

// QueueFilter narrows ListQueues. Archived queues are excluded unless
// IncludeArchived is set or Status explicitly names "archived".
type QueueFilter struct {
	SessionID       string
	Status          string
	IncludeArchived bool
}

// TaskListRequest is the validated-on-entry input of ListTasks.
// Offset and Cursor are mutually exclusive; Limit nil means DefaultLimit.
type TaskListRequest struct {
	QueueID   string
	Status    string
	TaskClass string
	ToolName  string

	Limit   *int
	Offset  *int
	Cursor  string
	SortBy  string // one of the Sort* keys, default created_at
	SortDir string // "asc" or "desc", default desc
}

// TaskPage is one window of a task listing. Offset-mode pages carry an
// exact TotalCount; cursor-mode pages carry NextCursor and Truncated
// instead.
type TaskPage struct {
	Items      []*types.Task `json:"items"`
	Limit      int           `json:"limit"`
	Offset     *int          `json:"offset,omitempty"`
	NextCursor string        `json:"next_cursor,omitempty"`
	TotalCount *int64        `json:"total_count,omitempty"`
	Truncated  bool          `json:"truncated,omitempty"`
}

// Storage is the persistence contract. Every mutation that transitions
// state through a predicate runs as a conditional UPDATE inside an
// exclusive transaction and fails (NotFound or Conflict) when zero rows
// match; it never silently succeeds.
type Storage interface {
	// Project (singleton)
	CreateProject(ctx context.Context, p *types.Project) error
	GetProject(ctx context.Context) (*types.Project, error)
	UpdateProject(ctx context.Context, upd ProjectUpdate) (*types.Project, error)

	// Sessions
	CreateSession(ctx context.Context, s *types.Session) error
	GetSession(ctx context.Context, id string) (*types.Session, error)
	GetSessionByName(ctx context.Context, name string) (*types.Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]*types.Session, error)
	UpdateSession(ctx context.Context, id string, upd SessionUpdate) (*types.Session, error)
	EndSession(ctx context.Context, id string) (*types.Session, error)
	DeleteSession(ctx context.Context, id string) error

	// Queues
	CreateQueue(ctx context.Context, q *types.Queue) error
	GetQueue(ctx context.Context, id string) (*types.Queue, error)
	GetQueueByName(ctx context.Context, sessionID, name string) (*types.Queue, error)
	ListQueues(ctx context.Context, f QueueFilter) ([]*types.Queue, error)
	UpdateQueue(ctx context.Context, id string, upd QueueUpdate) (*types.Queue, error)
	EndQueue(ctx context.Context, id string) (*types.Queue, error)
	ArchiveQueue(ctx context.Context, id string) (*types.Queue, error)
	UnarchiveQueue(ctx context.Context, id string) (*types.Queue, error)
	DeleteQueue(ctx context.Context, id string) error

	// Tasks
	EnqueueTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasks(ctx context.Context, req TaskListRequest) (*TaskPage, error)
	NextQueuedTask(ctx context.Context, queueID string) (*types.Task, error)
	ClaimTask(ctx context.Context, id string) (*types.Task, error)
	ClaimNext(ctx context.Context, queueID string) (*types.Task, error)
	CompleteTask(ctx context.Context, id string, result json.RawMessage, stdout, stderr string) (*types.Task, error)
	FailTask(ctx context.Context, id, errMsg, stdout, stderr string) (*types.Task, error)
	RequeueTask(ctx context.Context, id string) (*types.Task, error)

	// Janitor operations. Both are idempotent over an unchanged database.
	SweepStale(ctx context.Context, now time.Time) (warned, autoFailed int64, err error)
	PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error)

	// RunInExclusive acquires the store's exclusive write transaction,
	// runs fn on a single connection, and commits or rolls back
	// atomically. fn must not perform network I/O.
	RunInExclusive(ctx context.Context, fn func(conn *sql.Conn) error) error

	Close() error
	Path() string
}
