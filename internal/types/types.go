// Package types defines the sparkq domain entities and their lifecycle enums.
package types

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// QueueStatus represents the lifecycle state of a queue.
type QueueStatus string

const (
	QueueActive   QueueStatus = "active"
	QueueEnded    QueueStatus = "ended"
	QueueArchived QueueStatus = "archived"
)

// TaskStatus represents the lifecycle state of a task.
//
// Transitions: queued -> running (claim), running -> succeeded (complete),
// running -> failed (fail or janitor auto-fail). succeeded is terminal;
// failed admits only requeue, which creates a new queued task and never
// mutates the source.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions leave this status.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed
}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s string) bool {
	switch TaskStatus(s) {
	case TaskQueued, TaskRunning, TaskSucceeded, TaskFailed:
		return true
	}
	return false
}

// TaskClass buckets tasks by their expected runtime, which sets the
// default timeout when the caller does not supply one.
type TaskClass string

const (
	ClassFastScript   TaskClass = "FAST_SCRIPT"
	ClassMediumScript TaskClass = "MEDIUM_SCRIPT"
	ClassLLMLite      TaskClass = "LLM_LITE"
	ClassLLMHeavy     TaskClass = "LLM_HEAVY"
)

// DefaultTimeouts maps each task class to its built-in default timeout in
// seconds. The config file may override these per class.
var DefaultTimeouts = map[TaskClass]int{
	ClassFastScript:   120,
	ClassMediumScript: 600,
	ClassLLMLite:      480,
	ClassLLMHeavy:     1200,
}

// ValidTaskClass reports whether c names a known task class.
func ValidTaskClass(c string) bool {
	_, ok := DefaultTimeouts[TaskClass(c)]
	return ok
}

// Project is the singleton root entity. Creating a second project fails
// with Conflict.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	RepoPath  string    `json:"repo_path,omitempty"`
	PRDPath   string    `json:"prd_path,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Session groups queues for a bounded work period. Names are unique among
// non-deleted sessions. The ended transition is irreversible.
type Session struct {
	ID          string        `json:"id"`
	ProjectID   string        `json:"project_id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     *time.Time    `json:"ended_at,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Queue is a FIFO lane of tasks within a session. Names are unique per
// session among non-archived queues; archived queues do not collide.
type Queue struct {
	ID             string      `json:"id"`
	SessionID      string      `json:"session_id"`
	Name           string      `json:"name"`
	Instructions   string      `json:"instructions,omitempty"`
	Status         QueueStatus `json:"status"`
	ModelProfile   string      `json:"model_profile,omitempty"`
	CodexSessionID string      `json:"codex_session_id,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Task is a single unit of work. Payload and Result are opaque JSON at
// the store boundary; only complete enforces result.summary.
type Task struct {
	ID        string          `json:"id"`
	QueueID   string          `json:"queue_id"`
	ToolName  string          `json:"tool_name"`
	TaskClass TaskClass       `json:"task_class"`
	Payload   json.RawMessage `json:"payload"`
	Status    TaskStatus      `json:"status"`
	Timeout   int             `json:"timeout"`
	Attempts  int             `json:"attempts"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Stdout    string          `json:"stdout,omitempty"`
	Stderr    string          `json:"stderr,omitempty"`
	ClaimedAt *time.Time      `json:"claimed_at,omitempty"`
	// StartedAt is a historical alias for ClaimedAt, kept on the wire for
	// older runner builds.
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	StaleWarnedAt *time.Time `json:"stale_warned_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	// QueueName is populated on reads that join the parent queue (task
	// detail and queue_name-sorted listings). Not persisted on the task row.
	QueueName string `json:"queue_name,omitempty"`
}

// UTCNow returns the current time in UTC truncated to second precision.
// Project, session and queue timestamps use this resolution; task rows
// keep full precision so created_at <= claimed_at <= finished_at holds
// within a single wall-clock second.
func UTCNow() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
