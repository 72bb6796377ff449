package sqlite

const schema = `
-- Singleton project row
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL CHECK(length(name) > 0),
    repo_path TEXT NOT NULL DEFAULT '',
    prd_path TEXT NOT NULL DEFAULT '',
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Sessions group queues for a bounded work period
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) > 0),
    description TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'ended')),
    started_at DATETIME NOT NULL,
    ended_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (project_id) REFERENCES projects(id) ON DELETE CASCADE,
    CHECK ((status = 'ended') = (ended_at IS NOT NULL))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_name ON sessions(name);
CREATE INDEX IF NOT EXISTS idx_sessions_project_status ON sessions(project_id, status);

-- Queues are FIFO lanes of tasks within a session
CREATE TABLE IF NOT EXISTS queues (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL,
    name TEXT NOT NULL CHECK(length(name) > 0),
    instructions TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active' CHECK(status IN ('active', 'ended', 'archived')),
    model_profile TEXT NOT NULL DEFAULT '',
    ended_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
);

-- Name uniqueness holds only among non-archived queues in a session;
-- an archived queue never collides.
CREATE UNIQUE INDEX IF NOT EXISTS idx_queues_session_name_live
    ON queues(session_id, name) WHERE status != 'archived';
CREATE INDEX IF NOT EXISTS idx_queues_session_status ON queues(session_id, status);

-- Tasks. claimed_at doubles as the historical started_at; payload and
-- result are opaque JSON text.
CREATE TABLE IF NOT EXISTS tasks (
    id TEXT PRIMARY KEY,
    queue_id TEXT NOT NULL,
    tool_name TEXT NOT NULL CHECK(length(tool_name) > 0),
    task_class TEXT NOT NULL,
    payload TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL DEFAULT 'queued' CHECK(status IN ('queued', 'running', 'succeeded', 'failed')),
    timeout INTEGER NOT NULL CHECK(timeout > 0),
    attempts INTEGER NOT NULL DEFAULT 0 CHECK(attempts >= 0),
    result TEXT,
    error TEXT,
    stdout TEXT,
    stderr TEXT,
    claimed_at DATETIME,
    finished_at DATETIME,
    stale_warned_at DATETIME,
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL,
    FOREIGN KEY (queue_id) REFERENCES queues(id) ON DELETE CASCADE,
    CHECK (
        (status = 'queued' AND claimed_at IS NULL AND finished_at IS NULL
            AND result IS NULL AND error IS NULL AND stdout IS NULL
            AND stderr IS NULL AND stale_warned_at IS NULL) OR
        (status = 'running' AND claimed_at IS NOT NULL AND finished_at IS NULL
            AND attempts >= 1) OR
        (status = 'succeeded' AND claimed_at IS NOT NULL AND finished_at IS NOT NULL
            AND result IS NOT NULL) OR
        (status = 'failed' AND claimed_at IS NOT NULL AND finished_at IS NOT NULL
            AND error IS NOT NULL AND length(error) > 0)
    )
);

CREATE INDEX IF NOT EXISTS idx_tasks_queue_status_created ON tasks(queue_id, status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
`
