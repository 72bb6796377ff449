package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedProject(t *testing.T, s *Store) *types.Project {
	t.Helper()
	p := &types.Project{Name: "test-project"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return p
}

func seedSession(t *testing.T, s *Store, name string) *types.Session {
	t.Helper()
	sess := &types.Session{Name: name}
	if err := s.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession(%s): %v", name, err)
	}
	return sess
}

func seedQueue(t *testing.T, s *Store, sessionID, name string) *types.Queue {
	t.Helper()
	q := &types.Queue{SessionID: sessionID, Name: name, Instructions: "do the thing"}
	if err := s.CreateQueue(context.Background(), q); err != nil {
		t.Fatalf("CreateQueue(%s): %v", name, err)
	}
	return q
}

func strptr(s string) *string { return &s }

func TestProjectSingleton(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	if _, err := s.GetProject(ctx); !types.IsNotFound(err) {
		t.Fatalf("GetProject on empty store = %v, want NotFound", err)
	}

	p := seedProject(t, s)
	if p.ID == "" {
		t.Fatal("project id not assigned")
	}

	err := s.CreateProject(ctx, &types.Project{Name: "second"})
	if !types.IsConflict(err) {
		t.Fatalf("second CreateProject = %v, want Conflict", err)
	}

	got, err := s.GetProject(ctx)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Name != "test-project" {
		t.Fatalf("project name = %q", got.Name)
	}

	upd, err := s.UpdateProject(ctx, storage.ProjectUpdate{RepoPath: strptr("/tmp/repo")})
	if err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if upd.RepoPath != "/tmp/repo" {
		t.Fatalf("repo_path = %q", upd.RepoPath)
	}
	if upd.Name != "test-project" {
		t.Fatalf("unchanged field mutated: name = %q", upd.Name)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)

	sess := seedSession(t, s, "sprint-1")
	if sess.Status != types.SessionActive {
		t.Fatalf("new session status = %s", sess.Status)
	}
	if sess.EndedAt != nil {
		t.Fatal("new session has ended_at")
	}

	err := s.CreateSession(ctx, &types.Session{Name: "sprint-1"})
	if !types.IsConflict(err) {
		t.Fatalf("duplicate session name = %v, want Conflict", err)
	}

	byName, err := s.GetSessionByName(ctx, "sprint-1")
	if err != nil || byName.ID != sess.ID {
		t.Fatalf("GetSessionByName = %v, %v", byName, err)
	}

	ended, err := s.EndSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if ended.Status != types.SessionEnded || ended.EndedAt == nil {
		t.Fatalf("ended session = %+v", ended)
	}

	if _, err := s.EndSession(ctx, sess.ID); !types.IsConflict(err) {
		t.Fatalf("second EndSession = %v, want Conflict", err)
	}
	if _, err := s.EndSession(ctx, "sess_missing00"); !types.IsNotFound(err) {
		t.Fatalf("EndSession on missing = %v, want NotFound", err)
	}

	// A name freed by ending is still taken; sessions are unique among all
	// non-deleted rows.
	err = s.CreateSession(ctx, &types.Session{Name: "sprint-1"})
	if !types.IsConflict(err) {
		t.Fatalf("name reuse after end = %v, want Conflict", err)
	}
}

func TestSessionListFilter(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)

	a := seedSession(t, s, "a")
	seedSession(t, s, "b")
	if _, err := s.EndSession(ctx, a.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	active, err := s.ListSessions(ctx, storage.SessionFilter{Status: "active"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(active) != 1 || active[0].Name != "b" {
		t.Fatalf("active sessions = %+v", active)
	}

	all, err := s.ListSessions(ctx, storage.SessionFilter{})
	if err != nil || len(all) != 2 {
		t.Fatalf("all sessions = %d, %v", len(all), err)
	}

	if _, err := s.ListSessions(ctx, storage.SessionFilter{Status: "bogus"}); !types.IsValidation(err) {
		t.Fatalf("bogus status filter = %v, want Validation", err)
	}
}

func TestSessionDeleteCascades(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "doomed")
	q := seedQueue(t, s, sess.ID, "lane")
	task := enqueue(t, s, q.ID, `{"n":1}`)

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if _, err := s.GetQueue(ctx, q.ID); !types.IsNotFound(err) {
		t.Fatalf("queue survived cascade: %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !types.IsNotFound(err) {
		t.Fatalf("task survived cascade: %v", err)
	}
}

func TestQueueCreateRules(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	seedQueue(t, s, sess.ID, "q1")

	err := s.CreateQueue(ctx, &types.Queue{SessionID: sess.ID, Name: "q1"})
	if !types.IsConflict(err) {
		t.Fatalf("duplicate queue name = %v, want Conflict", err)
	}

	err = s.CreateQueue(ctx, &types.Queue{SessionID: "sess_missing00", Name: "q2"})
	if !types.IsNotFound(err) {
		t.Fatalf("queue in missing session = %v, want NotFound", err)
	}

	if _, err := s.EndSession(ctx, sess.ID); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	err = s.CreateQueue(ctx, &types.Queue{SessionID: sess.ID, Name: "q2"})
	if !types.IsConflict(err) {
		t.Fatalf("queue in ended session = %v, want Conflict", err)
	}
}

func TestQueueArchiveFreesName(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	q1 := seedQueue(t, s, sess.ID, "lane")

	if _, err := s.ArchiveQueue(ctx, q1.ID); err != nil {
		t.Fatalf("ArchiveQueue: %v", err)
	}

	// The archived queue no longer holds the name.
	q2 := seedQueue(t, s, sess.ID, "lane")

	// Unarchiving the original now collides with the replacement.
	if _, err := s.UnarchiveQueue(ctx, q1.ID); !types.IsConflict(err) {
		t.Fatalf("UnarchiveQueue into collision = %v, want Conflict", err)
	}

	// Freeing the name lets the unarchive through, back to active.
	if err := s.DeleteQueue(ctx, q2.ID); err != nil {
		t.Fatalf("DeleteQueue: %v", err)
	}
	restored, err := s.UnarchiveQueue(ctx, q1.ID)
	if err != nil {
		t.Fatalf("UnarchiveQueue: %v", err)
	}
	if restored.Status != types.QueueActive {
		t.Fatalf("restored status = %s, want active", restored.Status)
	}
}

func TestQueueUnarchiveRestoresEnded(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	q := seedQueue(t, s, sess.ID, "lane")

	if _, err := s.EndQueue(ctx, q.ID); err != nil {
		t.Fatalf("EndQueue: %v", err)
	}
	if _, err := s.ArchiveQueue(ctx, q.ID); err != nil {
		t.Fatalf("ArchiveQueue: %v", err)
	}

	restored, err := s.UnarchiveQueue(ctx, q.ID)
	if err != nil {
		t.Fatalf("UnarchiveQueue: %v", err)
	}
	if restored.Status != types.QueueEnded {
		t.Fatalf("restored status = %s, want ended", restored.Status)
	}
	if restored.EndedAt == nil {
		t.Fatal("ended_at lost across archive round-trip")
	}
}

func TestQueueEndTwice(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	q := seedQueue(t, s, sess.ID, "lane")

	if _, err := s.EndQueue(ctx, q.ID); err != nil {
		t.Fatalf("EndQueue: %v", err)
	}
	if _, err := s.EndQueue(ctx, q.ID); !types.IsConflict(err) {
		t.Fatalf("second EndQueue = %v, want Conflict", err)
	}
}

func TestQueueListExcludesArchived(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	seedQueue(t, s, sess.ID, "visible")
	hidden := seedQueue(t, s, sess.ID, "hidden")
	if _, err := s.ArchiveQueue(ctx, hidden.ID); err != nil {
		t.Fatalf("ArchiveQueue: %v", err)
	}

	def, err := s.ListQueues(ctx, storage.QueueFilter{SessionID: sess.ID})
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(def) != 1 || def[0].Name != "visible" {
		t.Fatalf("default listing = %+v", def)
	}

	all, err := s.ListQueues(ctx, storage.QueueFilter{SessionID: sess.ID, IncludeArchived: true})
	if err != nil || len(all) != 2 {
		t.Fatalf("include-archived listing = %d, %v", len(all), err)
	}

	archived, err := s.ListQueues(ctx, storage.QueueFilter{SessionID: sess.ID, Status: "archived"})
	if err != nil || len(archived) != 1 || archived[0].Name != "hidden" {
		t.Fatalf("archived listing = %+v, %v", archived, err)
	}
}

func TestQueueNameLookupSkipsArchived(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	q := seedQueue(t, s, sess.ID, "lane")
	if _, err := s.ArchiveQueue(ctx, q.ID); err != nil {
		t.Fatalf("ArchiveQueue: %v", err)
	}
	if _, err := s.GetQueueByName(ctx, sess.ID, "lane"); !types.IsNotFound(err) {
		t.Fatalf("GetQueueByName on archived = %v, want NotFound", err)
	}
}

func TestUpdateQueueContinuationToken(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()
	seedProject(t, s)
	sess := seedSession(t, s, "s1")
	q := seedQueue(t, s, sess.ID, "lane")

	upd, err := s.UpdateQueue(ctx, q.ID, storage.QueueUpdate{CodexSessionID: strptr("tok-123")})
	if err != nil {
		t.Fatalf("UpdateQueue: %v", err)
	}
	if upd.CodexSessionID != "tok-123" {
		t.Fatalf("codex_session_id = %q", upd.CodexSessionID)
	}

	// The token survives ending the queue.
	ended, err := s.EndQueue(ctx, q.ID)
	if err != nil {
		t.Fatalf("EndQueue: %v", err)
	}
	if ended.CodexSessionID != "tok-123" {
		t.Fatalf("token lost on end: %q", ended.CodexSessionID)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	ctx := context.Background()

	s1, err := New(ctx, path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not reapply migrations or disturb data.
	s2, err := New(ctx, path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer func() { _ = s2.Close() }()

	var n int
	if err := s2.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != len(migrationsList) {
		t.Fatalf("applied migrations = %d, want %d", n, len(migrationsList))
	}
}
