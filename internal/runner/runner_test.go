package runner

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/httpapi"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/storage/sqlite"
	"github.com/sparkq-dev/sparkq/internal/types"
)

type fixture struct {
	store  storage.Storage
	client *Client
	queue  *types.Queue
}

func setupFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	srv := httptest.NewServer(httpapi.New(store, config.NewResolverWith(&config.Config{})).Router())
	t.Cleanup(srv.Close)

	if err := store.CreateProject(ctx, &types.Project{Name: "p"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	sess := &types.Session{Name: "s1"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	q := &types.Queue{SessionID: sess.ID, Name: "q1", Instructions: "be careful"}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	return &fixture{store: store, client: NewClient(srv.URL), queue: q}
}

func (f *fixture) enqueue(t *testing.T, payload string) *types.Task {
	t.Helper()
	task := &types.Task{
		QueueID:   f.queue.ID,
		ToolName:  "run_script",
		TaskClass: types.ClassFastScript,
		Payload:   json.RawMessage(payload),
		Timeout:   30,
	}
	if err := f.store.EnqueueTask(context.Background(), task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	return task
}

type stubExecutor struct {
	outcome *Outcome
	calls   int
}

func (e *stubExecutor) Execute(ctx context.Context, task *types.Task, queue *types.Queue) (*Outcome, error) {
	e.calls++
	return e.outcome, nil
}

func TestResolveQueue(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	byName, err := ResolveQueue(ctx, f.client, "q1")
	if err != nil || byName.ID != f.queue.ID {
		t.Fatalf("by name = %v, %v", byName, err)
	}
	byID, err := ResolveQueue(ctx, f.client, f.queue.ID)
	if err != nil || byID.ID != f.queue.ID {
		t.Fatalf("by id = %v, %v", byID, err)
	}
	if _, err := ResolveQueue(ctx, f.client, "nope"); !types.IsNotFound(err) {
		t.Fatalf("unknown queue = %v, want NotFound", err)
	}

	// A second queue with the same name in another session makes the
	// bare name ambiguous.
	sess2 := &types.Session{Name: "s2"}
	if err := f.store.CreateSession(ctx, sess2); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	q2 := &types.Queue{SessionID: sess2.ID, Name: "q1"}
	if err := f.store.CreateQueue(ctx, q2); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	if _, err := ResolveQueue(ctx, f.client, "q1"); !types.IsConflict(err) {
		t.Fatalf("ambiguous name = %v, want Conflict", err)
	}
}

func TestPollOnceCompletesTask(t *testing.T) {
	f := setupFixture(t)
	task := f.enqueue(t, `{"cmd":"build"}`)

	var prompt strings.Builder
	exec := &stubExecutor{outcome: &Outcome{
		Result: json.RawMessage(`{"summary":"built"}`),
		Stdout: "out",
	}}
	r := New(f.client, f.queue, exec, time.Second, &prompt)

	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	if exec.calls != 1 {
		t.Fatalf("executor calls = %d", exec.calls)
	}

	got, err := f.store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskSucceeded || got.Stdout != "out" {
		t.Fatalf("task after poll = %+v", got)
	}

	// The prompt block carries the operator-facing context.
	for _, want := range []string{task.ID, "run_script", "q1", "be careful", `"cmd"`} {
		if !strings.Contains(prompt.String(), want) {
			t.Errorf("prompt block lacks %q:\n%s", want, prompt.String())
		}
	}
}

func TestPollOnceReportsFailure(t *testing.T) {
	f := setupFixture(t)
	task := f.enqueue(t, `{}`)

	exec := &stubExecutor{outcome: &Outcome{Err: "tool exploded", Stderr: "trace"}}
	r := New(f.client, f.queue, exec, time.Second, io.Discard)

	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}
	got, _ := f.store.GetTask(context.Background(), task.ID)
	if got.Status != types.TaskFailed || got.Error != "tool exploded" || got.Stderr != "trace" {
		t.Fatalf("task after failed poll = %+v", got)
	}
}

func TestPollOnceEmptyQueueIsQuiet(t *testing.T) {
	f := setupFixture(t)
	exec := &stubExecutor{}
	r := New(f.client, f.queue, exec, time.Second, io.Discard)

	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce on empty queue = %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("executor invoked with no task")
	}
}

func TestPollOnceLostRace(t *testing.T) {
	f := setupFixture(t)
	task := f.enqueue(t, `{}`)

	// Another claimer takes the task between discovery and claim; here it
	// is simply already claimed.
	if _, err := f.store.ClaimTask(context.Background(), task.ID); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	exec := &stubExecutor{}
	r := New(f.client, f.queue, exec, time.Second, io.Discard)
	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce after lost race = %v", err)
	}
	if exec.calls != 0 {
		t.Fatal("executor invoked for a lost race")
	}
}

func TestPollOnceSavesContinuation(t *testing.T) {
	f := setupFixture(t)
	f.enqueue(t, `{}`)

	exec := &stubExecutor{outcome: &Outcome{
		Result:       json.RawMessage(`{"summary":"ok"}`),
		Continuation: "tok-99",
	}}
	r := New(f.client, f.queue, exec, time.Second, io.Discard)
	if err := r.pollOnce(context.Background()); err != nil {
		t.Fatalf("pollOnce: %v", err)
	}

	q, err := f.store.GetQueue(context.Background(), f.queue.ID)
	if err != nil {
		t.Fatalf("GetQueue: %v", err)
	}
	if q.CodexSessionID != "tok-99" {
		t.Fatalf("continuation token = %q", q.CodexSessionID)
	}
}

func TestOperatorExecutor(t *testing.T) {
	task := &types.Task{ID: "task_abc", Payload: json.RawMessage(`{}`)}
	queue := &types.Queue{Name: "q"}

	exec := &OperatorExecutor{In: strings.NewReader(`{"result":{"summary":"done"},"continuation":"c1"}`)}
	out, err := exec.Execute(context.Background(), task, queue)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Err != "" || out.Continuation != "c1" {
		t.Fatalf("outcome = %+v", out)
	}

	exec = &OperatorExecutor{In: strings.NewReader(`{"error":"nope"}`)}
	out, err = exec.Execute(context.Background(), task, queue)
	if err != nil || out.Err != "nope" {
		t.Fatalf("failure outcome = %+v, %v", out, err)
	}

	// Neither result nor error is a malformed report.
	exec = &OperatorExecutor{In: strings.NewReader(`{}`)}
	if _, err := exec.Execute(context.Background(), task, queue); err == nil {
		t.Fatal("empty report accepted")
	}
}

func TestClientErrorKinds(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	if _, err := f.client.Claim(ctx, "task_missing0000"); !types.IsNotFound(err) {
		t.Fatalf("claim missing = %v, want NotFound", err)
	}

	task := f.enqueue(t, `{}`)
	if _, err := f.client.Claim(ctx, task.ID); err != nil {
		t.Fatalf("claim: %v", err)
	}
	err := f.client.Complete(ctx, task.ID, json.RawMessage(`{}`), "", "")
	if !types.IsValidation(err) {
		t.Fatalf("complete without summary = %v, want Validation", err)
	}
}
