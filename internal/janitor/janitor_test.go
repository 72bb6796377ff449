package janitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/storage/sqlite"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// fakeStore overrides only the janitor-facing methods; everything else
// panics through the embedded nil interface if touched.
type fakeStore struct {
	storage.Storage
	sweeps atomic.Int64
	fails  atomic.Int64 // number of leading ticks that error
}

func (f *fakeStore) SweepStale(ctx context.Context, now time.Time) (int64, int64, error) {
	n := f.sweeps.Add(1)
	if n <= f.fails.Load() {
		return 0, 0, errors.New("transient store contention")
	}
	return 0, 0, nil
}

func (f *fakeStore) PurgeTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	return 0, nil
}

func every(d time.Duration) func() time.Duration {
	return func() time.Duration { return d }
}

func TestLoopRetriesAfterFailedTick(t *testing.T) {
	fs := &fakeStore{}
	fs.fails.Store(2)
	j := &Janitor{store: fs, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.loop(ctx, "stale", every(5*time.Millisecond), j.sweepStale)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for fs.sweeps.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("loop stalled after %d sweeps; failed ticks must not stop it", fs.sweeps.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestLoopCancelIsPrompt(t *testing.T) {
	fs := &fakeStore{}
	j := &Janitor{store: fs, logger: zerolog.Nop()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		j.loop(ctx, "stale", every(time.Hour), j.sweepStale)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("loop did not exit promptly on cancellation")
	}
}

func TestStaleSweepEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time stale thresholds")
	}

	ctx := context.Background()
	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.CreateProject(ctx, &types.Project{Name: "p"}); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	sess := &types.Session{Name: "s1"}
	if err := store.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	q := &types.Queue{SessionID: sess.ID, Name: "q1"}
	if err := store.CreateQueue(ctx, q); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	task := &types.Task{
		QueueID:   q.ID,
		ToolName:  "slow_tool",
		TaskClass: types.ClassFastScript,
		Payload:   json.RawMessage(`{}`),
		Timeout:   1,
	}
	if err := store.EnqueueTask(ctx, task); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
	if _, err := store.ClaimTask(ctx, task.ID); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	j := New(store, config.NewResolverWith(&config.Config{}))
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go j.loop(loopCtx, "stale", every(100*time.Millisecond), j.sweepStale)

	// Past 1x timeout: warned, still running.
	time.Sleep(1300 * time.Millisecond)
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.StaleWarnedAt == nil {
		t.Fatal("stale_warned_at not set past 1x timeout")
	}
	if got.Status != types.TaskRunning {
		t.Fatalf("status past 1x = %s, want running", got.Status)
	}

	// Past 2x timeout: auto-failed with a recognizable marker.
	time.Sleep(1200 * time.Millisecond)
	got, err = store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != types.TaskFailed || got.FinishedAt == nil {
		t.Fatalf("status past 2x = %+v", got)
	}
	if got.Error == "" {
		t.Fatal("auto-fail left no error message")
	}
}

func TestPurgeUsesConfiguredAge(t *testing.T) {
	fs := &fakeStore{}
	resolver := config.NewResolverWith(&config.Config{
		Purge: config.PurgeConfig{OlderThanDays: 3},
	})
	j := &Janitor{store: fs, resolver: resolver, logger: zerolog.Nop()}
	if err := j.purge(context.Background()); err != nil {
		t.Fatalf("purge: %v", err)
	}
}
