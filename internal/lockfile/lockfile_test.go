package lockfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sparkq-dev/sparkq/internal/types"
)

func TestServiceLockExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sparkq.lock")

	l1, err := AcquireService(path)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	if _, err := AcquireService(path); !types.IsConflict(err) {
		t.Fatalf("second acquire = %v, want Conflict", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	l2, err := AcquireService(path)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	_ = l2.Release()
}

func TestPIDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.pid")

	if _, err := ReadPID(path); !os.IsNotExist(err) {
		t.Fatalf("ReadPID on missing file = %v, want IsNotExist", err)
	}

	if err := WritePID(path, 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil || pid != 4242 {
		t.Fatalf("ReadPID = %d, %v", pid, err)
	}

	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadPID(path); err == nil {
		t.Fatal("malformed pid file accepted")
	}

	if err := Remove(path); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := Remove(path); err != nil {
		t.Fatalf("Remove on missing file: %v", err)
	}
}

func TestIsAlive(t *testing.T) {
	if !IsAlive(os.Getpid()) {
		t.Fatal("own process reported dead")
	}
	if IsAlive(0) || IsAlive(-1) {
		t.Fatal("nonsense pid reported alive")
	}
}

func TestRunnerLockGuard(t *testing.T) {
	dir := t.TempDir()

	l1, err := AcquireRunner(dir, "alpha")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Same queue, same live owner: refused with a recognizable message.
	_, err = AcquireRunner(dir, "alpha")
	if !types.IsConflict(err) {
		t.Fatalf("second acquire = %v, want Conflict", err)
	}
	if !strings.Contains(err.Error(), "already running") {
		t.Fatalf("conflict message %q lacks 'already running'", err.Error())
	}

	// A different queue is independent.
	l2, err := AcquireRunner(dir, "beta")
	if err != nil {
		t.Fatalf("acquire beta: %v", err)
	}
	_ = l2.Release()

	if err := l1.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(l1.Path()); !os.IsNotExist(err) {
		t.Fatal("release left the lockfile behind")
	}
}

func TestRunnerLockReclaimsStale(t *testing.T) {
	dir := t.TempDir()
	path := RunnerLockPath(dir, "alpha")

	// A pid far above any plausible live process.
	if err := WritePID(path, 1<<22+7); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	l, err := AcquireRunner(dir, "alpha")
	if err != nil {
		t.Fatalf("acquire over stale lock: %v", err)
	}
	defer func() { _ = l.Release() }()

	pid, err := ReadPID(path)
	if err != nil || pid != os.Getpid() {
		t.Fatalf("reclaimed lock pid = %d, %v, want own pid", pid, err)
	}
}

func TestRunnerLockPathSanitizes(t *testing.T) {
	p := RunnerLockPath("/data", "../../etc/passwd")
	if filepath.Dir(p) != "/data" {
		t.Fatalf("sanitized path escaped directory: %s", p)
	}
}

func TestRunnerReleaseSkipsForeignLock(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireRunner(dir, "alpha")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Another process replaced the file; release must not destroy it.
	if err := WritePID(l.Path(), os.Getpid()+1); err != nil {
		t.Fatal(err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(l.Path()); err != nil {
		t.Fatal("release removed a lock it no longer owned")
	}
}
