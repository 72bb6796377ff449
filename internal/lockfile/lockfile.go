// Package lockfile provides the two process-exclusion mechanisms sparkq
// relies on: a flock-based service lock so only one server owns a
// database, and PID-file runner locks so only one runner drains a queue.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// ServiceLock is the process-wide lock guarding a data directory. It is
// advisory (flock), released automatically by the OS if the process dies.
type ServiceLock struct {
	fl *flock.Flock
}

// AcquireService takes the service lock at path without blocking. A held
// lock means another server instance owns this database.
func AcquireService(path string) (*ServiceLock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire service lock %s: %w", path, err)
	}
	if !ok {
		return nil, types.Conflictf("already_running",
			"another sparkq server is already running on this database (lock %s)", path)
	}
	return &ServiceLock{fl: fl}, nil
}

// Release drops the service lock. Safe to call once.
func (l *ServiceLock) Release() error {
	return l.fl.Unlock()
}

// WritePID records pid at path, replacing any previous content.
func WritePID(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create pid directory: %w", err)
	}
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o640)
}

// ReadPID reads the pid recorded at path. os.IsNotExist applies to the
// returned error when no file exists.
func ReadPID(path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s is malformed", path)
	}
	return pid, nil
}

// Remove deletes the file at path, ignoring a missing file.
func Remove(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// IsAlive reports whether a process with this pid exists. Signal 0
// performs the existence check without delivering anything; EPERM still
// means the process is there.
func IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}

// RunnerLockPath derives the lockfile path for a queue runner inside
// dir. Queue names pass through a conservative sanitizer so they cannot
// escape the directory.
func RunnerLockPath(dir, queueName string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, queueName)
	return filepath.Join(dir, "runner-"+sanitized+".pid")
}

// RunnerLock is the single-runner-per-queue guard: a PID file at a
// well-known path. A stale file left by a dead runner is reclaimed.
type RunnerLock struct {
	path string
}

// AcquireRunner takes the runner lock for queueName under dir. When the
// recorded pid belongs to a live process the error message carries
// "already running" so callers can distinguish it from transient
// failures.
func AcquireRunner(dir, queueName string) (*RunnerLock, error) {
	path := RunnerLockPath(dir, queueName)
	if pid, err := ReadPID(path); err == nil {
		if IsAlive(pid) {
			return nil, types.Conflictf("runner_already_running",
				"a runner for queue %q is already running (pid %d, lock %s)", queueName, pid, path)
		}
		// Dead owner; reclaim.
		if err := Remove(path); err != nil {
			return nil, fmt.Errorf("reclaim stale runner lock %s: %w", path, err)
		}
	}
	if err := WritePID(path, os.Getpid()); err != nil {
		return nil, err
	}
	return &RunnerLock{path: path}, nil
}

// Path returns the lockfile location.
func (l *RunnerLock) Path() string {
	return l.path
}

// Release removes the lockfile, but only if this process still owns it.
func (l *RunnerLock) Release() error {
	pid, err := ReadPID(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if pid != os.Getpid() {
		return nil
	}
	return Remove(l.path)
}
