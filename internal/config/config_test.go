package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sparkq-dev/sparkq/internal/types"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}
	if cfg.Server.Port != 5005 {
		t.Errorf("default port = %d, want 5005", cfg.Server.Port)
	}
	if cfg.Purge.OlderThanDays != 3 {
		t.Errorf("default purge age = %d, want 3", cfg.Purge.OlderThanDays)
	}
	got, err := cfg.TimeoutFor(types.ClassLLMHeavy)
	if err != nil || got != 1200 {
		t.Errorf("TimeoutFor(LLM_HEAVY) = %d, %v; want 1200", got, err)
	}
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
database:
  path: state/sparkq.db
project:
  name: demo
  repo_path: src
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	want := filepath.Join(dir, "state", "sparkq.db")
	if cfg.Database.Path != want {
		t.Errorf("database path = %s, want %s", cfg.Database.Path, want)
	}
	if cfg.Project.RepoPath != filepath.Join(dir, "src") {
		t.Errorf("repo path = %s, not resolved against config dir", cfg.Project.RepoPath)
	}
	if cfg.DataDir() != filepath.Join(dir, "state") {
		t.Errorf("DataDir = %s", cfg.DataDir())
	}
}

func TestLoadRejectsBadTaskClass(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
task_classes:
  WARP_SPEED:
    timeout: 5
`)
	if _, err := Load(path); !types.IsValidation(err) {
		t.Errorf("unknown class: got %v, want Validation", err)
	}

	path = writeConfig(t, dir, `
task_classes:
  FAST_SCRIPT:
    timeout: 0
`)
	if _, err := Load(path); !types.IsValidation(err) {
		t.Errorf("zero timeout: got %v, want Validation", err)
	}
}

func TestLoadToolMapping(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
tools:
  run_tests:
    task_class: MEDIUM_SCRIPT
    description: run the test suite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := cfg.ClassForTool("run_tests"); got != types.ClassMediumScript {
		t.Errorf("ClassForTool = %s, want MEDIUM_SCRIPT", got)
	}
	if got := cfg.ClassForTool("never_heard_of_it"); got != types.ClassFastScript {
		t.Errorf("unknown tool class = %s, want FAST_SCRIPT fallback", got)
	}
}

func TestEnvOverridesLocate(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  port: 7171\n")
	t.Setenv(EnvConfigPath, path)

	got, err := Locate()
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if got != path {
		t.Errorf("Locate = %s, want %s", got, path)
	}

	t.Setenv(EnvConfigPath, filepath.Join(dir, "missing.yml"))
	if _, err := Locate(); !types.IsValidation(err) {
		t.Errorf("missing env config: got %v, want Validation", err)
	}
}

func TestReloadSwapsAtomically(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "server:\n  port: 6001\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	r := NewResolverWith(cfg)

	writeConfig(t, dir, "server:\n  port: 6002\n")
	if _, err := r.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := r.Current().Server.Port; got != 6002 {
		t.Errorf("port after reload = %d, want 6002", got)
	}

	// A broken document must leave the previous config active.
	writeConfig(t, dir, "purge:\n  older_than_days: -1\n")
	if _, err := r.Reload(); err == nil {
		t.Fatal("Reload with invalid document should fail")
	}
	if got := r.Current().Server.Port; got != 6002 {
		t.Errorf("port after failed reload = %d, want 6002", got)
	}
}
