// Package config locates and loads the sparkq configuration document.
//
// The active document is resolved in a deterministic order: the
// SPARKQ_CONFIG environment variable, then sparkq.yml in the current
// working directory, then sparkq.yml in the repository root (the nearest
// ancestor directory containing .git). First match wins. Relative paths
// inside the document resolve against the document's own directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/sparkq-dev/sparkq/internal/types"
)

// EnvConfigPath is the environment variable that pins the config document.
const EnvConfigPath = "SPARKQ_CONFIG"

// ConfigFileName is the well-known document name searched for when the
// environment variable is unset.
const ConfigFileName = "sparkq.yml"

// ProjectConfig names the singleton project row.
type ProjectConfig struct {
	Name     string `mapstructure:"name"`
	RepoPath string `mapstructure:"repo_path"`
	PRDPath  string `mapstructure:"prd_path"`
}

// ServerConfig is the HTTP bind address.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig locates the database file.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// PurgeConfig controls the purge janitor.
type PurgeConfig struct {
	OlderThanDays int `mapstructure:"older_than_days"`
}

// RunnerConfig controls queue runners and the stale janitor cadence.
type RunnerConfig struct {
	PollInterval            int    `mapstructure:"poll_interval"`
	AutoFailIntervalSeconds int    `mapstructure:"auto_fail_interval_seconds"`
	BaseURL                 string `mapstructure:"base_url"`
}

// TaskClassConfig carries the per-class default timeout in seconds.
type TaskClassConfig struct {
	Timeout int `mapstructure:"timeout"`
}

// ToolConfig maps a tool name to its task class.
type ToolConfig struct {
	TaskClass   string `mapstructure:"task_class"`
	Description string `mapstructure:"description"`
}

// Config is the immutable, fully-resolved configuration. Reload builds a
// new value and swaps the active reference; a Config is never mutated
// after Load returns it.
type Config struct {
	Project     ProjectConfig              `mapstructure:"project"`
	Server      ServerConfig               `mapstructure:"server"`
	Database    DatabaseConfig             `mapstructure:"database"`
	Purge       PurgeConfig                `mapstructure:"purge"`
	QueueRunner RunnerConfig               `mapstructure:"queue_runner"`
	TaskClasses map[string]TaskClassConfig `mapstructure:"task_classes"`
	Tools       map[string]ToolConfig      `mapstructure:"tools"`
	ScriptDirs  []string                   `mapstructure:"script_dirs"`

	// Path is the absolute path of the document this Config was loaded
	// from; empty when running entirely on defaults.
	Path string `mapstructure:"-"`
}

// DataDir is the directory holding the database file and the adjacent
// runtime files (pid file, service lock, runner locks, server log).
func (c *Config) DataDir() string {
	return filepath.Dir(c.Database.Path)
}

// TimeoutFor resolves the default timeout in seconds for a task class.
func (c *Config) TimeoutFor(class types.TaskClass) (int, error) {
	if tc, ok := c.TaskClasses[string(class)]; ok {
		return tc.Timeout, nil
	}
	if d, ok := types.DefaultTimeouts[class]; ok {
		return d, nil
	}
	return 0, types.Validationf("unknown_task_class", "unknown task class %q", class)
}

// ClassForTool resolves the task class configured for a tool name.
// Unknown tools fall back to FAST_SCRIPT.
func (c *Config) ClassForTool(tool string) types.TaskClass {
	if tc, ok := c.Tools[tool]; ok && tc.TaskClass != "" {
		return types.TaskClass(tc.TaskClass)
	}
	return types.ClassFastScript
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("project.name", "sparkq")
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5005)
	v.SetDefault("database.path", "data/sparkq.db")
	v.SetDefault("purge.older_than_days", 3)
	v.SetDefault("queue_runner.poll_interval", 30)
	v.SetDefault("queue_runner.auto_fail_interval_seconds", 30)
	v.SetDefault("queue_runner.base_url", "")
	for class, timeout := range types.DefaultTimeouts {
		v.SetDefault(fmt.Sprintf("task_classes.%s.timeout", class), timeout)
	}
}

// Locate returns the path of the active configuration document, or ""
// when no document exists and defaults apply.
func Locate() (string, error) {
	if p := os.Getenv(EnvConfigPath); p != "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", EnvConfigPath, err)
		}
		if _, err := os.Stat(abs); err != nil {
			return "", types.Validationf("config_not_found", "%s points at %s: %v", EnvConfigPath, abs, err)
		}
		return abs, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if p := filepath.Join(cwd, ConfigFileName); fileExists(p) {
		return p, nil
	}
	if root := repoRoot(cwd); root != "" {
		if p := filepath.Join(root, ConfigFileName); fileExists(p) {
			return p, nil
		}
	}
	return "", nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// repoRoot walks up from dir to the nearest ancestor containing .git.
func repoRoot(dir string) string {
	for d := dir; ; d = filepath.Dir(d) {
		if _, err := os.Stat(filepath.Join(d, ".git")); err == nil {
			return d
		}
		if d == filepath.Dir(d) {
			return ""
		}
	}
}

// Load reads the document at path (or defaults when path is "") into an
// immutable Config. Relative paths inside the document resolve against
// the document's directory; with no document they resolve against the
// current working directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	baseDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.Validationf("config_unreadable", "read config %s: %v", path, err).Wrap(err)
		}
		baseDir = filepath.Dir(path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.Validationf("config_malformed", "parse config %s: %v", path, err).Wrap(err)
	}
	cfg.Path = path

	if !filepath.IsAbs(cfg.Database.Path) {
		cfg.Database.Path = filepath.Join(baseDir, cfg.Database.Path)
	}
	if cfg.Project.RepoPath != "" && !filepath.IsAbs(cfg.Project.RepoPath) {
		cfg.Project.RepoPath = filepath.Join(baseDir, cfg.Project.RepoPath)
	}
	for i, d := range cfg.ScriptDirs {
		if !filepath.IsAbs(d) {
			cfg.ScriptDirs[i] = filepath.Join(baseDir, d)
		}
	}
	if cfg.QueueRunner.BaseURL == "" {
		cfg.QueueRunner.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for class, tc := range c.TaskClasses {
		if !types.ValidTaskClass(class) {
			return types.Validationf("unknown_task_class", "task_classes: unknown class %q", class)
		}
		if tc.Timeout <= 0 {
			return types.Validationf("invalid_timeout", "task_classes.%s.timeout must be > 0, got %d", class, tc.Timeout)
		}
	}
	for tool, tc := range c.Tools {
		if tc.TaskClass != "" && !types.ValidTaskClass(tc.TaskClass) {
			return types.Validationf("unknown_task_class", "tools.%s.task_class: unknown class %q", tool, tc.TaskClass)
		}
	}
	if c.Purge.OlderThanDays <= 0 {
		return types.Validationf("invalid_purge_age", "purge.older_than_days must be > 0, got %d", c.Purge.OlderThanDays)
	}
	if c.QueueRunner.PollInterval <= 0 || c.QueueRunner.AutoFailIntervalSeconds <= 0 {
		return types.Validationf("invalid_interval", "queue_runner intervals must be > 0")
	}
	return nil
}

// EnsureDataDir creates the directory that will hold the database file.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir(), 0o750)
}

// Resolver holds the active Config and supports atomic reload. Readers
// call Current and never observe a partially-applied document.
type Resolver struct {
	current atomic.Pointer[Config]
}

// NewResolver locates, loads and pins the initial configuration.
func NewResolver() (*Resolver, error) {
	path, err := Locate()
	if err != nil {
		return nil, err
	}
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	r := &Resolver{}
	r.current.Store(cfg)
	return r, nil
}

// NewResolverWith pins an already-loaded Config.
func NewResolverWith(cfg *Config) *Resolver {
	r := &Resolver{}
	r.current.Store(cfg)
	return r
}

// Current returns the active configuration.
func (r *Resolver) Current() *Config {
	return r.current.Load()
}

// Reload re-reads the same document the resolver started from and swaps
// the active reference. On error the previous Config stays active.
func (r *Resolver) Reload() (*Config, error) {
	cfg, err := Load(r.Current().Path)
	if err != nil {
		return nil, err
	}
	r.current.Store(cfg)
	return cfg, nil
}
