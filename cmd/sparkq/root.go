package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkq-dev/sparkq/internal/buildinfo"
	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/runner"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/storage/sqlite"
	"github.com/sparkq-dev/sparkq/internal/types"
)

var (
	flagConfig string
	flagJSON   bool
)

var rootCmd = &cobra.Command{
	Use:           "sparkq",
	Short:         "Local-first task queue and orchestration service",
	Version:       buildinfo.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// usageError marks bad invocations so main can exit 2 instead of 1.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// exactArgs is cobra.ExactArgs with the usage exit code.
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

func rangeArgs(min, max int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.RangeArgs(min, max)(cmd, args); err != nil {
			return &usageError{err}
		}
		return nil
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "",
		"path to sparkq.yml (default: $SPARKQ_CONFIG, ./sparkq.yml, <repo-root>/sparkq.yml)")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON instead of text")
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err}
	})
}

// activeConfig resolves and loads the configuration for this invocation.
func activeConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		var err error
		path, err = config.Locate()
		if err != nil {
			return nil, err
		}
	}
	return config.Load(path)
}

// openStore opens the database named by the active config. Data commands
// talk to the store directly; WAL mode keeps this safe alongside a
// running server.
func openStore(ctx context.Context) (*sqlite.Store, *config.Config, error) {
	cfg, err := activeConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := sqlite.New(ctx, cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// apiClient builds a client for the running server.
func apiClient(cfg *config.Config) *runner.Client {
	return runner.NewClient(cfg.QueueRunner.BaseURL)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// resolveSession accepts a session id or name.
func resolveSession(ctx context.Context, store *sqlite.Store, ref string) (*types.Session, error) {
	if idgen.Valid(ref, idgen.PrefixSession) {
		return store.GetSession(ctx, ref)
	}
	return store.GetSessionByName(ctx, ref)
}

// resolveQueue accepts a queue id, or a queue name scoped by sessionRef
// ("" scans all sessions and fails on ambiguity).
func resolveQueue(ctx context.Context, store *sqlite.Store, ref, sessionRef string) (*types.Queue, error) {
	if idgen.Valid(ref, idgen.PrefixQueue) {
		return store.GetQueue(ctx, ref)
	}
	if sessionRef != "" {
		sess, err := resolveSession(ctx, store, sessionRef)
		if err != nil {
			return nil, err
		}
		return store.GetQueueByName(ctx, sess.ID, ref)
	}

	queues, err := store.ListQueues(ctx, storage.QueueFilter{})
	if err != nil {
		return nil, err
	}
	var matches []*types.Queue
	for _, q := range queues {
		if q.Name == ref {
			matches = append(matches, q)
		}
	}
	switch len(matches) {
	case 0:
		return nil, types.NotFoundf("queue_not_found", "no queue named %q", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, types.Conflictf("ambiguous_queue",
			"%d queues named %q exist; pass --session or the queue id", len(matches), ref)
	}
}

// pidFilePath and lockFilePath are the server's runtime files, adjacent
// to the database.
func pidFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir(), "sparkq.pid")
}

func lockFilePath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir(), "sparkq.lock")
}

func serverLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.DataDir(), "sparkq.log")
}

// fmtTime renders a nullable timestamp for table output.
func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
