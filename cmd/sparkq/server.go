package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sparkq-dev/sparkq/internal/buildinfo"
	"github.com/sparkq-dev/sparkq/internal/config"
	"github.com/sparkq-dev/sparkq/internal/httpapi"
	"github.com/sparkq-dev/sparkq/internal/janitor"
	"github.com/sparkq-dev/sparkq/internal/lockfile"
	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/storage/sqlite"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// defaultConfigDoc is the commented document `setup` writes. Values
// mirror the built-in defaults.
type defaultConfigDoc struct {
	Project struct {
		Name     string `yaml:"name"`
		RepoPath string `yaml:"repo_path"`
	} `yaml:"project"`
	Server struct {
		Host string `yaml:"host"`
		Port int    `yaml:"port"`
	} `yaml:"server"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Purge struct {
		OlderThanDays int `yaml:"older_than_days"`
	} `yaml:"purge"`
	QueueRunner struct {
		PollInterval            int `yaml:"poll_interval"`
		AutoFailIntervalSeconds int `yaml:"auto_fail_interval_seconds"`
	} `yaml:"queue_runner"`
	TaskClasses map[string]map[string]int `yaml:"task_classes"`
}

var setupCmd = &cobra.Command{
	Use:   "setup [project-name]",
	Short: "Write a default sparkq.yml and create the project",
	Args:  rangeArgs(0, 1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := flagConfig
		if path == "" {
			var err error
			path, err = config.Locate()
			if err != nil {
				return err
			}
		}
		if path == "" {
			path = config.ConfigFileName
			if err := writeDefaultConfig(path); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
		}

		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return err
		}

		store, err := sqlite.New(cmd.Context(), cfg.Database.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		name := cfg.Project.Name
		if len(args) == 1 {
			name = args[0]
		}
		p := &types.Project{Name: name, RepoPath: cfg.Project.RepoPath, PRDPath: cfg.Project.PRDPath}
		if err := store.CreateProject(cmd.Context(), p); err != nil {
			return err
		}
		fmt.Printf("Created project %s (%s)\n", p.Name, p.ID)
		fmt.Printf("Database at %s\n", store.Path())
		return nil
	},
}

func writeDefaultConfig(path string) error {
	var doc defaultConfigDoc
	doc.Project.Name = "sparkq"
	doc.Server.Host = "0.0.0.0"
	doc.Server.Port = 5005
	doc.Database.Path = "data/sparkq.db"
	doc.Purge.OlderThanDays = 3
	doc.QueueRunner.PollInterval = 30
	doc.QueueRunner.AutoFailIntervalSeconds = 30
	doc.TaskClasses = map[string]map[string]int{}
	for class, timeout := range types.DefaultTimeouts {
		doc.TaskClasses[string(class)] = map[string]int{"timeout": timeout}
	}

	body, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	header := "# sparkq configuration.\n" +
		"# Relative paths resolve against this file's directory.\n" +
		"# tools.<name>.task_class maps tool names to timeout classes.\n"
	return os.WriteFile(path, append([]byte(header), body...), 0o640)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the sparkq server (HTTP API and janitors)",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		logFile, _ := cmd.Flags().GetString("log-file")
		prod, _ := cmd.Flags().GetBool("production")

		cfg, err := activeConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return err
		}
		if logFile == "auto" {
			logFile = serverLogPath(cfg)
		}
		log.Init(log.Config{Level: log.InfoLevel, FilePath: logFile})
		logger := log.WithComponent("server")

		// One server per database.
		svcLock, err := lockfile.AcquireService(lockFilePath(cfg))
		if err != nil {
			return err
		}
		defer func() { _ = svcLock.Release() }()

		if err := lockfile.WritePID(pidFilePath(cfg), os.Getpid()); err != nil {
			return err
		}
		defer func() { _ = lockfile.Remove(pidFilePath(cfg)) }()

		store, err := sqlite.New(cmd.Context(), cfg.Database.Path)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		resolver := config.NewResolverWith(cfg)
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		jan := janitor.New(store, resolver)
		janDone := make(chan struct{})
		go func() {
			jan.Run(ctx)
			close(janDone)
		}()

		srv := httpapi.New(store, resolver)
		srv.Production = prod
		logger.Info().
			Str("version", buildinfo.Version).
			Str("db", store.Path()).
			Int("pid", os.Getpid()).
			Msg("sparkq starting")

		err = srv.Run(ctx)
		stop()
		<-janDone
		logger.Info().Msg("sparkq stopped")
		return err
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running sparkq server",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := activeConfig()
		if err != nil {
			return err
		}
		pid, err := lockfile.ReadPID(pidFilePath(cfg))
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("no pid file at %s; is the server running?", pidFilePath(cfg))
			}
			return err
		}
		if !lockfile.IsAlive(pid) {
			_ = lockfile.Remove(pidFilePath(cfg))
			return fmt.Errorf("recorded pid %d is not running; removed stale pid file", pid)
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}

		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			if !lockfile.IsAlive(pid) {
				fmt.Printf("Stopped sparkq server (pid %d)\n", pid)
				return nil
			}
			time.Sleep(200 * time.Millisecond)
		}
		return fmt.Errorf("server (pid %d) did not exit within 15s", pid)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report server liveness and build version",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := activeConfig()
		if err != nil {
			return err
		}

		st := struct {
			Running bool   `json:"running"`
			PID     int    `json:"pid,omitempty"`
			Version string `json:"version,omitempty"`
			BaseURL string `json:"base_url"`
			DB      string `json:"db"`
		}{BaseURL: cfg.QueueRunner.BaseURL, DB: cfg.Database.Path}

		if pid, err := lockfile.ReadPID(pidFilePath(cfg)); err == nil && lockfile.IsAlive(pid) {
			st.Running = true
			st.PID = pid
		}
		if st.Running {
			ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
			defer cancel()
			if v, err := apiClient(cfg).Version(ctx); err == nil {
				st.Version = v
			}
		}

		if flagJSON {
			return printJSON(st)
		}
		if !st.Running {
			fmt.Println("sparkq server: not running")
			return nil
		}
		fmt.Printf("sparkq server: running (pid %d)\n", st.PID)
		if st.Version != "" {
			fmt.Printf("  version: %s\n", st.Version)
		}
		fmt.Printf("  api:     %s\n", st.BaseURL)
		fmt.Printf("  db:      %s\n", st.DB)
		return nil
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Ask the running server to re-read its configuration",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := activeConfig()
		if err != nil {
			return err
		}
		if err := apiClient(cfg).Reload(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Configuration reloaded")
		return nil
	},
}

func init() {
	runCmd.Flags().String("log-file", "auto", `server log path ("auto" = <data-dir>/sparkq.log, "" = console)`)
	runCmd.Flags().Bool("production", false, "enable production cache policy and build probe")
	rootCmd.AddCommand(setupCmd, runCmd, stopCmd, statusCmd, reloadCmd)
}
