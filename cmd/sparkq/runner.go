package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkq-dev/sparkq/internal/lockfile"
	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/runner"
)

var runnerCmd = &cobra.Command{
	Use:   "runner <queue>",
	Short: "Attach a queue runner that polls, claims and reports tasks",
	Long: `Attach a runner to one queue. The runner polls the server, claims the
oldest queued task, streams its prompt block to stdout, and reads one JSON
outcome document from stdin per task. One runner per queue is enforced
with a pid lockfile.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetInt("poll-interval")

		cfg, err := activeConfig()
		if err != nil {
			return err
		}
		if err := cfg.EnsureDataDir(); err != nil {
			return err
		}
		if interval <= 0 {
			interval = cfg.QueueRunner.PollInterval
		}
		log.Init(log.Config{Level: log.InfoLevel})

		client := apiClient(cfg)
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		q, err := runner.ResolveQueue(ctx, client, args[0])
		if err != nil {
			return err
		}

		lock, err := lockfile.AcquireRunner(cfg.DataDir(), q.Name)
		if err != nil {
			return err
		}
		defer func() { _ = lock.Release() }()

		fmt.Printf("Runner attached to queue %s (%s), polling every %ds\n",
			q.Name, q.ID, interval)
		r := runner.New(client, q, &runner.OperatorExecutor{In: os.Stdin},
			time.Duration(interval)*time.Second, os.Stdout)
		return r.Run(ctx)
	},
}

func init() {
	runnerCmd.Flags().Int("poll-interval", 0, "seconds between polls (default: queue_runner.poll_interval)")
	rootCmd.AddCommand(runnerCmd)
}
