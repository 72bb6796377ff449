package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <queue> <tool>",
	Short: "Enqueue a task on a queue",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload, _ := cmd.Flags().GetString("payload")
		class, _ := cmd.Flags().GetString("class")
		timeout, _ := cmd.Flags().GetInt("timeout")
		sessionRef, _ := cmd.Flags().GetString("session")

		store, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		q, err := resolveQueue(cmd.Context(), store, args[0], sessionRef)
		if err != nil {
			return err
		}

		t := &types.Task{
			QueueID:  q.ID,
			ToolName: args[1],
			Payload:  json.RawMessage(payload),
		}
		if class != "" {
			if !types.ValidTaskClass(class) {
				return types.Validationf("invalid_task_class", "unknown task class %q", class)
			}
			t.TaskClass = types.TaskClass(class)
		} else {
			t.TaskClass = cfg.ClassForTool(args[1])
		}
		if timeout > 0 {
			t.Timeout = timeout
		} else {
			t.Timeout, err = cfg.TimeoutFor(t.TaskClass)
			if err != nil {
				return err
			}
		}
		if err := store.EnqueueTask(cmd.Context(), t); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		fmt.Printf("Enqueued task %s (%s, %s, timeout %ds) on queue %s\n",
			t.ID, t.ToolName, t.TaskClass, t.Timeout, q.Name)
		return nil
	},
}

var peekCmd = &cobra.Command{
	Use:   "peek <queue>",
	Short: "Show the next queued task without claiming it",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionRef, _ := cmd.Flags().GetString("session")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		q, err := resolveQueue(cmd.Context(), store, args[0], sessionRef)
		if err != nil {
			return err
		}
		t, err := store.NextQueuedTask(cmd.Context(), q.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		printTaskDetail(t)
		return nil
	},
}

var claimCmd = &cobra.Command{
	Use:   "claim <task-or-queue>",
	Short: "Claim a specific task, or the oldest queued task of a queue",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionRef, _ := cmd.Flags().GetString("session")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		var t *types.Task
		if idgen.Valid(args[0], idgen.PrefixTask) {
			t, err = store.ClaimTask(cmd.Context(), args[0])
		} else {
			var q *types.Queue
			q, err = resolveQueue(cmd.Context(), store, args[0], sessionRef)
			if err != nil {
				return err
			}
			t, err = store.ClaimNext(cmd.Context(), q.ID)
		}
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		fmt.Printf("Claimed task %s (%s, attempt %d)\n", t.ID, t.ToolName, t.Attempts)
		return nil
	},
}

var completeCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Mark a running task as succeeded",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, _ := cmd.Flags().GetString("summary")
		result, _ := cmd.Flags().GetString("result")
		stdout, _ := cmd.Flags().GetString("stdout")
		stderr, _ := cmd.Flags().GetString("stderr")

		var raw json.RawMessage
		switch {
		case result != "":
			raw = json.RawMessage(result)
		case summary != "":
			body, err := json.Marshal(map[string]string{"summary": summary})
			if err != nil {
				return err
			}
			raw = body
		default:
			return types.Validationf("missing_result", "pass --summary or --result")
		}

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		t, err := store.CompleteTask(cmd.Context(), args[0], raw, stdout, stderr)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		fmt.Printf("Completed task %s at %s\n", t.ID, fmtTime(t.FinishedAt))
		return nil
	},
}

var failCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a running task as failed",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		errMsg, _ := cmd.Flags().GetString("error")
		stdout, _ := cmd.Flags().GetString("stdout")
		stderr, _ := cmd.Flags().GetString("stderr")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		t, err := store.FailTask(cmd.Context(), args[0], errMsg, stdout, stderr)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		fmt.Printf("Failed task %s: %s\n", t.ID, t.Error)
		return nil
	},
}

var requeueCmd = &cobra.Command{
	Use:   "requeue <task-id>",
	Short: "Copy a failed task back onto its queue as a fresh attempt",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		t, err := store.RequeueTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		fmt.Printf("Requeued as task %s (from %s)\n", t.ID, args[0])
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task <task-id>",
	Short: "Show one task in full",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		t, err := store.GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(t)
		}
		printTaskDetail(t)
		return nil
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks with filtering, sorting and pagination",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		queueRef, _ := cmd.Flags().GetString("queue")
		sessionRef, _ := cmd.Flags().GetString("session")
		status, _ := cmd.Flags().GetString("status")
		class, _ := cmd.Flags().GetString("class")
		tool, _ := cmd.Flags().GetString("tool")
		cursor, _ := cmd.Flags().GetString("cursor")
		sortBy, _ := cmd.Flags().GetString("sort")
		sortDir, _ := cmd.Flags().GetString("dir")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		req := storage.TaskListRequest{
			Status:    status,
			TaskClass: class,
			ToolName:  tool,
			Cursor:    cursor,
			SortBy:    sortBy,
			SortDir:   sortDir,
		}
		if queueRef != "" {
			q, err := resolveQueue(cmd.Context(), store, queueRef, sessionRef)
			if err != nil {
				return err
			}
			req.QueueID = q.ID
		}
		if cmd.Flags().Changed("limit") {
			limit, _ := cmd.Flags().GetInt("limit")
			req.Limit = &limit
		}
		if cmd.Flags().Changed("offset") {
			offset, _ := cmd.Flags().GetInt("offset")
			req.Offset = &offset
		}

		page, err := store.ListTasks(cmd.Context(), req)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(page)
		}
		if len(page.Items) == 0 {
			fmt.Println("No tasks")
			return nil
		}
		fmt.Printf("%-21s %-18s %-14s %-10s %-3s %-20s\n",
			"ID", "TOOL", "CLASS", "STATUS", "ATT", "CREATED")
		for _, t := range page.Items {
			fmt.Printf("%-21s %-18s %-14s %-10s %-3d %-20s\n",
				t.ID, t.ToolName, t.TaskClass, t.Status, t.Attempts,
				t.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		if page.TotalCount != nil {
			fmt.Printf("\n%d of %d task(s)\n", len(page.Items), *page.TotalCount)
		}
		if page.NextCursor != "" {
			fmt.Printf("next: --cursor %s\n", page.NextCursor)
		}
		return nil
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete old succeeded and failed tasks",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		days := cfg.Purge.OlderThanDays
		if cmd.Flags().Changed("older-than-days") {
			days, _ = cmd.Flags().GetInt("older-than-days")
		}
		if days < 0 {
			return types.Validationf("invalid_older_than_days", "older-than-days must be >= 0")
		}
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		deleted, err := store.PurgeTerminal(cmd.Context(), cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d terminal task(s) created before %s\n",
			deleted, cutoff.Format(time.RFC3339))
		return nil
	},
}

func printTaskDetail(t *types.Task) {
	fmt.Printf("Task:     %s\n", t.ID)
	if t.QueueName != "" {
		fmt.Printf("Queue:    %s (%s)\n", t.QueueName, t.QueueID)
	} else {
		fmt.Printf("Queue:    %s\n", t.QueueID)
	}
	fmt.Printf("Tool:     %s (%s, timeout %ds)\n", t.ToolName, t.TaskClass, t.Timeout)
	fmt.Printf("Status:   %s (attempt %d)\n", t.Status, t.Attempts)
	fmt.Printf("Created:  %s\n", t.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Claimed:  %s\n", fmtTime(t.ClaimedAt))
	fmt.Printf("Finished: %s\n", fmtTime(t.FinishedAt))
	if len(t.Payload) > 0 && string(t.Payload) != "{}" {
		fmt.Printf("Payload:  %s\n", t.Payload)
	}
	if len(t.Result) > 0 {
		fmt.Printf("Result:   %s\n", t.Result)
	}
	if t.Error != "" {
		fmt.Printf("Error:    %s\n", t.Error)
	}
}

func init() {
	enqueueCmd.Flags().String("payload", "{}", "JSON payload passed to the runner")
	enqueueCmd.Flags().String("class", "", "task class (default: from tool mapping)")
	enqueueCmd.Flags().Int("timeout", 0, "timeout in seconds (default: from task class)")

	tasksCmd.Flags().String("queue", "", "filter by queue (name or id)")
	tasksCmd.Flags().String("status", "", "filter by status")
	tasksCmd.Flags().String("class", "", "filter by task class")
	tasksCmd.Flags().String("tool", "", "filter by tool name")
	tasksCmd.Flags().Int("limit", storage.DefaultLimit, "page size (max 500)")
	tasksCmd.Flags().Int("offset", 0, "offset paging (mutually exclusive with --cursor)")
	tasksCmd.Flags().String("cursor", "", "resume from a cursor of a previous page")
	tasksCmd.Flags().String("sort", "", "sort key (created_at, started_at, finished_at, status, queue_name)")
	tasksCmd.Flags().String("dir", "", "sort direction (asc, desc)")

	completeCmd.Flags().String("summary", "", "one-line result summary")
	completeCmd.Flags().String("result", "", `full result JSON (must carry "summary")`)
	completeCmd.Flags().String("stdout", "", "captured stdout")
	completeCmd.Flags().String("stderr", "", "captured stderr")

	failCmd.Flags().String("error", "", "failure message (required)")
	failCmd.Flags().String("stdout", "", "captured stdout")
	failCmd.Flags().String("stderr", "", "captured stderr")

	purgeCmd.Flags().Int("older-than-days", 0, "age threshold in days (default: purge.older_than_days)")

	for _, c := range []*cobra.Command{enqueueCmd, peekCmd, claimCmd, tasksCmd} {
		c.Flags().String("session", "", "session scope when --queue or <queue> is a name")
	}

	rootCmd.AddCommand(enqueueCmd, peekCmd, claimCmd, completeCmd, failCmd,
		requeueCmd, taskCmd, tasksCmd, purgeCmd)
}
