package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/sparkq-dev/sparkq/internal/log"
	"github.com/sparkq-dev/sparkq/internal/types"
)

// reportBudget bounds the total wall-clock time spent retrying a
// terminal report. Past it the runner gives up and leaves the task for
// server-side auto-fail.
const reportBudget = 2 * time.Minute

// Outcome is the captured terminal result of one task execution.
type Outcome struct {
	// Result must carry a summary for success; Err non-empty marks failure.
	Result json.RawMessage
	Err    string
	Stdout string
	Stderr string
	// Continuation optionally updates the queue's continuation token.
	Continuation string
}

// Executor turns a claimed task into an Outcome. The runner itself never
// executes user code; executors bridge to whatever does.
type Executor interface {
	Execute(ctx context.Context, task *types.Task, queue *types.Queue) (*Outcome, error)
}

// Runner drains one queue: poll, claim, hand to the executor, report.
type Runner struct {
	client   *Client
	queue    *types.Queue
	executor Executor
	interval time.Duration
	out      io.Writer
	logger   zerolog.Logger
}

// New builds a runner bound to queue.
func New(client *Client, queue *types.Queue, executor Executor, interval time.Duration, out io.Writer) *Runner {
	return &Runner{
		client:   client,
		queue:    queue,
		executor: executor,
		interval: interval,
		out:      out,
		logger:   log.WithComponent("runner").With().Str("queue", queue.Name).Logger(),
	}
}

// ResolveQueue finds the single non-archived queue with this name or id.
// The same name may exist in several sessions; that ambiguity is an
// error rather than a guess.
func ResolveQueue(ctx context.Context, client *Client, nameOrID string) (*types.Queue, error) {
	queues, err := client.Queues(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*types.Queue
	for _, q := range queues {
		if q.ID == nameOrID {
			return q, nil
		}
		if q.Name == nameOrID {
			matches = append(matches, q)
		}
	}
	switch len(matches) {
	case 0:
		return nil, types.NotFoundf("queue_not_found", "no queue named %q", nameOrID)
	case 1:
		return matches[0], nil
	default:
		return nil, types.Conflictf("ambiguous_queue",
			"%d queues named %q exist; use the queue id", len(matches), nameOrID)
	}
}

// Run polls until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Str("queue_id", r.queue.ID).Dur("interval", r.interval).Msg("runner started")
	for {
		if err := r.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Warn().Err(err).Msg("poll failed")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.interval):
		}
	}
}

// pollOnce runs one iteration of the poll loop: discover, claim,
// execute, report. An empty queue or a lost claim race is not an error.
func (r *Runner) pollOnce(ctx context.Context) error {
	next, err := r.client.NextTask(ctx, r.queue.ID)
	if err != nil {
		if types.IsNotFound(err) {
			return nil
		}
		return err
	}

	task, err := r.client.Claim(ctx, next.ID)
	if err != nil {
		if types.IsNotFound(err) {
			r.logger.Debug().Str("task", next.ID).Msg("lost claim race")
			return nil
		}
		return err
	}
	r.logger.Info().Str("task", task.ID).Str("tool", task.ToolName).Msg("claimed task")

	r.streamPrompt(task)

	outcome, err := r.executor.Execute(ctx, task, r.queue)
	if err != nil {
		outcome = &Outcome{Err: fmt.Sprintf("executor error: %v", err)}
	}

	if outcome.Continuation != "" && outcome.Continuation != r.queue.CodexSessionID {
		if err := r.client.SaveContinuation(ctx, r.queue.ID, outcome.Continuation); err != nil {
			r.logger.Warn().Err(err).Msg("could not save continuation token")
		} else {
			r.queue.CodexSessionID = outcome.Continuation
		}
	}

	return r.report(ctx, task.ID, outcome)
}

// report delivers the outcome with bounded exponential backoff. A
// permanent (domain) rejection stops retrying immediately; only network
// and Busy errors are worth repeating.
func (r *Runner) report(ctx context.Context, taskID string, outcome *Outcome) error {
	op := func() error {
		var err error
		if outcome.Err != "" {
			err = r.client.Fail(ctx, taskID, outcome.Err, outcome.Stdout, outcome.Stderr)
		} else {
			err = r.client.Complete(ctx, taskID, outcome.Result, outcome.Stdout, outcome.Stderr)
		}
		if err == nil {
			return nil
		}
		switch types.KindOf(err) {
		case types.KindValidation, types.KindNotFound, types.KindConflict:
			return backoff.Permanent(err)
		default:
			return err
		}
	}

	policy := backoff.WithContext(
		backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(reportBudget)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		r.logger.Error().Err(err).Str("task", taskID).
			Msg("report failed; leaving task for server-side auto-fail")
		return err
	}
	r.logger.Info().Str("task", taskID).Bool("failed", outcome.Err != "").Msg("task reported")
	return nil
}

// streamPrompt writes the operator-facing task block: identifier, tool,
// queue context and the pretty-printed payload.
func (r *Runner) streamPrompt(task *types.Task) {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, task.Payload, "  ", "  "); err != nil {
		pretty.Reset()
		pretty.Write(task.Payload)
	}

	fmt.Fprintf(r.out, "==== sparkq task ====\n")
	fmt.Fprintf(r.out, "Task:  %s\n", task.ID)
	fmt.Fprintf(r.out, "Tool:  %s (%s, timeout %ds, attempt %d)\n",
		task.ToolName, task.TaskClass, task.Timeout, task.Attempts)
	fmt.Fprintf(r.out, "Queue: %s\n", r.queue.Name)
	if r.queue.Instructions != "" {
		fmt.Fprintf(r.out, "Instructions:\n  %s\n",
			strings.ReplaceAll(r.queue.Instructions, "\n", "\n  "))
	}
	fmt.Fprintf(r.out, "Payload:\n  %s\n", pretty.String())
	fmt.Fprintf(r.out, "=====================\n")
}
