package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sparkq-dev/sparkq/internal/idgen"
	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/storage/sqlite"
	"github.com/sparkq-dev/sparkq/internal/types"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage task queues",
}

var queueCreateCmd = &cobra.Command{
	Use:   "create <session> <name>",
	Short: "Create a queue in a session",
	Args:  exactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		instructions, _ := cmd.Flags().GetString("instructions")
		profile, _ := cmd.Flags().GetString("model-profile")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		sess, err := resolveSession(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		q := &types.Queue{
			SessionID:    sess.ID,
			Name:         args[1],
			Instructions: instructions,
			ModelProfile: profile,
		}
		if err := store.CreateQueue(cmd.Context(), q); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(q)
		}
		fmt.Printf("Created queue %s (%s) in session %s\n", q.Name, q.ID, sess.Name)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queues",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionRef, _ := cmd.Flags().GetString("session")
		status, _ := cmd.Flags().GetString("status")
		includeArchived, _ := cmd.Flags().GetBool("include-archived")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		filter := storage.QueueFilter{Status: status, IncludeArchived: includeArchived}
		if sessionRef != "" {
			sess, err := resolveSession(cmd.Context(), store, sessionRef)
			if err != nil {
				return err
			}
			filter.SessionID = sess.ID
		}
		queues, err := store.ListQueues(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(queues)
		}
		if len(queues) == 0 {
			fmt.Println("No queues")
			return nil
		}
		fmt.Printf("%-20s %-24s %-10s %-20s\n", "ID", "NAME", "STATUS", "SESSION")
		for _, q := range queues {
			fmt.Printf("%-20s %-24s %-10s %-20s\n", q.ID, q.Name, q.Status, q.SessionID)
		}
		return nil
	},
}

// resolveQueueAny is resolveQueue but with archived queues visible, so
// unarchive can address its target by name.
func resolveQueueAny(ctx context.Context, store *sqlite.Store, ref, sessionRef string) (*types.Queue, error) {
	if idgen.Valid(ref, idgen.PrefixQueue) {
		return store.GetQueue(ctx, ref)
	}
	filter := storage.QueueFilter{IncludeArchived: true}
	if sessionRef != "" {
		sess, err := resolveSession(ctx, store, sessionRef)
		if err != nil {
			return nil, err
		}
		filter.SessionID = sess.ID
	}
	queues, err := store.ListQueues(ctx, filter)
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

// queueTransition wires end/archive/unarchive through one RunE shape.
func queueTransition(verb string, fn func(ctx context.Context, store *sqlite.Store, id string) (*types.Queue, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		sessionRef, _ := cmd.Flags().GetString("session")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		q, err := resolveQueueAny(cmd.Context(), store, args[0], sessionRef)
		if err != nil {
			return err
		}
		q, err = fn(cmd.Context(), store, q.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(q)
		}
		fmt.Printf("%s queue %s (%s); status now %s\n", verb, q.Name, q.ID, q.Status)
		return nil
	}
}

func init() {
	queueCreateCmd.Flags().String("instructions", "", "standing instructions streamed to runners")
	queueCreateCmd.Flags().String("model-profile", "", "model profile hint")

	queueListCmd.Flags().String("session", "", "limit to one session (name or id)")
	queueListCmd.Flags().String("status", "", "filter by status (active, ended, archived)")
	queueListCmd.Flags().Bool("include-archived", false, "include archived queues")

	queueEndCmd := &cobra.Command{
		Use:   "end <queue>",
		Short: "End a queue (stops new enqueues, keeps draining)",
		Args:  exactArgs(1),
		RunE: queueTransition("Ended", func(ctx context.Context, store *sqlite.Store, id string) (*types.Queue, error) {
			return store.EndQueue(ctx, id)
		}),
	}
	queueArchiveCmd := &cobra.Command{
		Use:   "archive <queue>",
		Short: "Archive a queue (hides it and frees its name)",
		Args:  exactArgs(1),
		RunE: queueTransition("Archived", func(ctx context.Context, store *sqlite.Store, id string) (*types.Queue, error) {
			return store.ArchiveQueue(ctx, id)
		}),
	}
	queueUnarchiveCmd := &cobra.Command{
		Use:   "unarchive <queue>",
		Short: "Restore an archived queue",
		Args:  exactArgs(1),
		RunE: queueTransition("Unarchived", func(ctx context.Context, store *sqlite.Store, id string) (*types.Queue, error) {
			return store.UnarchiveQueue(ctx, id)
		}),
	}
	for _, c := range []*cobra.Command{queueEndCmd, queueArchiveCmd, queueUnarchiveCmd} {
		c.Flags().String("session", "", "session scope when <queue> is a name")
	}

	queueCmd.AddCommand(queueCreateCmd, queueListCmd, queueEndCmd, queueArchiveCmd, queueUnarchiveCmd)
	rootCmd.AddCommand(queueCmd)
}
