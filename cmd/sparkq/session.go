package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sparkq-dev/sparkq/internal/storage"
	"github.com/sparkq-dev/sparkq/internal/types"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage work sessions",
}

var sessionCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new session",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		desc, _ := cmd.Flags().GetString("description")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		sess := &types.Session{Name: args[0], Description: desc}
		if err := store.CreateSession(cmd.Context(), sess); err != nil {
			return err
		}
		if flagJSON {
			return printJSON(sess)
		}
		fmt.Printf("Created session %s (%s)\n", sess.Name, sess.ID)
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		sessions, err := store.ListSessions(cmd.Context(), storage.SessionFilter{Status: status})
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(sessions)
		}
		if len(sessions) == 0 {
			fmt.Println("No sessions")
			return nil
		}
		fmt.Printf("%-20s %-24s %-8s %-20s\n", "ID", "NAME", "STATUS", "STARTED")
		for _, s := range sessions {
			fmt.Printf("%-20s %-24s %-8s %-20s\n",
				s.ID, s.Name, s.Status, s.StartedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <name-or-id>",
	Short: "End a session (irreversible)",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		sess, err := resolveSession(cmd.Context(), store, args[0])
		if err != nil {
			return err
		}
		sess, err = store.EndSession(cmd.Context(), sess.ID)
		if err != nil {
			return err
		}
		if flagJSON {
			return printJSON(sess)
		}
		fmt.Printf("Ended session %s (%s) at %s\n", sess.Name, sess.ID, fmtTime(sess.EndedAt))
		return nil
	},
}

func init() {
	sessionCreateCmd.Flags().String("description", "", "session description")
	sessionListCmd.Flags().String("status", "", "filter by status (active, ended)")
	sessionCmd.AddCommand(sessionCreateCmd, sessionListCmd, sessionEndCmd)
	rootCmd.AddCommand(sessionCmd)
}
