package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashureev/insight-wizard/internal/store"
)

func newSessionsCmd() *cobra.Command {
	sessions := &cobra.Command{Use: "sessions", Short: "Inspect persisted analysis sessions"}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list <owner-id>",
		Short: "List sessions started by an owner, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			out, err := repo.ListByOwner(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(out)
		},
	}
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of sessions")

	getCmd := &cobra.Command{
		Use:   "get <session-id>",
		Short: "Show one session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := openStore()
			if err != nil {
				return err
			}
			defer func() { _ = repo.Close() }()

			session, err := repo.Load(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("session %s: %w", args[0], err)
			}
			return printJSON(session)
		},
	}

	sessions.AddCommand(listCmd, getCmd)
	return sessions
}

func openStore() (store.SessionStore, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openSessionStore(cfg.DBPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
