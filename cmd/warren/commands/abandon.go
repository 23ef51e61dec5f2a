package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
)

var abandonCmd = &cobra.Command{
	Use:   "abandon <session-id>",
	Short: "Abandon a session",
	Long: `Mark a session as abandoned. Abandonment is terminal: the session
accepts no further events and cannot be recovered.

Repeating the command against an already-abandoned session is a no-op
success.`,
	Args: cobra.ExactArgs(1),
	RunE: runAbandon,
}

func init() {
	rootCmd.AddCommand(abandonCmd)
}

func runAbandon(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := engine.Abandon(ctx, args[0])
	if err != nil {
		return printer.Error("Failed to abandon session", err.Error(), nil)
	}

	printer.Success("Session %s is %s\n", session.ID, session.Status)
	return nil
}
