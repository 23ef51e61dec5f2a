package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
)

var startIdentity string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a new intake session",
	Long: `Start a new intake session in the Started state.

The contact identity (an email address) is optional at creation, but
recovery is unavailable until the session has one.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startIdentity, "identity", "", "Contact identity (email) for recovery")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	session, err := engine.StartSession(ctx, startIdentity)
	if err != nil {
		return printer.Error("Failed to start session", err.Error(), nil)
	}

	printer.Success("Session started\n")
	printer.Printf("  ID:      %s\n", session.ID)
	printer.Printf("  Status:  %s\n", session.Status)
	printer.Printf("  Phase:   %s\n", session.Progress.CurrentPhase)
	printer.Printf("  Expires: %s\n", session.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"))
	if startIdentity == "" {
		printer.Warning("No contact identity attached: recovery is unavailable for this session\n")
	}

	return nil
}
