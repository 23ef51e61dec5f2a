package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/recovery"
)

var resumeCmd = &cobra.Command{
	Use:   "resume <token>",
	Short: "Resume a session with a recovery token",
	Long: `Present a recovery token and re-attach to the session it was
issued for. The token is consumed atomically: a second attempt with the
same token fails, whoever made it.

On success a fresh signed credential is printed; previously issued
credentials for the session stay valid.`,
	Args: cobra.ExactArgs(1),
	RunE: runResume,
}

func init() {
	rootCmd.AddCommand(resumeCmd)
}

func runResume(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := engine.Resume(ctx, args[0])
	if err != nil {
		switch {
		case errors.Is(err, recovery.ErrTokenInvalid):
			return printer.Error(
				"Invalid recovery token",
				"The token is unknown, expired, or already used.",
				[]string{"Request a fresh token with 'warren recover'"},
			)
		case errors.Is(err, orchestrator.ErrSessionExpired):
			return printer.Error("Session expired", "This session timed out from inactivity.", nil)
		case errors.Is(err, orchestrator.ErrSessionClosed):
			return printer.Error("Session closed", "This session no longer accepts events.", nil)
		default:
			return printer.Error("Failed to resume session", err.Error(), nil)
		}
	}

	printer.Success("Session resumed\n")
	printer.Printf("  ID:         %s\n", result.Session.ID)
	printer.Printf("  Status:     %s\n", result.Session.Status)
	printer.Printf("  Progress:   %s\n", printer.ProgressBar(result.Progress.Percentage))
	printer.Printf("  Phase:      %s\n", result.Progress.CurrentPhase)
	printer.Printf("  Credential: %s\n", result.Credential)

	return nil
}
