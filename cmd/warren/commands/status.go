package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/intake"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session and its computed progress",
	Long: `Show a session's lifecycle state and the progress view computed
from its collected fields: percentage, current phase, and the time
estimate adjusted for the user's observed pace.

Use --json for machine-readable output.`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	session, progress, err := engine.Progress(ctx, args[0])
	if err != nil {
		return printer.Error("Failed to load session", err.Error(), nil)
	}

	if statusJSON {
		return outputStatusJSON(session, progress)
	}

	printer.Printf("Session %s\n", session.ID)
	printer.Printf("  Status:    %s\n", session.Status)
	printer.Printf("  Progress:  %s\n", printer.ProgressBar(progress.Percentage))
	printer.Printf("  Phase:     %s\n", progress.CurrentPhase)
	if progress.NextPhase != "" {
		printer.Printf("  Next:      %s\n", progress.NextPhase)
	}
	printer.Printf("  Remaining: ~%d min\n", progress.EstimatedMinutesRemaining)
	printer.Printf("  Fields:    %d collected\n", len(session.Progress.CompletedFields))
	printer.Printf("  Expires:   %s\n", session.ExpiresAt.UTC().Format("2006-01-02 15:04:05 UTC"))

	return nil
}

func outputStatusJSON(session *intake.Session, progress intake.Progress) error {
	payload := map[string]any{
		"session":  session,
		"progress": progress,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal status: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
