package commands

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/pkg/intake"
)

var (
	submitConfidence float64
	submitClarify    bool
)

var submitCmd = &cobra.Command{
	Use:   "submit <session-id> <field>",
	Short: "Record an extracted field on a session",
	Long: `Record a single extracted field on a session, as the conversation
layer would after interpreting a user message.

Use --clarify to signal an ambiguous answer: the same field is asked
again and nothing is recorded.`,
	Args: cobra.ExactArgs(2),
	RunE: runSubmit,
}

func init() {
	submitCmd.Flags().Float64Var(&submitConfidence, "confidence", 1.0, "Extraction confidence (0..1)")
	submitCmd.Flags().BoolVar(&submitClarify, "clarify", false, "Signal an ambiguous extraction")
	rootCmd.AddCommand(submitCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	sessionID, field := args[0], args[1]

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	result, err := engine.SubmitField(ctx, sessionID, intake.Extraction{
		Field:              intake.FieldName(field),
		Confidence:         submitConfidence,
		NeedsClarification: submitClarify,
	})
	if err != nil {
		return submitError(err)
	}

	if result.NeedsClarification {
		printer.Warning("Answer was ambiguous, asking again\n")
	} else {
		printer.Success("Recorded %s\n", field)
	}

	printer.Printf("  Progress: %s\n", printer.ProgressBar(result.Progress.Percentage))
	printer.Printf("  Phase:    %s\n", result.Progress.CurrentPhase)
	if result.PhaseComplete {
		printer.Step("Phase %s complete\n", result.CompletedPhase)
	}
	if result.NextQuestion != nil {
		printer.Printf("  Next:     %s\n", result.NextQuestion.Prompt)
	} else {
		printer.Step("All required fields collected\n")
	}

	return nil
}

func submitError(err error) error {
	switch {
	case errors.Is(err, orchestrator.ErrSessionExpired):
		return printer.Error("Session expired", "This session timed out from inactivity.", nil)
	case errors.Is(err, orchestrator.ErrSessionClosed):
		return printer.Error("Session closed", "This session no longer accepts events.", nil)
	case errors.Is(err, orchestrator.ErrTransient):
		return printer.Error("Temporary contention", err.Error(), []string{"Try the same command again"})
	default:
		return printer.Error("Failed to record field", err.Error(), nil)
	}
}
