package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/orchestrator"
	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/recovery"
)

var recoverCmd = &cobra.Command{
	Use:   "recover <session-id>",
	Short: "Request a recovery token for a session",
	Long: `Request a one-time recovery token for a session, as the flow
triggered when a user returns on a new device.

The token is delivered to the session's contact identity and works
exactly once within its lifetime. Requests are rate limited per
identity.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecover,
}

func init() {
	rootCmd.AddCommand(recoverCmd)
}

func runRecover(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	engine, cleanup, err := buildEngine(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := engine.RequestRecovery(ctx, args[0]); err != nil {
		var rateLimited *recovery.RateLimitedError
		switch {
		case errors.As(err, &rateLimited):
			return printer.Error(
				"Too many recovery requests",
				fmt.Sprintf("The quota for this identity is exhausted. Retry after %s.",
					rateLimited.RetryAfter.Round(time.Second)),
				nil,
			)
		case errors.Is(err, orchestrator.ErrNoContactIdentity):
			return printer.Error(
				"No contact identity",
				"This session has no contact identity, so there is nowhere to send a token.",
				nil,
			)
		case errors.Is(err, orchestrator.ErrSessionExpired):
			return printer.Error("Session expired", "This session timed out from inactivity.", nil)
		case errors.Is(err, orchestrator.ErrSessionClosed):
			return printer.Error("Session closed", "This session no longer accepts events.", nil)
		default:
			return printer.Error("Failed to request recovery", err.Error(), nil)
		}
	}

	printer.Success("Recovery token dispatched to the session's contact identity\n")
	return nil
}
