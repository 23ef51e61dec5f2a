package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/warren/internal/printer"
	"github.com/dyluth/warren/internal/store"
	"github.com/dyluth/warren/internal/timespec"
	"github.com/dyluth/warren/pkg/intake"
)

var (
	listStatus string
	listSince  string
	listUntil  string
	listJSON   bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List intake sessions",
	Long: `List sessions from the durable store, newest first.

Filter by lifecycle status and by creation time. Time bounds accept a
Go duration relative to now ("24h" means 24 hours ago) or an RFC3339
timestamp.

Use --json for machine-readable output.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVar(&listStatus, "status", "", "Filter by status (e.g. in_progress, abandoned)")
	listCmd.Flags().StringVar(&listSince, "since", "", "Only sessions created after this time")
	listCmd.Flags().StringVar(&listUntil, "until", "", "Only sessions created before this time")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "Output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	now := time.Now()

	filter := store.ListFilter{}
	if listStatus != "" {
		status := intake.SessionStatus(listStatus)
		if err := status.Validate(); err != nil {
			return printer.Error("Invalid status filter", err.Error(), nil)
		}
		filter.Status = status
	}

	since, until, err := timespec.ParseRange(listSince, listUntil, now)
	if err != nil {
		return printer.Error("Invalid time range", err.Error(), nil)
	}
	filter.CreatedSince = since
	filter.CreatedUntil = until

	sessions, err := buildSessionStore()
	if err != nil {
		return err
	}
	defer sessions.Close()

	found, err := sessions.List(ctx, filter)
	if err != nil {
		return printer.Error("Failed to list sessions", err.Error(), nil)
	}

	if len(found) == 0 {
		if listJSON {
			fmt.Println("[]")
		} else {
			printer.Println("No sessions found.")
		}
		return nil
	}

	if listJSON {
		data, err := json.MarshalIndent(found, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal sessions: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	outputSessionTable(found, now)
	return nil
}

func outputSessionTable(sessions []*intake.Session, now time.Time) {
	fmt.Printf("%-38s %-20s %-10s %-10s %s\n", "ID", "STATUS", "PROGRESS", "AGE", "EXPIRES")

	for _, session := range sessions {
		expires := "-"
		if !session.Status.IsTerminal() {
			if remaining := session.ExpiresAt.Sub(now); remaining > 0 {
				expires = "in " + formatDuration(remaining)
			} else {
				expires = "overdue"
			}
		}

		fmt.Printf("%-38s %-20s %-10s %-10s %s\n",
			session.ID,
			session.Status,
			fmt.Sprintf("%d%%", session.Progress.LastPercentage),
			formatDuration(now.Sub(session.CreatedAt)),
			expires,
		)
	}
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)

	hours := d / time.Hour
	d -= hours * time.Hour

	minutes := d / time.Minute
	d -= minutes * time.Minute

	seconds := d / time.Second

	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	} else if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	} else {
		return fmt.Sprintf("%ds", seconds)
	}
}
