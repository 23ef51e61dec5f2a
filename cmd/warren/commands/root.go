package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "warren",
	Short: "Warren - Session lifecycle and recovery engine",
	Long: `Warren is the session lifecycle and recovery engine behind a
conversational onboarding flow: it tracks multi-phase intake sessions,
computes monotonic progress, and re-attaches returning users to their
session via one-time recovery tokens.

Sessions live in SQLite; recovery tokens and rate-limit counters live
in Redis with TTLs doing the cleanup.`,
	Version: version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}
