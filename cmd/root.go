package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	projectFlag string
	teamFlag    string
	verbose     bool

	// Package-level version info, set by Execute().
	appVersion string
	appCommit  string
	appDate    string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	appVersion = version
	appCommit = commit
	appDate = date

	rootCmd := &cobra.Command{
		Use:   "toolgate",
		Short: "Permission gate for AI coding assistant tool calls",
		Long: "toolgate sits between a coding assistant and its tools: every tool call\n" +
			"is checked against cached decisions, role path policy, similarity to past\n" +
			"verdicts, a supervisor model, and finally a human queue.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// The hook response goes to stdout; logs must stay on stderr.
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if teamFlag == "" {
				teamFlag = os.Getenv("TOOLGATE_TEAM_ID")
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&projectFlag, "project", "C", ".", "project directory (the .toolgate root is discovered from here)")
	rootCmd.PersistentFlags().StringVar(&teamFlag, "team", "", "team id scoping shared runtime files (default $TOOLGATE_TEAM_ID)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging on stderr")

	rootCmd.AddCommand(newCheckCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newSessionCmd())
	rootCmd.AddCommand(newQueueCmd())
	rootCmd.AddCommand(newOverrideCmd())
	rootCmd.AddCommand(newPromoteCmd())
	rootCmd.AddCommand(newInvalidateCmd())
	rootCmd.AddCommand(newBuildCmd())
	rootCmd.AddCommand(newStatsCmd())
	rootCmd.AddCommand(newMonitorCmd())
	rootCmd.AddCommand(newScanCmd())
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("toolgate %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
