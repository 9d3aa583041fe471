package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build",
		Short: "Rebuild similarity indexes from the decision store",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "toolgate: rebuilding indexes...")
			if err := g.runner.RebuildIndexes(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "toolgate: index rebuild complete")
			return nil
		},
	}
}

func newInvalidateCmd() *cobra.Command {
	var (
		role string
		all  bool
	)

	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Clear cached decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && role == "" {
				return fmt.Errorf("specify --role <role> or --all")
			}
			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				if err := g.runner.InvalidateAll(); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "toolgate: cleared all cached decisions")
				return nil
			}
			if err := g.runner.InvalidateRole(cmd.Context(), role); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "toolgate: cleared decisions for role %q\n", role)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "clear decisions for one role")
	cmd.Flags().BoolVar(&all, "all", false, "clear every decision at every scope")
	return cmd
}

func newStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache contents and decision distribution",
		RunE: func(cmd *cobra.Command, args []string) error {
			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			stats := g.runner.CacheStats()

			fmt.Println("toolgate statistics")
			fmt.Println("===================")
			fmt.Printf("Total cached decisions: %d\n", stats.TotalEntries)
			fmt.Printf("  Allow: %d\n", stats.AllowEntries)
			fmt.Printf("  Deny:  %d\n", stats.DenyEntries)
			fmt.Printf("  Ask:   %d\n", stats.AskEntries)
			fmt.Println()

			tierCounts := map[decision.Tier]int{}
			roleCounts := map[string]int{}
			toolCounts := map[string]int{}
			for _, s := range decision.Levels() {
				records, err := g.storage.Load(s)
				if err != nil {
					return err
				}
				for _, rec := range records {
					tierCounts[rec.Metadata.Tier]++
					roleCounts[rec.Key.Role]++
					toolCounts[rec.Key.Tool]++
				}
			}

			fmt.Println("By tier:")
			for tier, count := range tierCounts {
				fmt.Printf("  %s: %d\n", tier, count)
			}
			fmt.Println("\nBy role:")
			for role, count := range roleCounts {
				fmt.Printf("  %s: %d\n", role, count)
			}
			fmt.Println("\nBy tool:")
			for tool, count := range toolCounts {
				fmt.Printf("  %s: %d\n", tool, count)
			}
			return nil
		},
	}
}
