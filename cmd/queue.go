package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and answer pending permission decisions",
	}
	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueRespondCmd("approve", decision.Allow))
	cmd.AddCommand(newQueueRespondCmd("deny", decision.Deny))
	return cmd
}

func newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List pending decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := queue.New(teamFlag)
			pending, err := q.ListPending()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				fmt.Println("No pending decisions.")
				return nil
			}
			for _, p := range pending {
				marker := ""
				if p.IsAskReprompt {
					marker = " (re-prompt)"
				}
				fmt.Printf("ID: %s%s\n  Role: %s\n  Tool: %s\n  Input: %s\n  File: %s\n  Queued: %s\n",
					p.ID, marker, p.Role, p.ToolName,
					truncate(p.SanitizedInput, 80), orDash(p.FilePath),
					p.QueuedAt.Format("2006-01-02 15:04:05"))
				if p.Recommendation != "" {
					fmt.Printf("  Supervisor: %s\n", p.Recommendation)
				}
				fmt.Println()
			}
			fmt.Printf("%d pending decision(s)\n", len(pending))
			return nil
		},
	}
}

// newQueueRespondCmd builds approve and deny; they differ only in the
// decision they record.
func newQueueRespondCmd(verb string, d decision.Decision) *cobra.Command {
	var (
		alwaysAsk bool
		addRule   bool
		scope     string
	)

	cmd := &cobra.Command{
		Use:   verb + " <id>",
		Short: capitalize(verb) + " a pending decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ruleScope decision.ScopeLevel
			if addRule {
				parsed, err := decision.ParseScope(scope)
				if err != nil {
					return err
				}
				ruleScope = parsed
			}

			q := queue.New(teamFlag)
			if err := q.Respond(args[0], queue.Response{
				Decision:  d,
				AlwaysAsk: alwaysAsk,
				AddRule:   addRule,
				RuleScope: ruleScope,
			}); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "toolgate: %s %s\n", pastTense(verb), args[0])
			if alwaysAsk {
				fmt.Fprintln(os.Stderr, "  (cached as ask; will always prompt)")
			}
			if addRule {
				fmt.Fprintf(os.Stderr, "  (added as persistent rule at scope %q)\n", scope)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&alwaysAsk, "always-ask", false, "cache as ask so every future match prompts")
	cmd.Flags().BoolVar(&addRule, "add-rule", false, "also codify the answer as an override rule")
	cmd.Flags().StringVar(&scope, "scope", "project", "scope for --add-rule: role, user, project, or org")
	return cmd
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

func pastTense(verb string) string {
	if verb == "deny" {
		return "denied"
	}
	return verb + "d"
}
