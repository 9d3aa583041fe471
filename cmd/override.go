package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

func newOverrideCmd() *cobra.Command {
	var (
		role    string
		tool    string
		command string
		allow   bool
		deny    bool
		ask     bool
		scope   string
		reason  string
	)

	cmd := &cobra.Command{
		Use:   "override",
		Short: "Set an explicit permission rule checked before every tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			var d decision.Decision
			switch {
			case allow:
				d = decision.Allow
			case deny:
				d = decision.Deny
			case ask:
				d = decision.Ask
			default:
				return fmt.Errorf("must specify --allow, --deny, or --ask")
			}

			scopeLevel, err := decision.ParseScope(scope)
			if err != nil {
				return err
			}

			input := command
			if input == "" {
				if tool == "" {
					return fmt.Errorf("must specify --command or --tool")
				}
				input = "tool:" + tool
			}
			toolName := tool
			if toolName == "" {
				toolName = decision.WildcardRole
			}

			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			key := decision.CacheKey{
				SanitizedInput: g.runner.Sanitize(input),
				Tool:           toolName,
				Role:           role,
			}
			if reason == "" {
				reason = fmt.Sprintf("explicit override: %s for role=%s, tool=%s", d, role, toolName)
			}
			if err := g.runner.AddOverride(key, d, scopeLevel, reason); err != nil {
				return err
			}

			fmt.Fprintf(os.Stderr, "toolgate: override set -- %s %s for role %q at scope %q\n",
				d, toolName, role, scope)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", decision.WildcardRole, "role the rule applies to (default every role)")
	cmd.Flags().StringVar(&tool, "tool", "", "tool name the rule applies to")
	cmd.Flags().StringVar(&command, "command", "", "exact command the rule matches")
	cmd.Flags().BoolVar(&allow, "allow", false, "rule decision: allow")
	cmd.Flags().BoolVar(&deny, "deny", false, "rule decision: deny")
	cmd.Flags().BoolVar(&ask, "ask", false, "rule decision: ask")
	cmd.Flags().StringVar(&scope, "scope", "project", "rule scope: role, user, project, or org")
	cmd.Flags().StringVar(&reason, "reason", "", "free-text reason stored with the rule")
	return cmd
}

func newPromoteCmd() *cobra.Command {
	var (
		role  string
		tool  string
		to    string
		scope string
	)

	cmd := &cobra.Command{
		Use:   "promote <input>",
		Short: "Convert an ask-cached record into a permanent allow or deny",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := decision.ParseDecision(to)
			if err != nil {
				return err
			}
			scopeLevel, err := decision.ParseScope(scope)
			if err != nil {
				return err
			}

			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			key := decision.CacheKey{
				SanitizedInput: g.runner.Sanitize(args[0]),
				Tool:           tool,
				Role:           role,
			}
			if err := g.runner.Promote(key, d, scopeLevel); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "toolgate: promoted to %s at scope %q\n", d, scope)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", decision.WildcardRole, "role component of the cache key")
	cmd.Flags().StringVar(&tool, "tool", "Bash", "tool component of the cache key")
	cmd.Flags().StringVar(&to, "to", "", "target decision: allow or deny (required)")
	cmd.Flags().StringVar(&scope, "scope", "user", "scope for the promoted record")
	cmd.MarkFlagRequired("to")
	return cmd
}
