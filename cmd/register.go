package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/session"
)

func newRegisterCmd() *cobra.Command {
	var (
		role       string
		task       string
		promptFile string
	)

	cmd := &cobra.Command{
		Use:   "register <session-id>",
		Short: "Bind a session to a role",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID := args[0]
			root := config.FindProjectRoot(projectFlag)

			roles, err := config.LoadProjectRoles(root)
			if err != nil {
				return err
			}
			if _, err := roles.Role(role); err != nil {
				fmt.Fprintf(os.Stderr, "toolgate: unknown role %q. Available roles:\n", role)
				for name := range roles.Roles {
					fmt.Fprintf(os.Stderr, "  - %s\n", name)
				}
				os.Exit(1)
			}

			mgr := session.NewManager(teamFlag, root)
			if err := mgr.Register(sessionID, role, task, promptFile); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "toolgate: session %s registered as %q\n", sessionID, role)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "role name from .toolgate/roles.yml (required)")
	cmd.Flags().StringVar(&task, "task", "", "short task description forwarded to the supervisor")
	cmd.Flags().StringVar(&promptFile, "prompt", "", "agent prompt file; its hash detects later drift")
	cmd.MarkFlagRequired("role")
	return cmd
}

func newSessionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Enable, disable, or re-role a session",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "disable <session-id>",
		Short: "Turn gating off for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := session.NewManager(teamFlag, config.FindProjectRoot(projectFlag))
			if err := mgr.Disable(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "toolgate: session %s disabled\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "enable <session-id>",
		Short: "Turn gating back on for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr := session.NewManager(teamFlag, config.FindProjectRoot(projectFlag))
			if err := mgr.Enable(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "toolgate: session %s re-enabled\n", args[0])
			return nil
		},
	})

	switchRole := &cobra.Command{
		Use:   "switch-role <session-id> <role>",
		Short: "Re-register a session under a different role",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sessionID, newRole := args[0], args[1]
			g, err := newGate(cmd.Context())
			if err != nil {
				return err
			}
			oldRole, err := g.sessions.SwitchRole(sessionID, newRole)
			if err != nil {
				return err
			}
			// Old-role cache entries no longer apply to this session; on-disk
			// records are kept for when the role returns.
			if oldRole != "" && oldRole != newRole {
				g.runner.DropCachedRole(oldRole)
			}
			fmt.Fprintf(os.Stderr, "toolgate: session %s switched from %q to %q\n", sessionID, oldRole, newRole)
			return nil
		},
	}
	cmd.AddCommand(switchRole)

	return cmd
}
