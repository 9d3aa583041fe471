package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/ipc"
	"github.com/toolgate-ai/toolgate/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor socket server",
		Long: "serve answers Tier 3 requests from gate processes over the team's Unix\n" +
			"socket. With a model configured it judges each request; without one it\n" +
			"returns ask so callers escalate to the human queue.",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := config.FindProjectRoot(projectFlag)
			global, err := config.LoadGlobal()
			if err != nil {
				return err
			}
			policy, err := config.LoadProjectPolicy(root)
			if err != nil {
				return err
			}

			var brain supervisor.Supervisor
			cfg := global.Supervisor
			if policy.Supervisor.Model != "" {
				cfg = policy.Supervisor
			}
			if cfg.Model != "" && global.APIKey != "" {
				brain = supervisor.NewAPISupervisor(global.APIKey, cfg.APIBaseURL, cfg.Model, int64(cfg.MaxTokens))
			}

			if socketPath == "" {
				socketPath = ipc.SocketPath(teamFlag)
			}
			server := ipc.NewServer(socketPath, func(ctx context.Context, req *ipc.Request) (*ipc.Response, error) {
				return judge(ctx, brain, req)
			})

			fmt.Fprintf(os.Stderr, "toolgate: supervisor listening on %s\n", socketPath)
			return server.Serve(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&socketPath, "socket", "", "socket path (default derived from the team id)")
	return cmd
}

// judge produces the supervisor verdict for one request. Without a model the
// verdict is a confident ask, which callers route to their human queue.
func judge(ctx context.Context, brain supervisor.Supervisor, req *ipc.Request) (*ipc.Response, error) {
	if brain == nil {
		return &ipc.Response{
			Decision: decision.Ask,
			Metadata: decision.Metadata{
				Tier:       decision.TierSupervisor,
				Confidence: 1.0,
				Reason:     "no supervisor model configured; needs human review",
			},
		}, nil
	}
	verdict, err := brain.Evaluate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &ipc.Response{
		Decision: verdict.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierSupervisor,
			Confidence: verdict.Confidence,
			Reason:     verdict.Reason,
		},
	}, nil
}
