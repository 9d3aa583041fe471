package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/toolgate-ai/toolgate/internal/cascade"
	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/embed"
	"github.com/toolgate-ai/toolgate/internal/ipc"
	"github.com/toolgate-ai/toolgate/internal/queue"
	"github.com/toolgate-ai/toolgate/internal/sanitize"
	"github.com/toolgate-ai/toolgate/internal/session"
	"github.com/toolgate-ai/toolgate/internal/store"
	"github.com/toolgate-ai/toolgate/internal/supervisor"
)

// gate bundles the wired components every subcommand draws from. Each CLI
// invocation is a short-lived process; shared state lives in the runtime and
// config directories, not here.
type gate struct {
	root     string
	teamID   string
	policy   *config.PolicyConfig
	global   *config.GlobalConfig
	storage  *store.JSONLStore
	sessions *session.Manager
	humans   *queue.Queue
	runner   *cascade.Runner
}

// newGate wires storage, sessions, the human queue, and the cascade runner
// for the discovered project root.
func newGate(ctx context.Context) (*gate, error) {
	root := config.FindProjectRoot(projectFlag)

	global, err := config.LoadGlobal()
	if err != nil {
		return nil, err
	}
	policy, err := config.LoadProjectPolicy(root)
	if err != nil {
		return nil, err
	}
	pipeline, err := sanitize.WithPatterns(policy.SanitizePatterns)
	if err != nil {
		return nil, err
	}

	org, _ := session.OrgProject(root)
	storage := store.NewJSONLStore(config.ProjectDir(root), config.GlobalDir(), org)
	sessions := session.NewManager(teamFlag, root)
	humans := queue.New(teamFlag)

	sup := buildSupervisor(policy, global, teamFlag)
	embedder := buildEmbedder(global)
	artifacts := store.NewIndexStore(storage.IndexDir(decision.ScopeProject))
	embedding := cascade.NewEmbeddingSimilarity(embedder, policy.Similarity.EmbeddingThreshold, artifacts)

	runner := cascade.NewRunner(sessions, storage, pipeline, policy, embedding, sup, humans, root)
	if err := runner.Load(ctx); err != nil {
		return nil, fmt.Errorf("loading decision caches: %w", err)
	}

	return &gate{
		root:     root,
		teamID:   teamFlag,
		policy:   policy,
		global:   global,
		storage:  storage,
		sessions: sessions,
		humans:   humans,
		runner:   runner,
	}, nil
}

// buildSupervisor selects the Tier 3 backend. Project policy wins over the
// global config; "none" disables the tier.
func buildSupervisor(policy *config.PolicyConfig, global *config.GlobalConfig, teamID string) supervisor.Supervisor {
	cfg := global.Supervisor
	if policy.Supervisor.Backend != "" {
		cfg = policy.Supervisor
	}
	switch cfg.Backend {
	case "none":
		return nil
	case "api":
		if global.APIKey == "" || cfg.Model == "" {
			return nil
		}
		return supervisor.NewAPISupervisor(global.APIKey, cfg.APIBaseURL, cfg.Model, int64(cfg.MaxTokens))
	default:
		path := cfg.SocketPath
		if path == "" {
			path = ipc.SocketPath(teamID)
		}
		return supervisor.NewSocketSupervisor(path, 5*time.Second)
	}
}

// buildEmbedder picks the vector-tier embedder: the deterministic built-in by
// default, a remote model when configured, none when disabled.
func buildEmbedder(global *config.GlobalConfig) embed.Embedder {
	switch global.EmbeddingModel {
	case "":
		return embed.NewHashEmbedder()
	case "none":
		return embed.Noop{}
	default:
		return embed.NewOpenAIEmbedder(global.APIKey, global.Supervisor.APIBaseURL, global.EmbeddingModel, 1536)
	}
}
