package config

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// PolicyConfig is the project policy loaded from .toolgate/policy.yml.
// Missing file means defaults; a malformed file is a load-time error.
type PolicyConfig struct {
	// SensitivePaths default to `ask` regardless of role.
	SensitivePaths SensitivePathConfig `yaml:"sensitive_paths"`

	// Confidence thresholds per scope for caching supervisor verdicts.
	Confidence ConfidenceConfig `yaml:"confidence"`

	// Similarity thresholds for the token and embedding tiers.
	Similarity SimilarityConfig `yaml:"similarity"`

	// HumanTimeoutSecs bounds the wait on the human queue. Default 60.
	HumanTimeoutSecs int `yaml:"human_timeout_secs"`

	// RegistrationTimeoutSecs bounds the wait for session registration.
	// Default 5.
	RegistrationTimeoutSecs int `yaml:"registration_timeout_secs"`

	// Supervisor selects and configures the Tier 3 backend.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// SanitizePatterns adds project-specific contextual redaction patterns on
	// top of the built-in set. Group 1 of each pattern is kept.
	SanitizePatterns []string `yaml:"sanitize_patterns"`
}

// SensitivePathConfig lists globs that force `ask` on matching operations.
type SensitivePathConfig struct {
	AskWrite []string `yaml:"ask_write"`

	// AskRead extends the ask default to reads. Empty by default: sensitive
	// handling is write-only unless a project opts reads in.
	AskRead []string `yaml:"ask_read"`
}

// ConfidenceConfig holds the minimum supervisor confidence required to cache
// a verdict at each scope.
type ConfidenceConfig struct {
	Org     float64 `yaml:"org"`
	Project float64 `yaml:"project"`
	User    float64 `yaml:"user"`
}

// ForScope returns the threshold for a scope. Role-scoped records use the
// user threshold; there is no separate knob for them.
func (c ConfidenceConfig) ForScope(s decision.ScopeLevel) float64 {
	switch s {
	case decision.ScopeOrg:
		return c.Org
	case decision.ScopeProject:
		return c.Project
	default:
		return c.User
	}
}

// SimilarityConfig holds the Tier 2 thresholds.
type SimilarityConfig struct {
	JaccardThreshold   float64 `yaml:"jaccard_threshold"`
	EmbeddingThreshold float64 `yaml:"embedding_threshold"`
	JaccardMinTokens   int     `yaml:"jaccard_min_tokens"`
}

// SupervisorConfig selects the Tier 3 backend: "socket" (default) consults a
// long-running local supervisor over a Unix socket; "api" calls a chat model.
type SupervisorConfig struct {
	Backend    string `yaml:"backend"`
	SocketPath string `yaml:"socket_path"`
	APIBaseURL string `yaml:"api_base_url"`
	Model      string `yaml:"model"`
	MaxTokens  int    `yaml:"max_tokens"`
}

// DefaultPolicy returns the built-in policy.
func DefaultPolicy() *PolicyConfig {
	return &PolicyConfig{
		SensitivePaths: SensitivePathConfig{
			AskWrite: []string{
				".claude/**",
				".toolgate/**",
				".env*",
				"**/.env*",
				".git/hooks/**",
				"**/secrets/**",
				"~/.claude/**",
				"~/.config/**",
			},
		},
		Confidence: ConfidenceConfig{Org: 0.9, Project: 0.7, User: 0.6},
		Similarity: SimilarityConfig{
			JaccardThreshold:   0.7,
			EmbeddingThreshold: 0.85,
			JaccardMinTokens:   3,
		},
		HumanTimeoutSecs:        60,
		RegistrationTimeoutSecs: 5,
		Supervisor:              SupervisorConfig{Backend: "socket"},
	}
}

func (p *PolicyConfig) HumanTimeout() time.Duration {
	return time.Duration(p.HumanTimeoutSecs) * time.Second
}

func (p *PolicyConfig) RegistrationTimeout() time.Duration {
	return time.Duration(p.RegistrationTimeoutSecs) * time.Second
}

// LoadPolicy reads a policy file, filling unset fields from the defaults.
// A missing file yields the defaults.
func LoadPolicy(path string) (*PolicyConfig, error) {
	cfg := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, &hookerr.ConfigParseError{Path: path, Reason: err.Error()}
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, &hookerr.ConfigParseError{Path: path, Reason: err.Error()}
	}
	if cfg.HumanTimeoutSecs <= 0 {
		cfg.HumanTimeoutSecs = 60
	}
	if cfg.RegistrationTimeoutSecs <= 0 {
		cfg.RegistrationTimeoutSecs = 5
	}
	return cfg, nil
}

// LoadProjectPolicy loads <root>/.toolgate/policy.yml.
func LoadProjectPolicy(projectRoot string) (*PolicyConfig, error) {
	return LoadPolicy(filepath.Join(ProjectDir(projectRoot), "policy.yml"))
}

// GlobalConfig is the per-user configuration from
// ~/.config/toolgate/config.yml.
type GlobalConfig struct {
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// APIKey for the API supervisor backend. The OPENAI_API_KEY and
	// TOOLGATE_API_KEY environment variables override it.
	APIKey string `yaml:"api_key"`

	// EmbeddingModel names the embedder for the vector tier. Empty selects
	// the built-in deterministic embedder; "none" disables the tier.
	EmbeddingModel string `yaml:"embedding_model"`
}

// LoadGlobal reads the global config, applying environment overrides. A
// missing file is not an error.
func LoadGlobal() (*GlobalConfig, error) {
	cfg := &GlobalConfig{}
	path := filepath.Join(GlobalDir(), "config.yml")
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &hookerr.ConfigParseError{Path: path, Reason: err.Error()}
		}
	}
	if key := os.Getenv("TOOLGATE_API_KEY"); key != "" {
		cfg.APIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.APIKey == "" {
		cfg.APIKey = key
	}
	return cfg, nil
}
