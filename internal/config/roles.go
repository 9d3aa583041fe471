package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// RoleDefinition is one entry in roles.yml. The description is free text; the
// supervisor consumes it verbatim when judging borderline operations.
type RoleDefinition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Paths       PathPolicyConfig `yaml:"paths"`
}

// PathPolicyConfig is the raw glob policy before compilation.
type PathPolicyConfig struct {
	AllowWrite []string `yaml:"allow_write"`
	DenyWrite  []string `yaml:"deny_write"`
	AllowRead  []string `yaml:"allow_read"`
}

// CompiledPathPolicy holds the matchable form of a role's path policy plus
// the sensitive-path defaults, compiled once per session.
type CompiledPathPolicy struct {
	AllowWrite        *GlobSet
	DenyWrite         *GlobSet
	AllowRead         *GlobSet
	SensitiveAskWrite *GlobSet
	SensitiveAskRead  *GlobSet
}

// CompilePathPolicy compiles role globs together with the sensitive-path
// configuration. Any invalid pattern fails the whole compilation.
func CompilePathPolicy(cfg PathPolicyConfig, sensitive SensitivePathConfig) (*CompiledPathPolicy, error) {
	allowWrite, err := CompileGlobSet(cfg.AllowWrite)
	if err != nil {
		return nil, err
	}
	denyWrite, err := CompileGlobSet(cfg.DenyWrite)
	if err != nil {
		return nil, err
	}
	allowRead, err := CompileGlobSet(cfg.AllowRead)
	if err != nil {
		return nil, err
	}
	askWrite, err := CompileGlobSet(sensitive.AskWrite)
	if err != nil {
		return nil, err
	}
	askRead, err := CompileGlobSet(sensitive.AskRead)
	if err != nil {
		return nil, err
	}
	return &CompiledPathPolicy{
		AllowWrite:        allowWrite,
		DenyWrite:         denyWrite,
		AllowRead:         allowRead,
		SensitiveAskWrite: askWrite,
		SensitiveAskRead:  askRead,
	}, nil
}

// RolesConfig is the full roles.yml document.
type RolesConfig struct {
	Roles map[string]RoleDefinition `yaml:"roles"`
}

// LoadRoles reads a roles file. A missing file yields an empty config; the
// load itself never fails a roleless project, though looking up any role in
// the empty config does.
func LoadRoles(path string) (*RolesConfig, error) {
	cfg := &RolesConfig{Roles: map[string]RoleDefinition{}}
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
	for name, role := range cfg.Roles {
		if role.Name == "" {
			role.Name = name
			cfg.Roles[name] = role
		}
	}
	return cfg, nil
}

// LoadProjectRoles loads <root>/.toolgate/roles.yml.
func LoadProjectRoles(projectRoot string) (*RolesConfig, error) {
	return LoadRoles(filepath.Join(ProjectDir(projectRoot), "roles.yml"))
}

// Role looks up a role by name.
func (c *RolesConfig) Role(name string) (RoleDefinition, error) {
	if role, ok := c.Roles[name]; ok {
		return role, nil
	}
	return RoleDefinition{}, &hookerr.RoleNotFoundError{Role: name}
}
