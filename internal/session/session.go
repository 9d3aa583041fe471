// Package session tracks which role each assistant session runs under. The
// registration and exclusion files live in the per-user runtime directory so
// every short-lived gate process observes the same state.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// RoleEnvVar overrides session registration for single-user setups.
const RoleEnvVar = "TOOLGATE_ROLE"

// pollInterval is the registration wait poll cadence.
const pollInterval = 200 * time.Millisecond

// Context is the resolved per-session state.
type Context struct {
	User    string
	Org     string
	Project string
	Team    string

	// Role and PathPolicy are nil only for disabled sessions; resolution
	// fails outright when the registered role is unknown to roles.yml.
	Role       *config.RoleDefinition
	PathPolicy *config.CompiledPathPolicy

	AgentPromptHash string
	AgentPromptPath string
	TaskDescription string
	RegisteredAt    time.Time
	Disabled        bool
}

// Manager resolves, registers, and disables sessions.
type Manager struct {
	registrationFile string
	exclusionFile    string
	projectRoot      string

	mu    sync.RWMutex
	cache map[string]*Context
}

// NewManager scopes the shared files by team id so independent teams on one
// machine do not interleave.
func NewManager(teamID, projectRoot string) *Manager {
	suffix := teamID
	if suffix == "" {
		suffix = "solo"
	}
	dir := RuntimeDir()
	return &Manager{
		registrationFile: filepath.Join(dir, "toolgate-"+suffix+"-sessions.json"),
		exclusionFile:    filepath.Join(dir, "toolgate-"+suffix+"-exclusions.json"),
		projectRoot:      projectRoot,
		cache:            map[string]*Context{},
	}
}

// RuntimeDir prefers XDG_RUNTIME_DIR (per-user, mode 0700) and falls back to
// /tmp; individual files are always created 0600.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return "/tmp"
}

// Resolve returns the session context, populating it from the registration
// file or the role environment variable on first sight.
func (m *Manager) Resolve(sessionID string) (*Context, error) {
	m.mu.RLock()
	if ctx, ok := m.cache[sessionID]; ok {
		m.mu.RUnlock()
		return ctx, nil
	}
	m.mu.RUnlock()

	org, project := gitOrgProject(m.projectRoot)
	ctx := &Context{
		User:    currentUser(),
		Org:     org,
		Project: project,
		Team:    os.Getenv("TOOLGATE_TEAM_ID"),
	}

	if m.IsDisabled(sessionID) {
		ctx.Disabled = true
		m.store(sessionID, ctx)
		return ctx, nil
	}

	entries, err := readRegistrationFile(m.registrationFile)
	if err != nil {
		return nil, err
	}
	if entry, ok := entries[sessionID]; ok {
		if err := m.bindRole(ctx, entry.Role); err != nil {
			return nil, err
		}
		ctx.TaskDescription = entry.Task
		ctx.AgentPromptHash = entry.PromptHash
		ctx.AgentPromptPath = entry.PromptPath
		ctx.RegisteredAt = entry.RegisteredAt
		m.store(sessionID, ctx)
		return ctx, nil
	}

	if roleName := os.Getenv(RoleEnvVar); roleName != "" {
		if err := m.bindRole(ctx, roleName); err != nil {
			return nil, err
		}
		ctx.RegisteredAt = time.Now().UTC()
		m.store(sessionID, ctx)
		return ctx, nil
	}

	return nil, &hookerr.SessionNotRegisteredError{SessionID: sessionID}
}

// bindRole loads roles.yml and policy.yml and compiles the role's path
// policy into the context. An unknown role name fails resolution: a typo in
// TOOLGATE_ROLE or a roles.yml edit must never yield an unpoliced session.
func (m *Manager) bindRole(ctx *Context, roleName string) error {
	roles, err := config.LoadProjectRoles(m.projectRoot)
	if err != nil {
		return err
	}
	policy, err := config.LoadProjectPolicy(m.projectRoot)
	if err != nil {
		return err
	}
	role, err := roles.Role(roleName)
	if err != nil {
		return err
	}
	compiled, err := config.CompilePathPolicy(role.Paths, policy.SensitivePaths)
	if err != nil {
		return err
	}
	ctx.Role = &role
	ctx.PathPolicy = compiled
	return nil
}

func (m *Manager) store(sessionID string, ctx *Context) {
	m.mu.Lock()
	m.cache[sessionID] = ctx
	m.mu.Unlock()
}

// Drop evicts a session from the in-memory cache; the next Resolve re-reads
// disk state.
func (m *Manager) Drop(sessionID string) {
	m.mu.Lock()
	delete(m.cache, sessionID)
	m.mu.Unlock()
}

// Register binds a session to a role, hashing the agent prompt file if one
// is given so later prompt drift is detectable.
func (m *Manager) Register(sessionID, roleName, task, promptFile string) error {
	entry := Entry{
		Role:         roleName,
		Task:         task,
		PromptPath:   promptFile,
		RegisteredAt: time.Now().UTC(),
		RegisteredBy: currentUser(),
	}
	if promptFile != "" {
		if data, err := os.ReadFile(promptFile); err == nil {
			sum := sha256.Sum256(data)
			entry.PromptHash = hex.EncodeToString(sum[:])
		}
	}
	if err := mutateRegistrationFile(m.registrationFile, func(entries map[string]Entry) {
		entries[sessionID] = entry
	}); err != nil {
		return err
	}
	if m.IsDisabled(sessionID) {
		if err := m.Enable(sessionID); err != nil {
			return err
		}
	}
	m.Drop(sessionID)
	return nil
}

// Disable turns gating off for a session; every check passes through.
func (m *Manager) Disable(sessionID string) error {
	if err := mutateExclusionFile(m.exclusionFile, func(exclusions []string) []string {
		for _, id := range exclusions {
			if id == sessionID {
				return exclusions
			}
		}
		return append(exclusions, sessionID)
	}); err != nil {
		return err
	}
	m.mu.Lock()
	if ctx, ok := m.cache[sessionID]; ok {
		ctx.Disabled = true
	}
	m.mu.Unlock()
	return nil
}

// Enable removes a session from the exclusion list.
func (m *Manager) Enable(sessionID string) error {
	if err := mutateExclusionFile(m.exclusionFile, func(exclusions []string) []string {
		kept := exclusions[:0]
		for _, id := range exclusions {
			if id != sessionID {
				kept = append(kept, id)
			}
		}
		return kept
	}); err != nil {
		return err
	}
	m.Drop(sessionID)
	return nil
}

// SwitchRole re-registers the session under a new role, preserving task and
// prompt info. It returns the previous role name so the caller can
// invalidate role-keyed cache entries; on-disk records are retained.
func (m *Manager) SwitchRole(sessionID, newRole string) (string, error) {
	entries, err := readRegistrationFile(m.registrationFile)
	if err != nil {
		return "", err
	}
	var oldRole, task, promptFile string
	if existing, ok := entries[sessionID]; ok {
		oldRole = existing.Role
		task = existing.Task
		promptFile = existing.PromptPath
	}
	if err := m.Register(sessionID, newRole, task, promptFile); err != nil {
		return "", err
	}
	return oldRole, nil
}

// IsRegistered reports whether any source (memory, file, exclusion list, env
// var) knows the session.
func (m *Manager) IsRegistered(sessionID string) bool {
	m.mu.RLock()
	_, ok := m.cache[sessionID]
	m.mu.RUnlock()
	if ok {
		return true
	}
	if entries, err := readRegistrationFile(m.registrationFile); err == nil {
		if _, ok := entries[sessionID]; ok {
			return true
		}
	}
	if m.IsDisabled(sessionID) {
		return true
	}
	return os.Getenv(RoleEnvVar) != ""
}

// IsDisabled reports whether the session is on the exclusion list.
func (m *Manager) IsDisabled(sessionID string) bool {
	m.mu.RLock()
	if ctx, ok := m.cache[sessionID]; ok && ctx.Disabled {
		m.mu.RUnlock()
		return true
	}
	m.mu.RUnlock()
	exclusions, err := readExclusionFile(m.exclusionFile)
	if err != nil {
		return false
	}
	for _, id := range exclusions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// WaitForRegistration polls until the session is registered or the timeout
// elapses. Another process (the registration CLI) is expected to do the
// registering.
func (m *Manager) WaitForRegistration(ctx context.Context, sessionID string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		if m.IsRegistered(sessionID) {
			return nil
		}
		if time.Now().After(deadline) {
			return &hookerr.RegistrationTimeoutError{SessionID: sessionID, Waited: timeout}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// OrgProject discovers the org and project names from the git origin remote.
// Callers use it to place org-scoped decision files.
func OrgProject(root string) (org, project string) {
	return gitOrgProject(root)
}

// gitOrgProject shells out to git for the origin URL; "unknown" on any
// failure keeps the gate usable outside a repo.
func gitOrgProject(cwd string) (string, string) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = cwd
	out, err := cmd.Output()
	if err != nil {
		return "unknown", "unknown"
	}
	return parseGitRemoteURL(strings.TrimSpace(string(out)))
}

// parseGitRemoteURL handles ssh (git@host:org/repo.git) and http(s) forms.
func parseGitRemoteURL(url string) (string, string) {
	path := ""
	switch {
	case strings.HasPrefix(url, "git@"):
		if idx := strings.Index(url, ":"); idx >= 0 {
			path = url[idx+1:]
		}
	case strings.HasPrefix(url, "https://"), strings.HasPrefix(url, "http://"):
		rest := url[strings.Index(url, "//")+2:]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			path = rest[idx+1:]
		}
	}
	path = strings.TrimSuffix(path, ".git")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
		return parts[0], parts[1]
	}
	return "unknown", "unknown"
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	if u := os.Getenv("USERNAME"); u != "" {
		return u
	}
	return "unknown"
}
