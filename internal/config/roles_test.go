package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

func compilePolicy(t *testing.T, allowWrite, denyWrite, allowRead, sensitive []string) *CompiledPathPolicy {
	t.Helper()
	p, err := CompilePathPolicy(
		PathPolicyConfig{AllowWrite: allowWrite, DenyWrite: denyWrite, AllowRead: allowRead},
		SensitivePathConfig{AskWrite: sensitive},
	)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	return p
}

func TestCoderRole_AllowsSrcDeniesTests(t *testing.T) {
	p := compilePolicy(t,
		[]string{"src/**", "lib/**", "go.mod", "package.json"},
		[]string{"tests/**", "docs/**", ".github/**"},
		[]string{"**"},
		[]string{".claude/**", ".env*"},
	)
	for _, path := range []string{"src/main.go", "lib/utils.go", "go.mod"} {
		if !p.AllowWrite.Match(path) {
			t.Fatalf("allow_write should match %q", path)
		}
	}
	for _, path := range []string{"tests/unit.go", "docs/README.md", ".github/workflows/ci.yml"} {
		if !p.DenyWrite.Match(path) {
			t.Fatalf("deny_write should match %q", path)
		}
	}
	if !p.SensitiveAskWrite.Match(".claude/CLAUDE.md") || !p.SensitiveAskWrite.Match(".env") {
		t.Fatalf("sensitive defaults should match")
	}
}

func TestTesterRole_InverseOfCoder(t *testing.T) {
	p := compilePolicy(t,
		[]string{"tests/**", "test-fixtures/**"},
		[]string{"src/**", "lib/**", "docs/**", ".github/**"},
		[]string{"**"},
		nil,
	)
	if !p.AllowWrite.Match("tests/integration.go") || !p.AllowWrite.Match("test-fixtures/data.json") {
		t.Fatalf("tester writes to tests")
	}
	if !p.DenyWrite.Match("src/main.go") || !p.DenyWrite.Match("lib/core.go") {
		t.Fatalf("tester denied from src")
	}
}

func TestPolicy_DenyAndAllowBothMatch(t *testing.T) {
	// The cascade checks deny first; this only verifies both sets match.
	p := compilePolicy(t, []string{"**"}, []string{"tests/**"}, []string{"**"}, nil)
	if !p.AllowWrite.Match("tests/foo.go") || !p.DenyWrite.Match("tests/foo.go") {
		t.Fatalf("both sets should match tests/foo.go")
	}
}

func TestPolicy_EmptyPatternsMatchNothing(t *testing.T) {
	p := compilePolicy(t, nil, nil, nil, nil)
	for _, set := range []*GlobSet{p.AllowWrite, p.DenyWrite, p.AllowRead, p.SensitiveAskWrite} {
		if set.Match("anything") {
			t.Fatalf("empty policy matched a path")
		}
	}
}

func TestPolicy_InvalidGlobFailsCompilation(t *testing.T) {
	_, err := CompilePathPolicy(
		PathPolicyConfig{AllowWrite: []string{"[invalid"}, AllowRead: []string{"**"}},
		SensitivePathConfig{},
	)
	if err == nil {
		t.Fatalf("expected compile error")
	}
	var globErr *hookerr.GlobPatternError
	if !errors.As(err, &globErr) {
		t.Fatalf("expected GlobPatternError, got %T", err)
	}
}

func TestDefaultSensitivePaths(t *testing.T) {
	defaults := DefaultPolicy().SensitivePaths
	p := compilePolicy(t, []string{"**"}, nil, []string{"**"}, defaults.AskWrite)
	for _, path := range []string{
		".claude/CLAUDE.md",
		".toolgate/policy.yml",
		".env",
		".env.local",
		".git/hooks/pre-commit",
		"services/secrets/prod.yml",
	} {
		if !p.SensitiveAskWrite.Match(path) {
			t.Fatalf("default sensitive set should match %q", path)
		}
	}
	if p.SensitiveAskWrite.Match("src/main.go") {
		t.Fatalf("src/main.go should not be sensitive")
	}
}

func TestLoadRoles_MissingFileYieldsEmpty(t *testing.T) {
	cfg, err := LoadRoles(filepath.Join(t.TempDir(), "roles.yml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Roles) != 0 {
		t.Fatalf("expected no roles")
	}
	if _, err := cfg.Role("coder"); err == nil {
		t.Fatalf("expected RoleNotFoundError")
	}
}

func TestLoadRoles_ParsesAndBackfillsNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yml")
	doc := `roles:
  coder:
    description: writes production code
    paths:
      allow_write: ["src/**"]
      deny_write: ["tests/**"]
      allow_read: ["**"]
  tester:
    name: tester
    description: writes tests only
    paths:
      allow_write: ["tests/**"]
      deny_write: ["src/**"]
      allow_read: ["**"]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadRoles(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	coder, err := cfg.Role("coder")
	if err != nil {
		t.Fatalf("role lookup: %v", err)
	}
	if coder.Name != "coder" {
		t.Fatalf("name not backfilled from key: %q", coder.Name)
	}
	if len(coder.Paths.AllowWrite) != 1 || coder.Paths.AllowWrite[0] != "src/**" {
		t.Fatalf("paths not parsed: %+v", coder.Paths)
	}
}

func TestLoadRoles_MalformedYAMLErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "roles.yml")
	if err := os.WriteFile(path, []byte("roles: [not a map"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadRoles(path); err == nil {
		t.Fatalf("expected parse error")
	}
}
