package cascade

import (
	"context"
	"strings"
	"testing"

	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/session"
)

func coderSession(t *testing.T) *session.Context {
	t.Helper()
	policy, err := config.CompilePathPolicy(
		config.PathPolicyConfig{
			AllowWrite: []string{"src/**", "docs/**"},
			DenyWrite:  []string{"tests/**"},
			AllowRead:  []string{"**"},
		},
		config.SensitivePathConfig{
			AskWrite: []string{"**/.env", "**/.env.*", "**/secrets/**"},
			AskRead:  []string{"**/id_rsa"},
		},
	)
	if err != nil {
		t.Fatalf("compile policy: %v", err)
	}
	return &session.Context{
		Role:       &config.RoleDefinition{Name: "coder"},
		PathPolicy: policy,
	}
}

func pathInput(tool, input, filePath string, sess *session.Context) *Input {
	return &Input{
		SessionID:      "s1",
		ToolName:       tool,
		SanitizedInput: input,
		FilePath:       filePath,
		Session:        sess,
	}
}

func TestPathPolicy_DeniedWriteNamesPattern(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "tests/auth_test.py", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Deny {
		t.Fatalf("write under tests/ should be denied: %+v", rec)
	}
	if rec.Metadata.Tier != decision.TierPathPolicy {
		t.Fatalf("tier = %v", rec.Metadata.Tier)
	}
	if !strings.Contains(rec.Metadata.Reason, "tests/**") {
		t.Fatalf("reason should name the pattern: %q", rec.Metadata.Reason)
	}
}

func TestPathPolicy_AllowedWrite(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Edit", "", "src/auth/login.go", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("write under src/ should be allowed: %+v", rec)
	}
	if rec.FilePath != "src/auth/login.go" {
		t.Fatalf("record should carry the path: %+v", rec)
	}
}

func TestPathPolicy_SensitivePathOutranksAllow(t *testing.T) {
	tier := NewPathPolicy("")
	// src/.env matches both allow_write (src/**) and the sensitive default.
	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "src/.env", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Ask {
		t.Fatalf("sensitive path should ask even when the role allows: %+v", rec)
	}
	if rec.Metadata.Tier != decision.TierSensitivePath {
		t.Fatalf("tier = %v", rec.Metadata.Tier)
	}
}

func TestPathPolicy_SensitiveRead(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Read", "", ".ssh/id_rsa", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Ask {
		t.Fatalf("sensitive read should ask: %+v", rec)
	}
}

func TestPathPolicy_AllowedRead(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Read", "", "README.md", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("read matching allow_read should be allowed: %+v", rec)
	}
}

func TestPathPolicy_BashMostRestrictiveWins(t *testing.T) {
	tier := NewPathPolicy("")
	// One allowed copy plus one denied removal in a compound command.
	in := pathInput("Bash", "cp src/app.go src/app_copy.go && rm tests/fixtures.json", "", coderSession(t))
	rec, err := tier.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Deny {
		t.Fatalf("denied segment should dominate: %+v", rec)
	}
}

func TestPathPolicy_BashSensitiveDominates(t *testing.T) {
	tier := NewPathPolicy("")
	in := pathInput("Bash", "echo DB_URL=x > src/.env", "", coderSession(t))
	rec, err := tier.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Ask {
		t.Fatalf("redirect into a sensitive path should ask: %+v", rec)
	}
}

func TestPathPolicy_NoSessionFallsThrough(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "tests/x.py", nil))
	if err != nil || rec != nil {
		t.Fatalf("no session should fall through: rec=%+v err=%v", rec, err)
	}
}

func TestPathPolicy_NoExtractedPathsFallsThrough(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Bash", "git status", "", coderSession(t)))
	if err != nil || rec != nil {
		t.Fatalf("path-free command should fall through: rec=%+v err=%v", rec, err)
	}
}

func TestPathPolicy_UnknownToolFallsThrough(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("WebFetch", "", "", coderSession(t)))
	if err != nil || rec != nil {
		t.Fatalf("unknown tool should fall through: rec=%+v err=%v", rec, err)
	}
}

func TestPathPolicy_AbsolutePathMatchesRelativeGlobs(t *testing.T) {
	tier := NewPathPolicy("/work/project")

	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "/work/project/tests/auth_test.py", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Deny {
		t.Fatalf("absolute path under tests/ should be denied: %+v", rec)
	}

	rec, err = tier.Evaluate(context.Background(), pathInput("Edit", "", "/work/project/src/auth/login.go", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("absolute path under src/ should be allowed: %+v", rec)
	}
}

func TestPathPolicy_AbsoluteSensitivePathAsks(t *testing.T) {
	tier := NewPathPolicy("/work/project")

	// Inside the project root.
	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "/work/project/.env", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Ask || rec.Metadata.Tier != decision.TierSensitivePath {
		t.Fatalf("absolute .env write should ask: %+v", rec)
	}

	// Outside the root the **/ default still catches the absolute form.
	rec, err = tier.Evaluate(context.Background(), pathInput("Write", "", "/home/alice/other/.env", coderSession(t)))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Ask {
		t.Fatalf("out-of-root .env write should ask: %+v", rec)
	}
}

func TestPathPolicy_WriteIndicatorWithoutTargetFallsThrough(t *testing.T) {
	tier := NewPathPolicy("")
	// dd writes somewhere, but only the read side is extractable; the
	// allow_read match must not turn the command into an allow.
	in := pathInput("Bash", "dd if=src/data.bin", "", coderSession(t))
	rec, err := tier.Evaluate(context.Background(), in)
	if err != nil || rec != nil {
		t.Fatalf("unattributable write should fall through: rec=%+v err=%v", rec, err)
	}
}

func TestPathPolicy_UnmatchedWriteFallsThrough(t *testing.T) {
	tier := NewPathPolicy("")
	rec, err := tier.Evaluate(context.Background(), pathInput("Write", "", "scripts/deploy.sh", coderSession(t)))
	if err != nil || rec != nil {
		t.Fatalf("unmatched path should fall through: rec=%+v err=%v", rec, err)
	}
}
