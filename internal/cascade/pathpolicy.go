package cascade

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/toolgate-ai/toolgate/internal/bashpath"
	"github.com/toolgate-ai/toolgate/internal/config"
	"github.com/toolgate-ai/toolgate/internal/decision"
)

// writeTools and readTools classify non-shell tools by name. Unknown tools
// fall through undetermined.
var writeTools = map[string]bool{
	"Write":        true,
	"Edit":         true,
	"MultiEdit":    true,
	"NotebookEdit": true,
}

var readTools = map[string]bool{
	"Read": true,
	"Glob": true,
	"Grep": true,
}

// shellTools route through the bash path extractor.
var shellTools = map[string]bool{
	"Bash": true,
}

// PathPolicy is Tier 0: deterministic glob matching of extracted paths
// against the role policy and the sensitive-path defaults. Sensitive paths
// outrank role allow; deny outranks allow within a role; unmatched paths
// fall through.
type PathPolicy struct {
	root string
}

// NewPathPolicy takes the project root. Role globs are written relative to
// it, while hook requests usually carry absolute paths; each extracted path
// is matched both as sent and relative to the root.
func NewPathPolicy(root string) *PathPolicy { return &PathPolicy{root: root} }

func (p *PathPolicy) Name() string { return "path-policy" }

func (p *PathPolicy) Evaluate(_ context.Context, in *Input) (*decision.Record, error) {
	if in.Session == nil || in.Session.PathPolicy == nil {
		return nil, nil
	}
	policy := in.Session.PathPolicy

	refs := p.pathRefs(in)
	if len(refs) == 0 {
		return nil, nil
	}

	// Most restrictive per-path verdict wins across a compound command.
	var best *decision.Record
	for _, ref := range refs {
		rec := p.matchOne(policy, ref, in)
		if rec == nil {
			continue
		}
		if best == nil || rec.Decision.Precedence() > best.Decision.Precedence() {
			best = rec
		}
	}

	// A shell command with write-like constructs but no nameable write target
	// modifies something the extractor could not see; a read-path allow must
	// not stand in for it.
	if best != nil && best.Decision == decision.Allow && shellTools[in.ToolName] &&
		bashpath.HasWriteIndicators(in.SanitizedInput) && !hasWriteRef(refs) {
		return nil, nil
	}
	return best, nil
}

func hasWriteRef(refs []bashpath.PathRef) bool {
	for _, ref := range refs {
		if ref.Op == bashpath.OpWrite {
			return true
		}
	}
	return false
}

// candidates returns the forms of a path the globs are tried against: the
// cleaned original, plus its project-relative form when the path is absolute
// and inside the root.
func (p *PathPolicy) candidates(path string) []string {
	clean := filepath.Clean(path)
	out := []string{clean}
	if filepath.IsAbs(clean) && p.root != "" {
		if rel, err := filepath.Rel(p.root, clean); err == nil &&
			rel != ".." && !strings.HasPrefix(rel, "../") {
			out = append(out, rel)
		}
	}
	return out
}

// pathRefs produces (path, op) pairs for the tool. An empty extraction from
// a write-looking shell command stays empty: the caller falls through, never
// allows.
func (p *PathPolicy) pathRefs(in *Input) []bashpath.PathRef {
	switch {
	case shellTools[in.ToolName]:
		return bashpath.Extract(in.SanitizedInput)
	case writeTools[in.ToolName]:
		if in.FilePath == "" {
			return nil
		}
		return []bashpath.PathRef{{Path: in.FilePath, Op: bashpath.OpWrite, Confidence: 1.0}}
	case readTools[in.ToolName]:
		if in.FilePath == "" {
			return nil
		}
		return []bashpath.PathRef{{Path: in.FilePath, Op: bashpath.OpRead, Confidence: 1.0}}
	}
	return nil
}

func (p *PathPolicy) matchOne(policy *config.CompiledPathPolicy, ref bashpath.PathRef, in *Input) *decision.Record {
	cands := p.candidates(ref.Path)
	match := func(set *config.GlobSet) (string, bool) {
		for _, c := range cands {
			if pat, ok := set.MatchWhich(c); ok {
				return pat, true
			}
		}
		return "", false
	}
	build := func(d decision.Decision, reason string) *decision.Record {
		return &decision.Record{
			Key:      in.Key(),
			Decision: d,
			Metadata: decision.Metadata{
				Tier:       decision.TierPathPolicy,
				Confidence: 1.0,
				Reason:     reason,
			},
			Timestamp: time.Now().UTC(),
			Scope:     decision.ScopeRole,
			FilePath:  ref.Path,
			SessionID: in.SessionID,
		}
	}

	if ref.Op == bashpath.OpWrite {
		if pat, ok := match(policy.SensitiveAskWrite); ok {
			rec := build(decision.Ask, fmt.Sprintf("sensitive path %q matches %q", ref.Path, pat))
			rec.Metadata.Tier = decision.TierSensitivePath
			return rec
		}
		if pat, ok := match(policy.DenyWrite); ok {
			return build(decision.Deny, fmt.Sprintf("write to %q denied by role policy %q", ref.Path, pat))
		}
		if pat, ok := match(policy.AllowWrite); ok {
			return build(decision.Allow, fmt.Sprintf("write to %q allowed by role policy %q", ref.Path, pat))
		}
		return nil
	}

	if pat, ok := match(policy.SensitiveAskRead); ok {
		rec := build(decision.Ask, fmt.Sprintf("sensitive path %q matches %q", ref.Path, pat))
		rec.Metadata.Tier = decision.TierSensitivePath
		return rec
	}
	if pat, ok := match(policy.AllowRead); ok {
		return build(decision.Allow, fmt.Sprintf("read of %q allowed by role policy %q", ref.Path, pat))
	}
	return nil
}
