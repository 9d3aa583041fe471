// Package cascade evaluates tool calls through the tier sequence: path
// policy, exact cache, token similarity, vector similarity, supervisor,
// human. The first tier with an opinion wins; the runner persists every
// verdict so later identical calls resolve deterministically.
package cascade

import (
	"context"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/session"
)

// Input is the per-request view shared by every tier. SanitizedInput is the
// only form of the tool input tiers ever see.
type Input struct {
	SessionID      string
	ToolName       string
	SanitizedInput string

	// FilePath is set for file-modifying tools. For shell tools the path
	// policy tier extracts paths itself.
	FilePath string

	Session *session.Context
}

// RoleName returns the session's role, or the wildcard when the session is
// registered without one.
func (in *Input) RoleName() string {
	if in.Session != nil && in.Session.Role != nil {
		return in.Session.Role.Name
	}
	return decision.WildcardRole
}

// Key builds the cache key for this input.
func (in *Input) Key() decision.CacheKey {
	return decision.CacheKey{
		SanitizedInput: in.SanitizedInput,
		Tool:           in.ToolName,
		Role:           in.RoleName(),
	}
}

// Tier is one cascade stage. A (nil, nil) return means undetermined: the
// tier has no opinion and the runner moves on. Errors are logged and treated
// as undetermined unless they are structural session failures.
type Tier interface {
	Evaluate(ctx context.Context, in *Input) (*decision.Record, error)
	Name() string
}
