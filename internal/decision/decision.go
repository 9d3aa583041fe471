// Package decision defines the core permission types shared by every cascade
// tier: the tri-state Decision, the scope hierarchy, cache keys, and the
// immutable DecisionRecord persisted to the scoped stores.
package decision

import (
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of a permission check.
type Decision string

const (
	Allow Decision = "allow"
	Deny  Decision = "deny"
	Ask   Decision = "ask"
)

// Precedence returns the merge rank. Deny > Ask > Allow; zero means unknown.
func (d Decision) Precedence() int {
	switch d {
	case Deny:
		return 3
	case Ask:
		return 2
	case Allow:
		return 1
	}
	return 0
}

// Converging reports whether a cached copy of this decision auto-resolves
// future matches without human involvement. Ask never converges.
func (d Decision) Converging() bool {
	return d == Allow || d == Deny
}

func (d Decision) String() string { return string(d) }

// ParseDecision maps a wire string onto a Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case Allow:
		return Allow, nil
	case Deny:
		return Deny, nil
	case Ask:
		return Ask, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// Tier identifies which stage of the cascade produced a decision.
type Tier string

const (
	// TierPathPolicy is the deterministic glob match over role path policy.
	TierPathPolicy Tier = "path_policy"
	// TierSensitivePath is the pre-role sensitive-path default.
	TierSensitivePath Tier = "sensitive_path"
	// TierExactCache is an exact (input, tool, role) cache hit.
	TierExactCache Tier = "exact_cache"
	// TierTokenJaccard is a token-set similarity hit.
	TierTokenJaccard Tier = "token_jaccard"
	// TierEmbedding is an embedding-space nearest-neighbor hit.
	TierEmbedding Tier = "embedding"
	// TierSupervisor is a verdict from the socket or API supervisor.
	TierSupervisor Tier = "supervisor"
	// TierHuman is an explicit human response from the queue.
	TierHuman Tier = "human"
	// TierOverride is a human-set rule checked before the cascade.
	TierOverride Tier = "override"
	// TierSessionDisabled marks the bypass verdict for disabled sessions.
	TierSessionDisabled Tier = "session_disabled"
	// TierDefault marks the fallback deny when no tier resolved. It is kept
	// distinct from path_policy so audit logs are not misleading.
	TierDefault Tier = "default"
)

// ScopeLevel is the stratum at which a rule is defined, ordered broadest to
// narrowest.
type ScopeLevel string

const (
	ScopeOrg     ScopeLevel = "org"
	ScopeProject ScopeLevel = "project"
	ScopeUser    ScopeLevel = "user"
	ScopeRole    ScopeLevel = "role"
)

// Levels lists all scopes from narrowest to broadest, the order the resolver
// walks them.
func Levels() []ScopeLevel {
	return []ScopeLevel{ScopeRole, ScopeUser, ScopeProject, ScopeOrg}
}

// Breadth returns the scope rank; higher is broader. Used to break merge ties
// so an org rule cannot be overridden from below.
func (s ScopeLevel) Breadth() int {
	switch s {
	case ScopeOrg:
		return 4
	case ScopeProject:
		return 3
	case ScopeUser:
		return 2
	case ScopeRole:
		return 1
	}
	return 0
}

func (s ScopeLevel) String() string { return string(s) }

// ParseScope maps a CLI/config string onto a ScopeLevel.
func ParseScope(s string) (ScopeLevel, error) {
	switch ScopeLevel(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeOrg:
		return ScopeOrg, nil
	case ScopeProject:
		return ScopeProject, nil
	case ScopeUser:
		return ScopeUser, nil
	case ScopeRole:
		return ScopeRole, nil
	}
	return "", fmt.Errorf("unknown scope %q", s)
}

// WildcardRole on a CacheKey means the entry applies to every role.
const WildcardRole = "*"

// CacheKey identifies a cached decision. Two keys are equal iff all three
// fields are byte-equal. The input component must already be sanitized; raw
// tool input is never hashed into a key.
type CacheKey struct {
	SanitizedInput string `json:"sanitized_input"`
	Tool           string `json:"tool"`
	Role           string `json:"role"`
}

// Matches reports whether a stored key serves a lookup key, honoring the
// wildcard role sentinel on the stored side.
func (k CacheKey) Matches(lookup CacheKey) bool {
	if k.Tool != lookup.Tool || k.SanitizedInput != lookup.SanitizedInput {
		return false
	}
	return k.Role == lookup.Role || k.Role == WildcardRole
}

// Metadata records how and why a decision was made.
type Metadata struct {
	Tier Tier `json:"tier"`

	// Confidence is 1.0 for deterministic tiers (path policy, exact cache,
	// override, human) and the similarity/model score otherwise.
	Confidence float64 `json:"confidence"`

	Reason string `json:"reason"`

	// MatchedKey and SimilarityScore are set by the similarity tiers only.
	MatchedKey      *CacheKey `json:"matched_key,omitempty"`
	SimilarityScore *float64  `json:"similarity_score,omitempty"`
}

// Record is one immutable decision fact. Records are only ever appended;
// invalidation rewrites whole files.
type Record struct {
	Key       CacheKey   `json:"key"`
	Decision  Decision   `json:"decision"`
	Metadata  Metadata   `json:"metadata"`
	Timestamp time.Time  `json:"timestamp"`
	Scope     ScopeLevel `json:"scope"`

	// FilePath is set for file-modifying tools; it is re-checked against the
	// active role policy on every lookup, not only at insertion.
	FilePath string `json:"file_path,omitempty"`

	SessionID string `json:"session_id"`
}
