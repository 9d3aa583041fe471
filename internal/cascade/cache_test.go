package cascade

import (
	"context"
	"testing"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

func TestExactCache_HitAndMiss(t *testing.T) {
	cache := NewExactCache()
	cache.Insert(record("npm install lodash", "Bash", "coder", decision.Allow))

	in := &Input{SessionID: "s1", ToolName: "Bash", SanitizedInput: "npm install lodash"}
	// Input without a bound role queries the wildcard, which should miss.
	if rec, _ := cache.Evaluate(context.Background(), in); rec != nil {
		t.Fatalf("wildcard query should not hit a role-keyed entry: %+v", rec)
	}

	cache.Insert(record("npm install lodash", "Bash", decision.WildcardRole, decision.Deny))
	rec, err := cache.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Deny {
		t.Fatalf("wildcard entry should serve any role: %+v", rec)
	}
	if rec.Metadata.Tier != decision.TierExactCache || rec.Metadata.Confidence != 1.0 {
		t.Fatalf("metadata = %+v", rec.Metadata)
	}
}

func TestExactCache_LastInsertWins(t *testing.T) {
	cache := NewExactCache()
	cache.Insert(record("x y z", "Bash", "coder", decision.Allow))
	cache.Insert(record("x y z", "Bash", "coder", decision.Deny))

	rec, ok := cache.Lookup(decision.CacheKey{SanitizedInput: "x y z", Tool: "Bash", Role: "coder"})
	if !ok || rec.Decision != decision.Deny {
		t.Fatalf("latest insert should win: %+v", rec)
	}
}

func TestExactCache_InvalidateRole(t *testing.T) {
	cache := NewExactCache()
	cache.Insert(record("a b c", "Bash", "coder", decision.Allow))
	cache.Insert(record("a b c", "Bash", decision.WildcardRole, decision.Allow))
	cache.InvalidateRole("coder")

	if _, ok := cache.Lookup(decision.CacheKey{SanitizedInput: "a b c", Tool: "Bash", Role: "coder"}); !ok {
		// The wildcard entry still serves the role.
		t.Fatalf("wildcard entry should survive role invalidation")
	}
	stats := cache.Stats()
	if stats.TotalEntries != 1 {
		t.Fatalf("entries = %d, want 1", stats.TotalEntries)
	}
}

func TestExactCache_Stats(t *testing.T) {
	cache := NewExactCache()
	cache.Insert(record("a b c", "Bash", "coder", decision.Allow))
	cache.Insert(record("d e f", "Bash", "coder", decision.Deny))
	cache.Insert(record("g h i", "Bash", "coder", decision.Ask))

	in := &Input{SessionID: "s1", ToolName: "Bash", SanitizedInput: "a b c",
		Session: nil}
	cache.Evaluate(context.Background(), in) // miss: wildcard role
	cache.Insert(record("a b c", "Bash", decision.WildcardRole, decision.Allow))
	cache.Evaluate(context.Background(), in) // hit

	stats := cache.Stats()
	if stats.AllowEntries != 2 || stats.DenyEntries != 1 || stats.AskEntries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Fatalf("hit/miss counters = %+v", stats)
	}
}
