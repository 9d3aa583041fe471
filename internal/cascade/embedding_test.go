package cascade

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/embed"
	"github.com/toolgate-ai/toolgate/internal/store"
)

func TestEmbeddingTier_IdenticalInputMatches(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, nil)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Bash", decision.WildcardRole, decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	rec, err := tier.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("identical input should match: %+v", rec)
	}
	if rec.Metadata.Tier != decision.TierEmbedding || rec.Metadata.SimilarityScore == nil {
		t.Fatalf("metadata incomplete: %+v", rec.Metadata)
	}
	if *rec.Metadata.SimilarityScore < 0.99 {
		t.Fatalf("identical input similarity = %v", *rec.Metadata.SimilarityScore)
	}
}

func TestEmbeddingTier_DenyFallsThrough(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, nil)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("rm -rf /important/dir", "Bash", decision.WildcardRole, decision.Deny),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	rec, err := tier.Evaluate(context.Background(), jaccardInput("rm -rf /important/dir"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec != nil {
		t.Fatalf("similarity must never auto-deny: %+v", rec)
	}
}

func TestEmbeddingTier_RoleAndToolFiltered(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, nil)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Bash", "tester", decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	// Input has no session, so it resolves to the wildcard role and the
	// tester-scoped record must not serve it.
	rec, _ := tier.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if rec != nil {
		t.Fatalf("other role's record should not match: %+v", rec)
	}

	tier.InvalidateAll()
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Edit", decision.WildcardRole, decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	rec, _ = tier.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if rec != nil {
		t.Fatalf("other tool's record should not match: %+v", rec)
	}
}

func TestEmbeddingTier_OffRoleNeighborDoesNotMask(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.5, nil)
	// The nearest neighbor (identical input) belongs to another role; the
	// slightly farther wildcard record must still serve the query.
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Bash", "tester", decision.Allow),
		record("npm install --save-dev lodash-es", "Bash", decision.WildcardRole, decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}

	rec, err := tier.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("eligible neighbor should match past the off-role one: %+v", rec)
	}
	if rec.Metadata.MatchedKey == nil || rec.Metadata.MatchedKey.Role != decision.WildcardRole {
		t.Fatalf("match should come from the wildcard record: %+v", rec.Metadata)
	}
}

func TestEmbeddingTier_NoopEmbedderFallsThrough(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.Noop{}, 0.85, nil)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install lodash", "Bash", decision.WildcardRole, decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	rec, err := tier.Evaluate(context.Background(), jaccardInput("npm install lodash"))
	if err != nil || rec != nil {
		t.Fatalf("noop embedder should fall through: rec=%+v err=%v", rec, err)
	}
}

func TestEmbeddingTier_PendingBufferSearched(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, nil)
	// Insert buffers without rebuilding; the record must be searchable anyway.
	if err := tier.Insert(context.Background(), record("terraform plan -out current.tfplan", "Bash", decision.WildcardRole, decision.Allow)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if tier.Len() != 1 {
		t.Fatalf("len = %d", tier.Len())
	}

	rec, err := tier.Evaluate(context.Background(), jaccardInput("terraform plan -out current.tfplan"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("pending entry should match: %+v", rec)
	}
}

func TestEmbeddingTier_ArtifactRoundTrip(t *testing.T) {
	artifacts := store.NewIndexStore(filepath.Join(t.TempDir(), ".index"))

	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, artifacts)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Bash", decision.WildcardRole, decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tier.SaveArtifact(); err != nil {
		t.Fatalf("save: %v", err)
	}

	restored := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, artifacts)
	if err := restored.LoadArtifact(); err != nil {
		t.Fatalf("load: %v", err)
	}
	if restored.Len() != 1 {
		t.Fatalf("restored len = %d", restored.Len())
	}
	rec, err := restored.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if rec == nil || rec.Decision != decision.Allow {
		t.Fatalf("restored index should match: %+v", rec)
	}
}

func TestEmbeddingTier_CorruptArtifactDiscarded(t *testing.T) {
	artifacts := store.NewIndexStore(filepath.Join(t.TempDir(), ".index"))
	if err := artifacts.Save("embeddings.json", []byte("not json")); err != nil {
		t.Fatalf("seed: %v", err)
	}

	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, artifacts)
	if err := tier.LoadArtifact(); err != nil {
		t.Fatalf("corrupt artifact should not error: %v", err)
	}
	if tier.Len() != 0 {
		t.Fatalf("corrupt artifact should leave the index empty, len = %d", tier.Len())
	}
}

func TestEmbeddingTier_InvalidateRole(t *testing.T) {
	tier := NewEmbeddingSimilarity(embed.NewHashEmbedder(), 0.85, nil)
	if err := tier.BuildFrom(context.Background(), []decision.Record{
		record("npm install --save-dev lodash", "Bash", decision.WildcardRole, decision.Allow),
		record("cargo build --release --locked", "Bash", "builder", decision.Allow),
	}); err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := tier.InvalidateRole(context.Background(), "builder"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if tier.Len() != 1 {
		t.Fatalf("len after invalidate = %d", tier.Len())
	}

	rec, _ := tier.Evaluate(context.Background(), jaccardInput("npm install --save-dev lodash"))
	if rec == nil {
		t.Fatalf("surviving wildcard record should still match")
	}
}
