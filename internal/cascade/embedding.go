package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/hnsw"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/embed"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
	"github.com/toolgate-ai/toolgate/internal/store"
)

// pendingRebuildThreshold caps the linear-scanned buffer before an automatic
// graph rebuild. Inserts never rebuild below it.
const pendingRebuildThreshold = 50

// searchK is how many neighbors a query pulls from the graph before the
// role and tool filters run; the single nearest neighbor may belong to
// another role and would otherwise mask a valid match.
const searchK = 16

// embeddingArtifact is the persisted artifact name under the scope's .index
// directory. The graph itself is derived and rebuilt from these entries.
const embeddingArtifact = "embeddings.json"

type embeddingEntry struct {
	Vector []float32       `json:"vector"`
	Record decision.Record `json:"record"`
}

// EmbeddingSimilarity is the vector tier: an HNSW graph over embedded
// sanitized inputs plus a pending buffer for fresh records. With an
// unavailable embedder the tier is a no-op and every query falls through.
type EmbeddingSimilarity struct {
	embedder  embed.Embedder
	threshold float64
	artifacts *store.IndexStore

	mu      sync.RWMutex
	graph   *hnsw.Graph[int]
	entries []embeddingEntry
	pending []embeddingEntry
}

// NewEmbeddingSimilarity wires the tier. artifacts may be nil to disable
// persistence (tests, ephemeral sessions).
func NewEmbeddingSimilarity(embedder embed.Embedder, threshold float64, artifacts *store.IndexStore) *EmbeddingSimilarity {
	return &EmbeddingSimilarity{
		embedder:  embedder,
		threshold: threshold,
		artifacts: artifacts,
	}
}

func (e *EmbeddingSimilarity) Name() string { return "embedding-similarity" }

// Len reports how many records the index currently holds, pending included.
func (e *EmbeddingSimilarity) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries) + len(e.pending)
}

func newGraph() *hnsw.Graph[int] {
	g := hnsw.NewGraph[int]()
	g.Distance = hnsw.CosineDistance
	return g
}

// BuildFrom embeds every record and constructs a fresh graph. Expensive;
// called at startup, on explicit rebuild, and on role invalidation.
func (e *EmbeddingSimilarity) BuildFrom(ctx context.Context, records []decision.Record) error {
	if !e.embedder.Available() {
		return nil
	}
	entries := make([]embeddingEntry, 0, len(records))
	for _, rec := range records {
		vec, err := e.embedder.Embed(ctx, rec.Key.SanitizedInput)
		if err != nil {
			return err
		}
		entries = append(entries, embeddingEntry{Vector: vec, Record: rec})
	}

	graph := newGraph()
	for i, entry := range entries {
		graph.Add(hnsw.MakeNode(i, entry.Vector))
	}

	e.mu.Lock()
	e.graph = graph
	e.entries = entries
	e.pending = nil
	e.mu.Unlock()
	return nil
}

// Insert buffers the record; the graph is only rebuilt once the buffer
// exceeds the threshold, keeping the hot path free of rebuilds.
func (e *EmbeddingSimilarity) Insert(ctx context.Context, rec decision.Record) error {
	if !e.embedder.Available() {
		return nil
	}
	vec, err := e.embedder.Embed(ctx, rec.Key.SanitizedInput)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.pending = append(e.pending, embeddingEntry{Vector: vec, Record: rec})
	rebuild := len(e.pending) >= pendingRebuildThreshold
	e.mu.Unlock()

	if rebuild {
		return e.Rebuild()
	}
	return nil
}

// Rebuild folds the pending buffer into the graph.
func (e *EmbeddingSimilarity) Rebuild() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.pending) == 0 {
		return nil
	}
	e.entries = append(e.entries, e.pending...)
	e.pending = nil

	graph := newGraph()
	for i, entry := range e.entries {
		graph.Add(hnsw.MakeNode(i, entry.Vector))
	}
	e.graph = graph
	return nil
}

func (e *EmbeddingSimilarity) Evaluate(ctx context.Context, in *Input) (*decision.Record, error) {
	if !e.embedder.Available() {
		return nil, nil
	}
	e.mu.RLock()
	empty := e.graph == nil && len(e.pending) == 0
	e.mu.RUnlock()
	if empty {
		return nil, nil
	}

	query, err := e.embedder.Embed(ctx, in.SanitizedInput)
	if err != nil {
		return nil, &hookerr.EmbeddingError{Reason: err.Error()}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	role := in.RoleName()
	eligible := func(rec *decision.Record) bool {
		if rec.Key.Role != role && rec.Key.Role != decision.WildcardRole {
			return false
		}
		return rec.Key.Tool == in.ToolName
	}

	var (
		bestSim   float64
		bestEntry *embeddingEntry
	)
	if e.graph != nil && e.graph.Len() > 0 {
		for _, node := range e.graph.Search(query, searchK) {
			if node.Key >= len(e.entries) || !eligible(&e.entries[node.Key].Record) {
				continue
			}
			sim := 1.0 - float64(hnsw.CosineDistance(query, node.Value))
			if sim >= e.threshold && (bestEntry == nil || sim > bestSim) {
				bestSim = sim
				bestEntry = &e.entries[node.Key]
			}
		}
	}
	for i := range e.pending {
		if !eligible(&e.pending[i].Record) {
			continue
		}
		sim := 1.0 - float64(hnsw.CosineDistance(query, e.pending[i].Vector))
		if sim >= e.threshold && (bestEntry == nil || sim > bestSim) {
			bestSim = sim
			bestEntry = &e.pending[i]
		}
	}
	if bestEntry == nil {
		return nil, nil
	}

	// Same translation as the token tier: deny never propagates from a
	// similarity match.
	if bestEntry.Record.Decision == decision.Deny {
		return nil, nil
	}

	sim := bestSim
	return &decision.Record{
		Key:      in.Key(),
		Decision: bestEntry.Record.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierEmbedding,
			Confidence: sim,
			Reason: fmt.Sprintf("embedding cosine similarity %.3f >= %.3f with cached %s",
				sim, e.threshold, bestEntry.Record.Decision),
			MatchedKey:      &bestEntry.Record.Key,
			SimilarityScore: &sim,
		},
		Timestamp: time.Now().UTC(),
		Scope:     bestEntry.Record.Scope,
		FilePath:  in.FilePath,
		SessionID: in.SessionID,
	}, nil
}

func (e *EmbeddingSimilarity) InvalidateRole(ctx context.Context, role string) error {
	e.mu.RLock()
	var remaining []decision.Record
	for _, entry := range append(append([]embeddingEntry{}, e.entries...), e.pending...) {
		if entry.Record.Key.Role != role {
			remaining = append(remaining, entry.Record)
		}
	}
	e.mu.RUnlock()
	return e.BuildFrom(ctx, remaining)
}

func (e *EmbeddingSimilarity) InvalidateAll() {
	e.mu.Lock()
	e.graph = nil
	e.entries = nil
	e.pending = nil
	e.mu.Unlock()
}

// SaveArtifact persists the embedded entries. The graph is rebuilt on load,
// so the artifact stays valid across library upgrades.
func (e *EmbeddingSimilarity) SaveArtifact() error {
	if e.artifacts == nil || !e.embedder.Available() {
		return nil
	}
	e.mu.RLock()
	all := append(append([]embeddingEntry{}, e.entries...), e.pending...)
	e.mu.RUnlock()
	data, err := json.Marshal(all)
	if err != nil {
		return &hookerr.StorageError{Reason: "encoding embedding artifact", Err: err}
	}
	return e.artifacts.Save(embeddingArtifact, data)
}

// LoadArtifact restores entries and rebuilds the graph. A missing or
// unreadable artifact is not fatal; the index is derived and the caller can
// rebuild from the decision store.
func (e *EmbeddingSimilarity) LoadArtifact() error {
	if e.artifacts == nil || !e.embedder.Available() {
		return nil
	}
	data, err := e.artifacts.Load(embeddingArtifact)
	if err != nil || data == nil {
		return err
	}
	var entries []embeddingEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		slog.Warn("discarding unreadable embedding artifact", "err", err)
		return nil
	}
	graph := newGraph()
	for i, entry := range entries {
		graph.Add(hnsw.MakeNode(i, entry.Vector))
	}
	e.mu.Lock()
	e.graph = graph
	e.entries = entries
	e.pending = nil
	e.mu.Unlock()
	return nil
}
