package cascade

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

// ExactCache is the in-memory decision map. Loaded from the scoped stores at
// startup and updated on every resolution, whichever tier decided.
type ExactCache struct {
	mu      sync.RWMutex
	entries map[decision.CacheKey]decision.Record

	hits   atomic.Uint64
	misses atomic.Uint64
}

func NewExactCache() *ExactCache {
	return &ExactCache{entries: map[decision.CacheKey]decision.Record{}}
}

func (c *ExactCache) Name() string { return "exact-cache" }

// LoadFrom seeds the cache. Later records win on duplicate keys, matching
// the on-disk last-occurrence rule.
func (c *ExactCache) LoadFrom(records []decision.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		c.entries[rec.Key] = rec
	}
}

// Insert makes a record visible to subsequent lookups. This happens before
// the record is written to disk.
func (c *ExactCache) Insert(rec decision.Record) {
	c.mu.Lock()
	c.entries[rec.Key] = rec
	c.mu.Unlock()
}

// Lookup returns the cached record for a key, trying the exact role first
// and the wildcard role second.
func (c *ExactCache) Lookup(key decision.CacheKey) (decision.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if rec, ok := c.entries[key]; ok {
		return rec, true
	}
	wildcard := key
	wildcard.Role = decision.WildcardRole
	rec, ok := c.entries[wildcard]
	return rec, ok
}

func (c *ExactCache) Evaluate(_ context.Context, in *Input) (*decision.Record, error) {
	cached, ok := c.Lookup(in.Key())
	if !ok {
		c.misses.Add(1)
		return nil, nil
	}
	c.hits.Add(1)
	return &decision.Record{
		Key:      cached.Key,
		Decision: cached.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierExactCache,
			Confidence: 1.0,
			Reason: fmt.Sprintf("exact cache hit: %s (originally from %s)",
				cached.Decision, cached.Metadata.Tier),
			MatchedKey: &cached.Key,
		},
		Timestamp: time.Now().UTC(),
		Scope:     cached.Scope,
		FilePath:  cached.FilePath,
		SessionID: in.SessionID,
	}, nil
}

// InvalidateRole drops every entry keyed to the role. Wildcard entries stay.
func (c *ExactCache) InvalidateRole(role string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.Role == role {
			delete(c.entries, key)
		}
	}
}

func (c *ExactCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = map[decision.CacheKey]decision.Record{}
	c.mu.Unlock()
}

// Remove drops one key. Used by promote before reinserting the new verdict.
func (c *ExactCache) Remove(key decision.CacheKey) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Stats is a point-in-time snapshot for the stats CLI.
type Stats struct {
	TotalEntries int    `json:"total_entries"`
	AllowEntries int    `json:"allow_entries"`
	DenyEntries  int    `json:"deny_entries"`
	AskEntries   int    `json:"ask_entries"`
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
}

func (c *ExactCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := Stats{
		TotalEntries: len(c.entries),
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
	}
	for _, rec := range c.entries {
		switch rec.Decision {
		case decision.Allow:
			stats.AllowEntries++
		case decision.Deny:
			stats.DenyEntries++
		case decision.Ask:
			stats.AskEntries++
		}
	}
	return stats
}
