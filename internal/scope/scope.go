// Package scope resolves the effective decision for a cache key across the
// Org / Project / User / Role strata.
package scope

import (
	"sync"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/store"
)

// ScopedDecision is a decision together with the stratum it came from.
type ScopedDecision struct {
	Decision decision.Decision
	Scope    decision.ScopeLevel
	Record   decision.Record
}

// Merge picks the effective decision: Deny > Ask > Allow. When two scopes
// hold the same decision kind, the broader scope wins, so an org rule cannot
// be shadowed from below. Nil means no scope had an opinion.
func Merge(found []ScopedDecision) *ScopedDecision {
	var best *ScopedDecision
	for i := range found {
		sd := &found[i]
		if best == nil {
			best = sd
			continue
		}
		switch {
		case sd.Decision.Precedence() > best.Decision.Precedence():
			best = sd
		case sd.Decision.Precedence() == best.Decision.Precedence() &&
			sd.Scope.Breadth() > best.Scope.Breadth():
			best = sd
		}
	}
	return best
}

// Resolver loads each scope's records once and answers merged lookups.
type Resolver struct {
	storage store.Backend

	mu    sync.RWMutex
	cache map[decision.ScopeLevel][]decision.Record
}

func NewResolver(storage store.Backend) *Resolver {
	return &Resolver{storage: storage}
}

func (r *Resolver) ensureCache() error {
	r.mu.RLock()
	loaded := r.cache != nil
	r.mu.RUnlock()
	if loaded {
		return nil
	}

	cache := make(map[decision.ScopeLevel][]decision.Record, 4)
	for _, s := range decision.Levels() {
		records, err := r.storage.Load(s)
		if err != nil {
			return err
		}
		cache[s] = dedupe(records)
	}

	r.mu.Lock()
	if r.cache == nil {
		r.cache = cache
	}
	r.mu.Unlock()
	return nil
}

// dedupe keeps the last record per key, matching the duplicate-key rule of
// the on-disk format.
func dedupe(records []decision.Record) []decision.Record {
	type slot struct{ idx int }
	seen := make(map[decision.CacheKey]slot, len(records))
	out := make([]decision.Record, 0, len(records))
	for _, rec := range records {
		if s, ok := seen[rec.Key]; ok {
			out[s.idx] = rec
			continue
		}
		seen[rec.Key] = slot{idx: len(out)}
		out = append(out, rec)
	}
	return out
}

// Reload discards the cache; the next resolve re-reads storage.
func (r *Resolver) Reload() error {
	r.mu.Lock()
	r.cache = nil
	r.mu.Unlock()
	return r.ensureCache()
}

// Observe adds a freshly persisted record to the cached view so later
// lookups in the same process see it without a disk round trip.
func (r *Resolver) Observe(rec decision.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cache == nil {
		return
	}
	r.cache[rec.Scope] = dedupe(append(r.cache[rec.Scope], rec))
}

// Resolve returns the merged decision for a key across all scopes, or nil
// for a novel command.
func (r *Resolver) Resolve(key decision.CacheKey) (*ScopedDecision, error) {
	if err := r.ensureCache(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var found []ScopedDecision
	for _, s := range decision.Levels() {
		for _, rec := range r.cache[s] {
			if rec.Key.Matches(key) {
				found = append(found, ScopedDecision{
					Decision: rec.Decision,
					Scope:    s,
					Record:   rec,
				})
			}
		}
	}
	return Merge(found), nil
}
