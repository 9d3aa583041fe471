package cascade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/toolgate-ai/toolgate/internal/decision"
)

// tokenSeparators is the fixed punctuation class inputs are split on before
// Jaccard comparison.
const tokenSeparators = " \t\n\r/-_=:.,;|><&\"'(){}[]"

// Tokenize splits, lowercases, deduplicates, and sorts. The sorted vector
// lets comparisons run as a merge-join.
func Tokenize(input string) []string {
	fields := strings.FieldsFunc(input, func(r rune) bool {
		return strings.ContainsRune(tokenSeparators, r)
	})
	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	sort.Strings(tokens)
	return tokens
}

// JaccardCoefficient computes |A∩B| / |A∪B| over two sorted token vectors.
func JaccardCoefficient(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	inter := 0
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i] < b[j]:
			i++
		case a[i] > b[j]:
			j++
		default:
			inter++
			i++
			j++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0.0
	}
	return float64(inter) / float64(union)
}

type tokenEntry struct {
	tokens []string
	record decision.Record
}

type jaccardBucket struct {
	role string
	tool string
}

// TokenJaccard is the structural-similarity tier. Entries are bucketed by
// (role, tool) so a query only scans its own role plus the wildcard.
type TokenJaccard struct {
	mu      sync.RWMutex
	buckets map[jaccardBucket][]tokenEntry

	threshold float64
	minTokens int
}

func NewTokenJaccard(threshold float64, minTokens int) *TokenJaccard {
	return &TokenJaccard{
		buckets:   map[jaccardBucket][]tokenEntry{},
		threshold: threshold,
		minTokens: minTokens,
	}
}

func (t *TokenJaccard) Name() string { return "token-jaccard" }

func (t *TokenJaccard) LoadFrom(records []decision.Record) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, rec := range records {
		t.insertLocked(rec)
	}
}

func (t *TokenJaccard) Insert(rec decision.Record) {
	t.mu.Lock()
	t.insertLocked(rec)
	t.mu.Unlock()
}

func (t *TokenJaccard) insertLocked(rec decision.Record) {
	b := jaccardBucket{role: rec.Key.Role, tool: rec.Key.Tool}
	t.buckets[b] = append(t.buckets[b], tokenEntry{
		tokens: Tokenize(rec.Key.SanitizedInput),
		record: rec,
	})
}

func (t *TokenJaccard) InvalidateRole(role string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for b := range t.buckets {
		if b.role == role {
			delete(t.buckets, b)
		}
	}
}

func (t *TokenJaccard) InvalidateAll() {
	t.mu.Lock()
	t.buckets = map[jaccardBucket][]tokenEntry{}
	t.mu.Unlock()
}

func (t *TokenJaccard) Evaluate(_ context.Context, in *Input) (*decision.Record, error) {
	query := Tokenize(in.SanitizedInput)
	if len(query) < t.minTokens {
		return nil, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		bestScore float64
		bestEntry *tokenEntry
	)
	role := in.RoleName()
	for _, b := range []jaccardBucket{
		{role: role, tool: in.ToolName},
		{role: decision.WildcardRole, tool: in.ToolName},
	} {
		for i := range t.buckets[b] {
			entry := &t.buckets[b][i]
			if !lengthCanReach(len(query), len(entry.tokens), t.threshold) {
				continue
			}
			score := JaccardCoefficient(query, entry.tokens)
			if score >= t.threshold && (bestEntry == nil || score > bestScore) {
				bestScore = score
				bestEntry = entry
			}
		}
	}
	if bestEntry == nil {
		return nil, nil
	}

	// Allow auto-approves, ask escalates, deny falls through: a structural
	// near-miss must never auto-deny.
	if bestEntry.record.Decision == decision.Deny {
		return nil, nil
	}
	score := bestScore
	return &decision.Record{
		Key:      in.Key(),
		Decision: bestEntry.record.Decision,
		Metadata: decision.Metadata{
			Tier:       decision.TierTokenJaccard,
			Confidence: score,
			Reason: fmt.Sprintf("token Jaccard similarity %.3f >= %.3f with cached %s",
				score, t.threshold, bestEntry.record.Decision),
			MatchedKey:      &bestEntry.record.Key,
			SimilarityScore: &score,
		},
		Timestamp: time.Now().UTC(),
		Scope:     bestEntry.record.Scope,
		FilePath:  in.FilePath,
		SessionID: in.SessionID,
	}, nil
}

// lengthCanReach prunes entries whose token count differs too much for the
// Jaccard score to possibly meet the threshold.
func lengthCanReach(a, b int, threshold float64) bool {
	if a == 0 || b == 0 {
		return a == b
	}
	lo, hi := a, b
	if lo > hi {
		lo, hi = hi, lo
	}
	return float64(lo)/float64(hi) >= threshold
}
