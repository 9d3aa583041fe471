// Package embed produces fixed-size vectors for sanitized tool inputs. The
// similarity index consumes these; it never sees raw text.
package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Embedder turns text into a vector. Available reports whether the embedder
// can actually serve requests; callers degrade to a no-op tier when it
// cannot.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dim() int
	Available() bool
}

// HashDim is the local embedder's vector size. Small enough that index
// rebuilds stay cheap, large enough that trigram collisions stay rare for
// command-sized inputs.
const HashDim = 256

// HashEmbedder is a deterministic local model: character trigrams hashed
// into a fixed-size bag, L2-normalized. It needs no network and no API key,
// so it is the default when no embedding model is configured. Two commands
// share dimensions in proportion to their shared trigrams, which tracks the
// kind of near-duplicate commands the similarity tier is after.
type HashEmbedder struct{}

func NewHashEmbedder() *HashEmbedder { return &HashEmbedder{} }

func (e *HashEmbedder) Dim() int        { return HashDim }
func (e *HashEmbedder) Available() bool { return true }

func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, HashDim)
	runes := normalize(text)
	if len(runes) < 3 {
		// Too short for trigrams; hash the whole string so distinct short
		// inputs still land on distinct dimensions.
		if len(runes) > 0 {
			vec[bucket(string(runes))]++
		}
		return unit(vec), nil
	}
	for i := 0; i+3 <= len(runes); i++ {
		vec[bucket(string(runes[i:i+3]))]++
	}
	return unit(vec), nil
}

func bucket(gram string) int {
	h := fnv.New32a()
	h.Write([]byte(gram))
	return int(h.Sum32() % HashDim)
}

// normalize lowercases and collapses whitespace runs so formatting noise
// does not shift every trigram.
func normalize(text string) []rune {
	var out []rune
	space := false
	for _, r := range strings.ToLower(text) {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space && len(out) > 0 {
			out = append(out, ' ')
		}
		space = false
		out = append(out, r)
	}
	return out
}

func unit(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := float32(math.Sqrt(sum))
	for i := range vec {
		vec[i] /= norm
	}
	return vec
}

// Noop is the degraded embedder: never available, never called. The
// similarity tier checks Available before embedding and returns
// undetermined when it is false.
type Noop struct{}

func (Noop) Embed(context.Context, string) ([]float32, error) { return nil, nil }
func (Noop) Dim() int                                         { return 0 }
func (Noop) Available() bool                                  { return false }
