package sanitize

import "math"

const (
	// DefaultEntropyMinLength is the shortest token the entropy layer looks at.
	DefaultEntropyMinLength = 20
	// DefaultEntropyMinBits is the Shannon entropy cutoff in bits per byte.
	// Random base62 material sits near 5.9; English prose sits near 3.
	DefaultEntropyMinBits = 4.0
)

// EntropyLayer catches high-entropy strings that no prefix or contextual
// pattern recognized. It runs two passes over whitespace tokens: first the
// value part after a '=' or ':' delimiter, then bare tokens made purely of
// key-like characters.
type EntropyLayer struct {
	minLength int
	minBits   float64
}

func NewEntropyLayer(minLength int, minBits float64) *EntropyLayer {
	return &EntropyLayer{minLength: minLength, minBits: minBits}
}

func (l *EntropyLayer) Name() string { return "entropy" }

func (l *EntropyLayer) Sanitize(input string) string {
	var spans []span
	start := -1
	for i := 0; i <= len(input); i++ {
		atEnd := i == len(input)
		boundary := atEnd || isBoundary(input[i])
		if !boundary {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			spans = append(spans, l.examine(input, start, i)...)
			start = -1
		}
	}
	return applySpans(input, spans)
}

// examine inspects one token at input[start:end] and returns the sub-span to
// redact, if any.
func (l *EntropyLayer) examine(input string, start, end int) []span {
	token := input[start:end]

	// Delimiter pass: the value side of key=value or key:value. Falls through
	// to the bare pass so base64 padding does not hide a token.
	if idx := lastDelimiter(token); idx >= 0 {
		value := token[idx+1:]
		if l.looksSecret(value) {
			return []span{{start: start + idx + 1, end: end}}
		}
	}

	// Bare pass: whole token, restricted to key-like material so prose and
	// paths with exotic punctuation stay untouched.
	if l.looksSecret(token) {
		return []span{{start: start, end: end}}
	}
	return nil
}

func (l *EntropyLayer) looksSecret(s string) bool {
	if len(s) < l.minLength {
		return false
	}
	if !keyCharset(s) {
		return false
	}
	return shannonBits(s) >= l.minBits
}

func lastDelimiter(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '=' || s[i] == ':' {
			return i
		}
	}
	return -1
}

// keyCharset reports whether every byte could appear in base64, base64url, or
// hex credential material.
func keyCharset(s string) bool {
	for i := 0; i < len(s); i++ {
		b := s[i]
		switch {
		case b >= 'a' && b <= 'z':
		case b >= 'A' && b <= 'Z':
		case b >= '0' && b <= '9':
		case b == '+' || b == '/' || b == '=' || b == '_' || b == '-' || b == '.':
		default:
			return false
		}
	}
	return true
}

// shannonBits computes Shannon entropy of the byte distribution in bits per
// byte.
func shannonBits(s string) float64 {
	if len(s) == 0 {
		return 0
	}
	var counts [256]int
	for i := 0; i < len(s); i++ {
		counts[s[i]]++
	}
	total := float64(len(s))
	var bits float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / total
		bits -= p * math.Log2(p)
	}
	return bits
}
