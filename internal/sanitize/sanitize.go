// Package sanitize implements the secret-redaction pipeline. Every value that
// reaches a cache key, a stored record, the supervisor, or the human queue
// passes through here first. Over-redaction is preferred to under-redaction.
package sanitize

import "sort"

// Sentinel is the literal that replaces every detected secret span.
const Sentinel = "<REDACTED>"

// Layer is a single sanitization stage. Layers are pure text→text functions
// composed in order by the Pipeline.
type Layer interface {
	Sanitize(input string) string
	Name() string
}

// Pipeline runs its layers in sequence, each operating on the output of the
// previous one.
type Pipeline struct {
	layers []Layer
}

// New builds a pipeline from custom layers.
func New(layers ...Layer) *Pipeline {
	return &Pipeline{layers: layers}
}

// Default returns the standard pipeline:
// encoding pre-pass → literal prefixes → contextual patterns → entropy.
// The built-in patterns are compiled once at package init; a failure there is
// a programming error and panics at startup, never at request time.
func Default() *Pipeline {
	prefixes := NewPrefixLayer(DefaultPrefixes())
	patterns := defaultPatternLayer()
	return &Pipeline{layers: []Layer{
		NewEncodingLayer([]Layer{prefixes, patterns}),
		prefixes,
		patterns,
		NewEntropyLayer(DefaultEntropyMinLength, DefaultEntropyMinBits),
	}}
}

// WithPatterns returns the default pipeline extended with project-specific
// contextual patterns. With no custom patterns it is equivalent to Default.
func WithPatterns(custom []string) (*Pipeline, error) {
	if len(custom) == 0 {
		return Default(), nil
	}
	prefixes := NewPrefixLayer(DefaultPrefixes())
	patterns, err := NewPatternLayer(custom)
	if err != nil {
		return nil, err
	}
	return &Pipeline{layers: []Layer{
		NewEncodingLayer([]Layer{prefixes, patterns}),
		prefixes,
		patterns,
		NewEntropyLayer(DefaultEntropyMinLength, DefaultEntropyMinBits),
	}}, nil
}

// Sanitize runs all layers in order.
func (p *Pipeline) Sanitize(input string) string {
	out := input
	for _, layer := range p.layers {
		out = layer.Sanitize(out)
	}
	return out
}

// Layers exposes the configured layer names, for `scan` reporting.
func (p *Pipeline) Layers() []string {
	names := make([]string, len(p.layers))
	for i, l := range p.layers {
		names[i] = l.Name()
	}
	return names
}

// span is a half-open byte range scheduled for redaction.
type span struct{ start, end int }

// mergeSpans sorts and merges overlapping ranges.
func mergeSpans(spans []span) []span {
	if len(spans) == 0 {
		return nil
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	merged := []span{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

// applySpans replaces each merged span with the sentinel, back to front so
// earlier offsets stay valid.
func applySpans(input string, spans []span) string {
	merged := mergeSpans(spans)
	if len(merged) == 0 {
		return input
	}
	out := []byte(input)
	for i := len(merged) - 1; i >= 0; i-- {
		s := merged[i]
		out = append(out[:s.start], append([]byte(Sentinel), out[s.end:]...)...)
	}
	return string(out)
}

// isBoundary reports whether b terminates a secret token: whitespace and the
// delimiters that commonly close a quoted or bracketed value.
func isBoundary(b byte) bool {
	switch b {
	case ' ', '\t', '\n', '\r', '\'', '"', ',', ';', '}', ']', ')', '`':
		return true
	}
	return false
}
