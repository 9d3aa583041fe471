package sanitize

import "strings"

// Prefix is one known credential prefix. A match at the literal extends to the
// next boundary character and redacts the whole token.
type Prefix struct {
	Literal string

	// MinSuffix is the minimum number of bytes that must follow the literal
	// before the token is treated as a secret. Short generic literals set this
	// so ordinary prose does not get shredded; it defaults to 1 so a bare
	// prefix with nothing after it is never redacted.
	MinSuffix int
}

// PrefixLayer redacts tokens that start with a known credential prefix.
type PrefixLayer struct {
	byFirst map[byte][]Prefix
}

// NewPrefixLayer builds the matcher. Literals are bucketed by first byte and
// checked longest-first so overlapping prefixes resolve to the longest match.
func NewPrefixLayer(prefixes []Prefix) *PrefixLayer {
	byFirst := make(map[byte][]Prefix)
	for _, p := range prefixes {
		if p.Literal == "" {
			continue
		}
		b := p.Literal[0]
		byFirst[b] = append(byFirst[b], p)
	}
	for b, bucket := range byFirst {
		sorted := make([]Prefix, len(bucket))
		copy(sorted, bucket)
		for i := 1; i < len(sorted); i++ {
			for j := i; j > 0 && len(sorted[j].Literal) > len(sorted[j-1].Literal); j-- {
				sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
			}
		}
		byFirst[b] = sorted
	}
	return &PrefixLayer{byFirst: byFirst}
}

func (l *PrefixLayer) Name() string { return "prefix" }

func (l *PrefixLayer) Sanitize(input string) string {
	var spans []span
	for i := 0; i < len(input); i++ {
		bucket, ok := l.byFirst[input[i]]
		if !ok {
			continue
		}
		for _, p := range bucket {
			if !strings.HasPrefix(input[i:], p.Literal) {
				continue
			}
			end := tokenEnd(input, i)
			min := p.MinSuffix
			if min < 1 {
				min = 1
			}
			if end-(i+len(p.Literal)) < min {
				continue
			}
			spans = append(spans, span{start: i, end: end})
			i = end - 1
			break
		}
	}
	return applySpans(input, spans)
}

// tokenEnd returns the index of the first boundary byte at or after start.
func tokenEnd(input string, start int) int {
	for j := start; j < len(input); j++ {
		if isBoundary(input[j]) {
			return j
		}
	}
	return len(input)
}

// DefaultPrefixes covers the common provider credential formats. The list errs
// toward inclusion: a redacted non-secret costs nothing, a leaked secret is
// permanent.
func DefaultPrefixes() []Prefix {
	return []Prefix{
		// Anthropic / OpenAI / OpenRouter
		{Literal: "sk-ant-"},
		{Literal: "sk-proj-"},
		{Literal: "sk-or-v1-"},
		{Literal: "sk-", MinSuffix: 20},
		// GitHub
		{Literal: "ghp_"},
		{Literal: "gho_"},
		{Literal: "ghu_"},
		{Literal: "ghs_"},
		{Literal: "ghr_"},
		{Literal: "github_pat_"},
		// AWS access key IDs
		{Literal: "AKIA", MinSuffix: 12},
		{Literal: "ASIA", MinSuffix: 12},
		{Literal: "ABIA", MinSuffix: 12},
		{Literal: "ACCA", MinSuffix: 12},
		// Slack
		{Literal: "xoxb-"},
		{Literal: "xoxp-"},
		{Literal: "xoxs-"},
		{Literal: "xoxa-"},
		{Literal: "xapp-"},
		// GitLab
		{Literal: "glpat-"},
		{Literal: "glsa-"},
		{Literal: "glrt-"},
		// Package registries
		{Literal: "npm_", MinSuffix: 8},
		{Literal: "pypi-"},
		// Stripe
		{Literal: "sk_live_"},
		{Literal: "sk_test_"},
		{Literal: "rk_live_"},
		{Literal: "rk_test_"},
		{Literal: "whsec_"},
		// SendGrid (short literal, demand a real key body)
		{Literal: "SG.", MinSuffix: 20},
		// DigitalOcean
		{Literal: "dop_v1_"},
		{Literal: "doo_v1_"},
		// New Relic
		{Literal: "NRAK-"},
		{Literal: "nrk-", MinSuffix: 8},
		// Hugging Face
		{Literal: "hf_", MinSuffix: 8},
		// HashiCorp Vault
		{Literal: "hvs.", MinSuffix: 8},
		{Literal: "hvb.", MinSuffix: 8},
		{Literal: "vlt_", MinSuffix: 8},
		// Google
		{Literal: "AIzaSy", MinSuffix: 10},
		{Literal: "ya29.", MinSuffix: 10},
		// age encryption
		{Literal: "AGE-SECRET-KEY-"},
		// Square
		{Literal: "sq0atp-"},
		{Literal: "sq0csp-"},
		// Shopify
		{Literal: "shpat_"},
		{Literal: "shpss_"},
		// Figma / Linear
		{Literal: "figd_"},
		{Literal: "lin_api_"},
		// Amazon MWS
		{Literal: "amzn.mws."},
	}
}
