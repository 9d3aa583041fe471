package sanitize

import (
	"encoding/base64"
	"net/url"
	"strings"
	"unicode/utf8"
)

// encodingMinBase64 is the shortest base64 token worth decoding. Shorter
// blobs cannot hold a credential worth hiding and decoding them produces
// mostly false positives.
const encodingMinBase64 = 40

// EncodingLayer defeats trivial encoding evasion: a secret wrapped in base64
// or percent-encoding is decoded and the decoded text is checked against the
// inner detection layers. A hit redacts the entire encoded token, since a
// partially redacted encoding is still recoverable.
type EncodingLayer struct {
	inner []Layer
}

func NewEncodingLayer(inner []Layer) *EncodingLayer {
	return &EncodingLayer{inner: inner}
}

func (l *EncodingLayer) Name() string { return "encoding" }

func (l *EncodingLayer) Sanitize(input string) string {
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
			if l.tokenHidesSecret(input[start:i]) {
				spans = append(spans, span{start: start, end: i})
			}
			start = -1
		}
	}
	return applySpans(input, spans)
}

func (l *EncodingLayer) tokenHidesSecret(token string) bool {
	if decoded, ok := decodeBase64(token); ok && l.innerDetects(decoded) {
		return true
	}
	if decoded, ok := decodePercent(token); ok && l.innerDetects(decoded) {
		return true
	}
	return false
}

func (l *EncodingLayer) innerDetects(text string) bool {
	out := text
	for _, layer := range l.inner {
		out = layer.Sanitize(out)
	}
	return out != text
}

func decodeBase64(token string) (string, bool) {
	if len(token) < encodingMinBase64 {
		return "", false
	}
	for i := 0; i < len(token); i++ {
		b := token[i]
		switch {
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		case b == '+' || b == '/' || b == '=' || b == '-' || b == '_':
		default:
			return "", false
		}
	}
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding,
		base64.URLEncoding, base64.RawURLEncoding,
	} {
		raw, err := enc.DecodeString(token)
		if err != nil {
			continue
		}
		if !utf8.Valid(raw) {
			continue
		}
		return string(raw), true
	}
	return "", false
}

func decodePercent(token string) (string, bool) {
	if !strings.Contains(token, "%") {
		return "", false
	}
	decoded, err := url.PathUnescape(token)
	if err != nil || decoded == token {
		return "", false
	}
	return decoded, true
}
