// Package supervisor adjudicates tool calls that no deterministic tier
// could settle. Two backends share one contract: a local Unix-socket
// supervisor process and a remote OpenAI-compatible chat endpoint.
package supervisor

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
	"github.com/toolgate-ai/toolgate/internal/ipc"
)

// Supervisor evaluates one request. Implementations must respect the
// context deadline; the cascade treats any error as undetermined.
type Supervisor interface {
	Evaluate(ctx context.Context, req *ipc.Request) (*Verdict, error)
	Name() string
}

// Verdict is a supervisor's answer. Ask means "route to a human every
// time". The cascade compares Confidence against the scope threshold and
// falls through when it is too low.
type Verdict struct {
	Decision   decision.Decision `json:"decision"`
	Confidence float64           `json:"confidence"`
	Reason     string            `json:"reason"`
}

// parseVerdict extracts the first well-formed JSON object from a model
// reply and validates it. Models wrap answers in prose and code fences
// often enough that strict whole-string parsing would throw away good
// verdicts.
func parseVerdict(reply string) (*Verdict, error) {
	obj, ok := firstJSONObject(reply)
	if !ok {
		return nil, &hookerr.SupervisorError{Reason: "no JSON object in reply"}
	}
	var raw struct {
		Decision   string  `json:"decision"`
		Confidence float64 `json:"confidence"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, &hookerr.SupervisorError{Reason: "malformed verdict JSON", Err: err}
	}
	d, err := decision.ParseDecision(raw.Decision)
	if err != nil {
		return nil, &hookerr.SupervisorError{Reason: "invalid decision value", Err: err}
	}
	if raw.Confidence < 0 || raw.Confidence > 1 {
		return nil, &hookerr.SupervisorError{Reason: "confidence out of range"}
	}
	return &Verdict{Decision: d, Confidence: raw.Confidence, Reason: raw.Reason}, nil
}

// firstJSONObject scans for the first balanced top-level {...}, honoring
// strings and escapes.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	for start >= 0 {
		depth := 0
		inString := false
		escaped := false
		for i := start; i < len(s); i++ {
			c := s[i]
			switch {
			case escaped:
				escaped = false
			case inString && c == '\\':
				escaped = true
			case c == '"':
				inString = !inString
			case inString:
			case c == '{':
				depth++
			case c == '}':
				depth--
				if depth == 0 {
					candidate := s[start : i+1]
					if json.Valid([]byte(candidate)) {
						return candidate, true
					}
					i = len(s)
				}
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start = start + 1 + next
	}
	return "", false
}
