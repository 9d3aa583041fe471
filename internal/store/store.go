// Package store persists decision records as append-only JSONL files, one
// file per (scope, decision) pair, plus the derived index artifacts.
package store

import (
	"github.com/toolgate-ai/toolgate/internal/decision"
)

// Backend loads and saves decision records.
type Backend interface {
	// Load parses all three decision files for a scope. Malformed lines are
	// logged and skipped, never fatal.
	Load(scope decision.ScopeLevel) ([]decision.Record, error)

	// LoadForRole filters Load output to records for the role, including
	// wildcard-role records.
	LoadForRole(scope decision.ScopeLevel, role string) ([]decision.Record, error)

	// Save appends one record to the file matching its decision.
	Save(record *decision.Record) error

	// InvalidateRole rewrites the scope's files with the role's records
	// filtered out.
	InvalidateRole(scope decision.ScopeLevel, role string) error

	// InvalidateAll removes every record in the scope.
	InvalidateAll(scope decision.ScopeLevel) error

	// Remove rewrites the scope's files with records for the exact key
	// filtered out. Used by the promote operation, which must retire an Ask
	// record before writing its replacement.
	Remove(scope decision.ScopeLevel, key decision.CacheKey) error

	// ScanForSecrets runs the sanitizer over stored lines and reports any
	// line the pipeline would still change. Read-only.
	ScanForSecrets(path string) ([]SecretFinding, error)
}

// SecretFinding is one line that the sanitizer flagged after the fact.
type SecretFinding struct {
	File        string
	Line        int
	Description string
	Detector    string
}
