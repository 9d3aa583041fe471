package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
	"github.com/toolgate-ai/toolgate/internal/sanitize"
)

// filePerm keeps stored decisions owner-only; sanitized or not, they describe
// what a user's tools touched.
const filePerm = 0o600

// JSONLStore is the file-backed Backend. Scope layout:
//
//	Project:  <project>/.toolgate/rules/
//	Role:     <project>/.toolgate/rules/role/
//	User:     <global>/user/
//	Org:      <global>/org/<org>/rules/
//
// Role and Project deliberately do not share a directory so every record is
// unambiguously attributable to its scope.
type JSONLStore struct {
	projectDir string
	globalDir  string
	orgName    string
	pipeline   *sanitize.Pipeline
}

// NewJSONLStore builds a store rooted at the project's .toolgate directory
// and the user's global config directory.
func NewJSONLStore(projectDir, globalDir, orgName string) *JSONLStore {
	return &JSONLStore{
		projectDir: projectDir,
		globalDir:  globalDir,
		orgName:    orgName,
		pipeline:   sanitize.Default(),
	}
}

// ScopeDir resolves the directory holding a scope's decision files.
func (s *JSONLStore) ScopeDir(scope decision.ScopeLevel) string {
	switch scope {
	case decision.ScopeProject:
		return filepath.Join(s.projectDir, "rules")
	case decision.ScopeRole:
		return filepath.Join(s.projectDir, "rules", "role")
	case decision.ScopeUser:
		return filepath.Join(s.globalDir, "user")
	case decision.ScopeOrg:
		org := s.orgName
		if org == "" {
			org = "default"
		}
		return filepath.Join(s.globalDir, "org", org, "rules")
	}
	return filepath.Join(s.projectDir, "rules")
}

// IndexDir is where derived artifacts (vector index, token sets) live for a
// scope. Derived artifacts are rebuildable and never version-controlled.
func (s *JSONLStore) IndexDir(scope decision.ScopeLevel) string {
	return filepath.Join(s.ScopeDir(scope), ".index")
}

func (s *JSONLStore) decisionPath(scope decision.ScopeLevel, d decision.Decision) string {
	return filepath.Join(s.ScopeDir(scope), string(d)+".jsonl")
}

func allDecisions() []decision.Decision {
	return []decision.Decision{decision.Allow, decision.Deny, decision.Ask}
}

func (s *JSONLStore) Load(scope decision.ScopeLevel) ([]decision.Record, error) {
	var all []decision.Record
	for _, d := range allDecisions() {
		records, err := readJSONL(s.decisionPath(scope, d))
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
	}
	return all, nil
}

func (s *JSONLStore) LoadForRole(scope decision.ScopeLevel, role string) ([]decision.Record, error) {
	all, err := s.Load(scope)
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, r := range all {
		if r.Key.Role == role || r.Key.Role == decision.WildcardRole {
			filtered = append(filtered, r)
		}
	}
	return filtered, nil
}

func (s *JSONLStore) Save(record *decision.Record) error {
	path := s.decisionPath(record.Scope, record.Decision)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return &hookerr.StorageError{Reason: "creating scope dir", Err: err}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return &hookerr.StorageError{Reason: "opening " + path, Err: err}
	}
	defer f.Close()
	line, err := json.Marshal(record)
	if err != nil {
		return &hookerr.StorageError{Reason: "encoding record", Err: err}
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &hookerr.StorageError{Reason: "appending to " + path, Err: err}
	}
	return nil
}

func (s *JSONLStore) InvalidateRole(scope decision.ScopeLevel, role string) error {
	for _, d := range allDecisions() {
		path := s.decisionPath(scope, d)
		if err := filterJSONL(path, func(r *decision.Record) bool {
			return r.Key.Role != role
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLStore) InvalidateAll(scope decision.ScopeLevel) error {
	for _, d := range allDecisions() {
		path := s.decisionPath(scope, d)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return &hookerr.StorageError{Reason: "removing " + path, Err: err}
		}
	}
	return nil
}

func (s *JSONLStore) Remove(scope decision.ScopeLevel, key decision.CacheKey) error {
	for _, d := range allDecisions() {
		path := s.decisionPath(scope, d)
		if err := filterJSONL(path, func(r *decision.Record) bool {
			return r.Key != key
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *JSONLStore) ScanForSecrets(path string) ([]SecretFinding, error) {
	var files []string
	info, err := os.Stat(path)
	switch {
	case os.IsNotExist(err):
		return nil, nil
	case err != nil:
		return nil, &hookerr.StorageError{Reason: "stat " + path, Err: err}
	case info.IsDir():
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, &hookerr.StorageError{Reason: "reading dir " + path, Err: err}
		}
		for _, e := range entries {
			if !e.IsDir() && strings.HasSuffix(e.Name(), ".jsonl") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	default:
		files = []string{path}
	}

	var findings []SecretFinding
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, &hookerr.StorageError{Reason: "opening " + file, Err: err}
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
		lineNum := 0
		for scanner.Scan() {
			lineNum++
			line := scanner.Text()
			if s.pipeline.Sanitize(line) != line {
				findings = append(findings, SecretFinding{
					File:        file,
					Line:        lineNum,
					Description: "potential secret detected in stored decision",
					Detector:    "sanitize-pipeline",
				})
			}
		}
		scanErr := scanner.Err()
		f.Close()
		if scanErr != nil {
			return nil, &hookerr.StorageError{Reason: "scanning " + file, Err: scanErr}
		}
	}
	return findings, nil
}

// readJSONL parses one decision file. Missing file means no records; a
// malformed line is skipped with a warning so one bad write cannot take the
// whole cache down.
func readJSONL(path string) ([]decision.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &hookerr.StorageError{Reason: "opening " + path, Err: err}
	}
	defer f.Close()

	var records []decision.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec decision.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			slog.Warn("skipping malformed decision line",
				"file", path, "line", lineNum, "err", err)
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, &hookerr.StorageError{Reason: "reading " + path, Err: err}
	}
	return records, nil
}

// filterJSONL rewrites a decision file keeping only records the predicate
// accepts. The rewrite goes through a sibling temp file and a rename so a
// concurrent reader never observes a half-written file.
func filterJSONL(path string, keep func(*decision.Record) bool) error {
	records, err := readJSONL(path)
	if err != nil {
		return err
	}
	if records == nil {
		return nil
	}
	tmp := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return &hookerr.StorageError{Reason: "creating temp file", Err: err}
	}
	w := bufio.NewWriter(f)
	for i := range records {
		if !keep(&records[i]) {
			continue
		}
		line, err := json.Marshal(&records[i])
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return &hookerr.StorageError{Reason: "encoding record", Err: err}
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "writing temp file", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "syncing temp file", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "closing temp file", Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "replacing " + path, Err: err}
	}
	return nil
}
