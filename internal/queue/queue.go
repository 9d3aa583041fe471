// Package queue is the file-backed human adjudication queue. The blocking
// check process enqueues and polls; a reviewer responds from another process
// via the CLI. Both sides follow the same lock-and-rename discipline so
// concurrent access never loses entries.
package queue

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/toolgate-ai/toolgate/internal/decision"
	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// pollInterval is the response-wait poll cadence.
const pollInterval = 200 * time.Millisecond

// Pending is one decision awaiting a human. IsAskReprompt distinguishes "an
// Ask cache record sent us here" from "the supervisor fell through".
type Pending struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Role           string    `json:"role"`
	ToolName       string    `json:"tool_name"`
	SanitizedInput string    `json:"sanitized_input"`
	FilePath       string    `json:"file_path,omitempty"`
	Recommendation string    `json:"recommendation,omitempty"`
	IsAskReprompt  bool      `json:"is_ask_reprompt"`
	AskReason      string    `json:"ask_reason,omitempty"`
	QueuedAt       time.Time `json:"queued_at"`
}

// Response is a human verdict. AlwaysAsk records the decision as Ask so the
// same input re-prompts forever; AddRule additionally persists a rule at
// RuleScope.
type Response struct {
	Decision    decision.Decision   `json:"decision"`
	AlwaysAsk   bool                `json:"always_ask"`
	AddRule     bool                `json:"add_rule"`
	RuleScope   decision.ScopeLevel `json:"rule_scope,omitempty"`
	RespondedAt time.Time           `json:"responded_at"`
	RespondedBy string              `json:"responded_by,omitempty"`
}

type state struct {
	Pending   map[string]Pending  `json:"pending"`
	Completed map[string]Response `json:"completed"`
}

// Queue is a handle on the shared queue file. Handles are cheap; every
// operation re-reads disk under the lock.
type Queue struct {
	path string
}

// New scopes the queue file by team id in the per-user runtime directory.
func New(teamID string) *Queue {
	if teamID == "" {
		teamID = "solo"
	}
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = "/tmp"
	}
	return &Queue{path: filepath.Join(dir, "toolgate-"+teamID+"-queue.json")}
}

// Enqueue assigns a fresh id and appends the entry. Returns the id the
// caller waits on.
func (q *Queue) Enqueue(p Pending) (string, error) {
	p.ID = uuid.NewString()
	p.QueuedAt = time.Now().UTC()
	err := q.mutate(func(st *state) {
		st.Pending[p.ID] = p
	})
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// ListPending returns entries awaiting response, oldest first.
func (q *Queue) ListPending() ([]Pending, error) {
	st, err := q.read()
	if err != nil {
		return nil, err
	}
	out := make([]Pending, 0, len(st.Pending))
	for _, p := range st.Pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].QueuedAt.Before(out[j].QueuedAt) })
	return out, nil
}

// Respond moves an entry from pending to completed. Responding to an
// unknown or already-answered id is an error so double approvals surface.
func (q *Queue) Respond(id string, resp Response) error {
	resp.RespondedAt = time.Now().UTC()
	if resp.RespondedBy == "" {
		resp.RespondedBy = os.Getenv("USER")
	}
	var missing bool
	err := q.mutate(func(st *state) {
		if _, ok := st.Pending[id]; !ok {
			missing = true
			return
		}
		delete(st.Pending, id)
		st.Completed[id] = resp
	})
	if err != nil {
		return err
	}
	if missing {
		return &hookerr.StorageError{Reason: "no pending entry with id " + id}
	}
	return nil
}

// WaitForResponse polls the completed set until the id appears or the
// timeout elapses. The response is consumed: a second waiter on the same id
// would time out.
func (q *Queue) WaitForResponse(ctx context.Context, id string, timeout time.Duration) (*Response, error) {
	deadline := time.Now().Add(timeout)
	for {
		var found *Response
		err := q.mutate(func(st *state) {
			if resp, ok := st.Completed[id]; ok {
				delete(st.Completed, id)
				found = &resp
			}
		})
		if err != nil {
			return nil, err
		}
		if found != nil {
			return found, nil
		}
		if time.Now().After(deadline) {
			// Drop the abandoned entry so reviewers do not answer into the void.
			q.mutate(func(st *state) { delete(st.Pending, id) })
			return nil, &hookerr.HumanTimeoutError{Timeout: timeout}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (q *Queue) read() (*state, error) {
	st := &state{Pending: map[string]Pending{}, Completed: map[string]Response{}}
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, &hookerr.StorageError{Reason: "reading " + q.path, Err: err}
	}
	if len(data) == 0 {
		return st, nil
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, &hookerr.StorageError{Reason: "parsing " + q.path, Err: err}
	}
	if st.Pending == nil {
		st.Pending = map[string]Pending{}
	}
	if st.Completed == nil {
		st.Completed = map[string]Response{}
	}
	return st, nil
}

// mutate applies fn under an exclusive flock on a sibling .lock file, then
// writes through a temp file, fsync, and rename.
func (q *Queue) mutate(fn func(*state)) error {
	lockPath := q.path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return &hookerr.StorageError{Reason: "opening queue lock", Err: err}
	}
	defer lock.Close()
	if err := syscall.Flock(int(lock.Fd()), syscall.LOCK_EX); err != nil {
		return &hookerr.StorageError{Reason: "locking queue", Err: err}
	}
	defer syscall.Flock(int(lock.Fd()), syscall.LOCK_UN)

	st, err := q.read()
	if err != nil {
		return err
	}
	fn(st)

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return &hookerr.StorageError{Reason: "encoding queue", Err: err}
	}
	tmp := q.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return &hookerr.StorageError{Reason: "creating queue temp file", Err: err}
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "writing queue temp file", Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "syncing queue temp file", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "closing queue temp file", Err: err}
	}
	if err := os.Rename(tmp, q.path); err != nil {
		os.Remove(tmp)
		return &hookerr.StorageError{Reason: "replacing queue file", Err: err}
	}
	return nil
}
