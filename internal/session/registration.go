package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// Entry is one session's row in the shared registration file.
type Entry struct {
	Role         string    `json:"role"`
	Task         string    `json:"task,omitempty"`
	PromptHash   string    `json:"prompt_hash,omitempty"`
	PromptPath   string    `json:"prompt_path,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	RegisteredBy string    `json:"registered_by,omitempty"`
}

// fileLock is an advisory flock(2) on a sibling .lock file. Closing the file
// releases the lock.
type fileLock struct {
	f *os.File
}

func acquireLock(target string) (*fileLock, error) {
	lockPath := target + ".lock"
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o700); err != nil {
		return nil, &hookerr.StorageError{Reason: "creating runtime dir", Err: err}
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, &hookerr.StorageError{Reason: "opening lock file", Err: err}
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, &hookerr.StorageError{Reason: "acquiring file lock", Err: err}
	}
	return &fileLock{f: f}, nil
}

func (l *fileLock) release() {
	syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	l.f.Close()
}

// readRegistrationFile parses the whole file. Missing or empty files mean no
// registrations.
func readRegistrationFile(path string) (map[string]Entry, error) {
	entries := map[string]Entry{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, &hookerr.StorageError{Reason: "reading " + path, Err: err}
	}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, &hookerr.StorageError{Reason: "parsing " + path, Err: err}
	}
	return entries, nil
}

// mutateRegistrationFile applies fn to the current entries under an exclusive
// lock, then writes the result through a temp file, fsync, and rename. Every
// writer follows this discipline so concurrent updates never lose entries.
func mutateRegistrationFile(path string, fn func(map[string]Entry)) error {
	lock, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer lock.release()

	entries, err := readRegistrationFile(path)
	if err != nil {
		return err
	}
	fn(entries)
	return writeFileAtomic(path, entries)
}

// mutateExclusionFile is the same discipline for the exclusion list.
func mutateExclusionFile(path string, fn func([]string) []string) error {
	lock, err := acquireLock(path)
	if err != nil {
		return err
	}
	defer lock.release()

	exclusions, err := readExclusionFile(path)
	if err != nil {
		return err
	}
	return writeFileAtomic(path, fn(exclusions))
}

func readExclusionFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &hookerr.StorageError{Reason: "reading " + path, Err: err}
	}
	if len(data) == 0 {
		return nil, nil
	}
	var exclusions []string
	if err := json.Unmarshal(data, &exclusions); err != nil {
		return nil, &hookerr.StorageError{Reason: "parsing " + path, Err: err}
	}
	return exclusions, nil
}

// writeFileAtomic serializes v and renames it onto path with 0600 perms.
func writeFileAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &hookerr.StorageError{Reason: "encoding " + path, Err: err}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return &hookerr.StorageError{Reason: "creating temp file", Err: err}
	}
	if _, err := f.Write(data); err != nil {
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
