package store

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/toolgate-ai/toolgate/internal/hookerr"
)

// IndexStore persists derived artifacts (serialized vector graphs, token
// sets) under a scope's .index directory. Artifacts are byte blobs to the
// store; the owning tier defines the format and can always rebuild from the
// decision files alone.
type IndexStore struct {
	dir string
}

func NewIndexStore(dir string) *IndexStore {
	return &IndexStore{dir: dir}
}

// validateName rejects names that could escape the index directory.
func validateName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return &hookerr.StorageError{Reason: "invalid index name " + name}
	}
	return nil
}

func (s *IndexStore) Save(name string, data []byte) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return &hookerr.StorageError{Reason: "creating index dir", Err: err}
	}
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, data, filePerm); err != nil {
		return &hookerr.StorageError{Reason: "writing index " + path, Err: err}
	}
	return nil
}

// Load returns nil data with no error when the artifact does not exist.
func (s *IndexStore) Load(name string) ([]byte, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &hookerr.StorageError{Reason: "reading index " + name, Err: err}
	}
	return data, nil
}

func (s *IndexStore) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, name))
	return err == nil
}
