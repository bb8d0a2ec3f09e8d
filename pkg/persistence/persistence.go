package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/betbot/bracketbot/pkg/logger"
)

// Store saves and loads one JSON document.
type Store interface {
	Save(data interface{}) error
	Load(data interface{}) error
}

// ErrNotExists means the document has never been written.
var ErrNotExists = fmt.Errorf("persistence data not exists")

// JSONFileStore keeps one JSON document in one file. Writes go to a temp file
// in the same directory and are renamed over the target, so readers see
// either the old document or the new one, never a torn write.
type JSONFileStore struct {
	path string
}

func NewJSONFileStore(path string) *JSONFileStore {
	return &JSONFileStore{path: path}
}

func (s *JSONFileStore) Path() string {
	return s.path
}

// Save marshals data with indentation and atomically replaces the file.
func (s *JSONFileStore) Save(data interface{}) error {
	logger.Debugf("[persistence] Save: path=%s", s.path)
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return WriteFileAtomic(s.path, b, 0o644)
}

// Load reads the file into data. Missing or empty files yield ErrNotExists.
func (s *JSONFileStore) Load(data interface{}) error {
	logger.Debugf("[persistence] Load: path=%s", s.path)
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotExists
		}
		return err
	}
	if len(b) == 0 {
		return ErrNotExists
	}
	return json.Unmarshal(b, data)
}

// WriteFileAtomic writes b to a sibling temp file, fsyncs it and renames it
// over path.
func WriteFileAtomic(path string, b []byte, perm os.FileMode) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Chmod(tmpName, perm); err != nil {
		return err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return err
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
