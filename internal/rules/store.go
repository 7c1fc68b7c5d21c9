package rules

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

//go:embed baseline.json
var defaultBaseline []byte

const (
	baselineFile = "baseline.json"
	userFile     = "user.json"
)

// Store loads and persists rule sets.
type Store interface {
	Baseline() (*Baseline, error)
	User() (*UserRules, error)
	SaveUser(u *UserRules) error
}

// FileStore keeps rule sets as JSON files in a directory.
type FileStore struct {
	dir string
}

// NewFileStore returns a store rooted at dir. The directory is created on
// first save.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Dir returns the rules directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Baseline returns baseline.json from the rules directory if present,
// otherwise the built-in default.
func (s *FileStore) Baseline() (*Baseline, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, baselineFile))
	if errors.Is(err, os.ErrNotExist) {
		data = defaultBaseline
	} else if err != nil {
		return nil, fmt.Errorf("read baseline rules: %w", err)
	}
	var b Baseline
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse baseline rules: %w", err)
	}
	return &b, nil
}

// User returns the grown rule set, or nil if it has never been built.
func (s *FileStore) User() (*UserRules, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, userFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read user rules: %w", err)
	}
	var u UserRules
	if err := json.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("parse user rules: %w", err)
	}
	return &u, nil
}

// SaveUser normalizes u and writes it atomically.
func (s *FileStore) SaveUser(u *UserRules) error {
	u.Normalize()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create rules directory: %w", err)
	}
	data, err := json.MarshalIndent(u, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, userFile+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(s.dir, userFile))
}

// LoadMerged loads both rule sets from st and merges them.
func LoadMerged(st Store) (*Merged, error) {
	b, err := st.Baseline()
	if err != nil {
		return nil, err
	}
	u, err := st.User()
	if err != nil {
		return nil, err
	}
	return Merge(b, u), nil
}
