package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/gitcloudd/internal/repo"
)

// JSONStore keeps the repository list as a JSON array in a single file
type JSONStore struct {
	path string
}

// NewJSONStore creates a store backed by the file at path
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// Load reads the list. A missing file is an empty list.
func (s *JSONStore) Load(ctx context.Context) ([]repo.Repo, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []repo.Repo{}, nil
		}
		return nil, fmt.Errorf("failed to read repository list: %w", err)
	}

	var repos []repo.Repo
	if err := json.Unmarshal(data, &repos); err != nil {
		return nil, fmt.Errorf("failed to parse repository list %s: %w", s.path, err)
	}
	if repos == nil {
		repos = []repo.Repo{}
	}
	return repos, nil
}

// Save writes the list to a temporary file and renames it into place so a
// crash never leaves a truncated list behind
func (s *JSONStore) Save(ctx context.Context, repos []repo.Repo) error {
	if repos == nil {
		repos = []repo.Repo{}
	}
	data, err := json.MarshalIndent(repos, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode repository list: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write repository list: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to replace repository list: %w", err)
	}
	return nil
}

// Close is a no-op
func (s *JSONStore) Close() error {
	return nil
}
