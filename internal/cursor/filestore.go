package cursor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"
)

// FileStore keeps the descriptor set in a YAML file. Every save replaces the
// file atomically.
type FileStore struct {
	path string
}

type stateFile struct {
	Sources []Descriptor `yaml:"sources"`
}

// NewFileStore returns a store backed by the file at path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load reads the persisted descriptors. A missing file yields an empty set.
func (f *FileStore) Load(_ context.Context) (map[string]Descriptor, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Descriptor{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}

	var sf stateFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", f.path, err)
	}

	out := make(map[string]Descriptor, len(sf.Sources))
	for _, d := range sf.Sources {
		out[d.Name] = d
	}
	return out, nil
}

// Save writes all descriptors to a temporary file in the same directory,
// syncs it and renames it over the previous state.
func (f *FileStore) Save(_ context.Context, s *State) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	data, err := yaml.Marshal(stateFile{Sources: s.Descriptors()})
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	if err := renameio.WriteFile(f.path, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}
