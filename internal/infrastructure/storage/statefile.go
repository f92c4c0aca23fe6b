package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vitos/grid_martingale/internal/domain"
)

// StateFile persists session snapshots as JSON. Writes go through a temp
// file and a rename so a crash mid-write never leaves a torn snapshot.
type StateFile struct {
	path string
}

func NewStateFile(path string) (*StateFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	return &StateFile{path: path}, nil
}

func (f *StateFile) Save(snap *domain.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// Load returns nil with no error when the file is missing, empty or not
// valid JSON. A fresh session is always preferable to crashing on a bad
// snapshot.
func (f *StateFile) Load() (*domain.Snapshot, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, nil
	}
	return &snap, nil
}

func (f *StateFile) Clear() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove snapshot: %w", err)
	}
	return nil
}
