// Package devicestore remembers the last peripheral the CLI connected to.
package devicestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Record is the persisted device state.
type Record struct {
	Address     string    `yaml:"address"`
	Name        string    `yaml:"name,omitempty"`
	ConnectedAt time.Time `yaml:"connected_at,omitempty"`
}

// Store reads and writes a Record as YAML at a fixed path.
type Store struct {
	path string
}

// New returns a store backed by path.
func New(path string) *Store {
	return &Store{path: path}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Load returns the saved record. A missing file yields an empty record.
func (s *Store) Load() (Record, error) {
	var rec Record
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return rec, fmt.Errorf("reading device store: %w", err)
	}
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("parsing device store %s: %w", s.path, err)
	}
	return rec, nil
}

// Save writes rec, creating the parent directory if needed. The file is
// replaced atomically.
func (s *Store) Save(rec Record) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding device store: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating device store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".device-*.yaml")
	if err != nil {
		return fmt.Errorf("writing device store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing device store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing device store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("writing device store: %w", err)
	}
	return nil
}
