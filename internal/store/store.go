// Package store persists the peripherals a user asked to stay connected to, so
// they can be reconnected after a restart.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rinat-enikeev/BTKit-sub000/internal/radio"
	"gopkg.in/yaml.v3"
)

// Entry is one remembered peripheral.
type Entry struct {
	UUID  string    `yaml:"uuid"`
	Name  string    `yaml:"name,omitempty"`
	Added time.Time `yaml:"added"`
}

type file struct {
	Peripherals []Entry `yaml:"peripherals"`
}

// Store is a YAML file of remembered peripherals. It is safe for concurrent use.
type Store struct {
	path string
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]Entry
}

// DefaultPath returns ~/.config/btkit/peripherals.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "peripherals.yaml"
	}
	return filepath.Join(home, ".config", "btkit", "peripherals.yaml")
}

// Open loads path. A missing file is an empty store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading store: %w", err)
	}

	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing store %s: %w", path, err)
	}
	for _, e := range f.Peripherals {
		if err := radio.ValidatePeripheral(e.UUID); err != nil {
			return nil, fmt.Errorf("store %s: %w", path, err)
		}
		s.entries[e.UUID] = e
	}
	return s, nil
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Add remembers uuid. Adding a known uuid only updates its name.
func (s *Store) Add(uuid, name string) error {
	if err := radio.ValidatePeripheral(uuid); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[uuid]
	if !ok {
		e = Entry{UUID: uuid, Added: s.now().UTC().Truncate(time.Second)}
	}
	if name != "" {
		e.Name = name
	}
	s.entries[uuid] = e
	return s.save()
}

// Remove forgets uuid and reports whether it was known.
func (s *Store) Remove(uuid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[uuid]; !ok {
		return false, nil
	}
	delete(s.entries, uuid)
	return true, s.save()
}

// Contains reports whether uuid is remembered.
func (s *Store) Contains(uuid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[uuid]
	return ok
}

// Entries returns the remembered peripherals ordered by the time they were added.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted()
}

// UUIDs returns the remembered identifiers in Entries order.
func (s *Store) UUIDs() []string {
	entries := s.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.UUID
	}
	return out
}

func (s *Store) sorted() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Added.Equal(out[j].Added) {
			return out[i].Added.Before(out[j].Added)
		}
		return out[i].UUID < out[j].UUID
	})
	return out
}

// save writes through a temp file so a crash never leaves a truncated store.
func (s *Store) save() error {
	data, err := yaml.Marshal(file{Peripherals: s.sorted()})
	if err != nil {
		return fmt.Errorf("encoding store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("writing store: %w", err)
	}
	return nil
}
