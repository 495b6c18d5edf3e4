// Package scriptstore is the blob-store collaborator holding generated
// analysis scripts by name.
package scriptstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store reads and writes named scripts.
type Store interface {
	ReadScript(name string) (string, error)
	WriteScript(name string, text string, metadata map[string]any) error
	ListScripts() ([]string, error)
}

// FSStore keeps scripts as files under a directory, with a sidecar
// .meta.json per script when metadata is supplied.
type FSStore struct {
	dir string
}

// NewFSStore creates the directory if needed.
func NewFSStore(dir string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create script dir: %w", err)
	}
	return &FSStore{dir: dir}, nil
}

func (s *FSStore) path(name string) (string, error) {
	// Script names are opaque ids; anything path-like is refused.
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("invalid script name: %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

func (s *FSStore) ReadScript(name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read script %s: %w", name, err)
	}
	return string(data), nil
}

func (s *FSStore) WriteScript(name string, text string, metadata map[string]any) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write script %s: %w", name, err)
	}

	if len(metadata) > 0 {
		meta, err := json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal script metadata: %w", err)
		}
		if err := os.WriteFile(path+".meta.json", meta, 0o644); err != nil {
			return fmt.Errorf("failed to write script metadata: %w", err)
		}
	}
	return nil
}

func (s *FSStore) ListScripts() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list scripts: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasSuffix(name, ".meta.json") || strings.HasPrefix(name, ".") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// MemoryStore keeps scripts in a map. Test and dev use.
type MemoryStore struct {
	mu      sync.Mutex
	scripts map[string]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scripts: make(map[string]string)}
}

func (s *MemoryStore) ReadScript(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	text, ok := s.scripts[name]
	if !ok {
		return "", fmt.Errorf("script not found: %s", name)
	}
	return text, nil
}

func (s *MemoryStore) WriteScript(name string, text string, metadata map[string]any) error {
	if name == "" {
		return fmt.Errorf("script name is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[name] = text
	return nil
}

func (s *MemoryStore) ListScripts() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.scripts))
	for name := range s.scripts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

var (
	_ Store = (*FSStore)(nil)
	_ Store = (*MemoryStore)(nil)
)
