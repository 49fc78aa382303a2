package traefik

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Store serialises read-modify-write cycles on the dynamic config file.
type Store struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

// NewStore prepares the directory holding path. A failure is only logged
// because the proxy directory may be managed elsewhere.
func NewStore(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, log: log.With("component", "ingress_store")}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.log.Warn("could not create proxy config directory", "path", filepath.Dir(path), "error", err)
	}
	return s
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Read returns the current document, or an empty one when absent or unreadable.
func (s *Store) Read() *Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, _ := s.load()
	return doc
}

// Update loads the document, applies fn and writes the whole document back
// atomically. The write is skipped when the encoded bytes are unchanged.
func (s *Store) Update(fn func(*Document) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, current := s.load()
	if err := fn(doc); err != nil {
		return false, err
	}
	next, err := yaml.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode proxy config: %w", err)
	}
	if current != nil && bytes.Equal(current, next) {
		return false, nil
	}
	if err := s.write(next); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) load() (*Document, []byte) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("proxy config unreadable, starting empty", "path", s.path, "error", err)
		}
		return NewDocument(), nil
	}
	doc := &Document{}
	if err := yaml.Unmarshal(raw, doc); err != nil {
		s.log.Warn("proxy config invalid, starting empty", "path", s.path, "error", err)
		return NewDocument(), nil
	}
	doc.normalise()
	return doc, raw
}

func (s *Store) write(data []byte) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create temp proxy config: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp proxy config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp proxy config: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp proxy config: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace proxy config: %w", err)
	}
	return nil
}
