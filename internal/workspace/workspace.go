package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Manager owns clone directories under a common root.
type Manager struct {
	root string
	now  func() time.Time
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	return &Manager{root: abs, now: time.Now}, nil
}

// Root returns the workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Allocate returns a fresh, not yet created path named <prefix>-<unix ms>-<8 hex>.
func (m *Manager) Allocate(prefix string) (string, error) {
	if prefix == "" {
		prefix = "repo"
	}
	suffix := make([]byte, 4)
	if _, err := rand.Read(suffix); err != nil {
		return "", fmt.Errorf("generate workspace name: %w", err)
	}
	name := prefix + "-" + strconv.FormatInt(m.now().UnixMilli(), 10) + "-" + hex.EncodeToString(suffix)
	return filepath.Join(m.root, name), nil
}

// Contains reports whether path is a strict descendant of the root.
func (m *Manager) Contains(path string) bool {
	rel, err := filepath.Rel(m.root, path)
	return err == nil && rel != "." && rel != "" && !strings.HasPrefix(rel, "..")
}

// Cleanup removes a directory inside the workspace.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	if !m.Contains(path) {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// Sweep removes top-level directories not modified within olderThan and
// returns how many were removed. Per-entry failures are collected, not fatal.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, fmt.Errorf("read workspace: %w", err)
	}
	cutoff := m.now().Add(-olderThan)
	removed := 0
	var failures []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			failures = append(failures, entry.Name()+": "+err.Error())
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.root, entry.Name())); err != nil {
			failures = append(failures, entry.Name()+": "+err.Error())
			continue
		}
		removed++
	}
	if len(failures) > 0 {
		return removed, fmt.Errorf("sweep workspace: %s", strings.Join(failures, "; "))
	}
	return removed, nil
}
