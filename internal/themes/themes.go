// Package themes lists and resolves user-supplied CSS theme files.
package themes

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a requested theme does not exist.
var ErrNotFound = errors.New("theme not found")

// ErrNotAllowed is returned when a requested file type is outside the
// allowlist.
var ErrNotAllowed = errors.New("file type not allowed")

var allowedExtensions = map[string]bool{".css": true}

// Store serves theme files from a single directory.
type Store struct {
	dir string
}

// NewStore creates a theme store rooted at dir. The directory is created if
// absent so users have a place to drop themes.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create themes dir %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Allowed reports whether the file name carries an allowlisted extension.
func Allowed(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// List returns the names of allowlisted theme files. A missing directory
// yields an empty list.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read themes dir %s: %w", s.dir, err)
	}

	names := []string{}
	for _, entry := range entries {
		if entry.Type().IsRegular() && Allowed(entry.Name()) {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// Resolve validates name and returns the on-disk path of the theme file.
// Only the base name is honored, so traversal sequences never escape the
// themes directory.
func (s *Store) Resolve(name string) (string, error) {
	base := filepath.Base(name)
	if base != name || !Allowed(base) {
		return "", fmt.Errorf("%w: %s", ErrNotAllowed, name)
	}

	path := filepath.Join(s.dir, base)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return path, nil
}
