package sync

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sabhiram/go-gitignore"
)

// Syncer performs recursive directory merges. The zero value is not usable;
// construct with New.
type Syncer struct {
	deny    *ignore.GitIgnore
	fetcher Fetcher
}

// Option configures a Syncer.
type Option func(*Syncer)

// WithDenyPatterns extends the default exclusion set with additional
// gitignore-style patterns.
func WithDenyPatterns(patterns ...string) Option {
	return func(s *Syncer) {
		s.deny = DefaultDenylist(patterns...)
	}
}

// WithFetcher replaces the default git-based fetch mechanism.
func WithFetcher(f Fetcher) Option {
	return func(s *Syncer) {
		s.fetcher = f
	}
}

// New creates a Syncer with the default denylist and a shallow git fetcher.
func New(opts ...Option) *Syncer {
	s := &Syncer{
		deny:    DefaultDenylist(),
		fetcher: &GitFetcher{Depth: 1},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge recursively merges source into destination. Source content wins on
// file collisions, destination-only entries are left untouched, and
// denylisted names are never copied at any depth. The destination directory
// (including missing ancestors) is created if absent. File mode and
// modification time are preserved on copied files.
//
// Merge is not transactional: a failure partway through leaves the
// destination partially merged. It returns the number of entries copied.
func (s *Syncer) Merge(source, destination string) (int, error) {
	info, err := os.Stat(source)
	if err != nil {
		return 0, fmt.Errorf("read source %s: %w", source, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("source %s is not a directory", source)
	}
	if err := os.MkdirAll(destination, 0o755); err != nil {
		return 0, fmt.Errorf("create destination %s: %w", destination, err)
	}
	return s.mergeDir(source, destination)
}

func (s *Syncer) mergeDir(source, destination string) (int, error) {
	entries, err := os.ReadDir(source)
	if err != nil {
		return 0, fmt.Errorf("read source %s: %w", source, err)
	}

	copied := 0
	for _, entry := range entries {
		name := entry.Name()
		if denied(s.deny, name, entry.IsDir()) {
			continue
		}

		srcPath := filepath.Join(source, name)
		dstPath := filepath.Join(destination, name)

		dstInfo, statErr := os.Lstat(dstPath)
		exists := statErr == nil
		if statErr != nil && !os.IsNotExist(statErr) {
			return copied, fmt.Errorf("stat %s: %w", dstPath, statErr)
		}

		if entry.IsDir() {
			if exists && !dstInfo.IsDir() {
				return copied, fmt.Errorf("%w: %s is a directory in source but not in destination", ErrEntryConflict, name)
			}
			if !exists {
				if err := os.MkdirAll(dstPath, 0o755); err != nil {
					return copied, fmt.Errorf("create directory %s: %w", dstPath, err)
				}
			}
			n, err := s.mergeDir(srcPath, dstPath)
			copied += n
			if err != nil {
				return copied, err
			}
			continue
		}

		if exists && dstInfo.IsDir() {
			return copied, fmt.Errorf("%w: %s is a file in source but a directory in destination", ErrEntryConflict, name)
		}

		srcInfo, err := entry.Info()
		if err != nil {
			return copied, fmt.Errorf("stat %s: %w", srcPath, err)
		}
		if err := copyFile(srcPath, dstPath, srcInfo); err != nil {
			return copied, err
		}
		copied++
	}
	return copied, nil
}

// copyFile copies src to dst, overwriting dst and preserving the source
// file's permission bits and modification time.
func copyFile(src, dst string, srcInfo os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, srcInfo.Mode().Perm())
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}

	// Overwriting an existing file keeps its old mode; re-apply the source's.
	if err := os.Chmod(dst, srcInfo.Mode().Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", dst, err)
	}
	if err := os.Chtimes(dst, srcInfo.ModTime(), srcInfo.ModTime()); err != nil {
		return fmt.Errorf("set mtime %s: %w", dst, err)
	}
	return nil
}
