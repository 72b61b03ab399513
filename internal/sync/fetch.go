package sync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/flowhub/flowhub/internal/logging"
	"github.com/flowhub/flowhub/internal/metrics"
)

// Fetcher populates a staging directory with a fresh copy of a remote tree.
type Fetcher interface {
	Fetch(ctx context.Context, remoteURL, dir string) error
}

// GitFetcher fetches a remote tree via git clone.
type GitFetcher struct {
	// Depth sets the clone depth. Zero means a full clone.
	Depth int
}

// Fetch clones remoteURL into dir.
func (f *GitFetcher) Fetch(ctx context.Context, remoteURL, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:          remoteURL,
		Depth:        f.Depth,
		SingleBranch: true,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", remoteURL, err)
	}
	return nil
}

// FetchAndSync obtains a fresh copy of the remote tree into an ephemeral
// staging directory, merges it into destination, and reclaims the staging
// directory on every exit path. If the fetch step fails the merge never
// runs and the destination is left byte-for-byte unchanged.
func (s *Syncer) FetchAndSync(ctx context.Context, remoteURL, destination string) error {
	start := time.Now()

	staging, err := os.MkdirTemp("", "flowhub-fetch-*")
	if err != nil {
		metrics.RecordSyncPass(time.Since(start), false)
		return fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	bundleDir := filepath.Join(staging, "bundle")
	if err := s.fetcher.Fetch(ctx, remoteURL, bundleDir); err != nil {
		metrics.RecordSyncPass(time.Since(start), false)
		return fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	copied, err := s.Merge(bundleDir, destination)
	metrics.RecordSyncEntries(copied)
	if err != nil {
		metrics.RecordSyncPass(time.Since(start), false)
		return fmt.Errorf("merge fetched tree into %s: %w", destination, err)
	}

	metrics.RecordSyncPass(time.Since(start), true)
	logging.Info("flow bundles synchronized",
		zap.String("url", remoteURL),
		zap.String("destination", destination),
		zap.Int("entries", copied),
		zap.Duration("duration", time.Since(start)))
	return nil
}
