// Package nodes manages custom node packages installed from git remotes.
//
// Each package lives in its own directory under the custom nodes root,
// named after the last segment of its remote locator. Install clones the
// remote and optionally runs a dependency installer; any failure after the
// clone removes the partially created directory so the root returns to its
// prior state.
package nodes

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/flowhub/flowhub/internal/logging"
	"github.com/flowhub/flowhub/internal/metrics"
)

// RequirementsFileName triggers the dependency installer when present in a
// freshly cloned package.
const RequirementsFileName = "requirements.txt"

// ErrAlreadyInstalled is returned when installing a package whose directory
// already exists.
var ErrAlreadyInstalled = errors.New("package already installed")

// ErrNotInstalled is returned when updating or uninstalling a package that
// is not present.
var ErrNotInstalled = errors.New("package not installed")

// ErrInstallerFailed is returned when the dependency installer subprocess
// exits non-zero.
var ErrInstallerFailed = errors.New("dependency installer failed")

var safeNameRegex = regexp.MustCompile(`^[\w.\-]+$`)

// Manager installs, updates and uninstalls custom node packages. Operations
// are serialized internally: the packages root is a single-writer resource.
type Manager struct {
	root      string
	installer string
	mu        sync.Mutex

	// Seams for tests; default to go-git and os/exec.
	cloneFn   func(ctx context.Context, remoteURL, dir string) error
	pullFn    func(ctx context.Context, dir string) error
	installFn func(ctx context.Context, installer, requirements, dir string) error
}

// NewManager creates a manager rooted at dir. installer names the
// dependency installer command; empty disables the dependency step.
func NewManager(dir, installer string) *Manager {
	return &Manager{
		root:      dir,
		installer: installer,
		cloneFn:   gitClone,
		pullFn:    gitPull,
		installFn: runInstaller,
	}
}

// PackageName derives the package directory name from a remote locator:
// the last path segment with trailing slashes and a .git suffix stripped.
func PackageName(remoteURL string) (string, error) {
	trimmed := strings.TrimRight(remoteURL, "/")
	name := strings.TrimSuffix(path.Base(trimmed), ".git")
	if name == "." || name == ".." || !safeNameRegex.MatchString(name) {
		return "", fmt.Errorf("unsafe package name %q derived from %q", name, remoteURL)
	}
	return name, nil
}

// Install clones remoteURL into the packages root and runs the dependency
// installer when the package ships a requirements file. It returns the
// package name.
func (m *Manager) Install(ctx context.Context, remoteURL string) (string, error) {
	name, err := PackageName(remoteURL)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, name)
	if _, err := os.Stat(dir); err == nil {
		return name, fmt.Errorf("%w: %s", ErrAlreadyInstalled, name)
	}
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return name, fmt.Errorf("create packages root %s: %w", m.root, err)
	}

	start := time.Now()
	if err := m.cloneFn(ctx, remoteURL, dir); err != nil {
		removeTree(dir)
		metrics.RecordPackageOperation("install", time.Since(start), false)
		return name, fmt.Errorf("install %s: %w", name, err)
	}

	requirements := filepath.Join(dir, RequirementsFileName)
	if m.installer != "" {
		if _, err := os.Stat(requirements); err == nil {
			if err := m.installFn(ctx, m.installer, requirements, dir); err != nil {
				removeTree(dir)
				metrics.RecordPackageOperation("install", time.Since(start), false)
				return name, fmt.Errorf("install %s: %w", name, err)
			}
		}
	}

	metrics.RecordPackageOperation("install", time.Since(start), true)
	logging.Info("custom node package installed",
		zap.String("package", name), zap.String("url", remoteURL))
	return name, nil
}

// Update fast-forwards an installed package from its origin remote.
// An already up-to-date package is a success.
func (m *Manager) Update(ctx context.Context, remoteURL string) (string, error) {
	name, err := PackageName(remoteURL)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, name)
	if _, err := os.Stat(dir); err != nil {
		return name, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	start := time.Now()
	if err := m.pullFn(ctx, dir); err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		metrics.RecordPackageOperation("update", time.Since(start), false)
		return name, fmt.Errorf("update %s: %w", name, err)
	}

	metrics.RecordPackageOperation("update", time.Since(start), true)
	logging.Info("custom node package updated", zap.String("package", name))
	return name, nil
}

// Uninstall removes an installed package directory. Read-only entries (git
// object files on some platforms) are made writable and removal retried.
func (m *Manager) Uninstall(remoteURL string) (string, error) {
	name, err := PackageName(remoteURL)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dir := filepath.Join(m.root, name)
	if _, err := os.Stat(dir); err != nil {
		return name, fmt.Errorf("%w: %s", ErrNotInstalled, name)
	}

	start := time.Now()
	if err := removeTree(dir); err != nil {
		metrics.RecordPackageOperation("uninstall", time.Since(start), false)
		return name, fmt.Errorf("uninstall %s: %w", name, err)
	}

	metrics.RecordPackageOperation("uninstall", time.Since(start), true)
	logging.Info("custom node package uninstalled", zap.String("package", name))
	return name, nil
}

// Installed returns the names of installed package directories.
func (m *Manager) Installed() ([]string, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read packages root %s: %w", m.root, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

func gitClone(ctx context.Context, remoteURL, dir string) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL: remoteURL,
	})
	if err != nil {
		return fmt.Errorf("clone %s: %w", remoteURL, err)
	}
	return nil
}

func gitPull(ctx context.Context, dir string) error {
	repo, err := git.PlainOpen(dir)
	if err != nil {
		return fmt.Errorf("open repository %s: %w", dir, err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree %s: %w", dir, err)
	}
	return worktree.PullContext(ctx, &git.PullOptions{RemoteName: "origin"})
}

func runInstaller(ctx context.Context, installer, requirements, dir string) error {
	cmd := exec.CommandContext(ctx, installer, "install", "-r", requirements)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s: %s", ErrInstallerFailed, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// removeTree removes a directory tree. If removal fails, every entry is
// chmod'ed writable and the removal retried once.
func removeTree(dir string) error {
	if err := os.RemoveAll(dir); err == nil {
		return nil
	}
	filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err == nil {
			os.Chmod(p, 0o700)
		}
		return nil
	})
	return os.RemoveAll(dir)
}
