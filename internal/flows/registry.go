// Package flows discovers and manages flow UI bundles on disk.
//
// A flow bundle is a subdirectory of the flows root carrying a
// flowConfig.json. The registry is an immutable snapshot built by a single
// scan; callers rebuild it after mutating the flows tree.
package flows

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"go.uber.org/zap"

	"github.com/flowhub/flowhub/internal/logging"
	"github.com/flowhub/flowhub/internal/metrics"
)

// ConfigFileName is the per-bundle configuration file.
const ConfigFileName = "flowConfig.json"

var safeNameRegex = regexp.MustCompile(`^[\w\-]+$`)

// ErrFlowExists is returned when creating a flow whose name is taken.
var ErrFlowExists = errors.New("flow already exists")

// ErrFlowNotFound is returned when operating on a flow that does not exist.
var ErrFlowNotFound = errors.New("flow not found")

// ErrInvalidName is returned when a caller-supplied flow name fails the
// safe-name check.
var ErrInvalidName = errors.New("invalid flow name")

// ErrConfigMalformed is returned when a caller-supplied configuration
// document cannot be parsed.
var ErrConfigMalformed = errors.New("malformed flow config")

// ValidName reports whether name is safe to use as a flow directory and
// route segment (letters, digits, dashes and underscores only).
func ValidName(name string) bool {
	return safeNameRegex.MatchString(name)
}

// Flow describes one discovered flow bundle.
type Flow struct {
	// URL is the route segment declared in the bundle's config.
	URL string
	// Dir is the bundle directory on disk.
	Dir string
	// Config is the full configuration document as found on disk.
	Config json.RawMessage
}

// Registry is an immutable snapshot of discovered flow bundles.
type Registry struct {
	flows []Flow
	byURL map[string]Flow
}

// Scan walks the immediate subdirectories of flowsDir and builds a registry
// from every bundle with a parseable config. A malformed or incomplete
// bundle is logged and skipped so one bad flow never prevents others from
// being served. A missing flowsDir yields an empty registry.
func Scan(flowsDir string) (*Registry, error) {
	entries, err := os.ReadDir(flowsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return &Registry{}, nil
		}
		return nil, fmt.Errorf("read flows dir %s: %w", flowsDir, err)
	}

	var found []Flow
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(flowsDir, entry.Name())
		raw, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
		if err != nil {
			if !os.IsNotExist(err) {
				logging.Warn("unreadable flow config, skipping",
					zap.String("dir", dir), zap.Error(err))
			}
			continue
		}

		var header struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal(raw, &header); err != nil {
			logging.Warn("malformed flow config, skipping",
				zap.String("dir", dir), zap.Error(err))
			continue
		}
		if header.URL == "" {
			logging.Warn("flow config missing url, skipping", zap.String("dir", dir))
			continue
		}

		found = append(found, Flow{URL: header.URL, Dir: dir, Config: raw})
	}

	byURL := make(map[string]Flow, len(found))
	for _, f := range found {
		byURL[f.URL] = f
	}

	metrics.SetFlowsRegistered(len(found))
	return &Registry{flows: found, byURL: byURL}, nil
}

// Lookup returns the flow registered under the given route segment.
func (r *Registry) Lookup(url string) (Flow, bool) {
	f, ok := r.byURL[url]
	return f, ok
}

// Flows returns a copy of the registered flows.
func (r *Registry) Flows() []Flow {
	out := make([]Flow, len(r.flows))
	copy(out, r.flows)
	return out
}

// Configs returns the configuration documents of all registered flows,
// suitable for direct JSON serialization.
func (r *Registry) Configs() []json.RawMessage {
	out := make([]json.RawMessage, 0, len(r.flows))
	for _, f := range r.flows {
		out = append(out, f.Config)
	}
	return out
}

// Len returns the number of registered flows.
func (r *Registry) Len() int { return len(r.flows) }
