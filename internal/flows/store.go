package flows

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WorkflowFileName is the per-bundle workflow document written on creation.
const WorkflowFileName = "wf.json"

// Store creates and updates flow bundles under a flows root.
type Store struct {
	flowsDir string
	coreDir  string
}

// NewStore creates a store rooted at flowsDir. coreDir supplies the
// index.html template for new flows.
func NewStore(flowsDir, coreDir string) *Store {
	return &Store{flowsDir: flowsDir, coreDir: coreDir}
}

// Create materializes a new flow bundle from a configuration document and a
// workflow document. The configuration must declare a safe "url" name. On
// any failure after the bundle directory is created, the partial bundle is
// removed so the flows tree returns to its prior state.
func (s *Store) Create(config json.RawMessage, workflow []byte) (string, error) {
	var header struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(config, &header); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConfigMalformed, err)
	}
	if !ValidName(header.URL) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, header.URL)
	}

	dir := filepath.Join(s.flowsDir, header.URL)
	if _, err := os.Stat(dir); err == nil {
		return "", fmt.Errorf("%w: %s", ErrFlowExists, header.URL)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create flow dir %s: %w", dir, err)
	}

	if err := s.populate(dir, config, workflow); err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return header.URL, nil
}

func (s *Store) populate(dir string, config json.RawMessage, workflow []byte) error {
	if err := writeJSONFile(filepath.Join(dir, ConfigFileName), config); err != nil {
		return err
	}
	if err := writeFileAtomic(filepath.Join(dir, WorkflowFileName), workflow); err != nil {
		return err
	}

	template := filepath.Join(s.coreDir, "templates", "index.html")
	in, err := os.Open(template)
	if err != nil {
		return fmt.Errorf("open index template %s: %w", template, err)
	}
	defer in.Close()

	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("read index template: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, "index.html"), data)
}

// SaveConfig overwrites the configuration of an existing flow.
func (s *Store) SaveConfig(name string, config json.RawMessage) error {
	if !ValidName(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	dir := filepath.Join(s.flowsDir, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", ErrFlowNotFound, name)
	}
	return writeJSONFile(filepath.Join(dir, ConfigFileName), config)
}

// writeJSONFile writes an indented JSON document atomically.
func writeJSONFile(path string, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFileAtomic(path, buf.Bytes())
}

// writeFileAtomic writes data via a temp file and rename so a crash never
// leaves a half-written document behind.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".flowhub-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp for %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp to %s: %w", path, err)
	}
	return nil
}
