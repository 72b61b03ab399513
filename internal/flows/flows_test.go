package flows

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func mustWrite(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestScanFindsBundles(t *testing.T) {
	flowsDir := t.TempDir()
	mustWrite(t, filepath.Join(flowsDir, "alpha", ConfigFileName), `{"url":"alpha","name":"Alpha"}`)
	mustWrite(t, filepath.Join(flowsDir, "beta", ConfigFileName), `{"url":"beta"}`)
	mustWrite(t, filepath.Join(flowsDir, "broken", ConfigFileName), `{"url":`)
	mustWrite(t, filepath.Join(flowsDir, "nameless", ConfigFileName), `{"name":"no url"}`)
	mustWrite(t, filepath.Join(flowsDir, "empty", "readme.md"), "not a flow")
	mustWrite(t, filepath.Join(flowsDir, "stray.txt"), "not a directory")

	reg, err := Scan(flowsDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("registered = %d, want 2", reg.Len())
	}

	urls := map[string]bool{}
	for _, f := range reg.Flows() {
		urls[f.URL] = true
	}
	if !urls["alpha"] || !urls["beta"] {
		t.Errorf("unexpected flows: %v", urls)
	}
}

func TestScanMissingDir(t *testing.T) {
	reg, err := Scan(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if reg.Len() != 0 {
		t.Errorf("registered = %d, want 0", reg.Len())
	}
}

func TestRegistryConfigsPassThrough(t *testing.T) {
	flowsDir := t.TempDir()
	mustWrite(t, filepath.Join(flowsDir, "alpha", ConfigFileName), `{"url":"alpha","custom":{"deep":true}}`)

	reg, err := Scan(flowsDir)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	configs := reg.Configs()
	if len(configs) != 1 {
		t.Fatalf("configs = %d, want 1", len(configs))
	}

	var doc map[string]any
	if err := json.Unmarshal(configs[0], &doc); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}
	if doc["custom"].(map[string]any)["deep"] != true {
		t.Errorf("custom fields not preserved: %v", doc)
	}
}

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	flowsDir := t.TempDir()
	coreDir := t.TempDir()
	mustWrite(t, filepath.Join(coreDir, "templates", "index.html"), "<html>flow</html>")
	return NewStore(flowsDir, coreDir), flowsDir, coreDir
}

func TestStoreCreate(t *testing.T) {
	store, flowsDir, _ := newTestStore(t)

	name, err := store.Create(json.RawMessage(`{"url":"my_flow","name":"Mine"}`), []byte(`{"nodes":[]}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if name != "my_flow" {
		t.Errorf("name = %q, want %q", name, "my_flow")
	}

	dir := filepath.Join(flowsDir, "my_flow")
	cfg, err := os.ReadFile(filepath.Join(dir, ConfigFileName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(cfg), "\n  ") {
		t.Errorf("config should be indented, got %q", cfg)
	}
	if _, err := os.Stat(filepath.Join(dir, WorkflowFileName)); err != nil {
		t.Errorf("wf.json missing: %v", err)
	}
	if data, err := os.ReadFile(filepath.Join(dir, "index.html")); err != nil || string(data) != "<html>flow</html>" {
		t.Errorf("index.html = %q, %v", data, err)
	}
}

func TestStoreCreateRejectsUnsafeName(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Create(json.RawMessage(`{"url":"../evil"}`), []byte(`{}`))
	if !errors.Is(err, ErrInvalidName) {
		t.Fatalf("err = %v, want ErrInvalidName", err)
	}
}

func TestStoreCreateRejectsMalformedConfig(t *testing.T) {
	store, _, _ := newTestStore(t)
	_, err := store.Create(json.RawMessage(`{"url":`), []byte(`{}`))
	if !errors.Is(err, ErrConfigMalformed) {
		t.Fatalf("err = %v, want ErrConfigMalformed", err)
	}
}

func TestStoreCreateRejectsExisting(t *testing.T) {
	store, flowsDir, _ := newTestStore(t)
	mustWrite(t, filepath.Join(flowsDir, "taken", ConfigFileName), `{"url":"taken"}`)

	_, err := store.Create(json.RawMessage(`{"url":"taken"}`), []byte(`{}`))
	if !errors.Is(err, ErrFlowExists) {
		t.Fatalf("err = %v, want ErrFlowExists", err)
	}
}

func TestStoreCreateRollsBackOnMissingTemplate(t *testing.T) {
	flowsDir := t.TempDir()
	store := NewStore(flowsDir, filepath.Join(t.TempDir(), "no-core"))

	_, err := store.Create(json.RawMessage(`{"url":"doomed"}`), []byte(`{}`))
	if err == nil {
		t.Fatal("expected error for missing template")
	}
	if _, statErr := os.Stat(filepath.Join(flowsDir, "doomed")); !os.IsNotExist(statErr) {
		t.Error("partial bundle should be removed after failure")
	}
}

func TestStoreSaveConfig(t *testing.T) {
	store, flowsDir, _ := newTestStore(t)
	mustWrite(t, filepath.Join(flowsDir, "alpha", ConfigFileName), `{"url":"alpha"}`)

	if err := store.SaveConfig("alpha", json.RawMessage(`{"url":"alpha","title":"updated"}`)); err != nil {
		t.Fatalf("save config: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(flowsDir, "alpha", ConfigFileName))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "updated") {
		t.Errorf("config not updated: %q", data)
	}
}

func TestStoreSaveConfigErrors(t *testing.T) {
	store, _, _ := newTestStore(t)

	if err := store.SaveConfig("missing", json.RawMessage(`{}`)); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("err = %v, want ErrFlowNotFound", err)
	}
	if err := store.SaveConfig("../evil", json.RawMessage(`{}`)); !errors.Is(err, ErrInvalidName) {
		t.Errorf("err = %v, want ErrInvalidName", err)
	}
}
