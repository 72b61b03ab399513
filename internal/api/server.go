// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/flowhub/flowhub/internal/config"
	"github.com/flowhub/flowhub/internal/events"
	"github.com/flowhub/flowhub/internal/flows"
	"github.com/flowhub/flowhub/internal/logging"
	"github.com/flowhub/flowhub/internal/metrics"
	"github.com/flowhub/flowhub/internal/nodes"
	"github.com/flowhub/flowhub/internal/themes"
)

// Version is reported by the flow-version endpoint.
const Version = "0.1.5"

// opResponse is the structured result of an externally triggered operation.
type opResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// errorResponse is the JSON error body.
type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server is the HTTP server.
type Server struct {
	config      *config.Config
	flowStore   *flows.Store
	nodes       *nodes.Manager
	themes      *themes.Store
	broadcaster *events.Broadcaster

	// Registry snapshot, swapped wholesale on refresh.
	mu       sync.RWMutex
	registry *flows.Registry

	// Builder UIs served under /flow/{name} from outside the flows tree.
	builtinApps map[string]string
}

// NewServer creates a new server around an initial registry snapshot.
func NewServer(
	cfg *config.Config,
	registry *flows.Registry,
	flowStore *flows.Store,
	nodeManager *nodes.Manager,
	themeStore *themes.Store,
	broadcaster *events.Broadcaster,
) *Server {
	builtin := map[string]string{}
	for _, name := range []string{"flower", "linker"} {
		dir := filepath.Join(cfg.WebRoot, name)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			builtin[name] = dir
		}
	}

	return &Server{
		config:      cfg,
		registry:    registry,
		flowStore:   flowStore,
		nodes:       nodeManager,
		themes:      themeStore,
		broadcaster: broadcaster,
		builtinApps: builtin,
	}
}

// Registry returns the current registry snapshot.
func (s *Server) Registry() *flows.Registry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registry
}

// RefreshRegistry rebuilds the registry snapshot from disk.
func (s *Server) RefreshRegistry() error {
	registry, err := flows.Scan(s.config.FlowsDir())
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.registry = registry
	s.mu.Unlock()
	return nil
}

// Handler returns the HTTP handler with logging and metrics middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	// Flow API
	mux.HandleFunc("GET /api/apps", s.handleApps)
	mux.HandleFunc("GET /api/flow-version", s.handleVersion)
	mux.HandleFunc("GET /api/extension-node-map", s.handleExtensionNodeMap)
	mux.HandleFunc("POST /api/save-config", s.handleSaveConfig)
	mux.HandleFunc("POST /api/create-flow", s.handleCreateFlow)

	// Package lifecycle API
	mux.HandleFunc("POST /api/install-package", s.handleInstallPackage)
	mux.HandleFunc("POST /api/update-package", s.handleUpdatePackage)
	mux.HandleFunc("POST /api/uninstall-package", s.handleUninstallPackage)
	mux.HandleFunc("GET /api/installed-custom-nodes", s.handleInstalledNodes)

	// SSE lifecycle events
	mux.HandleFunc("GET /api/events", s.handleEvents)

	// Themes. Registered before the core static mount; the more specific
	// patterns win.
	mux.HandleFunc("GET /core/css/themes/list", s.handleListThemes)
	mux.HandleFunc("GET /core/css/themes/{filename}", s.handleGetTheme)

	// Core static assets
	coreDir := s.config.CoreDir()
	if info, err := os.Stat(coreDir); err == nil && info.IsDir() {
		mux.Handle("GET /core/", http.StripPrefix("/core/", http.FileServer(http.Dir(coreDir))))
	}

	// Base flow app and per-flow bundles
	mux.HandleFunc("GET /flow", s.handleFlowAppIndex)
	mux.HandleFunc("GET /flow/{$}", s.handleFlowAppIndex)
	mux.HandleFunc("GET /flow/{flow}", s.handleFlowIndex)
	mux.HandleFunc("GET /flow/{flow}/{file...}", s.handleFlowAsset)

	return metrics.Middleware(logging.Middleware(mux))
}

// ─── Health & metadata ──────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": Version})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	configs := s.Registry().Configs()
	if configs == nil {
		configs = []json.RawMessage{}
	}
	s.writeJSON(w, http.StatusOK, configs)
}

func (s *Server) handleExtensionNodeMap(w http.ResponseWriter, r *http.Request) {
	path := s.config.ExtensionNodeMapPath
	if path == "" {
		s.sendError(w, http.StatusNotFound, "extension node map not configured")
		return
	}
	if _, err := os.Stat(path); err != nil {
		s.sendError(w, http.StatusNotFound, "extension node map not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	http.ServeFile(w, r, path)
}

// ─── SSE events ─────────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := s.broadcaster.Subscribe()
	defer s.broadcaster.Unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) publishEvent(eventType, name, message string) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Publish(events.Event{Type: eventType, Name: name, Message: message})
}

// ─── Package lifecycle ──────────────────────────────────────────────────────

// packageRequest is the body of install/update/uninstall requests.
type packageRequest struct {
	PackageURL string `json:"packageUrl"`
}

func (s *Server) decodePackageRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req packageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PackageURL == "" {
		s.sendError(w, http.StatusBadRequest, "missing 'packageUrl' in request body")
		return "", false
	}
	return req.PackageURL, true
}

func (s *Server) handleInstallPackage(w http.ResponseWriter, r *http.Request) {
	url, ok := s.decodePackageRequest(w, r)
	if !ok {
		return
	}

	name, err := s.nodes.Install(r.Context(), url)
	switch {
	case errors.Is(err, nodes.ErrAlreadyInstalled):
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "already_installed",
			Message: fmt.Sprintf("custom node %q is already installed", name),
		})
	case err != nil:
		logging.Error("package install failed", zap.String("url", url), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, opResponse{
			Status:  "error",
			Message: fmt.Sprintf("failed to install custom node %q: %v", name, err),
		})
	default:
		s.publishEvent(events.EventInstall, name, "installed")
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "success",
			Message: fmt.Sprintf("custom node %q installed successfully", name),
		})
	}
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	url, ok := s.decodePackageRequest(w, r)
	if !ok {
		return
	}

	name, err := s.nodes.Update(r.Context(), url)
	switch {
	case errors.Is(err, nodes.ErrNotInstalled):
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "not_installed",
			Message: fmt.Sprintf("custom node %q is not installed", name),
		})
	case err != nil:
		logging.Error("package update failed", zap.String("url", url), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, opResponse{
			Status:  "error",
			Message: fmt.Sprintf("failed to update custom node %q: %v", name, err),
		})
	default:
		s.publishEvent(events.EventUpdate, name, "updated")
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "success",
			Message: fmt.Sprintf("custom node %q updated successfully", name),
		})
	}
}

func (s *Server) handleUninstallPackage(w http.ResponseWriter, r *http.Request) {
	url, ok := s.decodePackageRequest(w, r)
	if !ok {
		return
	}

	name, err := s.nodes.Uninstall(url)
	switch {
	case errors.Is(err, nodes.ErrNotInstalled):
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "not_installed",
			Message: fmt.Sprintf("custom node %q is not installed", name),
		})
	case err != nil:
		logging.Error("package uninstall failed", zap.String("url", url), zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, opResponse{
			Status:  "error",
			Message: fmt.Sprintf("failed to uninstall custom node %q: %v", name, err),
		})
	default:
		s.publishEvent(events.EventUninstall, name, "uninstalled")
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "success",
			Message: fmt.Sprintf("custom node %q uninstalled successfully", name),
		})
	}
}

func (s *Server) handleInstalledNodes(w http.ResponseWriter, r *http.Request) {
	names, err := s.nodes.Installed()
	if err != nil {
		logging.Error("listing installed nodes failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list installed custom nodes")
		return
	}
	if names == nil {
		names = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string][]string{"installedNodes": names})
}

// ─── Flow lifecycle ─────────────────────────────────────────────────────────

func (s *Server) handleSaveConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, s.config.MaxUploadSize))
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	var header struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &header); err != nil || header.URL == "" {
		s.sendError(w, http.StatusBadRequest, "missing 'url' in configuration")
		return
	}

	err = s.flowStore.SaveConfig(header.URL, body)
	switch {
	case errors.Is(err, flows.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, flows.ErrFlowNotFound):
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("flow %q not found", header.URL))
	case err != nil:
		logging.Error("saving flow config failed", zap.String("flow", header.URL), zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to save configuration")
	default:
		if err := s.RefreshRegistry(); err != nil {
			logging.Warn("registry refresh failed", zap.Error(err))
		}
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "success",
			Message: fmt.Sprintf("configuration for flow %q saved successfully", header.URL),
		})
	}
}

func (s *Server) handleCreateFlow(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.config.MaxUploadSize); err != nil {
		s.sendError(w, http.StatusBadRequest, "malformed multipart request")
		return
	}

	flowConfig, err := s.multipartField(r, "flowConfig")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "missing 'flowConfig' in request")
		return
	}
	workflow, err := s.multipartField(r, "wf")
	if err != nil {
		s.sendError(w, http.StatusBadRequest, "missing 'wf' in request")
		return
	}

	name, err := s.flowStore.Create(flowConfig, workflow)
	switch {
	case errors.Is(err, flows.ErrConfigMalformed):
		s.sendError(w, http.StatusBadRequest, "malformed 'flowConfig' document")
	case errors.Is(err, flows.ErrInvalidName):
		s.sendError(w, http.StatusBadRequest,
			"invalid 'url' in flowConfig: only letters, numbers, dashes and underscores are allowed")
	case errors.Is(err, flows.ErrFlowExists):
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("flow %q already exists", name))
	case err != nil:
		logging.Error("creating flow failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to create flow")
	default:
		if err := s.RefreshRegistry(); err != nil {
			logging.Warn("registry refresh failed", zap.Error(err))
		}
		s.publishEvent(events.EventFlowCreated, name, "created")
		s.writeJSON(w, http.StatusOK, opResponse{
			Status:  "success",
			Message: fmt.Sprintf("flow %q created successfully", name),
		})
	}
}

// multipartField reads a multipart part regardless of whether the client
// sent it as a form value or a file part.
func (s *Server) multipartField(r *http.Request, name string) ([]byte, error) {
	if values := r.MultipartForm.Value[name]; len(values) > 0 {
		return []byte(values[0]), nil
	}
	if headers := r.MultipartForm.File[name]; len(headers) > 0 {
		f, err := headers[0].Open()
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return io.ReadAll(f)
	}
	return nil, fmt.Errorf("part %q not present", name)
}

// ─── Themes ─────────────────────────────────────────────────────────────────

func (s *Server) handleListThemes(w http.ResponseWriter, r *http.Request) {
	names, err := s.themes.List()
	if err != nil {
		logging.Error("listing themes failed", zap.Error(err))
		s.sendError(w, http.StatusInternalServerError, "failed to list theme files")
		return
	}
	s.writeJSON(w, http.StatusOK, names)
}

func (s *Server) handleGetTheme(w http.ResponseWriter, r *http.Request) {
	path, err := s.themes.Resolve(r.PathValue("filename"))
	if err != nil {
		// Disallowed and missing files look the same to callers.
		s.sendError(w, http.StatusNotFound, "theme not found")
		return
	}
	http.ServeFile(w, r, path)
}

// ─── Flow static serving ────────────────────────────────────────────────────

func (s *Server) handleFlowAppIndex(w http.ResponseWriter, r *http.Request) {
	index := filepath.Join(s.config.WebRoot, "flow", "index.html")
	if _, err := os.Stat(index); err != nil {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, index)
}

// flowDir resolves a /flow/{name} route segment to a directory on disk:
// builder UIs first, then registered bundles.
func (s *Server) flowDir(name string) (string, bool) {
	if dir, ok := s.builtinApps[name]; ok {
		return dir, true
	}
	if f, ok := s.Registry().Lookup(name); ok {
		return f.Dir, true
	}
	return "", false
}

func (s *Server) handleFlowIndex(w http.ResponseWriter, r *http.Request) {
	dir, ok := s.flowDir(r.PathValue("flow"))
	if !ok {
		// Fall back to assets of the base flow app (css, js, media).
		s.serveFlowAppAsset(w, r, r.PathValue("flow"))
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, "index.html"))
}

func (s *Server) handleFlowAsset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("flow")
	dir, ok := s.flowDir(name)
	if !ok {
		s.serveFlowAppAsset(w, r, name+"/"+r.PathValue("file"))
		return
	}

	rel := filepath.Clean(filepath.FromSlash(r.PathValue("file")))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(dir, rel))
}

// serveFlowAppAsset serves a path from the base flow app directory.
func (s *Server) serveFlowAppAsset(w http.ResponseWriter, r *http.Request, rel string) {
	root := filepath.Join(s.config.WebRoot, "flow")
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		http.NotFound(w, r)
		return
	}
	path := filepath.Join(root, clean)
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, path)
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorResponse{Error: message, Code: code})
}
