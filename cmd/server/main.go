// FlowHub Server
//
// Features:
// - Flow UI bundles served from disk, synchronized from a git remote
// - Flow configuration list/save/create endpoints
// - Custom node package install/update/uninstall (git + dependency installer)
// - Custom CSS theme serving
// - SSE real-time lifecycle events
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/flowhub/flowhub/internal/api"
	"github.com/flowhub/flowhub/internal/config"
	"github.com/flowhub/flowhub/internal/events"
	"github.com/flowhub/flowhub/internal/flows"
	"github.com/flowhub/flowhub/internal/logging"
	"github.com/flowhub/flowhub/internal/metrics"
	"github.com/flowhub/flowhub/internal/nodes"
	"github.com/flowhub/flowhub/internal/sync"
	"github.com/flowhub/flowhub/internal/themes"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		panic("configuration error: " + err.Error())
	}

	// Initialize structured logging
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("FlowHub Server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Synchronize flow bundles from the configured remote. A failed sync is
	// not fatal: the server keeps serving whatever is already on disk.
	if cfg.SyncOnStart && cfg.FlowsRepoURL != "" {
		syncCtx, syncCancel := context.WithTimeout(ctx, 5*time.Minute)
		syncer := sync.New()
		if err := syncer.FetchAndSync(syncCtx, cfg.FlowsRepoURL, cfg.FlowsDir()); err != nil {
			logging.Error("startup flow sync failed, serving existing bundles",
				zap.String("url", cfg.FlowsRepoURL), zap.Error(err))
		}
		syncCancel()
	}

	// Discover flow bundles
	registry, err := flows.Scan(cfg.FlowsDir())
	if err != nil {
		logging.Fatal("flow scan failed", zap.Error(err))
	}
	logging.Info("flow bundles registered", zap.Int("count", registry.Len()))

	// Initialize theme store
	themeStore, err := themes.NewStore(cfg.ThemesDir())
	if err != nil {
		logging.Fatal("theme store init failed", zap.Error(err))
	}

	// Initialize custom node package manager
	nodeManager := nodes.NewManager(cfg.CustomNodesDir, cfg.InstallerCommand)

	// Initialize SSE broadcaster
	broadcaster := events.NewBroadcaster()
	logging.Info("SSE broadcaster initialized")

	// Create API server
	srv := api.NewServer(
		cfg, registry,
		flows.NewStore(cfg.FlowsDir(), cfg.CoreDir()),
		nodeManager, themeStore, broadcaster,
	)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	// Start HTTP(S) server
	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Handler(),
	}

	useTLS := cfg.TLSCertFile != "" && cfg.TLSKeyFile != ""
	if useTLS {
		httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS13,
		}
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		httpServer.Shutdown(shutdownCtx)
		metricsServer.Close()
	}()

	if useTLS {
		logging.Info("server listening (TLS 1.3)",
			zap.String("addr", cfg.ListenAddr),
			zap.String("cert", cfg.TLSCertFile))
		if err := httpServer.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	} else {
		logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	}
}
