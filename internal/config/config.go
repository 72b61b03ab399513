// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Web root layout. Flows, core assets, builder UIs and custom themes
	// all live under WebRoot.
	WebRoot string

	// Flows bundle repository synchronized into WebRoot/flows at startup.
	FlowsRepoURL string
	SyncOnStart  bool

	// Custom node packages
	CustomNodesDir       string
	ExtensionNodeMapPath string

	// Dependency installer invoked after a package clone when the package
	// ships a requirements file. Empty disables the step.
	InstallerCommand string

	// TLS (optional; if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Uploads
	MaxUploadSize int64
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:           envOr("LISTEN_ADDR", ":8188"),
		MetricsAddr:          envOr("METRICS_ADDR", ":9090"),
		LogLevel:             envOr("LOG_LEVEL", "info"),
		LogFormat:            envOr("LOG_FORMAT", "json"),
		WebRoot:              envOr("WEB_ROOT", "web"),
		FlowsRepoURL:         envOr("FLOWS_REPO_URL", "https://github.com/diStyApps/flows_lib"),
		SyncOnStart:          envBool("SYNC_ON_START", true),
		CustomNodesDir:       envOr("CUSTOM_NODES_DIR", "custom_nodes"),
		ExtensionNodeMapPath: envOr("EXTENSION_NODE_MAP_PATH", ""),
		InstallerCommand:     envOr("INSTALLER_COMMAND", "pip"),
		TLSCertFile:          envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:           envOr("TLS_KEY_FILE", ""),
		MaxUploadSize:        envInt64("MAX_UPLOAD_SIZE", 16*1024*1024), // 16MB default
	}

	if cfg.WebRoot == "" {
		return nil, fmt.Errorf("WEB_ROOT is required")
	}
	if cfg.CustomNodesDir == "" {
		return nil, fmt.Errorf("CUSTOM_NODES_DIR is required")
	}

	return cfg, nil
}

// FlowsDir returns the directory holding synchronized flow bundles.
func (c *Config) FlowsDir() string { return filepath.Join(c.WebRoot, "flows") }

// CoreDir returns the directory holding shared core assets.
func (c *Config) CoreDir() string { return filepath.Join(c.WebRoot, "core") }

// ThemesDir returns the directory holding user-supplied CSS themes.
func (c *Config) ThemesDir() string { return filepath.Join(c.WebRoot, "custom-themes") }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
