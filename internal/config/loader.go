package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".contextmesh"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "CONTEXTMESH"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CONTEXTMESH_CONFIG")); explicit != "" {
		return expandHome(explicit)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, path[1:]), nil
}

// Load reads the config file (if present), applies environment overrides,
// and expands ~ in path settings. A missing file is not an error: defaults
// plus environment are used.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Defaults + env only.
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.Paths.DataDir, err = expandHome(cfg.Paths.DataDir); err != nil {
		return nil, err
	}
	if cfg.Paths.SessionDB, err = expandHome(cfg.Paths.SessionDB); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays CONTEXTMESH_* environment variables group by group, so
// e.g. CONTEXTMESH_PRESENCE_TIMEOUT overrides Presence.Timeout.
func applyEnv(cfg *Config) error {
	groups := []struct {
		prefix string
		target any
	}{
		{EnvPrefix + "_PATHS", &cfg.Paths},
		{EnvPrefix + "_TRANSPORT", &cfg.Transport},
		{EnvPrefix + "_FUSION", &cfg.Fusion},
		{EnvPrefix + "_PRESENCE", &cfg.Presence},
		{EnvPrefix + "_SESSION", &cfg.Session},
		{EnvPrefix + "_GATEWAY", &cfg.Gateway},
	}
	for _, g := range groups {
		if err := envconfig.Process(g.prefix, g.target); err != nil {
			return fmt.Errorf("apply env overrides (%s): %w", g.prefix, err)
		}
	}
	return nil
}

// Save writes the config to the config file, creating the directory if needed.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}
