package config

import (
	"os"
	"path/filepath"
)

// EnvConfigPath overrides the configuration file location.
const EnvConfigPath = "PLUGINRT_CONFIG"

// GetConfigPath returns the configuration file path. It first checks the
// PLUGINRT_CONFIG environment variable, then falls back to
// ~/.plugin-runtime/config.
func GetConfigPath() (string, error) {
	if configPath := os.Getenv(EnvConfigPath); configPath != "" {
		return configPath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".plugin-runtime", "config"), nil
}

// ResolveRelative resolves a path option relative to the directory of the
// config file it came from. Absolute and empty paths are returned as-is.
func ResolveRelative(configPath, p string) string {
	if p == "" || filepath.IsAbs(p) || configPath == "" {
		return p
	}
	return filepath.Join(filepath.Dir(configPath), p)
}
