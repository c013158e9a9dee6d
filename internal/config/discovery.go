package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "CRUNCHY_CONFIG"

// systemConfigPath is a var so tests can point it elsewhere.
var systemConfigPath = "/etc/crunchy/config.yaml"

// Discover finds the config file. Priority order: flagPath,
// $CRUNCHY_CONFIG, ~/.config/crunchy/config.yaml, /etc/crunchy/config.yaml,
// ./config.yaml.
func Discover(flagPath string) (string, error) {
	if flagPath != "" {
		if _, err := os.Stat(flagPath); err != nil {
			return "", fmt.Errorf("config file not found: %s", flagPath)
		}
		return flagPath, nil
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfig := filepath.Join(homeDir, ".config", "crunchy", "config.yaml")
		if fileExists(userConfig) {
			return userConfig, nil
		}
	}

	if fileExists(systemConfigPath) {
		return systemConfigPath, nil
	}

	if fileExists("config.yaml") {
		return "config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: --config, $%s, ~/.config/crunchy/config.yaml, %s, ./config.yaml)",
		EnvConfigPath, systemConfigPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
