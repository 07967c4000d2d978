package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides where config and database files live.
const ConfigDirEnv = EnvPrefix + "CONFIG_DIR"

// defaultConfigDir is relative to the user's home.
var defaultConfigDir = filepath.Join(".config", Name)

// GetConfigDir returns $APCORE_CONFIG_DIR, or ~/.config/apcore, creating it when missing.
func GetConfigDir() (string, error) {
	dir := os.Getenv(ConfigDirEnv)
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("locate home directory: %w", err)
		}
		dir = filepath.Join(home, defaultConfigDir)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create config directory %s: %w", dir, err)
	}
	return dir, nil
}

// ResolveFilePath maps a relative name to a file in the working directory when one exists there,
// and into the config directory otherwise. Absolute paths are returned untouched.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}
