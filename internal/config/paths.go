package config

import (
	"os"
	"path/filepath"
)

// GetUserConfigDir returns ~/.deskrelay.
func GetUserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(homeDir, ".deskrelay"), nil
}

// DefaultConfigPath returns ~/.deskrelay/config.yaml when that file exists,
// and "" otherwise so Load falls back to profile defaults.
func DefaultConfigPath() string {
	dir, err := GetUserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
