package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

const appName = "syncagent"

// DefaultConfigDir returns the directory config.toml, server.toml
// and credentials.json live in. Honors XDG_CONFIG_HOME on all
// platforms; falls back to ~/Library/Application Support on macOS
// and ~/.config elsewhere.
func DefaultConfigDir() (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName), nil
	}
	return filepath.Join(home, ".config", appName), nil
}

// DefaultDataDir returns the directory for databases, key material
// and (server-side) the chunk store. Honors XDG_DATA_HOME; falls
// back to ~/Library/Application Support on macOS and
// ~/.local/share elsewhere.
func DefaultDataDir() (string, error) {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, appName), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", appName), nil
	}
	return filepath.Join(home, ".local", "share", appName), nil
}

// DefaultConfigPath returns the client config file path.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// DefaultServerConfigPath returns the syncagentd config file path.
func DefaultServerConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "server.toml"), nil
}

// ExpandHome replaces a leading "~" in path with the user's home
// directory. Paths not starting with "~" are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path == "~" {
		return os.UserHomeDir()
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, `~\`) {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
